// Package ids mints the opaque identifiers handed out by every layer of
// muxterm: panes, tabs, PTY sessions, and tmux control sessions.
package ids

import "github.com/google/uuid"

// PaneID identifies a pane (a LayoutNode leaf or a PaneState) for the
// lifetime of the process. Never reused.
type PaneID string

// TabID identifies a native UI tab.
type TabID string

// PtySessionID identifies a pseudoterminal session owned by the PTY
// manager.
type PtySessionID string

// ControlSessionID identifies one tmux control-mode client (one `tmux -CC`
// child process and its controller).
type ControlSessionID string

// NewPaneID mints a new opaque pane identifier.
func NewPaneID() PaneID { return PaneID(newID()) }

// NewTabID mints a new opaque tab identifier.
func NewTabID() TabID { return TabID(newID()) }

// NewPtySessionID mints a new opaque PTY session identifier.
func NewPtySessionID() PtySessionID { return PtySessionID(newID()) }

// NewControlSessionID mints a new opaque control session identifier.
func NewControlSessionID() ControlSessionID { return ControlSessionID(newID()) }

func newID() string {
	return uuid.New().String()
}
