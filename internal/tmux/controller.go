// Package tmux implements the control-mode client state machine: one
// Controller per `tmux -CC` child, reconciling its window/pane/layout
// events into the native layout tree and routing pane output, history
// hydration, and client-size sync.
package tmux

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/layout"
	"github.com/anirban-ghosh/muxterm/internal/pty"
	"github.com/anirban-ghosh/muxterm/internal/tmuxproto"
)

// ControlStream is the writable side of a control session's byte
// stream: commands go out through Write, geometry changes through
// Resize. *pty.Session satisfies it.
type ControlStream interface {
	Write(data []byte) bool
	Resize(cols, rows uint16) error
}

// Hooks is how a Controller tells the workspace coordinator about
// tab/pane lifecycle and delivers pane bytes. Calls come from the
// goroutine feeding the controller, and PaneData also from history
// hydration goroutines and bootstrap deadline timers; implementations
// must not block.
type Hooks interface {
	PaneData(tab ids.TabID, pane ids.PaneID, data []byte)
	TabCreated(tab ids.TabID, title string)
	TabLayoutChanged(tab ids.TabID, l *layout.Node, active ids.PaneID, title string)
	TabClosed(tab ids.TabID)
	SessionNameChanged(name string)
	// WorkspaceEmpty is invoked when this controller is left with no
	// tabs (its last window closed, or the control PTY exited); the
	// coordinator checks whether the whole workspace is empty and, if
	// so, opens a local shell tab.
	WorkspaceEmpty()
}

// paneBinding records which tab/native-pane a tmux pane id is currently
// bound to.
type paneBinding struct {
	tab  ids.TabID
	pane ids.PaneID
}

// Controller is one state machine per tmux -CC control session.
type Controller struct {
	id      ids.ControlSessionID
	control ControlStream // the tmux -CC child's PTY
	hooks   Hooks
	logger  *slog.Logger

	mu sync.Mutex

	lineBuf []byte

	socketPath     string
	socketWaiters  []chan struct{}

	windowToTab  map[string]ids.TabID
	paneToNative map[string]paneBinding
	layouts      map[ids.TabID]*layout.Node
	titles       map[ids.TabID]string
	activePane   map[ids.TabID]ids.PaneID
	sessionName  string

	bootstraps map[string]*bootstrapBuffer // keyed by tmux pane id
	prefetched map[string]*prefetch        // keyed by tmux pane id

	txQueue []*transaction
	txTimer *time.Timer

	lastComposite map[ids.TabID]paneSize
	lastPaneSize  map[string]paneSize // keyed by tmux pane id

	closed bool
}

// paneSize is a (cols, rows) geometry pair.
type paneSize struct {
	cols, rows uint16
}

// New constructs a Controller bound to an already-running tmux -CC
// control session and kicks off its bootstrap command sequence.
func New(id ids.ControlSessionID, control ControlStream, hooks Hooks, logger *slog.Logger) *Controller {
	c := &Controller{
		id:            id,
		control:       control,
		hooks:         hooks,
		logger:        logger,
		windowToTab:   make(map[string]ids.TabID),
		paneToNative:  make(map[string]paneBinding),
		layouts:       make(map[ids.TabID]*layout.Node),
		titles:        make(map[ids.TabID]string),
		activePane:    make(map[ids.TabID]ids.PaneID),
		bootstraps:    make(map[string]*bootstrapBuffer),
		prefetched:    make(map[string]*prefetch),
		lastComposite: make(map[ids.TabID]paneSize),
		lastPaneSize:  make(map[string]paneSize),
	}
	c.startBootstrap()
	return c
}

// Feed is the PTY consumer entry point: raw bytes read from the control
// session's PTY. It splits on \r?\n, keeps the trailing partial line
// buffered, and dispatches each complete line.
func (c *Controller) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.lineBuf = append(c.lineBuf, data...)
	for {
		idx := indexNewline(c.lineBuf)
		if idx < 0 {
			break
		}
		line := string(stripCR(c.lineBuf[:idx]))
		c.lineBuf = c.lineBuf[idx+1:]
		c.handleLine(line)
	}
}

// HandleControlExit runs session-wide cleanup once the control PTY has
// exited: every bound tab is closed, all bindings are dropped, and
// WorkspaceEmpty is signalled. Later calls, and later Feed bytes, are
// ignored.
func (c *Controller) HandleControlExit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for tab := range c.layouts {
		c.hooks.TabClosed(tab)
	}
	c.windowToTab = map[string]ids.TabID{}
	c.paneToNative = map[string]paneBinding{}
	c.layouts = map[ids.TabID]*layout.Node{}
	c.titles = map[ids.TabID]string{}
	c.activePane = map[ids.TabID]ids.PaneID{}
	c.prefetched = map[string]*prefetch{}
	// The coordinator decides workspace-emptiness across all
	// controllers; signal it so it can check.
	c.hooks.WorkspaceEmpty()
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func stripCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// handleLine routes one complete line: the active transaction first,
// then the bootstrap sniffers, then the general event parser.
func (c *Controller) handleLine(line string) {
	if c.feedTransaction(line) {
		return
	}
	if c.sniffBootstrap(line) {
		return
	}
	c.dispatchEvent(tmuxproto.ParseLine(line))
}

func (c *Controller) dispatchEvent(ev tmuxproto.Event) {
	switch ev.Kind {
	case tmuxproto.KindOutput:
		c.handleOutput(ev.TmuxPaneID, ev.Data)
	case tmuxproto.KindWindowAdd:
		c.applyLayoutLocked(ev.WindowID, "80x24,0,0,0", nil)
	case tmuxproto.KindWindowClose:
		c.handleWindowClose(ev.WindowID)
	case tmuxproto.KindWindowRenamed:
		c.handleWindowRenamed(ev.WindowID, ev.Name)
	case tmuxproto.KindLayoutChange:
		c.applyLayoutLocked(ev.WindowID, ev.Layout, nil)
	case tmuxproto.KindWindowPaneChanged:
		c.handleWindowPaneChanged(ev.WindowID, ev.PaneID)
	case tmuxproto.KindSessionChanged:
		c.sessionName = ev.SessionName
		c.hooks.SessionNameChanged(ev.SessionName)
	case tmuxproto.KindOther:
		if ev.Raw != "" {
			c.logger.Debug("tmux: ignoring unrecognized control line", "line", ev.Raw)
		}
	}
}

// stripEraseScrollback removes ED 3-J sequences (ESC[?3J and ESC[3J)
// from pane output; tmux emits them on attach and they would wipe the
// scrollback we just hydrated from capture-pane.
func stripEraseScrollback(data []byte) []byte {
	for _, seq := range [][]byte{[]byte("\x1b[?3J"), []byte("\x1b[3J")} {
		data = bytes.ReplaceAll(data, seq, nil)
	}
	return data
}

func (c *Controller) handleOutput(tmuxPaneID string, data []byte) {
	data = stripEraseScrollback(data)
	binding, ok := c.paneToNative[tmuxPaneID]
	if !ok {
		return
	}
	if bb, bootstrapping := c.bootstraps[tmuxPaneID]; bootstrapping {
		bb.write(data)
		return
	}
	c.hooks.PaneData(binding.tab, binding.pane, data)
}

func (c *Controller) handleWindowClose(windowID string) {
	tab, ok := c.windowToTab[windowID]
	if !ok {
		return
	}
	for tmuxPaneID, b := range c.paneToNative {
		if b.tab == tab {
			delete(c.paneToNative, tmuxPaneID)
			delete(c.bootstraps, tmuxPaneID)
			delete(c.lastPaneSize, tmuxPaneID)
		}
	}
	delete(c.windowToTab, windowID)
	delete(c.layouts, tab)
	delete(c.titles, tab)
	delete(c.activePane, tab)
	delete(c.lastComposite, tab)
	c.hooks.TabClosed(tab)
	if len(c.layouts) == 0 {
		c.hooks.WorkspaceEmpty()
	}
}

func (c *Controller) handleWindowRenamed(windowID, name string) {
	tab, ok := c.windowToTab[windowID]
	if !ok {
		return
	}
	c.titles[tab] = name
	c.hooks.TabLayoutChanged(tab, c.layouts[tab], c.activePane[tab], name)
}

func (c *Controller) handleWindowPaneChanged(windowID, tmuxPaneID string) {
	tab, ok := c.windowToTab[windowID]
	if !ok {
		return
	}
	binding, ok := c.paneToNative[tmuxPaneID]
	if !ok || binding.tab != tab {
		return
	}
	c.activePane[tab] = binding.pane
	c.hooks.TabLayoutChanged(tab, c.layouts[tab], binding.pane, c.titles[tab])
}

// SessionName reports the tmux session name last announced by a
// %session-changed event.
func (c *Controller) SessionName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionName
}

// SocketPath reports the tmux server socket discovered during bootstrap,
// or "" while it is still unknown.
func (c *Controller) SocketPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketPath
}

// errControlNotPTY distinguishes the one backend failure that must not
// degrade silently: tmux refuses -CC on a non-tty, so a control session
// without a PTY is useless.
var errControlNotPTY = fmt.Errorf("tmux control mode requires a PTY backend")

// RequireControlBackend validates a freshly created control session's
// backend, rejecting the pipe fallback.
func RequireControlBackend(s *pty.Session) error {
	if s.Backend != pty.BackendPTY && s.Backend != pty.BackendHelper {
		return errControlNotPTY
	}
	return nil
}
