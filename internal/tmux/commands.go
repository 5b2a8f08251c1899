package tmux

import (
	"fmt"
	"strings"

	"github.com/anirban-ghosh/muxterm/internal/ids"
)

// SendKeys hex-encodes data and injects it into a tmux pane via
// `send-keys -H`, which sidesteps shell-escaping ambiguity entirely.
// Empty input is not sent.
func (c *Controller) SendKeys(tab ids.TabID, pane ids.PaneID, data []byte) {
	if len(data) == 0 {
		return
	}
	tmuxPaneID, ok := c.lookupTmuxPane(tab, pane)
	if !ok {
		return
	}
	c.control.Write([]byte(fmt.Sprintf("send-keys -t %s -H %s\n", tmuxPaneID, hexEncode(data))))
}

func hexEncode(data []byte) string {
	var b strings.Builder
	for i, by := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", by)
	}
	return b.String()
}

// SplitPane emits `split-window -h|-v -t %N` against the pane's tmux
// id. The resulting pane arrives through the normal %layout-change
// event, not as a direct return value: tmux-bound tabs are laid out by
// the controller, never by direct mutation from the coordinator.
func (c *Controller) SplitPane(tab ids.TabID, pane ids.PaneID, horizontal bool) {
	tmuxPaneID, ok := c.lookupTmuxPane(tab, pane)
	if !ok {
		return
	}
	flag := "-v"
	if horizontal {
		flag = "-h"
	}
	c.control.Write([]byte(fmt.Sprintf("split-window %s -t %s\n", flag, tmuxPaneID)))
}

// KillPane emits `kill-pane -t %N`.
func (c *Controller) KillPane(tab ids.TabID, pane ids.PaneID) {
	tmuxPaneID, ok := c.lookupTmuxPane(tab, pane)
	if !ok {
		return
	}
	c.control.Write([]byte(fmt.Sprintf("kill-pane -t %s\n", tmuxPaneID)))
}

// KillWindow emits `kill-window -t @N`, except when tab is the control
// session's last remaining window, in which case it detaches the client
// instead of tearing down the remote session.
func (c *Controller) KillWindow(tab ids.TabID) {
	c.mu.Lock()
	windowID, ok := c.lookupWindowLocked(tab)
	last := len(c.windowToTab) <= 1
	c.mu.Unlock()
	if !ok {
		return
	}
	if last {
		c.DetachClient()
		return
	}
	c.control.Write([]byte(fmt.Sprintf("kill-window -t %s\n", windowID)))
}

// DetachClient emits `detach-client`.
func (c *Controller) DetachClient() {
	c.control.Write([]byte("detach-client\n"))
}

func (c *Controller) lookupTmuxPane(tab ids.TabID, pane ids.PaneID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tmuxPaneID, b := range c.paneToNative {
		if b.tab == tab && b.pane == pane {
			return tmuxPaneID, true
		}
	}
	return "", false
}

// lookupWindowLocked reverses windowToTab. Caller holds c.mu.
func (c *Controller) lookupWindowLocked(tab ids.TabID) (string, bool) {
	for windowID, t := range c.windowToTab {
		if t == tab {
			return windowID, true
		}
	}
	return "", false
}
