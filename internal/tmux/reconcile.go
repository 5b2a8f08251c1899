package tmux

import (
	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/layout"
)

// applyLayoutLocked reconciles one window's tmux-supplied layout string
// into the native tab bound to it, allocating and retiring pane
// bindings as the set of tmux panes changes. Caller holds c.mu (invoked
// only from handleLine/sniffBootstrap, both of which already hold the
// lock for the duration of one line).
func (c *Controller) applyLayoutLocked(windowID, layoutStr string, title *string) {
	tab, existed := c.windowToTab[windowID]
	if !existed {
		tab = ids.NewTabID()
		c.windowToTab[windowID] = tab
	}

	newLayout := layout.ParseLayoutString(layoutStr)

	// Ensure a native pane exists for every tmux pane id in the
	// new layout, allocating + starting a bootstrap buffer on miss.
	for _, paneID := range layout.CollectPanes(newLayout) {
		tmuxPaneID := string(paneID)
		if b, ok := c.paneToNative[tmuxPaneID]; !ok || b.tab != tab {
			c.allocateNativePane(tab, tmuxPaneID)
		}
	}

	// Drop bindings for tmux panes no longer live in this tab.
	live := make(map[string]struct{})
	for _, paneID := range layout.CollectPanes(newLayout) {
		live[string(paneID)] = struct{}{}
	}
	for tmuxPaneID, b := range c.paneToNative {
		if b.tab != tab {
			continue
		}
		if _, ok := live[tmuxPaneID]; ok {
			continue
		}
		delete(c.paneToNative, tmuxPaneID)
		delete(c.bootstraps, tmuxPaneID)
		delete(c.lastPaneSize, tmuxPaneID)
	}

	// Rewrite the parsed layout's leaves to hold native PaneIds instead
	// of the raw "%N" tokens ParseLayoutString produced.
	nativeLayout := remapPanes(newLayout, func(tmuxPaneID string) ids.PaneID {
		return c.paneToNative[tmuxPaneID].pane
	})

	// Active pane selection.
	prevActive, hadActive := c.activePane[tab]
	active := prevActive
	if !hadActive || !containsPane(nativeLayout, prevActive) {
		panes := layout.CollectPanes(nativeLayout)
		if len(panes) > 0 {
			active = panes[0]
		}
	}

	// Merge ratios against the previous layout for this tab.
	merged := nativeLayout
	if prev, ok := c.layouts[tab]; ok {
		merged = layout.PreserveRatios(prev, nativeLayout)
	}

	// Install.
	finalTitle := c.titles[tab]
	if title != nil {
		finalTitle = *title
	} else if finalTitle == "" {
		finalTitle = "tmux " + windowID
	}
	c.layouts[tab] = merged
	c.activePane[tab] = active
	c.titles[tab] = finalTitle

	if !existed {
		c.hooks.TabCreated(tab, finalTitle)
	}
	c.hooks.TabLayoutChanged(tab, merged, active, finalTitle)

	// History hydration for freshly allocated panes:
	// allocateNativePane already started it per pane as they were bound.

	// Client-size sync for the active tab is driven by the
	// renderer reporting pane sizes (see client_size.go); nothing to do
	// here beyond having installed the new layout.
}

// allocateNativePane mints a PaneID for a tmux pane id freshly bound
// under tab, starts its bootstrap buffer, and kicks off history
// hydration. Caller holds c.mu.
func (c *Controller) allocateNativePane(tab ids.TabID, tmuxPaneID string) {
	paneID := ids.NewPaneID()
	c.paneToNative[tmuxPaneID] = paneBinding{tab: tab, pane: paneID}

	bb := newBootstrapBuffer(func() {
		c.flushBootstrap(tmuxPaneID, "")
	})
	c.bootstraps[tmuxPaneID] = bb

	go c.hydrateHistory(tmuxPaneID)
}

// remapPanes rebuilds l with every leaf's PaneID replaced by f(old id).
func remapPanes(l *layout.Node, f func(tmuxPaneID string) ids.PaneID) *layout.Node {
	if l == nil {
		return nil
	}
	if l.IsPane() {
		return layout.NewPane(f(string(l.PaneID())))
	}
	return layout.NewSplit(l.Direction(), l.Ratio(), remapPanes(l.First(), f), remapPanes(l.Second(), f))
}

func containsPane(l *layout.Node, target ids.PaneID) bool {
	for _, p := range layout.CollectPanes(l) {
		if p == target {
			return true
		}
	}
	return false
}
