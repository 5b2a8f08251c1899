package workspace

import (
	"sync"

	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/layout"
	"github.com/anirban-ghosh/muxterm/internal/pty"
	"github.com/anirban-ghosh/muxterm/internal/tmux"
)

// controlConsumer is the pty.Consumer registered for one tmux control
// session's PTY. It exists separately from *tmux.Controller because the
// controller can't be constructed until the PTY session already exists
// (it needs the session handle to write in-band commands), so bytes may
// arrive before the controller is bound; they're buffered until then.
type controlConsumer struct {
	w    *Workspace
	csid ids.ControlSessionID

	mu   sync.Mutex
	ctrl *tmux.Controller
	buf  []byte
}

func (cc *controlConsumer) bind(ctrl *tmux.Controller) {
	cc.mu.Lock()
	cc.ctrl = ctrl
	pending := cc.buf
	cc.buf = nil
	cc.mu.Unlock()
	if len(pending) > 0 {
		ctrl.Feed(pending)
	}
}

func (cc *controlConsumer) Data(id ids.PtySessionID, data []byte) {
	cc.mu.Lock()
	ctrl := cc.ctrl
	if ctrl == nil {
		cc.buf = append(cc.buf, data...)
		cc.mu.Unlock()
		return
	}
	cc.mu.Unlock()
	ctrl.Feed(data)
}

func (cc *controlConsumer) Exit(id ids.PtySessionID, code int) {
	cc.mu.Lock()
	ctrl := cc.ctrl
	cc.mu.Unlock()
	if ctrl != nil {
		ctrl.HandleControlExit()
	}
	cc.w.mu.Lock()
	delete(cc.w.controllers, cc.csid)
	cc.w.mu.Unlock()
}

// controllerHooks implements tmux.Hooks for one control session,
// forwarding tab/pane lifecycle events into the Workspace's own
// bookkeeping and up to its Sink.
type controllerHooks struct {
	w    *Workspace
	csid ids.ControlSessionID
}

func (h *controllerHooks) PaneData(tab ids.TabID, pane ids.PaneID, data []byte) {
	h.w.sink.PaneOutput(pane, data)
}

func (h *controllerHooks) TabCreated(tab ids.TabID, title string) {
	h.w.mu.Lock()
	if _, exists := h.w.tabByID[tab]; !exists {
		h.w.tabByID[tab] = &Tab{
			ID:               tab,
			Title:            title,
			Panes:            make(map[ids.PaneID]*Pane),
			ControlSessionID: h.csid,
		}
		h.w.tabOrder = append(h.w.tabOrder, tab)
		if h.w.activeTab == "" {
			h.w.activeTab = tab
		}
	}
	h.w.mu.Unlock()
	h.w.sink.TabCreated(tab, title)
}

func (h *controllerHooks) TabLayoutChanged(tab ids.TabID, l *layout.Node, active ids.PaneID, title string) {
	h.w.mu.Lock()
	t := h.w.tabByID[tab]
	if t == nil {
		t = &Tab{ID: tab, Panes: make(map[ids.PaneID]*Pane), ControlSessionID: h.csid}
		h.w.tabByID[tab] = t
		h.w.tabOrder = append(h.w.tabOrder, tab)
		if h.w.activeTab == "" {
			h.w.activeTab = tab
		}
	}
	t.Title = title
	t.Layout = l
	t.ActivePane = active

	live := make(map[ids.PaneID]struct{})
	for _, p := range layout.CollectPanes(l) {
		live[p] = struct{}{}
		if _, ok := t.Panes[p]; !ok {
			t.Panes[p] = &Pane{ID: p, Kind: PaneTmux, ControlSessionID: h.csid}
		}
		h.w.paneTab[p] = tab
	}
	for p := range t.Panes {
		if _, ok := live[p]; !ok {
			delete(t.Panes, p)
			delete(h.w.paneTab, p)
		}
	}
	h.w.mu.Unlock()

	h.w.sink.TabLayout(tab, l, active, title)
}

func (h *controllerHooks) TabClosed(tab ids.TabID) {
	h.w.mu.Lock()
	if t := h.w.tabByID[tab]; t != nil {
		for p := range t.Panes {
			delete(h.w.paneTab, p)
		}
	}
	h.w.removeTabLocked(tab)
	h.w.mu.Unlock()
	h.w.sink.TabClosed(tab)
}

func (h *controllerHooks) SessionNameChanged(name string) {
	// Session naming isn't surfaced to the Sink; the controller keeps
	// the name itself (Controller.SessionName).
}

func (h *controllerHooks) WorkspaceEmpty() {
	h.w.ensureNotEmpty()
}

var _ pty.Consumer = (*controlConsumer)(nil)
