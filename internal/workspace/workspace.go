// Package workspace implements the coordinator that owns the ordered
// set of tabs, mediates between UI menu actions, the PTY session
// manager, and the tmux controller(s), and routes keystrokes and
// resizes to whichever backend a pane is bound to.
package workspace

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/layout"
	"github.com/anirban-ghosh/muxterm/internal/pty"
	"github.com/anirban-ghosh/muxterm/internal/tmux"
)

// PaneKind distinguishes a locally-spawned pane from one hydrated out of
// a tmux window.
type PaneKind int

const (
	PaneLocal PaneKind = iota
	PaneTmux
)

// Pane is the coordinator's view of one split leaf.
type Pane struct {
	ID   ids.PaneID
	Kind PaneKind

	// local
	PtySessionID ids.PtySessionID
	ptySession   *pty.Session

	// tmux
	ControlSessionID ids.ControlSessionID
}

// Tab is a native UI container bound either to a local shell tree or, if
// ControlSessionID is non-empty, to a single tmux window.
type Tab struct {
	ID               ids.TabID
	Title            string
	Layout           *layout.Node
	Panes            map[ids.PaneID]*Pane
	ActivePane       ids.PaneID
	ControlSessionID ids.ControlSessionID
}

// MenuAction enumerates the host menu/shortcut actions the coordinator
// accepts.
type MenuAction string

const (
	ActionNewTab          MenuAction = "new-tab"
	ActionTmuxAttach      MenuAction = "tmux-attach"
	ActionTmuxDetach      MenuAction = "tmux-detach"
	ActionSplitHorizontal MenuAction = "split-horizontal"
	ActionSplitVertical   MenuAction = "split-vertical"
	ActionClosePane       MenuAction = "close-pane"
)

// Sink is the renderer-facing consumer: it receives per-pane output
// bytes and tab/pane lifecycle notifications. All calls happen
// synchronously from whichever goroutine is driving the workspace (PTY
// read loops, controller event handling); implementations must not
// block.
type Sink interface {
	PaneOutput(pane ids.PaneID, data []byte)
	PaneExit(ptyID ids.PtySessionID, code int)
	TabCreated(tab ids.TabID, title string)
	TabLayout(tab ids.TabID, l *layout.Node, active ids.PaneID, title string)
	TabClosed(tab ids.TabID)
}

// TmuxAttachOptions configures AttachTmux.
type TmuxAttachOptions struct {
	SessionName string
	Cwd         string
	SSHTarget   string
	SSHPort     int
}

type ownerRef struct {
	tab  ids.TabID
	pane ids.PaneID
}

// Workspace is the single coordinator object a host process constructs;
// see cmd/muxtermd for a minimal wiring example.
type Workspace struct {
	logger *slog.Logger
	ptyMgr *pty.Manager
	sink   Sink

	mu          sync.Mutex
	tabOrder    []ids.TabID
	tabByID     map[ids.TabID]*Tab
	paneTab     map[ids.PaneID]ids.TabID
	activeTab   ids.TabID
	controllers map[ids.ControlSessionID]*tmux.Controller
	ptyOwner    map[ids.PtySessionID]ownerRef
}

// New constructs an empty Workspace. Callers typically follow this with
// a NewLocalTab call to seed the first tab.
func New(logger *slog.Logger, ptyMgr *pty.Manager, sink Sink) *Workspace {
	return &Workspace{
		logger:      logger,
		ptyMgr:      ptyMgr,
		sink:        sink,
		tabByID:     make(map[ids.TabID]*Tab),
		paneTab:     make(map[ids.PaneID]ids.TabID),
		controllers: make(map[ids.ControlSessionID]*tmux.Controller),
		ptyOwner:    make(map[ids.PtySessionID]ownerRef),
	}
}

// ActiveTab reports the currently focused tab, or "" if the workspace
// has none.
func (w *Workspace) ActiveTab() ids.TabID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeTab
}

// SetActiveTab focuses tab, if it exists.
func (w *Workspace) SetActiveTab(tab ids.TabID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tabByID[tab]; ok {
		w.activeTab = tab
	}
}

// Tabs returns the ordered list of tab ids currently open.
func (w *Workspace) Tabs() []ids.TabID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ids.TabID, len(w.tabOrder))
	copy(out, w.tabOrder)
	return out
}

// Tab returns a snapshot copy of one tab's state, or nil if unknown.
func (w *Workspace) Tab(id ids.TabID) *Tab {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tabByID[id]
	if !ok {
		return nil
	}
	cp := *t
	cp.Panes = make(map[ids.PaneID]*Pane, len(t.Panes))
	for k, v := range t.Panes {
		pv := *v
		cp.Panes[k] = &pv
	}
	return &cp
}

// NewLocalTab spawns a shell PTY and creates a tab with a single pane
// bound to it.
func (w *Workspace) NewLocalTab(opts pty.CreateOptions) (ids.TabID, error) {
	opts.Kind = pty.KindShell
	sess, err := w.ptyMgr.Create(opts, w)
	if err != nil {
		return "", fmt.Errorf("workspace: new local tab: %w", err)
	}

	tabID := ids.NewTabID()
	paneID := ids.NewPaneID()
	tab := &Tab{
		ID:         tabID,
		Title:      "shell",
		Layout:     layout.NewPane(paneID),
		Panes:      map[ids.PaneID]*Pane{paneID: {ID: paneID, Kind: PaneLocal, PtySessionID: sess.ID, ptySession: sess}},
		ActivePane: paneID,
	}

	w.mu.Lock()
	w.tabByID[tabID] = tab
	w.tabOrder = append(w.tabOrder, tabID)
	w.paneTab[paneID] = tabID
	w.ptyOwner[sess.ID] = ownerRef{tab: tabID, pane: paneID}
	if w.activeTab == "" {
		w.activeTab = tabID
	}
	w.mu.Unlock()

	w.sink.TabCreated(tabID, tab.Title)
	w.sink.TabLayout(tabID, tab.Layout, paneID, tab.Title)
	return tabID, nil
}

// AttachTmux spawns a `tmux -CC` control PTY (local or over ssh) and
// registers a new controller for it. Fails loudly if the resulting
// backend isn't a PTY.
func (w *Workspace) AttachTmux(opts TmuxAttachOptions) (ids.ControlSessionID, error) {
	shell, args := tmux.ControlCommand(opts.SessionName, opts.SSHTarget, opts.SSHPort)
	csid := ids.NewControlSessionID()
	cc := &controlConsumer{w: w, csid: csid}

	sess, err := w.ptyMgr.Create(pty.CreateOptions{
		Kind:  pty.KindTmuxControl,
		Cwd:   opts.Cwd,
		Shell: shell,
		Args:  args,
	}, cc)
	if err != nil {
		return "", fmt.Errorf("workspace: attach tmux: %w", err)
	}
	if err := tmux.RequireControlBackend(sess); err != nil {
		sess.Kill()
		return "", err
	}

	hooks := &controllerHooks{w: w, csid: csid}
	ctrl := tmux.New(csid, sess, hooks, w.logger)
	cc.bind(ctrl)

	w.mu.Lock()
	w.controllers[csid] = ctrl
	w.mu.Unlock()
	return csid, nil
}

// DetachTmux sends `detach-client` on the control PTY.
func (w *Workspace) DetachTmux(csid ids.ControlSessionID) {
	w.mu.Lock()
	ctrl := w.controllers[csid]
	w.mu.Unlock()
	if ctrl != nil {
		ctrl.DetachClient()
	}
}

// ProbeShell runs the shell-probe protocol against pane's underlying
// local shell, used to discover a remote tmux before attaching to it.
func (w *Workspace) ProbeShell(pane ids.PaneID) (tmux.ProbeResult, error) {
	w.mu.Lock()
	tabID, ok := w.paneTab[pane]
	var sess *pty.Session
	if ok {
		if t := w.tabByID[tabID]; t != nil {
			if p := t.Panes[pane]; p != nil && p.Kind == PaneLocal {
				sess = p.ptySession
			}
		}
	}
	w.mu.Unlock()
	if sess == nil {
		return tmux.ProbeResult{}, fmt.Errorf("workspace: probe shell: pane %s has no local session", pane)
	}
	return tmux.ProbeShell(sess)
}

// CaptureTmuxPane takes a best-effort scrollback snapshot of a
// tmux-bound pane, out of band via the controller's discovered socket.
func (w *Workspace) CaptureTmuxPane(pane ids.PaneID, lines int) (string, error) {
	w.mu.Lock()
	tabID, ok := w.paneTab[pane]
	var ctrl *tmux.Controller
	if ok {
		if t := w.tabByID[tabID]; t != nil {
			ctrl = w.controllers[t.ControlSessionID]
		}
	}
	w.mu.Unlock()
	if ctrl == nil {
		return "", fmt.Errorf("workspace: capture tmux pane: pane %s is not tmux-bound", pane)
	}
	out, bound := ctrl.CaptureHistory(tabID, pane, lines)
	if !bound {
		return "", fmt.Errorf("workspace: capture tmux pane: pane %s has no tmux binding", pane)
	}
	return out, nil
}

// SplitActivePane splits the active tab's active pane: a split-window
// command for tmux-bound tabs, a fresh shell PTY plus a layout split
// for local ones.
func (w *Workspace) SplitActivePane(horizontal bool) error {
	w.mu.Lock()
	tab := w.tabByID[w.activeTab]
	w.mu.Unlock()
	if tab == nil {
		return fmt.Errorf("workspace: split active pane: no active tab")
	}

	if tab.ControlSessionID != "" {
		w.mu.Lock()
		ctrl := w.controllers[tab.ControlSessionID]
		w.mu.Unlock()
		if ctrl == nil {
			return fmt.Errorf("workspace: split active pane: tab %s has no controller", tab.ID)
		}
		ctrl.SplitPane(tab.ID, tab.ActivePane, horizontal)
		return nil
	}

	sess, err := w.ptyMgr.Create(pty.CreateOptions{Kind: pty.KindShell}, w)
	if err != nil {
		return fmt.Errorf("workspace: split active pane: %w", err)
	}
	newPaneID := ids.NewPaneID()
	dir := layout.Vertical
	if horizontal {
		dir = layout.Horizontal
	}

	w.mu.Lock()
	t := w.tabByID[tab.ID]
	if t == nil {
		w.mu.Unlock()
		sess.Kill()
		return fmt.Errorf("workspace: split active pane: tab vanished")
	}
	t.Layout = layout.SplitAt(t.Layout, t.ActivePane, dir, newPaneID)
	t.Panes[newPaneID] = &Pane{ID: newPaneID, Kind: PaneLocal, PtySessionID: sess.ID, ptySession: sess}
	t.ActivePane = newPaneID
	w.paneTab[newPaneID] = t.ID
	w.ptyOwner[sess.ID] = ownerRef{tab: t.ID, pane: newPaneID}
	l, active, title := t.Layout, t.ActivePane, t.Title
	w.mu.Unlock()

	w.sink.TabLayout(t.ID, l, active, title)
	return nil
}

// CloseActivePane closes the active tab's active pane; closing the last
// pane of a local tab closes the tab.
func (w *Workspace) CloseActivePane() error {
	w.mu.Lock()
	tab := w.tabByID[w.activeTab]
	w.mu.Unlock()
	if tab == nil {
		return fmt.Errorf("workspace: close active pane: no active tab")
	}
	return w.closePane(tab.ID, tab.ActivePane)
}

func (w *Workspace) closePane(tabID ids.TabID, pane ids.PaneID) error {
	w.mu.Lock()
	t := w.tabByID[tabID]
	w.mu.Unlock()
	if t == nil {
		return fmt.Errorf("workspace: close pane: unknown tab %s", tabID)
	}

	if t.ControlSessionID != "" {
		w.mu.Lock()
		ctrl := w.controllers[t.ControlSessionID]
		w.mu.Unlock()
		if ctrl == nil {
			return fmt.Errorf("workspace: close pane: tab %s has no controller", tabID)
		}
		ctrl.KillPane(tabID, pane)
		return nil
	}

	w.mu.Lock()
	t = w.tabByID[tabID]
	if t == nil {
		w.mu.Unlock()
		return nil
	}
	if len(t.Panes) <= 1 {
		w.mu.Unlock()
		return w.closeLocalTab(tabID)
	}

	p := t.Panes[pane]
	t.Layout = layout.RemovePane(t.Layout, pane)
	delete(t.Panes, pane)
	delete(w.paneTab, pane)
	if p != nil {
		delete(w.ptyOwner, p.PtySessionID)
	}
	if remaining := layout.CollectPanes(t.Layout); len(remaining) > 0 {
		t.ActivePane = remaining[0]
	}
	l, active, title := t.Layout, t.ActivePane, t.Title
	w.mu.Unlock()

	if p != nil && p.ptySession != nil {
		p.ptySession.Kill()
	}
	w.sink.TabLayout(tabID, l, active, title)
	return nil
}

// CloseTab closes a tab: detach or kill-window for tmux-bound tabs,
// killing every pane's PTY for local ones.
func (w *Workspace) CloseTab(tabID ids.TabID) error {
	w.mu.Lock()
	t := w.tabByID[tabID]
	w.mu.Unlock()
	if t == nil {
		return fmt.Errorf("workspace: close tab: unknown tab %s", tabID)
	}
	if t.ControlSessionID != "" {
		w.mu.Lock()
		ctrl := w.controllers[t.ControlSessionID]
		w.mu.Unlock()
		if ctrl == nil {
			return fmt.Errorf("workspace: close tab: tab %s has no controller", tabID)
		}
		ctrl.KillWindow(tabID)
		return nil
	}
	return w.closeLocalTab(tabID)
}

// closeLocalTab kills every pane's PTY, removes the tab, and opens a
// default tab if the workspace is now empty.
func (w *Workspace) closeLocalTab(tabID ids.TabID) error {
	w.mu.Lock()
	t := w.tabByID[tabID]
	if t == nil {
		w.mu.Unlock()
		return nil
	}
	var sessions []*pty.Session
	for paneID, p := range t.Panes {
		delete(w.paneTab, paneID)
		if p.ptySession != nil {
			delete(w.ptyOwner, p.PtySessionID)
			sessions = append(sessions, p.ptySession)
		}
	}
	w.removeTabLocked(tabID)
	w.mu.Unlock()

	for _, s := range sessions {
		s.Kill()
	}
	w.sink.TabClosed(tabID)
	w.ensureNotEmpty()
	return nil
}

// removeTabLocked deletes tabID from every bookkeeping map. Caller holds
// w.mu.
func (w *Workspace) removeTabLocked(tabID ids.TabID) {
	delete(w.tabByID, tabID)
	for i, id := range w.tabOrder {
		if id == tabID {
			w.tabOrder = append(w.tabOrder[:i], w.tabOrder[i+1:]...)
			break
		}
	}
	if w.activeTab == tabID {
		w.activeTab = ""
		if len(w.tabOrder) > 0 {
			w.activeTab = w.tabOrder[0]
		}
	}
}

// ensureNotEmpty opens a local shell tab if the workspace has none
// left, so there is always something to type into.
func (w *Workspace) ensureNotEmpty() {
	w.mu.Lock()
	empty := len(w.tabOrder) == 0
	w.mu.Unlock()
	if !empty {
		return
	}
	if _, err := w.NewLocalTab(pty.CreateOptions{}); err != nil {
		w.logger.Error("workspace: failed to open fallback local tab", "err", err)
	}
}

// Write routes keystrokes: a direct PTY write for local panes, a hex
// send-keys command for tmux panes.
func (w *Workspace) Write(pane ids.PaneID, data []byte) bool {
	w.mu.Lock()
	tabID, ok := w.paneTab[pane]
	if !ok {
		w.mu.Unlock()
		return false
	}
	t := w.tabByID[tabID]
	if t == nil {
		w.mu.Unlock()
		return false
	}
	p := t.Panes[pane]
	csid := t.ControlSessionID
	w.mu.Unlock()
	if p == nil {
		return false
	}

	switch p.Kind {
	case PaneLocal:
		if p.ptySession == nil {
			return false
		}
		return p.ptySession.Write(data)
	case PaneTmux:
		w.mu.Lock()
		ctrl := w.controllers[csid]
		w.mu.Unlock()
		if ctrl == nil {
			return false
		}
		ctrl.SendKeys(tabID, pane, data)
		return true
	}
	return false
}

// Resize resizes one local pane directly. Tmux panes are resized in
// aggregate via SyncTmuxClientSize, since a tmux window's client
// geometry is shared across every pane inside it.
func (w *Workspace) Resize(pane ids.PaneID, cols, rows uint16) bool {
	w.mu.Lock()
	tabID, ok := w.paneTab[pane]
	if !ok {
		w.mu.Unlock()
		return false
	}
	t := w.tabByID[tabID]
	if t == nil || t.ControlSessionID != "" {
		w.mu.Unlock()
		return false
	}
	p := t.Panes[pane]
	w.mu.Unlock()
	if p == nil || p.ptySession == nil {
		return false
	}
	return p.ptySession.Resize(cols, rows) == nil
}

// SyncTmuxClientSize pushes the renderer's reported per-leaf pane sizes
// for a tmux-bound tab down to its controller's client-size sync.
func (w *Workspace) SyncTmuxClientSize(tabID ids.TabID, sizes map[ids.PaneID]tmux.PaneSize) {
	w.mu.Lock()
	t := w.tabByID[tabID]
	var ctrl *tmux.Controller
	if t != nil {
		ctrl = w.controllers[t.ControlSessionID]
	}
	w.mu.Unlock()
	if ctrl != nil {
		ctrl.SyncClientSize(tabID, sizes)
	}
}

// HandleMenuAction dispatches the menu actions that need no extra
// parameters. tmux-attach needs a session picker's choices and is
// invoked directly via AttachTmux instead.
func (w *Workspace) HandleMenuAction(action MenuAction) error {
	switch action {
	case ActionNewTab:
		_, err := w.NewLocalTab(pty.CreateOptions{})
		return err
	case ActionSplitHorizontal:
		return w.SplitActivePane(true)
	case ActionSplitVertical:
		return w.SplitActivePane(false)
	case ActionClosePane:
		return w.CloseActivePane()
	case ActionTmuxDetach:
		w.mu.Lock()
		t := w.tabByID[w.activeTab]
		w.mu.Unlock()
		if t == nil || t.ControlSessionID == "" {
			return fmt.Errorf("workspace: tmux-detach: active tab is not tmux-bound")
		}
		w.DetachTmux(t.ControlSessionID)
		return nil
	case ActionTmuxAttach:
		return fmt.Errorf("workspace: tmux-attach requires session parameters; call AttachTmux directly")
	default:
		return fmt.Errorf("workspace: unknown menu action %q", action)
	}
}

// Data implements pty.Consumer for local (shell-kind) sessions this
// workspace directly owns.
func (w *Workspace) Data(id ids.PtySessionID, data []byte) {
	w.mu.Lock()
	owner, ok := w.ptyOwner[id]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.sink.PaneOutput(owner.pane, data)
}

// Exit implements pty.Consumer for local sessions: the pane stays in
// place with a terminal-visible notice, for the user to dismiss
// manually.
func (w *Workspace) Exit(id ids.PtySessionID, code int) {
	w.mu.Lock()
	owner, ok := w.ptyOwner[id]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.sink.PaneOutput(owner.pane, []byte(fmt.Sprintf("\r\n[Process exited with code %d]\r\n", code)))
	w.sink.PaneExit(id, code)
}
