package tmux

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/layout"
)

type fakeStream struct {
	mu     sync.Mutex
	writes []string
	cols   uint16
	rows   uint16
}

func (f *fakeStream) Write(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	return true
}

func (f *fakeStream) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	return nil
}

func (f *fakeStream) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

type layoutEvent struct {
	tab    ids.TabID
	node   *layout.Node
	active ids.PaneID
	title  string
}

type recordingHooks struct {
	mu       sync.Mutex
	paneData map[ids.PaneID][]byte
	created  []ids.TabID
	layouts  []layoutEvent
	closed   []ids.TabID
	emptied  int
	names    []string
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{paneData: make(map[ids.PaneID][]byte)}
}

func (h *recordingHooks) PaneData(tab ids.TabID, pane ids.PaneID, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paneData[pane] = append(h.paneData[pane], data...)
}

func (h *recordingHooks) TabCreated(tab ids.TabID, title string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, tab)
}

func (h *recordingHooks) TabLayoutChanged(tab ids.TabID, l *layout.Node, active ids.PaneID, title string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.layouts = append(h.layouts, layoutEvent{tab: tab, node: l, active: active, title: title})
}

func (h *recordingHooks) TabClosed(tab ids.TabID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, tab)
}

func (h *recordingHooks) SessionNameChanged(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names = append(h.names, name)
}

func (h *recordingHooks) WorkspaceEmpty() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emptied++
}

func (h *recordingHooks) lastLayout(t *testing.T) layoutEvent {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.layouts) == 0 {
		t.Fatal("no TabLayoutChanged events recorded")
	}
	return h.layouts[len(h.layouts)-1]
}

// newBareController builds a controller without running the bootstrap
// command sequence, so tests control every byte on the wire.
func newBareController(stream ControlStream, hooks Hooks) *Controller {
	return &Controller{
		id:            ids.NewControlSessionID(),
		control:       stream,
		hooks:         hooks,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
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
}

func TestTransactionFIFO(t *testing.T) {
	stream := &fakeStream{}
	c := newBareController(stream, newRecordingHooks())

	ch1 := c.submitTransaction("capture-pane -t %4")
	ch2 := c.submitTransaction("capture-pane -t %5")

	// Only the head of the queue goes out on the wire.
	if writes := stream.written(); len(writes) != 1 || writes[0] != "capture-pane -t %4\n" {
		t.Fatalf("writes after enqueue = %q, want just the first command", writes)
	}

	c.Feed([]byte("%begin 1\ndataA\n%end 1\n"))
	if got := waitResult(t, ch1); got != "dataA" {
		t.Errorf("first resolution = %q, want dataA", got)
	}

	// The second command is written only once the first resolves.
	waitForWrites(t, stream, 2)
	if writes := stream.written(); writes[1] != "capture-pane -t %5\n" {
		t.Errorf("writes = %q", writes)
	}

	c.Feed([]byte("%begin 2\ndataB\n%end 2\n"))
	if got := waitResult(t, ch2); got != "dataB" {
		t.Errorf("second resolution = %q, want dataB", got)
	}
	if writes := stream.written(); len(writes) != 2 {
		t.Errorf("expected exactly one write per request, got %q", writes)
	}
}

func waitForWrites(t *testing.T, stream *fakeStream, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(stream.written()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, got %q", n, stream.written())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTransactionErrorResolvesEmpty(t *testing.T) {
	stream := &fakeStream{}
	c := newBareController(stream, newRecordingHooks())

	ch := c.submitTransaction("display-message -p bad")
	c.Feed([]byte("%begin 1\n%error 1\n"))
	if got := waitResult(t, ch); got != "" {
		t.Errorf("error resolution = %q, want empty", got)
	}
}

func waitResult(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transaction resolution")
		return ""
	}
}

func TestWindowBootstrapLineCreatesTab(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::81x24,0,0{40x24,0,0,1,40x24,41,0,2}\n"))

	hooks.mu.Lock()
	created := len(hooks.created)
	hooks.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected 1 TabCreated, got %d", created)
	}
	ev := hooks.lastLayout(t)
	if ev.title != "work" {
		t.Errorf("title = %q, want work", ev.title)
	}
	panes := layout.CollectPanes(ev.node)
	if len(panes) != 2 {
		t.Fatalf("expected 2 panes, got %v", panes)
	}
	if ev.active != panes[0] {
		t.Errorf("active pane should default to first collected pane")
	}
}

func TestOutputBuffersDuringBootstrapThenStreams(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::80x24,0,0,1\n"))
	ev := hooks.lastLayout(t)
	pane := layout.CollectPanes(ev.node)[0]

	// While the pane is bootstrapping, %output accumulates in its buffer.
	c.Feed([]byte("%output %1 early\n"))
	hooks.mu.Lock()
	buffered := len(hooks.paneData[pane])
	hooks.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("expected no pane data before flush, got %d bytes", buffered)
	}

	// Hydration resolves with captured history: capture wins, bootstrap
	// chunks are discarded as redundant.
	c.flushBootstrap("%1", "history\r\n")

	// Flushing twice must not double-deliver.
	c.flushBootstrap("%1", "history\r\n")

	// Post-flush output streams straight through.
	c.Feed([]byte("%output %1 late\n"))

	hooks.mu.Lock()
	got := string(hooks.paneData[pane])
	hooks.mu.Unlock()
	if got != "history\r\nlate" {
		t.Errorf("pane data = %q, want history then live output only", got)
	}
}

func TestBootstrapFlushFallsBackToBufferedChunks(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::80x24,0,0,1\n"))
	ev := hooks.lastLayout(t)
	pane := layout.CollectPanes(ev.node)[0]

	c.Feed([]byte("%output %1 one\n%output %1 two\n"))
	c.flushBootstrap("%1", "")

	hooks.mu.Lock()
	got := string(hooks.paneData[pane])
	hooks.mu.Unlock()
	if got != "onetwo" {
		t.Errorf("pane data = %q, want buffered chunks in order", got)
	}
}

func TestOutputStripsEraseScrollback(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::80x24,0,0,1\n"))
	ev := hooks.lastLayout(t)
	pane := layout.CollectPanes(ev.node)[0]
	c.flushBootstrap("%1", "")

	c.Feed([]byte("%output %1 a\\033[?3Jb\\033[3Jc\n"))

	hooks.mu.Lock()
	got := hooks.paneData[pane]
	hooks.mu.Unlock()
	if !bytes.Equal(got, []byte("abc")) {
		t.Errorf("pane data = %q, want erase-scrollback sequences stripped", got)
	}
}

func TestLayoutChangePreservesUserRatio(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	twoPanes := "81x24,0,0{40x24,0,0,1,40x24,41,0,2}"
	c.Feed([]byte("__WINDOW__::@1::work::" + twoPanes + "\n"))
	ev := hooks.lastLayout(t)

	// Simulate a user divider drag to 0.7 on the installed layout.
	c.mu.Lock()
	prev := c.layouts[ev.tab]
	c.layouts[ev.tab] = layout.NewSplit(prev.Direction(), 0.7, prev.First(), prev.Second())
	c.mu.Unlock()

	// tmux re-emits the same structure with its own 0.5 ratio.
	c.Feed([]byte("%layout-change @1 " + twoPanes + "\n"))

	merged := hooks.lastLayout(t)
	if !merged.node.IsSplit() || merged.node.Ratio() != 0.7 {
		t.Errorf("merged ratio = %v, want user-dragged 0.7 preserved", merged.node.Ratio())
	}
	// Pane bindings must be reused, not reallocated.
	if got, want := layout.CollectPanes(merged.node), layout.CollectPanes(ev.node); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("panes reallocated across layout refresh: %v vs %v", got, want)
	}
}

func TestLayoutChangeRemovesDeadPanes(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::81x24,0,0{40x24,0,0,1,40x24,41,0,2}\n"))
	c.Feed([]byte("%layout-change @1 80x24,0,0,1\n"))

	c.mu.Lock()
	_, oneLive := c.paneToNative["%1"]
	_, twoLive := c.paneToNative["%2"]
	c.mu.Unlock()
	if !oneLive || twoLive {
		t.Errorf("bindings after shrink: %%1 live=%v %%2 live=%v, want true/false", oneLive, twoLive)
	}
}

func TestWindowCloseDestroysTab(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::80x24,0,0,1\n"))
	c.Feed([]byte("%window-close @1\n"))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.closed) != 1 {
		t.Fatalf("expected 1 TabClosed, got %d", len(hooks.closed))
	}
	if hooks.emptied != 1 {
		t.Errorf("expected WorkspaceEmpty after last window closed, got %d", hooks.emptied)
	}
}

func TestWindowRenamedRetitlesTab(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::old::80x24,0,0,1\n"))
	c.Feed([]byte("%window-renamed @1 new-name\n"))

	if ev := hooks.lastLayout(t); ev.title != "new-name" {
		t.Errorf("title = %q, want new-name", ev.title)
	}
}

func TestWindowPaneChangedSetsActive(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::81x24,0,0{40x24,0,0,1,40x24,41,0,2}\n"))
	ev := hooks.lastLayout(t)
	second := layout.CollectPanes(ev.node)[1]

	c.Feed([]byte("%window-pane-changed @1 %2\n"))

	if got := hooks.lastLayout(t); got.active != second {
		t.Errorf("active = %v, want second pane %v", got.active, second)
	}
}

func TestSessionChanged(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("%session-changed $1 mysession\n"))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.names) != 1 || hooks.names[0] != "mysession" {
		t.Errorf("session names = %v", hooks.names)
	}
}

func TestSendKeysHexEncodes(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::80x24,0,0,1\n"))
	ev := hooks.lastLayout(t)
	pane := layout.CollectPanes(ev.node)[0]

	c.SendKeys(ev.tab, pane, []byte{0x1b, 'a'})
	c.SendKeys(ev.tab, pane, nil) // empty input is not sent

	writes := stream.written()
	if len(writes) != 1 || writes[0] != "send-keys -t %1 -H 1b 61\n" {
		t.Errorf("writes = %q", writes)
	}
}

func TestKillWindowLastDetachesInstead(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::80x24,0,0,1\n"))
	ev := hooks.lastLayout(t)

	c.KillWindow(ev.tab)
	if writes := stream.written(); len(writes) != 1 || writes[0] != "detach-client\n" {
		t.Fatalf("writes = %q, want detach-client for last window", writes)
	}

	c.Feed([]byte("__WINDOW__::@2::other::80x24,0,0,2\n"))
	c.KillWindow(ev.tab)
	writes := stream.written()
	if writes[len(writes)-1] != "kill-window -t @1\n" {
		t.Errorf("writes = %q, want kill-window once another window exists", writes)
	}
}

func TestSyncClientSizeEmitsRefreshAndPaneResizes(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::81x24,0,0{40x24,0,0,1,40x24,41,0,2}\n"))
	ev := hooks.lastLayout(t)
	panes := layout.CollectPanes(ev.node)

	sizes := map[ids.PaneID]PaneSize{
		panes[0]: {Cols: 60, Rows: 24},
		panes[1]: {Cols: 60, Rows: 24},
	}
	c.SyncClientSize(ev.tab, sizes)

	writes := strings.Join(stream.written(), "")
	if !strings.Contains(writes, "refresh-client -C 120x24\n") {
		t.Errorf("expected composite refresh-client, got %q", writes)
	}
	if !strings.Contains(writes, "resize-pane -t %1 -x 60 -y 24\n") || !strings.Contains(writes, "resize-pane -t %2 -x 60 -y 24\n") {
		t.Errorf("expected per-pane resizes, got %q", writes)
	}
	if stream.cols != 120 || stream.rows != 24 {
		t.Errorf("control resize = %dx%d, want 120x24", stream.cols, stream.rows)
	}

	// Unchanged sizes emit nothing further.
	before := len(stream.written())
	c.SyncClientSize(ev.tab, sizes)
	if after := len(stream.written()); after != before {
		t.Errorf("expected no writes for unchanged geometry, got %d new", after-before)
	}
}

func TestControlExitCleansUp(t *testing.T) {
	stream := &fakeStream{}
	hooks := newRecordingHooks()
	c := newBareController(stream, hooks)

	c.Feed([]byte("__WINDOW__::@1::work::80x24,0,0,1\n"))
	c.Feed([]byte("__WINDOW__::@2::other::80x24,0,0,2\n"))
	c.HandleControlExit()

	hooks.mu.Lock()
	closed := len(hooks.closed)
	emptied := hooks.emptied
	hooks.mu.Unlock()
	if closed != 2 {
		t.Errorf("TabClosed count = %d, want 2", closed)
	}
	if emptied != 1 {
		t.Errorf("WorkspaceEmpty count = %d, want 1", emptied)
	}

	// After exit, further bytes are ignored.
	c.Feed([]byte("__WINDOW__::@3::late::80x24,0,0,3\n"))
	hooks.mu.Lock()
	created := len(hooks.created)
	hooks.mu.Unlock()
	if created != 2 {
		t.Errorf("expected no tabs created after control exit, got %d", created)
	}
}
