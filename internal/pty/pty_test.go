package pty

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/anirban-ghosh/muxterm/internal/ids"
)

func TestClampSize(t *testing.T) {
	cases := []struct {
		cols, rows         uint16
		wantCols, wantRows uint16
	}{
		{0, 0, minCols, minRows},
		{5, 3, minCols, minRows},
		{80, 24, 80, 24},
	}
	for _, tc := range cases {
		cols, rows := ClampSize(tc.cols, tc.rows)
		if cols != tc.wantCols || rows != tc.wantRows {
			t.Errorf("ClampSize(%d,%d) = (%d,%d), want (%d,%d)", tc.cols, tc.rows, cols, rows, tc.wantCols, tc.wantRows)
		}
	}
}

func TestChunkRingEvictsOldestChunks(t *testing.T) {
	r := newChunkRing(10)
	r.Write([]byte("12345"))
	r.Write([]byte("67890"))
	r.Write([]byte("abcde")) // pushes total to 15, should evict the first chunk

	got := string(r.Bytes())
	if got != "67890abcde" {
		t.Errorf("Bytes() = %q, want %q", got, "67890abcde")
	}
}

func TestChunkRingNeverEvictsTheOnlyChunk(t *testing.T) {
	r := newChunkRing(4)
	r.Write([]byte("this-single-chunk-exceeds-cap"))
	if len(r.Bytes()) == 0 {
		t.Errorf("expected the sole chunk to survive even though it exceeds cap")
	}
}

func TestChunkRingDrain(t *testing.T) {
	r := newChunkRing(1024)
	r.Write([]byte("a"))
	r.Write([]byte("b"))
	chunks := r.Drain()
	if len(chunks) != 2 {
		t.Fatalf("Drain() returned %d chunks, want 2", len(chunks))
	}
	if len(r.Bytes()) != 0 {
		t.Errorf("expected empty ring after Drain")
	}
}

func TestResolveShellExplicit(t *testing.T) {
	if got := resolveShell("/bin/custom-shell"); got != "/bin/custom-shell" {
		t.Errorf("resolveShell override = %q", got)
	}
}

type recordingConsumer struct {
	mu       sync.Mutex
	data     []byte
	exitCode int
	exited   chan struct{}
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{exited: make(chan struct{})}
}

func (c *recordingConsumer) Data(id ids.PtySessionID, data []byte) {
	c.mu.Lock()
	c.data = append(c.data, data...)
	c.mu.Unlock()
}

func (c *recordingConsumer) Exit(id ids.PtySessionID, code int) {
	c.mu.Lock()
	c.exitCode = code
	c.mu.Unlock()
	close(c.exited)
}

// TestManagerCreateShellRunsAndExits exercises Create end to end with no
// helper binary configured: the native PTY backend where a pty device is
// available, otherwise the pipe backend.
func TestManagerCreateShellRunsAndExits(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, "")
	defer m.Stop()

	consumer := newRecordingConsumer()
	s, err := m.Create(CreateOptions{
		Kind:  KindShell,
		Shell: "/bin/sh",
		Args:  []string{"-c", "echo hello"},
		Cols:  80,
		Rows:  24,
	}, consumer)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Backend != BackendPTY && s.Backend != BackendPipe {
		t.Fatalf("expected native pty or pipe backend with no helper configured, got %v", s.Backend)
	}

	select {
	case <-consumer.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if consumer.exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", consumer.exitCode)
	}
}
