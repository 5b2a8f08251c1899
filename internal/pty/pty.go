// Package pty owns every child process the core spawns (shells, tmux
// control clients, anything else) behind one uniform handle, picking a
// backend (native PTY, helper-process PTY, or anonymous pipes) per
// session according to what the host platform and the requested session
// kind allow.
package pty

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/anirban-ghosh/muxterm/internal/ids"
)

// Backend names the mechanism actually used to back a session.
type Backend int

const (
	BackendPTY Backend = iota
	BackendHelper
	BackendPipe
)

func (b Backend) String() string {
	switch b {
	case BackendPTY:
		return "pty"
	case BackendHelper:
		return "helper"
	case BackendPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// Kind distinguishes an ordinary shell/command session from a tmux
// control-mode session, which requires a real tty.
type Kind int

const (
	KindShell Kind = iota
	KindTmuxControl
)

const (
	defaultCols = 120
	defaultRows = 35
	minCols     = 10
	minRows     = 5

	// historyCap bounds the per-session replay cache.
	historyCap = 2 * 1024 * 1024
)

// ClampSize enforces the minimum usable terminal geometry.
func ClampSize(cols, rows uint16) (uint16, uint16) {
	if cols < minCols {
		cols = minCols
	}
	if rows < minRows {
		rows = minRows
	}
	return cols, rows
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Kind    Kind
	Cwd     string
	Shell   string
	Args    []string
	Cols    uint16
	Rows    uint16
	Env     []string // additional KEY=VALUE pairs, merged over os.Environ()
}

// Consumer receives the single stream of events a Session emits: zero or
// more Data calls followed by exactly one Exit call, after which nothing
// more is delivered.
type Consumer interface {
	Data(id ids.PtySessionID, data []byte)
	Exit(id ids.PtySessionID, code int)
}

// Session is the uniform handle returned by Manager.Create.
type Session struct {
	ID      ids.PtySessionID
	Kind    Kind
	Backend Backend
	Pid     int

	mu      sync.Mutex
	cols    uint16
	rows    uint16
	exited  bool

	impl sessionImpl

	history *chunkRing

	taps   map[int]func([]byte)
	nextTap int
}

// sessionImpl is satisfied by each backend's concrete session type.
type sessionImpl interface {
	write(data []byte) (int, error)
	resize(cols, rows uint16) error
	kill() error
}

// Write sends bytes to the child. Returns false only when the session is
// unknown to the caller (i.e. the handle is stale); write errors after
// that are absorbed and surfaced only via the eventual Exit.
func (s *Session) Write(data []byte) bool {
	s.mu.Lock()
	exited := s.exited
	impl := s.impl
	s.mu.Unlock()
	if exited || impl == nil {
		return false
	}
	_, _ = impl.write(data)
	return true
}

// Resize changes the child's terminal geometry, clamped to the minimum
// usable size.
func (s *Session) Resize(cols, rows uint16) error {
	cols, rows = ClampSize(cols, rows)
	s.mu.Lock()
	if s.cols == cols && s.rows == rows {
		s.mu.Unlock()
		return nil
	}
	impl := s.impl
	s.mu.Unlock()
	if impl == nil {
		return nil
	}
	if err := impl.resize(cols, rows); err != nil {
		return err
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// Kill terminates the child. The eventual Exit callback still fires.
func (s *Session) Kill() error {
	s.mu.Lock()
	impl := s.impl
	s.mu.Unlock()
	if impl == nil {
		return nil
	}
	return impl.kill()
}

// History returns the replay cache accumulated so far, for writer
// re-registration. Tmux control sessions don't populate it: their panes
// are hydrated from capture-pane instead, and replaying both would
// duplicate scrollback. See Manager.Create.
func (s *Session) History() []byte {
	if s.history == nil {
		return nil
	}
	return s.history.Bytes()
}

func (s *Session) recordHistory(data []byte) {
	if s.history != nil {
		s.history.Write(data)
	}
}

// Tap registers fn to receive a copy of every Data event for this
// session, alongside (not instead of) its registered Consumer, until the
// returned func is called. Lets higher layers, e.g. the tmux shell-probe
// protocol, observe a session's output without owning its primary
// Consumer registration.
func (s *Session) Tap(fn func([]byte)) (untap func()) {
	s.mu.Lock()
	if s.taps == nil {
		s.taps = make(map[int]func([]byte))
	}
	id := s.nextTap
	s.nextTap++
	s.taps[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.taps, id)
		s.mu.Unlock()
	}
}

func (s *Session) notifyTaps(data []byte) {
	s.mu.Lock()
	var fns []func([]byte)
	for _, fn := range s.taps {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (s *Session) markExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return false
	}
	s.exited = true
	return true
}

// Manager owns every live Session and performs backend selection.
type Manager struct {
	logger *slog.Logger

	// helperPath is the path to the cmd/ptyhelper binary, resolved once.
	helperPath string

	mu       sync.Mutex
	sessions map[ids.PtySessionID]*Session
	consumer map[ids.PtySessionID]Consumer
	helper   *helperProcess

	reaper *cron.Cron
}

// NewManager constructs a Manager and starts its orphan-reaper ticker,
// which drops handles for sessions that have already exited.
func NewManager(logger *slog.Logger, helperPath string) *Manager {
	m := &Manager{
		logger:     logger,
		helperPath: helperPath,
		sessions:   make(map[ids.PtySessionID]*Session),
		consumer:   make(map[ids.PtySessionID]Consumer),
	}
	m.reaper = cron.New()
	if _, err := m.reaper.AddFunc("@every 30s", m.reapOrphans); err != nil {
		logger.Error("pty: failed to schedule orphan reaper", "err", err)
	} else {
		m.reaper.Start()
	}
	return m
}

// Stop halts the reaper ticker and kills the helper process if one was
// spawned. It does not kill live sessions.
func (m *Manager) Stop() {
	if m.reaper != nil {
		m.reaper.Stop()
	}
	m.mu.Lock()
	hp := m.helper
	m.mu.Unlock()
	if hp != nil {
		hp.kill()
	}
}

func (m *Manager) reapOrphans() {
	m.mu.Lock()
	var dead []ids.PtySessionID
	for id, s := range m.sessions {
		s.mu.Lock()
		exited := s.exited
		s.mu.Unlock()
		if exited {
			dead = append(dead, id)
		}
	}
	m.mu.Unlock()
	for _, id := range dead {
		m.mu.Lock()
		delete(m.sessions, id)
		delete(m.consumer, id)
		m.mu.Unlock()
		m.logger.Debug("pty: reaped orphaned session handle", "id", id)
	}
}

// Create spawns a new session, trying PTY, then helper, then pipe in
// order, and registers consumer to receive its Data/Exit events.
func (m *Manager) Create(opts CreateOptions, consumer Consumer) (*Session, error) {
	opts.Cols, opts.Rows = ClampSize(orDefault(opts.Cols, defaultCols), orDefault(opts.Rows, defaultRows))

	id := ids.NewPtySessionID()
	s := &Session{ID: id, Kind: opts.Kind, cols: opts.Cols, rows: opts.Rows}
	if opts.Kind != KindTmuxControl {
		s.history = newChunkRing(historyCap)
	}

	impl, backend, pid, err := m.startBackend(id, opts, s)
	if err != nil {
		return nil, fmt.Errorf("pty: create session: %w", err)
	}
	s.impl = impl
	s.Backend = backend
	s.Pid = pid

	m.mu.Lock()
	m.sessions[id] = s
	m.consumer[id] = consumer
	m.mu.Unlock()
	return s, nil
}

// orDefault returns v unless it's zero, in which case it returns def.
func orDefault(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}

func (m *Manager) startBackend(id ids.PtySessionID, opts CreateOptions, s *Session) (sessionImpl, Backend, int, error) {
	if impl, pid, err := startPTYBackend(m, id, opts, s); err == nil {
		return impl, BackendPTY, pid, nil
	} else {
		m.logger.Debug("pty: native backend unavailable, falling back to helper", "id", id, "err", err)
	}

	if m.helperPath != "" {
		if impl, pid, err := startHelperBackend(m, id, opts, s); err == nil {
			return impl, BackendHelper, pid, nil
		} else {
			m.logger.Debug("pty: helper backend unavailable, falling back to pipe", "id", id, "err", err)
		}
	}

	if opts.Kind == KindTmuxControl {
		return nil, 0, 0, fmt.Errorf("pty: tmux control sessions require a tty; pipe backend rejected")
	}
	impl, pid, err := startPipeBackend(m, id, opts, s)
	if err != nil {
		return nil, 0, 0, err
	}
	return impl, BackendPipe, pid, nil
}

// Session returns the live session with the given id, or nil.
func (m *Manager) Session(id ids.PtySessionID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Write sends bytes to the session with the given id. Returns false only
// when the session is unknown.
func (m *Manager) Write(id ids.PtySessionID, data []byte) bool {
	s := m.Session(id)
	if s == nil {
		return false
	}
	return s.Write(data)
}

// Resize changes the session's terminal geometry.
func (m *Manager) Resize(id ids.PtySessionID, cols, rows uint16) bool {
	s := m.Session(id)
	if s == nil {
		return false
	}
	return s.Resize(cols, rows) == nil
}

// Kill terminates the session's child process.
func (m *Manager) Kill(id ids.PtySessionID) bool {
	s := m.Session(id)
	if s == nil {
		return false
	}
	return s.Kill() == nil
}

func (m *Manager) dispatchData(id ids.PtySessionID, data []byte) {
	m.mu.Lock()
	s := m.sessions[id]
	c := m.consumer[id]
	m.mu.Unlock()
	if s != nil {
		s.recordHistory(data)
		s.notifyTaps(data)
	}
	if c != nil {
		c.Data(id, data)
	}
}

func (m *Manager) dispatchExit(id ids.PtySessionID, code int) {
	m.mu.Lock()
	s := m.sessions[id]
	c := m.consumer[id]
	m.mu.Unlock()
	if s == nil || !s.markExited() {
		return
	}
	if c != nil {
		c.Exit(id, code)
	}
}
