package pty

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/pty/helperproto"
)

const helperCreateTimeout = 5 * time.Second

// helperProcess is the process-wide helper singleton: one cmd/ptyhelper
// child shared by every helper-backed session, spawned lazily on the
// first create that needs it and re-spawned by the next create after a
// crash. In-flight writes to a dead helper are lost (best effort).
type helperProcess struct {
	mgr   *Manager
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu       sync.Mutex
	dead     bool
	sessions map[string]ids.PtySessionID            // helper session id -> native id
	creates  map[string]chan helperproto.Message    // pending create replies
}

// ensureHelper returns the live helper singleton, spawning a fresh one
// if none exists or the previous one died.
func (m *Manager) ensureHelper() (*helperProcess, error) {
	m.mu.Lock()
	hp := m.helper
	m.mu.Unlock()
	if hp != nil && !hp.isDead() {
		return hp, nil
	}

	cmd := exec.Command(m.helperPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	hp = &helperProcess{
		mgr:      m,
		cmd:      cmd,
		stdin:    stdin,
		sessions: make(map[string]ids.PtySessionID),
		creates:  make(map[string]chan helperproto.Message),
	}
	go hp.readLoop(bufio.NewReader(stdout))
	go hp.waitLoop()

	m.mu.Lock()
	m.helper = hp
	m.mu.Unlock()
	return hp, nil
}

func (hp *helperProcess) isDead() bool {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.dead
}

func (hp *helperProcess) send(msg helperproto.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.dead {
		return fmt.Errorf("helper process is gone")
	}
	_, err = hp.stdin.Write(line)
	return err
}

func (hp *helperProcess) readLoop(reader *bufio.Reader) {
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			var msg helperproto.Message
			if jerr := json.Unmarshal([]byte(line), &msg); jerr == nil {
				hp.handle(msg)
			}
		}
		if err != nil {
			return
		}
	}
}

func (hp *helperProcess) handle(msg helperproto.Message) {
	switch msg.Type {
	case helperproto.TypeCreated, helperproto.TypeCreateError:
		hp.mu.Lock()
		ch := hp.creates[msg.SessionID]
		delete(hp.creates, msg.SessionID)
		hp.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	case helperproto.TypeData:
		hp.mu.Lock()
		id, ok := hp.sessions[msg.SessionID]
		hp.mu.Unlock()
		if !ok {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		hp.mgr.dispatchData(id, data)
	case helperproto.TypeExit:
		hp.mu.Lock()
		id, ok := hp.sessions[msg.SessionID]
		delete(hp.sessions, msg.SessionID)
		hp.mu.Unlock()
		if ok {
			hp.mgr.dispatchExit(id, msg.ExitCode)
		}
	}
}

// waitLoop resolves a helper crash: every session it was backing gets
// its one guaranteed exit notification, and the singleton slot is
// cleared so the next create re-spawns.
func (hp *helperProcess) waitLoop() {
	_ = hp.cmd.Wait()

	hp.mu.Lock()
	hp.dead = true
	orphaned := make([]ids.PtySessionID, 0, len(hp.sessions))
	for _, id := range hp.sessions {
		orphaned = append(orphaned, id)
	}
	hp.sessions = map[string]ids.PtySessionID{}
	pending := hp.creates
	hp.creates = map[string]chan helperproto.Message{}
	hp.mu.Unlock()

	for _, ch := range pending {
		ch <- helperproto.Message{Type: helperproto.TypeCreateError, Message: "helper process exited"}
	}
	for _, id := range orphaned {
		hp.mgr.dispatchExit(id, 1)
	}

	hp.mgr.mu.Lock()
	if hp.mgr.helper == hp {
		hp.mgr.helper = nil
	}
	hp.mgr.mu.Unlock()
}

func (hp *helperProcess) kill() {
	if hp.cmd.Process != nil {
		_ = hp.cmd.Process.Kill()
	}
}

// helperSession is one session's handle into the shared helper.
type helperSession struct {
	id ids.PtySessionID
	hp *helperProcess
}

func startHelperBackend(m *Manager, id ids.PtySessionID, opts CreateOptions, s *Session) (sessionImpl, int, error) {
	hp, err := m.ensureHelper()
	if err != nil {
		return nil, 0, err
	}

	reply := make(chan helperproto.Message, 1)
	hp.mu.Lock()
	hp.creates[string(id)] = reply
	hp.mu.Unlock()

	err = hp.send(helperproto.Message{
		Type:      helperproto.TypeCreate,
		SessionID: string(id),
		Command:   resolveShell(opts.Shell),
		Args:      opts.Args,
		Options: &helperproto.CreateOptions{
			Cwd:  opts.Cwd,
			Env:  opts.Env,
			Cols: opts.Cols,
			Rows: opts.Rows,
		},
	})
	if err != nil {
		hp.mu.Lock()
		delete(hp.creates, string(id))
		hp.mu.Unlock()
		return nil, 0, err
	}

	select {
	case msg := <-reply:
		if msg.Type != helperproto.TypeCreated {
			return nil, 0, fmt.Errorf("helper: %s", msg.Message)
		}
		hp.mu.Lock()
		hp.sessions[string(id)] = id
		hp.mu.Unlock()
		return &helperSession{id: id, hp: hp}, msg.Pid, nil
	case <-time.After(helperCreateTimeout):
		hp.mu.Lock()
		delete(hp.creates, string(id))
		hp.mu.Unlock()
		return nil, 0, fmt.Errorf("helper: timed out waiting for created reply")
	}
}

func (h *helperSession) write(data []byte) (int, error) {
	err := h.hp.send(helperproto.Message{
		Type:      helperproto.TypeWrite,
		SessionID: string(h.id),
		Data:      base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (h *helperSession) resize(cols, rows uint16) error {
	return h.hp.send(helperproto.Message{
		Type:      helperproto.TypeResize,
		SessionID: string(h.id),
		Cols:      cols,
		Rows:      rows,
	})
}

func (h *helperSession) kill() error {
	return h.hp.send(helperproto.Message{Type: helperproto.TypeKill, SessionID: string(h.id)})
}
