//go:build !windows

package pty

import (
	"os"
	"os/exec"

	ptylib "github.com/creack/pty/v2"

	"github.com/anirban-ghosh/muxterm/internal/ids"
)

type nativeSession struct {
	id  ids.PtySessionID
	f   *os.File
	cmd *exec.Cmd
	mgr *Manager
}

func startPTYBackend(m *Manager, id ids.PtySessionID, opts CreateOptions, s *Session) (sessionImpl, int, error) {
	shell := resolveShell(opts.Shell)
	args := opts.Args
	if opts.Kind == KindShell && len(args) == 0 {
		args = nil
	}
	cmd := exec.Command(shell, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = childEnv(opts.Env)

	f, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, 0, err
	}

	ns := &nativeSession{id: id, f: f, cmd: cmd, mgr: m}
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	go ns.readLoop()
	go ns.waitLoop()

	return ns, pid, nil
}

func (n *nativeSession) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		nr, err := n.f.Read(buf)
		if nr > 0 {
			data := make([]byte, nr)
			copy(data, buf[:nr])
			n.mgr.dispatchData(n.id, data)
		}
		if err != nil {
			return
		}
	}
}

func (n *nativeSession) waitLoop() {
	err := n.cmd.Wait()
	n.f.Close()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	n.mgr.dispatchExit(n.id, code)
}

func (n *nativeSession) write(data []byte) (int, error) {
	return n.f.Write(data)
}

func (n *nativeSession) resize(cols, rows uint16) error {
	return ptylib.Setsize(n.f, &ptylib.Winsize{Rows: rows, Cols: cols})
}

func (n *nativeSession) kill() error {
	if n.cmd.Process == nil {
		return nil
	}
	return n.cmd.Process.Kill()
}
