//go:build windows

package pty

import (
	"context"

	"github.com/UserExistsError/conpty"

	"github.com/anirban-ghosh/muxterm/internal/ids"
)

type nativeSession struct {
	id   ids.PtySessionID
	cpty *conpty.ConPty
	mgr  *Manager
}

func startPTYBackend(m *Manager, id ids.PtySessionID, opts CreateOptions, s *Session) (sessionImpl, int, error) {
	shell := resolveShell(opts.Shell)
	cmdline := shell
	for _, a := range opts.Args {
		cmdline += " " + a
	}

	cp, err := conpty.Start(cmdline,
		conpty.ConPtyDimensions(int(opts.Cols), int(opts.Rows)),
		conpty.ConPtyWorkDir(opts.Cwd),
	)
	if err != nil {
		return nil, 0, err
	}

	ns := &nativeSession{id: id, cpty: cp, mgr: m}
	go ns.readLoop()
	go ns.waitLoop()

	return ns, cp.Pid(), nil
}

func (n *nativeSession) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		nr, err := n.cpty.Read(buf)
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
	code, err := n.cpty.Wait(context.Background())
	if err != nil {
		code = 1
	}
	n.mgr.dispatchExit(n.id, int(code))
}

func (n *nativeSession) write(data []byte) (int, error) {
	return n.cpty.Write(data)
}

func (n *nativeSession) resize(cols, rows uint16) error {
	return n.cpty.Resize(int(cols), int(rows))
}

func (n *nativeSession) kill() error {
	return n.cpty.Close()
}
