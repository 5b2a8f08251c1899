// Command ptyhelper is the companion process spoken to by internal/pty's
// helper backend: it owns a native PTY directly and relays it over a
// line-delimited JSON protocol on stdin/stdout, for use when the parent
// process itself cannot open a PTY.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	ptylib "github.com/creack/pty/v2"

	"github.com/anirban-ghosh/muxterm/internal/pty/helperproto"
)

type child struct {
	id   string
	f    *os.File
	cmd  *exec.Cmd
	out  *json.Encoder
	mu   *sync.Mutex // guards out
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	children := make(map[string]*child)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	go func() {
		<-ctx.Done()
		mu.Lock()
		for _, c := range children {
			if c.cmd.Process != nil {
				c.cmd.Process.Kill()
			}
		}
		mu.Unlock()
		os.Exit(0)
	}()

	for scanner.Scan() {
		var msg helperproto.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logger.Warn("ptyhelper: malformed line", "err", err)
			continue
		}
		handle(msg, children, &mu, enc, logger)
	}
}

func handle(msg helperproto.Message, children map[string]*child, mu *sync.Mutex, enc *json.Encoder, logger *slog.Logger) {
	switch msg.Type {
	case helperproto.TypeCreate:
		createChild(msg, children, mu, enc, logger)
	case helperproto.TypeWrite:
		mu.Lock()
		c, ok := children[msg.SessionID]
		mu.Unlock()
		if !ok {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		c.f.Write(data)
	case helperproto.TypeResize:
		mu.Lock()
		c, ok := children[msg.SessionID]
		mu.Unlock()
		if !ok {
			return
		}
		ptylib.Setsize(c.f, &ptylib.Winsize{Cols: msg.Cols, Rows: msg.Rows})
	case helperproto.TypeKill:
		mu.Lock()
		c, ok := children[msg.SessionID]
		mu.Unlock()
		if ok && c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
	}
}

func createChild(msg helperproto.Message, children map[string]*child, mu *sync.Mutex, enc *json.Encoder, logger *slog.Logger) {
	opts := msg.Options
	if opts == nil {
		opts = &helperproto.CreateOptions{}
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 35
	}

	cmd := exec.Command(msg.Command, msg.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), opts.Env...)

	f, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		writeLine(mu, enc, helperproto.Message{
			Type:      helperproto.TypeCreateError,
			SessionID: msg.SessionID,
			Message:   err.Error(),
		})
		return
	}

	c := &child{id: msg.SessionID, f: f, cmd: cmd, out: enc, mu: mu}
	mu.Lock()
	children[msg.SessionID] = c
	mu.Unlock()

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	writeLine(mu, enc, helperproto.Message{Type: helperproto.TypeCreated, SessionID: msg.SessionID, Pid: pid})

	go c.readLoop()
	go c.waitLoop(children, mu, logger)
}

func (c *child) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.f.Read(buf)
		if n > 0 {
			writeLine(c.mu, c.out, helperproto.Message{
				Type:      helperproto.TypeData,
				SessionID: c.id,
				Data:      base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

func (c *child) waitLoop(children map[string]*child, mu *sync.Mutex, logger *slog.Logger) {
	err := c.cmd.Wait()
	c.f.Close()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	mu.Lock()
	delete(children, c.id)
	mu.Unlock()
	writeLine(mu, c.out, helperproto.Message{Type: helperproto.TypeExit, SessionID: c.id, ExitCode: code})
}

func writeLine(mu *sync.Mutex, enc *json.Encoder, msg helperproto.Message) {
	mu.Lock()
	defer mu.Unlock()
	if err := enc.Encode(msg); err != nil {
		fmt.Fprintln(os.Stderr, "ptyhelper: write error:", err)
	}
}
