// Command muxtermd is a minimal demo host wiring internal/pty,
// internal/tmux, and internal/workspace together. It is not a real
// terminal UI; it exercises the whole core end to end with a trivial
// line-oriented stdio front end: stdin lines become pane input, pane
// output is written to stdout prefixed by pane id.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/layout"
	"github.com/anirban-ghosh/muxterm/internal/pty"
	"github.com/anirban-ghosh/muxterm/internal/workspace"
)

func main() {
	var (
		devLog      = flag.Bool("dev", false, "log in JSON instead of text")
		shell       = flag.String("shell", "", "shell to run for the initial local tab (default: $SHELL)")
		cwd         = flag.String("cwd", "", "working directory for the initial tab")
		tmuxSession = flag.String("tmux", "", "attach tmux control mode to this session name instead of a local shell")
		sshTarget   = flag.String("ssh", "", "ssh target for a remote tmux control session (implies -tmux)")
		sshPort     = flag.Int("ssh-port", 0, "ssh port override")
	)
	flag.Parse()

	var handler slog.Handler
	if *devLog {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := pty.NewManager(logger, resolveHelperPath())
	defer mgr.Stop()

	sink := newStdioSink(logger)
	ws := workspace.New(logger, mgr, sink)
	sink.ws = ws

	if *tmuxSession != "" || *sshTarget != "" {
		_, err := ws.AttachTmux(workspace.TmuxAttachOptions{
			SessionName: *tmuxSession,
			Cwd:         *cwd,
			SSHTarget:   *sshTarget,
			SSHPort:     *sshPort,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "muxtermd: attach tmux:", err)
			os.Exit(1)
		}
	} else {
		_, err := ws.NewLocalTab(pty.CreateOptions{Shell: *shell, Cwd: *cwd})
		if err != nil {
			fmt.Fprintln(os.Stderr, "muxtermd: new local tab:", err)
			os.Exit(1)
		}
	}

	go readStdinLoop(ws, sink)

	<-ctx.Done()
	logger.Info("muxtermd: shutting down")
}

// resolveHelperPath looks for a ptyhelper binary next to this one, for
// the helper-PTY fallback backend. Its absence is not fatal: the
// manager simply falls through to pipe.
func resolveHelperPath() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "ptyhelper")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if p, err := exec.LookPath("ptyhelper"); err == nil {
		return p
	}
	return ""
}

// readStdinLoop forwards whole lines typed at stdin to the currently
// active pane, appending the newline the renderer's keystroke stream
// would normally carry itself.
func readStdinLoop(ws *workspace.Workspace, sink *stdioSink) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		pane := sink.activePane()
		if pane == "" {
			continue
		}
		ws.Write(pane, append(scanner.Bytes(), '\n'))
	}
}

// stdioSink is the trivial workspace.Sink this demo host registers: it
// writes pane output to stdout tagged by pane id, and tracks the active
// pane so stdin can be routed somewhere.
type stdioSink struct {
	logger *slog.Logger
	ws     *workspace.Workspace
	active atomic.Value // ids.PaneID
}

func newStdioSink(logger *slog.Logger) *stdioSink {
	s := &stdioSink{logger: logger}
	s.active.Store(ids.PaneID(""))
	return s
}

func (s *stdioSink) activePane() ids.PaneID {
	return s.active.Load().(ids.PaneID)
}

func (s *stdioSink) PaneOutput(pane ids.PaneID, data []byte) {
	fmt.Printf("[%s] %s", pane, data)
}

func (s *stdioSink) PaneExit(id ids.PtySessionID, code int) {
	s.logger.Info("muxtermd: pane pty exited", "pty", id, "code", code)
}

func (s *stdioSink) TabCreated(tab ids.TabID, title string) {
	s.logger.Info("muxtermd: tab created", "tab", tab, "title", title)
}

func (s *stdioSink) TabLayout(tab ids.TabID, l *layout.Node, active ids.PaneID, title string) {
	if s.ws != nil && s.ws.ActiveTab() == tab {
		s.active.Store(active)
	}
	s.logger.Debug("muxtermd: tab layout changed", "tab", tab, "active", active, "title", title)
}

func (s *stdioSink) TabClosed(tab ids.TabID) {
	s.logger.Info("muxtermd: tab closed", "tab", tab)
}
