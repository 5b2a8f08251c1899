package tmux

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anirban-ghosh/muxterm/internal/pty"
)

// probeTimeout is the total budget for one shell probe round trip.
const probeTimeout = 2200 * time.Millisecond

// ProbeResult is the outcome of ProbeShell.
type ProbeResult struct {
	SSHTarget   string
	SSHPort     int
	SourceLabel string
	Sessions    []string
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// ProbeShell issues a marker-delimited probe script into an
// already-running shell pane, collects the stripped-ANSI output between
// the markers, and infers whether that shell is an ssh session with a
// reachable tmux server. The workspace coordinator's attach flow uses
// it to offer a session picker before spawning a control session. On
// timeout it reports "Local machine" with no sessions.
func ProbeShell(sess *pty.Session) (ProbeResult, error) {
	token := uuid.New().String()[:8]
	begin := "__PTMUX_BEGIN_" + token + "__"
	end := "__PTMUX_END_" + token + "__"

	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	untap := sess.Tap(func(data []byte) {
		mu.Lock()
		buf.Write(data)
		mu.Unlock()
	})
	defer untap()

	script := fmt.Sprintf(
		"printf '%s\\n'\n"+
			"printf '__PTMUX_CTX__::%%s::%%s::%%s\\n' \"$USER\" \"$HOSTNAME\" \"$SSH_CONNECTION\"\n"+
			"tmux list-sessions -F '#{session_name}' 2>/dev/null\n"+
			"printf '%s\\n'\n", begin, end)
	if !sess.Write([]byte(script)) {
		return ProbeResult{}, fmt.Errorf("tmux: probe shell: write failed")
	}

	deadline := time.After(probeTimeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return ProbeResult{SourceLabel: "Local machine"}, nil
		case <-ticker.C:
			mu.Lock()
			clean := ansiEscape.ReplaceAllString(buf.String(), "")
			mu.Unlock()
			bi := strings.Index(clean, begin)
			ei := strings.Index(clean, end)
			if bi < 0 || ei < 0 || ei < bi {
				continue
			}
			return parseProbeBody(clean[bi+len(begin) : ei]), nil
		}
	}
}

// parseProbeBody parses the probe script's output: the __PTMUX_CTX__
// line yields the ssh target and port from $SSH_CONNECTION's server-ip
// and server-port fields (3 and 4); the remaining non-empty lines are
// tmux session names. Malformed $SSH_CONNECTION values are treated as
// "local".
func parseProbeBody(body string) ProbeResult {
	res := ProbeResult{SourceLabel: "Local machine"}
	ctxSeen := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "__PTMUX_CTX__::") {
			ctxSeen = true
			applyProbeContext(&res, strings.TrimPrefix(line, "__PTMUX_CTX__::"))
			continue
		}
		if ctxSeen {
			res.Sessions = append(res.Sessions, line)
		}
	}
	return res
}

func applyProbeContext(res *ProbeResult, ctx string) {
	fields := strings.SplitN(ctx, "::", 3)
	if len(fields) != 3 {
		return
	}
	user, host, sshConn := fields[0], fields[1], fields[2]
	if host != "" {
		res.SourceLabel = host
	}
	parts := strings.Fields(sshConn)
	if len(parts) < 4 {
		return
	}
	res.SSHTarget = parts[2]
	if port, err := strconv.Atoi(parts[3]); err == nil {
		res.SSHPort = port
	}
	if user != "" && host != "" {
		res.SourceLabel = user + "@" + host
	}
}
