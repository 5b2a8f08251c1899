package tmux

import (
	"strings"
	"time"
)

// transactionTimeout bounds an in-flight in-band command: past it the
// transaction resolves empty and the queue moves on.
const transactionTimeout = 5 * time.Second

// transaction is one outstanding in-band tmux command awaiting its
// %begin…%end (or %error) response.
type transaction struct {
	cmd        string
	lines      []string
	collecting bool
	resolved   chan string
}

// submitTransaction enqueues cmd and returns a channel that receives its
// resolved output exactly once. There is never more than one in-flight
// request per controller; all others queue FIFO.
func (c *Controller) submitTransaction(cmd string) <-chan string {
	c.mu.Lock()
	tx := &transaction{cmd: cmd, resolved: make(chan string, 1)}
	c.txQueue = append(c.txQueue, tx)
	shouldStart := len(c.txQueue) == 1
	c.mu.Unlock()

	if shouldStart {
		c.startNextTransaction()
	}
	return tx.resolved
}

// startNextTransaction writes the head-of-queue command to the control
// PTY and arms its timeout timer. Caller must not hold c.mu.
func (c *Controller) startNextTransaction() {
	c.mu.Lock()
	if len(c.txQueue) == 0 {
		c.mu.Unlock()
		return
	}
	tx := c.txQueue[0]
	c.mu.Unlock()

	c.control.Write([]byte(tx.cmd + "\n"))

	timer := time.AfterFunc(transactionTimeout, func() {
		c.logger.Debug("tmux: transaction timed out", "cmd", tx.cmd)
		c.resolveHeadTransaction("")
	})
	c.mu.Lock()
	c.txTimer = timer
	c.mu.Unlock()
}

// feedTransaction advances the head-of-queue transaction's state.
// Returns true if line was consumed by the transaction machinery (so
// the caller stops processing it further). Caller must hold c.mu
// (handleLine is called under the controller's single lock).
func (c *Controller) feedTransaction(line string) bool {
	if len(c.txQueue) == 0 {
		return false
	}
	tx := c.txQueue[0]

	switch {
	case strings.HasPrefix(line, "%begin"):
		tx.collecting = true
		return true
	case strings.HasPrefix(line, "%end"):
		c.finishHeadTransactionLocked(strings.Join(tx.lines, "\n"))
		return true
	case strings.HasPrefix(line, "%error"):
		c.finishHeadTransactionLocked("")
		return true
	case tx.collecting && !strings.HasPrefix(line, "%"):
		tx.lines = append(tx.lines, line)
		return true
	}
	return false
}

// finishHeadTransactionLocked resolves the current head of queue and
// advances. Caller holds c.mu; the next transaction's command write
// happens after we release it (it cannot happen under handleLine's lock
// since it performs its own locking).
func (c *Controller) finishHeadTransactionLocked(result string) {
	if len(c.txQueue) == 0 {
		return
	}
	tx := c.txQueue[0]
	c.txQueue = c.txQueue[1:]
	if c.txTimer != nil {
		c.txTimer.Stop()
		c.txTimer = nil
	}
	tx.resolved <- result
	hasNext := len(c.txQueue) > 0
	if hasNext {
		go c.startNextTransaction()
	}
}

// resolveHeadTransaction is the timeout path; it must acquire the lock
// itself since it runs from a timer goroutine, not from handleLine.
func (c *Controller) resolveHeadTransaction(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.txQueue) == 0 {
		return
	}
	c.finishHeadTransactionLocked(result)
}
