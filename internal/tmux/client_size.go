package tmux

import (
	"fmt"

	"github.com/anirban-ghosh/muxterm/internal/ids"
	"github.com/anirban-ghosh/muxterm/internal/layout"
	"github.com/anirban-ghosh/muxterm/internal/pty"
)

// PaneSize is a (cols, rows) terminal geometry reported by the renderer
// for one leaf pane.
type PaneSize struct {
	Cols, Rows uint16
}

// SyncClientSize keeps tmux's virtual client screen matching the
// composite layout on the user's side: given the renderer's per-leaf
// pane sizes for a tab, it computes the composite grid and, only on
// change, pushes both the control PTY resize and tmux's own
// refresh-client/resize-pane commands.
func (c *Controller) SyncClientSize(tab ids.TabID, paneSizes map[ids.PaneID]PaneSize) {
	c.mu.Lock()
	l, ok := c.layouts[tab]
	c.mu.Unlock()
	if !ok {
		return
	}

	composite, ok := compositeSize(l, paneSizes)
	if !ok {
		return
	}
	cols, rows := pty.ClampSize(composite.Cols, composite.Rows)

	c.mu.Lock()
	last := c.lastComposite[tab]
	changed := last.cols != cols || last.rows != rows
	if changed {
		c.lastComposite[tab] = paneSize{cols: cols, rows: rows}
	}
	c.mu.Unlock()

	if changed {
		c.control.Resize(cols, rows)
		c.control.Write([]byte(fmt.Sprintf("refresh-client -C %dx%d\n", cols, rows)))
	}

	c.syncPaneSizes(l, paneSizes)
}

// compositeSize folds per-leaf sizes up through the layout tree:
// horizontal splits sum columns and take the max of rows, vertical
// splits the reverse.
func compositeSize(l *layout.Node, sizes map[ids.PaneID]PaneSize) (PaneSize, bool) {
	if l == nil {
		return PaneSize{}, false
	}
	if l.IsPane() {
		s, ok := sizes[l.PaneID()]
		return s, ok
	}
	first, ok1 := compositeSize(l.First(), sizes)
	second, ok2 := compositeSize(l.Second(), sizes)
	if !ok1 || !ok2 {
		return PaneSize{}, false
	}
	if l.Direction() == layout.Horizontal {
		return PaneSize{Cols: first.Cols + second.Cols, Rows: maxU16(first.Rows, second.Rows)}, true
	}
	return PaneSize{Cols: maxU16(first.Cols, second.Cols), Rows: first.Rows + second.Rows}, true
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// syncPaneSizes emits `resize-pane -t %N -x <C> -y <R>` for each bound
// tmux pane whose size changed since last sync. Caller must not hold
// c.mu.
func (c *Controller) syncPaneSizes(l *layout.Node, sizes map[ids.PaneID]PaneSize) {
	c.mu.Lock()
	changes := make(map[string]PaneSize)
	for tpid, b := range c.paneToNative {
		for _, native := range layout.CollectPanes(l) {
			if native != b.pane {
				continue
			}
			size, ok := sizes[native]
			if !ok {
				continue
			}
			last := c.lastPaneSize[tpid]
			if last.cols != size.Cols || last.rows != size.Rows {
				changes[tpid] = size
			}
		}
	}
	for tpid, size := range changes {
		c.lastPaneSize[tpid] = paneSize{cols: size.Cols, rows: size.Rows}
	}
	c.mu.Unlock()

	for tpid, size := range changes {
		c.control.Write([]byte(fmt.Sprintf("resize-pane -t %s -x %d -y %d\n", tpid, size.Cols, size.Rows)))
	}
}
