package layout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/anirban-ghosh/muxterm/internal/ids"
)

// ParseLayoutString turns a tmux window-layout string (the value of
// `#{window_layout}`) into a Node tree. On any parse failure it returns a
// synthetic single-pane fallback (Pane(%0)) rather than an error: malformed
// layouts must never crash the controller.
func ParseLayoutString(s string) *Node {
	n, err := parseLayoutString(s)
	if err != nil {
		return NewPane(ids.PaneID("%0"))
	}
	return n
}

func parseLayoutString(s string) (*Node, error) {
	s = stripChecksum(s)
	p := &layoutParser{s: s}
	n, err := p.parseCell()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.s) {
		return nil, fmt.Errorf("layout: trailing garbage at %d: %q", p.pos, p.s[p.pos:])
	}
	return n, nil
}

// stripChecksum removes a leading 4-hex-digit checksum and its trailing
// comma, if present. The checksum is recognized only when it appears before
// the first 'x' in the string (i.e. before the first WxH token).
func stripChecksum(s string) string {
	xIdx := strings.IndexByte(s, 'x')
	if xIdx < 0 {
		return s
	}
	commaIdx := strings.IndexByte(s, ',')
	if commaIdx < 0 || commaIdx > xIdx {
		return s
	}
	prefix := s[:commaIdx]
	if len(prefix) != 4 {
		return s
	}
	for _, r := range prefix {
		if !isHexDigit(r) {
			return s
		}
	}
	return s[commaIdx+1:]
}

func isHexDigit(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'f':
		return true
	case r >= 'A' && r <= 'F':
		return true
	}
	return false
}

type layoutParser struct {
	s   string
	pos int
}

// cell is one parsed WxH,X,Y node, before its child-list suffix (leaf pane,
// vertical stack, or horizontal row) is applied.
type cell struct {
	width, height int
	x, y          int
}

func (p *layoutParser) parseCell() (*Node, error) {
	c, err := p.parseDims()
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.s) {
		return nil, fmt.Errorf("layout: unexpected end after dims")
	}
	switch p.s[p.pos] {
	case ',':
		p.pos++
		return p.parsePaneLeaf()
	case '[':
		p.pos++
		return p.parseChildren(c, ']', Vertical)
	case '{':
		p.pos++
		return p.parseChildren(c, '}', Horizontal)
	default:
		return nil, fmt.Errorf("layout: unexpected char %q at %d", p.s[p.pos], p.pos)
	}
}

func (p *layoutParser) parseDims() (cell, error) {
	width, err := p.parseInt()
	if err != nil {
		return cell{}, err
	}
	if err := p.expect('x'); err != nil {
		return cell{}, err
	}
	height, err := p.parseInt()
	if err != nil {
		return cell{}, err
	}
	if err := p.expect(','); err != nil {
		return cell{}, err
	}
	x, err := p.parseInt()
	if err != nil {
		return cell{}, err
	}
	if err := p.expect(','); err != nil {
		return cell{}, err
	}
	y, err := p.parseInt()
	if err != nil {
		return cell{}, err
	}
	return cell{width: width, height: height, x: x, y: y}, nil
}

func (p *layoutParser) parsePaneLeaf() (*Node, error) {
	start := p.pos
	for p.pos < len(p.s) && isDigit(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("layout: expected pane number at %d", start)
	}
	return NewPane(ids.PaneID("%" + p.s[start:p.pos])), nil
}

// parseChildren parses a comma-separated list of cells up to closing, then
// left-folds them into a binary tree, computing ratios from span sizes.
func (p *layoutParser) parseChildren(parent cell, closing byte, dir Direction) (*Node, error) {
	type child struct {
		node *Node
		span int
	}
	var children []child

	for {
		n, c, err := p.parseCellWithSpan(dir)
		if err != nil {
			return nil, err
		}
		children = append(children, child{node: n, span: c})
		if p.pos >= len(p.s) {
			return nil, fmt.Errorf("layout: unterminated child list")
		}
		if p.s[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.s[p.pos] == closing {
			p.pos++
			break
		}
		return nil, fmt.Errorf("layout: expected ',' or %q at %d", closing, p.pos)
	}

	if len(children) == 0 {
		return nil, fmt.Errorf("layout: empty child list")
	}
	node := children[0].node
	span := children[0].span
	for _, c := range children[1:] {
		ratio := 0.5
		total := span + c.span
		if total > 0 {
			ratio = float64(span) / float64(total)
		}
		node = NewSplit(dir, ratio, node, c.node)
		span += c.span
	}
	return node, nil
}

// parseCellWithSpan parses one child cell and returns it along with its
// span along dir's axis (width for Horizontal rows, height for Vertical
// stacks), used by the caller to fold ratios.
func (p *layoutParser) parseCellWithSpan(dir Direction) (*Node, int, error) {
	c, err := p.parseDims()
	if err != nil {
		return nil, 0, err
	}
	span := c.width
	if dir == Vertical {
		span = c.height
	}
	if p.pos >= len(p.s) {
		return nil, 0, fmt.Errorf("layout: unexpected end after child dims")
	}
	var n *Node
	switch p.s[p.pos] {
	case ',':
		p.pos++
		n, err = p.parsePaneLeaf()
	case '[':
		p.pos++
		n, err = p.parseChildren(c, ']', Vertical)
	case '{':
		p.pos++
		n, err = p.parseChildren(c, '}', Horizontal)
	default:
		return nil, 0, fmt.Errorf("layout: unexpected char %q at %d", p.s[p.pos], p.pos)
	}
	if err != nil {
		return nil, 0, err
	}
	return n, span, nil
}

func (p *layoutParser) parseInt() (int, error) {
	start := p.pos
	for p.pos < len(p.s) && isDigit(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("layout: expected integer at %d", start)
	}
	return strconv.Atoi(p.s[start:p.pos])
}

func (p *layoutParser) expect(b byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != b {
		return fmt.Errorf("layout: expected %q at %d", b, p.pos)
	}
	p.pos++
	return nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
