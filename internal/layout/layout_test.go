package layout

import (
	"testing"

	"github.com/anirban-ghosh/muxterm/internal/ids"
)

func TestSplitAt(t *testing.T) {
	a := ids.PaneID("a")
	b := ids.PaneID("b")
	root := NewPane(a)

	split := SplitAt(root, a, Vertical, b)
	if !split.IsSplit() {
		t.Fatalf("expected split, got pane")
	}
	if split.Ratio() != 0.5 {
		t.Errorf("ratio = %v, want 0.5", split.Ratio())
	}
	panes := CollectPanes(split)
	if len(panes) != 2 || panes[0] != a || panes[1] != b {
		t.Errorf("panes = %v, want [a b]", panes)
	}

	// splitting on an absent pane is a no-op
	missing := ids.PaneID("missing")
	same := SplitAt(split, missing, Horizontal, ids.PaneID("c"))
	if same != split {
		t.Errorf("expected unchanged tree for missing target")
	}
}

func TestRemovePaneCollapsesSplit(t *testing.T) {
	a := ids.PaneID("a")
	b := ids.PaneID("b")
	root := NewSplit(Horizontal, 0.3, NewPane(a), NewPane(b))

	afterA := RemovePane(root, a)
	if !afterA.IsPane() || afterA.PaneID() != b {
		t.Fatalf("expected collapse to pane b, got %+v", afterA)
	}

	afterBoth := RemovePane(afterA, b)
	if afterBoth != nil {
		t.Fatalf("expected nil after removing last pane, got %+v", afterBoth)
	}
}

func TestRemovePaneNestedCollapse(t *testing.T) {
	a, b, c := ids.PaneID("a"), ids.PaneID("b"), ids.PaneID("c")
	inner := NewSplit(Vertical, 0.4, NewPane(b), NewPane(c))
	root := NewSplit(Horizontal, 0.6, NewPane(a), inner)

	afterC := RemovePane(root, c)
	if !afterC.IsSplit() {
		t.Fatalf("expected split to survive, got %+v", afterC)
	}
	panes := CollectPanes(afterC)
	if len(panes) != 2 || panes[0] != a || panes[1] != b {
		t.Errorf("panes = %v, want [a b]", panes)
	}
}

func TestRatioClamping(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{0.05, 0.1},
		{0.95, 0.9},
		{0, 0.1},
		{1, 0.9},
	}
	for _, tc := range cases {
		n := NewSplit(Horizontal, tc.in, NewPane(ids.PaneID("a")), NewPane(ids.PaneID("b")))
		if n.Ratio() != tc.want {
			t.Errorf("clamp(%v) = %v, want %v", tc.in, n.Ratio(), tc.want)
		}
	}
}

func TestRatioClampingNonFinite(t *testing.T) {
	n := NewSplit(Horizontal, nan(), NewPane(ids.PaneID("a")), NewPane(ids.PaneID("b")))
	if n.Ratio() != 0.5 {
		t.Errorf("NaN ratio = %v, want 0.5", n.Ratio())
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestUpdateRatioAt(t *testing.T) {
	a, b, c := ids.PaneID("a"), ids.PaneID("b"), ids.PaneID("c")
	root := NewSplit(Horizontal, 0.5, NewPane(a), NewSplit(Vertical, 0.5, NewPane(b), NewPane(c)))

	updated := UpdateRatioAt(root, []PathStep{StepSecond}, 0.8)
	if updated.Second().Ratio() != 0.8 {
		t.Errorf("nested ratio = %v, want 0.8", updated.Second().Ratio())
	}
	if updated.Ratio() != 0.5 {
		t.Errorf("outer ratio changed unexpectedly: %v", updated.Ratio())
	}
}

func TestPreserveRatios(t *testing.T) {
	a, b := ids.PaneID("a"), ids.PaneID("b")
	prev := NewSplit(Horizontal, 0.25, NewPane(a), NewPane(b))
	next := NewSplit(Horizontal, 0.5, NewPane(a), NewPane(b))

	merged := PreserveRatios(prev, next)
	if merged.Ratio() != 0.25 {
		t.Errorf("ratio = %v, want preserved 0.25", merged.Ratio())
	}
}

func TestPreserveRatiosDirectionChange(t *testing.T) {
	a, b := ids.PaneID("a"), ids.PaneID("b")
	prev := NewSplit(Horizontal, 0.25, NewPane(a), NewPane(b))
	next := NewSplit(Vertical, 0.5, NewPane(a), NewPane(b))

	merged := PreserveRatios(prev, next)
	if merged.Direction() != Vertical || merged.Ratio() != 0.5 {
		t.Errorf("expected next taken wholesale on direction change, got dir=%v ratio=%v",
			merged.Direction(), merged.Ratio())
	}
}

func TestParseLayoutStringSinglePane(t *testing.T) {
	n := ParseLayoutString("80x24,0,0,0")
	if !n.IsPane() || n.PaneID() != ids.PaneID("%0") {
		t.Fatalf("expected single pane %%0, got %+v", n)
	}
}

func TestParseLayoutStringWithChecksum(t *testing.T) {
	n := ParseLayoutString("a1b2,80x24,0,0,0")
	if !n.IsPane() || n.PaneID() != ids.PaneID("%0") {
		t.Fatalf("expected checksum stripped and pane parsed, got %+v", n)
	}
}

func TestParseLayoutStringHorizontalRow(t *testing.T) {
	// two panes side by side, 40 cols each out of 81 (80 + separator)
	n := ParseLayoutString("81x24,0,0{40x24,0,0,0,40x24,41,0,1}")
	if !n.IsSplit() || n.Direction() != Horizontal {
		t.Fatalf("expected horizontal split, got %+v", n)
	}
	panes := CollectPanes(n)
	if len(panes) != 2 || panes[0] != ids.PaneID("%0") || panes[1] != ids.PaneID("%1") {
		t.Errorf("panes = %v, want [%%0 %%1]", panes)
	}
	if n.Ratio() <= 0.1 || n.Ratio() >= 0.9 {
		t.Errorf("ratio %v out of expected mid-range", n.Ratio())
	}
}

func TestParseLayoutStringVerticalStack(t *testing.T) {
	n := ParseLayoutString("80x48,0,0[80x24,0,0,0,80x23,0,25,1]")
	if !n.IsSplit() || n.Direction() != Vertical {
		t.Fatalf("expected vertical split, got %+v", n)
	}
}

func TestParseLayoutStringThreeWayFold(t *testing.T) {
	// three equal-width panes in a row fold left-leaning.
	n := ParseLayoutString("90x24,0,0{30x24,0,0,0,30x24,31,0,1,29x24,62,0,2}")
	if !n.IsSplit() {
		t.Fatalf("expected split root")
	}
	panes := CollectPanes(n)
	if len(panes) != 3 {
		t.Fatalf("panes = %v, want 3 panes", panes)
	}
	// left-leaning: root.first should itself be a split of %0,%1; root.second is %2.
	if !n.First().IsSplit() {
		t.Errorf("expected left-leaning fold, first child should be a split")
	}
	if !n.Second().IsPane() || n.Second().PaneID() != ids.PaneID("%2") {
		t.Errorf("expected last pane as root.second, got %+v", n.Second())
	}
}

func TestParseLayoutStringMalformedFallsBack(t *testing.T) {
	n := ParseLayoutString("not a layout string")
	if !n.IsPane() || n.PaneID() != ids.PaneID("%0") {
		t.Fatalf("expected synthetic single-pane fallback, got %+v", n)
	}
}

func TestParseLayoutStringTrailingGarbageFallsBack(t *testing.T) {
	n := ParseLayoutString("80x24,0,0,0,garbage")
	if !n.IsPane() || n.PaneID() != ids.PaneID("%0") {
		t.Fatalf("expected fallback on trailing garbage, got %+v", n)
	}
}
