package mask_test

import (
	"testing"

	"github.com/cmsfed/cmsd/mask"
)

func TestNodeSetClearTest(t *testing.T) {
	var m mask.Mask
	m = m.Set(3)
	if !m.Test(3) {
		t.Fatalf("expected bit 3 set")
	}
	m = m.Clear(3)
	if m.Test(3) {
		t.Fatalf("expected bit 3 cleared")
	}
}

func TestUnionIntersectSubtract(t *testing.T) {
	a := mask.Node(1).Union(mask.Node(2))
	b := mask.Node(2).Union(mask.Node(3))
	if a.Intersect(b) != mask.Node(2) {
		t.Fatalf("intersect mismatch")
	}
	if a.Union(b).Count() != 3 {
		t.Fatalf("union count mismatch")
	}
	if a.Subtract(b) != mask.Node(1) {
		t.Fatalf("subtract mismatch")
	}
}

func TestLowestAndNext(t *testing.T) {
	m := mask.Node(5).Union(mask.Node(1)).Union(mask.Node(9))
	if m.Lowest() != 1 {
		t.Fatalf("expected lowest id 1, got %d", m.Lowest())
	}
	if m.Next(1) != 5 {
		t.Fatalf("expected next after 1 to be 5, got %d", m.Next(1))
	}
	if m.Next(9) != mask.Invalid {
		t.Fatalf("expected no next after 9")
	}
}

func TestForEachOrder(t *testing.T) {
	m := mask.Node(7).Union(mask.Node(2)).Union(mask.Node(4))
	var got []mask.SubscriberId
	m.ForEach(func(id mask.SubscriberId) bool {
		got = append(got, id)
		return true
	})
	want := []mask.SubscriberId{2, 4, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestEmptyMask(t *testing.T) {
	var m mask.Mask
	if !m.IsEmpty() {
		t.Fatalf("zero value should be empty")
	}
	if m.Lowest() != mask.Invalid {
		t.Fatalf("lowest of empty mask should be Invalid")
	}
}

func TestContainsAndDisjoint(t *testing.T) {
	full := mask.Node(1).Union(mask.Node(2)).Union(mask.Node(3))
	sub := mask.Node(1).Union(mask.Node(2))
	if !full.Contains(sub) {
		t.Fatalf("expected full to contain sub")
	}
	if !mask.Node(4).Disjoint(sub) {
		t.Fatalf("expected disjoint sets")
	}
}
