package paths

import (
	"testing"

	"github.com/cmsfed/cmsd/mask"
)

func TestResolveLongestPrefix(t *testing.T) {
	idx, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx.Declare("/data", 1, false, false)
	idx.Declare("/data/archive", 2, true, false)

	ro, rw, _, found := idx.Resolve("/data/archive/2024/file.root")
	if !found {
		t.Fatalf("expected a match by longest prefix")
	}
	if !ro.Test(2) || !rw.Test(2) {
		t.Fatalf("expected bit 2 to hold both ro and rw for /data/archive, got ro=%v rw=%v", ro, rw)
	}
	if ro.Test(1) {
		t.Fatalf("expected the more specific /data/archive match to shadow /data's subscriber")
	}
}

func TestResolveFallsBackToShorterPrefix(t *testing.T) {
	idx, _ := New("")
	idx.Declare("/data", 1, false, false)

	ro, _, _, found := idx.Resolve("/data/other/path")
	if !found || !ro.Test(1) {
		t.Fatalf("expected fallback match on /data, got found=%v ro=%v", found, ro)
	}
}

func TestResolveNoMatch(t *testing.T) {
	idx, _ := New("")
	idx.Declare("/data", 1, false, false)

	if _, _, _, found := idx.Resolve("/other/tree"); found {
		t.Fatalf("expected no match for an undeclared tree")
	}
}

func TestRemoveClearsBitEverywhere(t *testing.T) {
	idx, _ := New("")
	idx.Declare("/data", 1, true, true)
	idx.Declare("/data", 2, false, false)

	idx.Remove(1)

	ro, rw, ss, found := idx.Resolve("/data/x")
	if !found {
		t.Fatalf("expected /data to still resolve via subscriber 2")
	}
	if ro.Test(1) || rw.Test(1) || ss.Test(1) {
		t.Fatalf("expected subscriber 1's bit cleared from all vectors, got ro=%v rw=%v ss=%v", ro, rw, ss)
	}
	if !ro.Test(2) {
		t.Fatalf("expected subscriber 2's bit to remain")
	}
}

func TestRemoveDropsEmptyPrefix(t *testing.T) {
	idx, _ := New("")
	idx.Declare("/only", 5, false, false)
	idx.Remove(5)

	if _, _, _, found := idx.Resolve("/only/child"); found {
		t.Fatalf("expected prefix to be dropped once its last subscriber is removed")
	}
	if prefixes := idx.Prefixes(); len(prefixes) != 0 {
		t.Fatalf("expected no remaining prefixes, got %v", prefixes)
	}
}

func TestDeclareGrantsReadOnlyByDefault(t *testing.T) {
	idx, _ := New("")
	idx.Declare("/ro", 3, false, false)
	ro, rw, ss, found := idx.Resolve("/ro")
	if !found || !ro.Test(3) {
		t.Fatalf("expected read-only grant by default")
	}
	if rw.Test(3) || ss.Test(3) {
		t.Fatalf("expected no write/stage grant without opting in")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := &entry{rovec: mask.Node(1).Union(mask.Node(9)), rwvec: mask.Node(9), ssvec: mask.Node(63)}
	s := encodeEntry(e)
	got, err := decodeEntry(s)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if got.rovec != e.rovec || got.rwvec != e.rwvec || got.ssvec != e.ssvec {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, e)
	}
}
