package meter

import (
	"testing"

	"github.com/cmsfed/cmsd/cluster"
)

func TestScoreLinearCombination(t *testing.T) {
	w := Weights{CPU: 1, Net: 1, Xeq: 1, Mem: 1, Pag: 1, Dsk: 1, DiskPenalty: 2}
	s := cluster.Sample{CPU: 10, Net: 20, Xeq: 0, Mem: 5, Pag: 0, Dsk: 30, DiskUtilPct: 40}
	load, mass := w.Score(s)
	if load != 65 {
		t.Fatalf("expected load=65, got %d", load)
	}
	wantMass := load + 2*(100-40)
	if mass != int32(wantMass) {
		t.Fatalf("expected mass=%d, got %d", wantMass, mass)
	}
}

func TestRecordStoresScoredSample(t *testing.T) {
	m := New(DefaultWeights())
	in := cluster.Sample{CPU: 50, DiskUtilPct: 10}
	out := m.Record(1, in)
	if out.Load == 0 && out.Mass == 0 {
		t.Fatalf("expected Record to populate Load/Mass")
	}
	got, ok := m.Sample(1)
	if !ok {
		t.Fatalf("expected stored sample to be retrievable")
	}
	if got.Load != out.Load || got.Mass != out.Mass {
		t.Fatalf("stored sample does not match returned sample")
	}
}

func TestSampleMissingPeer(t *testing.T) {
	m := New(DefaultWeights())
	if _, ok := m.Sample(99); ok {
		t.Fatalf("expected no sample for a peer that never reported")
	}
}

func TestUpdateLastFreeOnlyRisesOnIncrease(t *testing.T) {
	m := New(DefaultWeights())
	if rose := m.UpdateLastFree(100); !rose {
		t.Fatalf("expected first update to count as a rise")
	}
	if rose := m.UpdateLastFree(50); rose {
		t.Fatalf("expected a lower figure to not count as a rise")
	}
	if rose := m.UpdateLastFree(150); !rose {
		t.Fatalf("expected a higher figure to count as a rise")
	}
	if got := m.Report(); got != 150 {
		t.Fatalf("expected Report to reflect the highest figure seen, got %d", got)
	}
}

func TestNextSeqIsMonotonic(t *testing.T) {
	a := NextSeq()
	b := NextSeq()
	if b <= a {
		t.Fatalf("expected NextSeq to increase, got %d then %d", a, b)
	}
}
