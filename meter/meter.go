// Package meter implements the Load Meter (spec §3 LoadSample/LoadScore,
// §4.5 C6): scalar load/mass scoring from weighted percent-load samples,
// local free-space discovery, and the upstream space-announcement gate.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package meter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lufia/iostat"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/cmsfed/cmsd/cluster"
)

// Weights configures the linear combination used by Score (spec §4.5:
// "load = Σ wᵢ·pᵢ"). Left as policy rather than hardcoded per the Open
// Question resolution recorded in DESIGN.md.
type Weights struct {
	CPU, Net, Xeq, Mem, Pag, Dsk int32
	DiskPenalty                  int32 // wdsk in "mass = load + wdsk·(100-dsk)"
}

// DefaultWeights mirrors the original's roughly CPU/IO-dominated default.
func DefaultWeights() Weights {
	return Weights{CPU: 3, Net: 2, Xeq: 2, Mem: 1, Pag: 1, Dsk: 1, DiskPenalty: 1}
}

// Score computes the scalar load and disk-penalized mass for one sample
// (spec §4.5).
func (w Weights) Score(s cluster.Sample) (load, mass int32) {
	load = w.CPU*s.CPU + w.Net*s.Net + w.Xeq*s.Xeq + w.Mem*s.Mem + w.Pag*s.Pag + w.Dsk*s.Dsk
	mass = load + w.DiskPenalty*(100-s.DiskUtilPct)
	return load, mass
}

var (
	gaugeLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cmsd",
		Subsystem: "meter",
		Name:      "peer_load",
		Help:      "Most recent computed load score per peer.",
	}, []string{"peer"})
	gaugeMass = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cmsd",
		Subsystem: "meter",
		Name:      "peer_mass",
		Help:      "Most recent computed disk-penalized mass score per peer.",
	}, []string{"peer"})
	gaugeFreeMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cmsd",
		Subsystem: "meter",
		Name:      "local_free_mb",
		Help:      "Locally observed maximum free megabytes across mounted file systems.",
	})
)

func init() {
	prometheus.MustRegister(gaugeLoad, gaugeMass, gaugeFreeMB)
}

// Meter tracks the cluster-wide LastFree figure (spec §4.5 and §5 "the
// global LastFree by mlMutex") and records per-subscriber samples for
// reporting.
type Meter struct {
	weights Weights

	mu       sync.Mutex
	lastFree int64 // highest freeMB seen across all UpdateLastFree calls so far

	records sync.Map // subscriber id (mask.SubscriberId) -> cluster.Sample
}

func New(weights Weights) *Meter {
	return &Meter{weights: weights}
}

// Record stores the latest sample for a peer and scores it, mirroring the
// scored values back into the sample (spec §4.5 Record per-subscriber).
func (m *Meter) Record(peerID int, s cluster.Sample) cluster.Sample {
	s.Load, s.Mass = m.weights.Score(s)
	m.records.Store(peerID, s)
	gaugeLoad.WithLabelValues(itoa(peerID)).Set(float64(s.Load))
	gaugeMass.WithLabelValues(itoa(peerID)).Set(float64(s.Mass))
	return s
}

// Report returns the global view: the current cluster-wide LastFree figure
// (spec §4.5 Report global).
func (m *Meter) Report() (lastFreeMB int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFree
}

// FreeSpace reports this node's own free space across the paths it
// exports (spec §4.5 FreeSpace): the maximum free megabytes on any one
// mount, and that mount's utilization percent. Free-space/utilization is a
// statfs-level fact the iostat package (an I/O-throughput sampler, used
// below for IODelta) doesn't expose, so this part reads the kernel
// directly; see DESIGN.md.
func FreeSpace(mounts []string) (maxFreeMB int64, utilPct int32, err error) {
	var best int64 = -1
	var bestUtil int32
	var lastErr error
	for _, m := range mounts {
		var st unix.Statfs_t
		if e := unix.Statfs(m, &st); e != nil {
			lastErr = e
			continue
		}
		bsize := int64(st.Bsize)
		total := int64(st.Blocks) * bsize
		free := int64(st.Bavail) * bsize
		freeMB := free / (1024 * 1024)
		if freeMB > best {
			best = freeMB
			if total > 0 {
				bestUtil = int32(100 * (total - free) / total)
			}
		}
	}
	if best < 0 {
		if lastErr != nil {
			return 0, 0, lastErr
		}
		return 0, 0, nil
	}
	return best, bestUtil, nil
}

// IODelta samples the kernel's per-device I/O counters via iostat and
// returns a coarse 0-100 busy estimate for dsk in the Weights.Score input,
// derived from the change in sectors transferred between two calls spaced
// interval apart.
func IODelta(prev map[string]uint64, interval time.Duration) (busyPct int32, next map[string]uint64, err error) {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		return 0, prev, err
	}
	next = make(map[string]uint64, len(drives))
	var totalDelta uint64
	for _, d := range drives {
		sectors := d.ReadCount + d.WriteCount
		next[d.Name] = sectors
		if p, ok := prev[d.Name]; ok && sectors >= p {
			totalDelta += sectors - p
		}
	}
	if interval <= 0 || totalDelta == 0 {
		return 0, next, nil
	}
	// Heuristic: cap the busy estimate at 100; a real deployment tunes the
	// divisor to the device's rated IOPS.
	busy := int64(totalDelta) / int64(interval/time.Second+1)
	if busy > 100 {
		busy = 100
	}
	return int32(busy), next, nil
}

// UpdateLastFree feeds a freshly observed local free-space figure into the
// cluster-wide LastFree tracker, returning whether the figure rose (the
// gate consulted by Peer.ShouldAnnounceSpace, spec §4.5).
func (m *Meter) UpdateLastFree(freeMB int64) (rose bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gaugeFreeMB.Set(float64(freeMB))
	if freeMB > m.lastFree {
		m.lastFree = freeMB
		return true
	}
	return false
}

// Sample returns the last recorded sample for a peer, if any.
func (m *Meter) Sample(peerID int) (cluster.Sample, bool) {
	v, ok := m.records.Load(peerID)
	if !ok {
		return cluster.Sample{}, false
	}
	return v.(cluster.Sample), true
}

var sampleSeq int64

// NextSeq is a monotonically increasing tick counter the meter's sampling
// goroutine can use to timestamp reports without relying on wall-clock
// calls inside tests.
func NextSeq() int64 { return atomic.AddInt64(&sampleSeq, 1) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
