// Package cache implements the path-indexed file location cache (spec §3
// CacheEntry, §4.3 C3): advisory add/delete, broadcast-query glue via the
// bf ("broadcast needed") mask, and pending-stage tracking via reqInfo
// continuations.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package cache

import (
	"time"

	"github.com/cmsfed/cmsd/mask"
)

// historyDepth bounds the small per-entry history of recent advisories
// (spec §3: "a small bounded history").
const historyDepth = 4

type historyEvent struct {
	at   time.Time
	have bool // true=AddFile, false=DelFile
	bits mask.Mask
}

// Entry is one path's cached presence state (spec §3 CacheEntry).
type Entry struct {
	path    string
	hf      mask.Mask // have-file
	pf      mask.Mask // pending-file
	bf      mask.Mask // broadcast-needed
	history [historyDepth]historyEvent
	histLen int
	waiters []*ReqInfo
	fresh   time.Time // last-touched, for TTL/bounce bookkeeping
}

func newEntry(path string) *Entry {
	return &Entry{path: path}
}

func (e *Entry) recordHistory(have bool, bits mask.Mask) {
	idx := e.histLen % historyDepth
	e.history[idx] = historyEvent{at: time.Now(), have: have, bits: bits}
	e.histLen++
}

// addFile ORs nodeMask into hf (or pf if pending), preserving I2 (hf ∩ pf =
// ∅ — a bit can never be in both). Returns true if the presence bits for
// nodeMask actually changed (used to gate upstream propagation).
func (e *Entry) addFile(nodeMask mask.Mask, pending bool) bool {
	beforeHf, beforePf := e.hf, e.pf
	if pending {
		e.hf = e.hf.Subtract(nodeMask)
		e.pf = e.pf.Union(nodeMask)
	} else {
		e.pf = e.pf.Subtract(nodeMask)
		e.hf = e.hf.Union(nodeMask)
	}
	e.fresh = time.Now()
	e.recordHistory(!pending, nodeMask)
	return e.hf != beforeHf || e.pf != beforePf
}

// delFile clears nodeMask from both hf and pf. Returns true if hf became
// empty as a result (triggers upstream gone, spec §4.3).
func (e *Entry) delFile(nodeMask mask.Mask) bool {
	hadBits := !e.hf.Intersect(nodeMask).IsEmpty()
	e.hf = e.hf.Subtract(nodeMask)
	e.pf = e.pf.Subtract(nodeMask)
	e.fresh = time.Now()
	if hadBits {
		e.recordHistory(false, nodeMask)
	}
	return hadBits && e.hf.IsEmpty()
}

// bounce clears sub from hf/pf/bf (spec §4.3 Bounce, I1).
func (e *Entry) bounce(sub mask.Mask) {
	e.hf = e.hf.Subtract(sub)
	e.pf = e.pf.Subtract(sub)
	e.bf = e.bf.Subtract(sub)
}

func (e *Entry) empty() bool {
	return e.hf.IsEmpty() && e.pf.IsEmpty() && e.bf.IsEmpty() && len(e.waiters) == 0
}
