// Package mask implements the dense bitmask algebra the cluster uses to
// represent sets of subscribers: which servers have a file, which can
// write a path, which are being avoided by a pending select. STMax is
// small enough (64) that the whole model is a single machine word.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package mask

import "math/bits"

// STMax is the maximum number of concurrently admitted subscribers.
// A SubscriberId is a dense integer in [0, STMax).
const STMax = 64

// SubscriberId identifies one admitted peer. Reusable after eviction.
type SubscriberId int

// Invalid is returned by lookups that found no candidate.
const Invalid SubscriberId = -1

// Mask is an STMax-bit vector: bit i set means subscriber i is a member.
type Mask uint64

// Node returns the singleton mask with only bit id set.
func Node(id SubscriberId) Mask {
	if id < 0 || int(id) >= STMax {
		return 0
	}
	return Mask(1) << uint(id)
}

func (m Mask) Set(id SubscriberId) Mask   { return m | Node(id) }
func (m Mask) Clear(id SubscriberId) Mask { return m &^ Node(id) }
func (m Mask) Test(id SubscriberId) bool  { return m&Node(id) != 0 }

func (m Mask) Union(o Mask) Mask        { return m | o }
func (m Mask) Intersect(o Mask) Mask    { return m & o }
func (m Mask) Subtract(o Mask) Mask     { return m &^ o }
func (m Mask) Complement() Mask         { return ^m }
func (m Mask) IsEmpty() bool            { return m == 0 }
func (m Mask) Count() int               { return bits.OnesCount64(uint64(m)) }
func (m Mask) Contains(sub Mask) bool   { return m&sub == sub }
func (m Mask) Disjoint(o Mask) bool     { return m&o == 0 }

// Lowest returns the lowest-numbered set bit, or Invalid if m is empty.
// Selection tie-breaks always prefer the lowest subscriber id (spec §4.2
// step 5, I4), so this is the one traversal primitive the selector needs.
func (m Mask) Lowest() SubscriberId {
	if m == 0 {
		return Invalid
	}
	return SubscriberId(bits.TrailingZeros64(uint64(m)))
}

// Next returns the lowest set bit strictly greater than after, or Invalid.
func (m Mask) Next(after SubscriberId) SubscriberId {
	if after < -1 {
		after = -1
	}
	shifted := m >> uint(after+1)
	if shifted == 0 {
		return Invalid
	}
	return after + 1 + SubscriberId(bits.TrailingZeros64(uint64(shifted)))
}

// ForEach calls fn for every set bit in ascending order, stopping early if
// fn returns false.
func (m Mask) ForEach(fn func(id SubscriberId) bool) {
	for id := m.Lowest(); id != Invalid; id = m.Next(id) {
		if !fn(id) {
			return
		}
	}
}

// Ids materializes the set bits as a slice, ascending.
func (m Mask) Ids() []SubscriberId {
	out := make([]SubscriberId, 0, m.Count())
	m.ForEach(func(id SubscriberId) bool {
		out = append(out, id)
		return true
	})
	return out
}
