// Package paths implements the Path Index (spec §3 PathInfo, §4 C4): a
// mount-point table mapping an exported path prefix to the subscriber masks
// that can serve it read-only, read-write, or as a staging target, resolved
// by longest-prefix match.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package paths

import (
	"strings"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/cmsfed/cmsd/cmn/nlog"
	"github.com/cmsfed/cmsd/mask"
)

// entry is one prefix's capability vectors (spec §3 PathInfo).
type entry struct {
	rovec mask.Mask
	rwvec mask.Mask
	ssvec mask.Mask
}

// Index is the mount-point -> capability-mask table. It is populated as
// subscribers declare exported paths at login and trimmed as they're
// evicted (I1: a departing subscriber's bit is cleared everywhere).
//
// An optional buntdb-backed store gives the table a durable snapshot so a
// restarted manager doesn't need every subscriber to relogin before it can
// resolve paths (spec DESIGN NOTES: restarts should not require a full
// re-login stampede to resume routing).
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry

	db *buntdb.DB // nil if persistence disabled
}

// New builds an Index. If dbPath is non-empty, a buntdb store is opened (or
// created) at that path and the table is restored from it.
func New(dbPath string) (*Index, error) {
	idx := &Index{entries: make(map[string]*entry, 64)}
	if dbPath == "" {
		return idx, nil
	}
	db, err := buntdb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	idx.db = db
	if err := idx.restore(); err != nil {
		nlog.Warningf("paths: restore from %s failed: %v", dbPath, err)
	}
	return idx, nil
}

func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// normalize trims a trailing slash so "/a/b/" and "/a/b" share one entry,
// matching the original's mount-point convention.
func normalize(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return p[:len(p)-1]
	}
	return p
}

// Declare registers id's capabilities for prefix. canWrite grants rwvec,
// canStage grants ssvec; every declared prefix always grants rovec.
func (idx *Index) Declare(prefix string, id mask.SubscriberId, canWrite, canStage bool) {
	prefix = normalize(prefix)
	idx.mu.Lock()
	e, ok := idx.entries[prefix]
	if !ok {
		e = &entry{}
		idx.entries[prefix] = e
	}
	e.rovec = e.rovec.Set(id)
	if canWrite {
		e.rwvec = e.rwvec.Set(id)
	}
	if canStage {
		e.ssvec = e.ssvec.Set(id)
	}
	idx.mu.Unlock()
	idx.persist(prefix, e)
}

// Remove clears id's bit from every prefix's vectors (I1). Prefixes left
// with an empty rovec are dropped from the table.
func (idx *Index) Remove(id mask.SubscriberId) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for prefix, e := range idx.entries {
		e.rovec = e.rovec.Clear(id)
		e.rwvec = e.rwvec.Clear(id)
		e.ssvec = e.ssvec.Clear(id)
		if e.rovec.IsEmpty() {
			delete(idx.entries, prefix)
			idx.deletePersisted(prefix)
			continue
		}
		idx.persistLocked(prefix, e)
	}
}

// Resolve performs the longest-prefix lookup (spec §3): walks path's
// ancestor prefixes from most to least specific and returns the first
// match's capability vectors.
func (idx *Index) Resolve(path string) (rovec, rwvec, ssvec mask.Mask, found bool) {
	path = normalize(path)
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for p := path; ; {
		if e, ok := idx.entries[p]; ok {
			return e.rovec, e.rwvec, e.ssvec, true
		}
		if p == "/" || p == "" {
			break
		}
		cut := strings.LastIndexByte(p, '/')
		if cut <= 0 {
			p = "/"
		} else {
			p = p[:cut]
		}
	}
	return 0, 0, 0, false
}

// Prefixes returns the currently-declared mount points, for diagnostics.
func (idx *Index) Prefixes() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.entries))
	for p := range idx.entries {
		out = append(out, p)
	}
	return out
}

func (idx *Index) persist(prefix string, e *entry) {
	if idx.db == nil {
		return
	}
	idx.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(prefix, encodeEntry(e), nil)
		return err
	})
}

func (idx *Index) persistLocked(prefix string, e *entry) { idx.persist(prefix, e) }

func (idx *Index) deletePersisted(prefix string) {
	if idx.db == nil {
		return
	}
	idx.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(prefix)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (idx *Index) restore() error {
	return idx.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			e, err := decodeEntry(value)
			if err != nil {
				nlog.Warningf("paths: skipping corrupt record %s: %v", key, err)
				return true
			}
			idx.entries[key] = e
			return true
		})
	})
}

func encodeEntry(e *entry) string {
	return uint64ToHex(uint64(e.rovec)) + "," + uint64ToHex(uint64(e.rwvec)) + "," + uint64ToHex(uint64(e.ssvec))
}

func decodeEntry(s string) (*entry, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 {
		return nil, errMalformed
	}
	ro, err := hexToUint64(parts[0])
	if err != nil {
		return nil, err
	}
	rw, err := hexToUint64(parts[1])
	if err != nil {
		return nil, err
	}
	ss, err := hexToUint64(parts[2])
	if err != nil {
		return nil, err
	}
	return &entry{rovec: mask.Mask(ro), rwvec: mask.Mask(rw), ssvec: mask.Mask(ss)}, nil
}
