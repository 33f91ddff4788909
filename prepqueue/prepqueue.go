// Package prepqueue implements the Prepare Queue (spec §3, §4.6 C4.6):
// async stage requests are enqueued, a worker pool drains them by asking
// the Selector for a target and issuing the stage to the chosen subscriber
// on success, and Gone purges any prepare entries that reference a path. Dispatch shape (job channel + worker goroutines + per-job abort
// channel) is grounded on the teacher lineage's downloader dispatcher
// (soitun-aistore/downloader/dispatcher.go).
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package prepqueue

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/cmsfed/cmsd/cmn"
	"github.com/cmsfed/cmsd/cmn/nlog"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// StageOpts is the structured form of a PrepAdd opts string (spec §4.6
// PrepAdd(reqid, opts, path)): the wire opts field is free-form text, but a
// caller that wants priority/ttl/mode control sends it JSON-encoded.
type StageOpts struct {
	Priority int    `json:"priority,omitempty"`
	TTLSec   int    `json:"ttl_sec,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// EncodeOpts renders o as the opts string PrepAdd expects.
func EncodeOpts(o StageOpts) string {
	b, err := jsonAPI.Marshal(o)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeOpts parses an opts string back into StageOpts. An empty or
// non-JSON opts string (plain legacy text) decodes to the zero value
// rather than an error, since opts predates the JSON encoding.
func DecodeOpts(s string) StageOpts {
	var o StageOpts
	if s == "" {
		return o
	}
	_ = jsonAPI.UnmarshalFromString(s, &o)
	return o
}

// Selector is the subset of Cluster.Select the queue needs to resolve a
// deferred stage request once it's dispatched to a worker.
type Selector interface {
	SelectDeferred(path string) (host string, port int, err error)
}

// Stager issues the actual stage instruction to the chosen subscriber
// (node package implements this over a Link).
type Stager interface {
	Stage(ctx context.Context, host string, port int, path string, opts string) error
}

// Job is one pending prepare request (spec §4.6 PrepAdd args).
type Job struct {
	ID   string
	Path string
	Opts string
}

type jobState struct {
	job    Job
	abort  chan struct{}
	result chan error
}

// Queue is the Prepare Queue. NumWorkers workers pull jobs off an internal
// channel and run them against Selector/Stager.
type Queue struct {
	sel Selector
	stg Stager

	jobCh chan *jobState

	mu   sync.Mutex
	jobs map[string]*jobState // reqid -> state, for PrepDel/Gone lookups

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Queue with the given worker count and a bounded backlog.
func New(sel Selector, stg Stager, numWorkers, backlog int) *Queue {
	q := &Queue{
		sel:    sel,
		stg:    stg,
		jobCh:  make(chan *jobState, backlog),
		jobs:   make(map[string]*jobState),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// PrepAdd enqueues an async stage job and returns its generated request id
// (spec §4.6 PrepAdd(reqid, opts, path)).
func (q *Queue) PrepAdd(path, opts string) string {
	reqid := uuid.NewString()
	st := &jobState{
		job:    Job{ID: reqid, Path: path, Opts: opts},
		abort:  make(chan struct{}),
		result: make(chan error, 1),
	}
	q.mu.Lock()
	q.jobs[reqid] = st
	q.mu.Unlock()

	select {
	case q.jobCh <- st:
	case <-q.stopCh:
	}
	return reqid
}

// PrepDel cancels a pending or in-flight job (spec §4.6 PrepDel(reqid)).
func (q *Queue) PrepDel(reqid string) bool {
	q.mu.Lock()
	st, ok := q.jobs[reqid]
	if ok {
		delete(q.jobs, reqid)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	close(st.abort)
	return true
}

// Gone purges every prepare entry whose path matches (spec §4.6
// Gone(path)): an upstream file vanishing cancels any stage in flight for
// it or anything nested under it.
func (q *Queue) Gone(path string) int {
	q.mu.Lock()
	var victims []*jobState
	for id, st := range q.jobs {
		if st.job.Path == path || strings.HasPrefix(st.job.Path, path+"/") {
			victims = append(victims, st)
			delete(q.jobs, id)
		}
	}
	q.mu.Unlock()
	for _, st := range victims {
		close(st.abort)
	}
	return len(victims)
}

// Shutdown stops accepting new work and waits for in-flight jobs to drain
// or abort.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case st := <-q.jobCh:
			q.run(st)
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) run(st *jobState) {
	select {
	case <-st.abort:
		return
	default:
	}

	opts := DecodeOpts(st.job.Opts)
	if opts.Priority > 0 {
		nlog.Debugf("prepqueue: %s (%s) requested priority %d", st.job.Path, st.job.ID, opts.Priority)
	}

	host, port, err := q.sel.SelectDeferred(st.job.Path)
	if err != nil {
		nlog.Warningf("prepqueue: select for %s (%s) failed: %v", st.job.Path, st.job.ID, err)
		q.finish(st, err)
		return
	}

	select {
	case <-st.abort:
		return
	default:
	}

	ctx := context.Background()
	if err := q.stg.Stage(ctx, host, port, st.job.Path, st.job.Opts); err != nil {
		nlog.Warningf("prepqueue: stage for %s (%s) on %s:%d failed: %v", st.job.Path, st.job.ID, host, port, err)
		q.finish(st, cmn.NewError(cmn.KindFsError, st.job.Path, err))
		return
	}
	q.finish(st, nil)
}

func (q *Queue) finish(st *jobState, err error) {
	q.mu.Lock()
	delete(q.jobs, st.job.ID)
	q.mu.Unlock()
	select {
	case st.result <- err:
	default:
	}
}

// Result returns the channel that receives a tracked job's outcome, without
// blocking; it reports false once the job is no longer tracked (finished,
// cancelled, or never added). PrepAdd doesn't wait on the channel.
func (q *Queue) Result(reqid string) (<-chan error, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.jobs[reqid]
	if !ok {
		return nil, false
	}
	return st.result, true
}

// Len reports the number of tracked (pending or in-flight) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
