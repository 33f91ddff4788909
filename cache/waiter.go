package cache

import "time"

// ReqInfo is the tagged continuation tying a suspended select to the peer
// reply that completes it (spec §3, §5, GLOSSARY). Keyed by (peer instance,
// reserved slot, stream id) rather than by pointer, per DESIGN NOTES: a
// dereference always goes through a Cluster lookup that can fail the
// (id, instance) check.
type ReqInfo struct {
	PeerInstance int64
	RSlot        int
	StreamID     uint16
	Deadline     time.Time
	Done         chan Completion
}

// Completion is what a waiter receives: either a wait/retry (timeout, spec
// §5 cancellation) or a signal to re-run Select now that presence bits
// changed.
type Completion struct {
	Retry   bool
	Timeout bool
}

// NewReqInfo builds a waiter with the given deadline.
func NewReqInfo(peerInstance int64, rSlot int, streamID uint16, deadline time.Time) *ReqInfo {
	return &ReqInfo{
		PeerInstance: peerInstance,
		RSlot:        rSlot,
		StreamID:     streamID,
		Deadline:     deadline,
		Done:         make(chan Completion, 1),
	}
}

func (r *ReqInfo) matches(peerInstance int64, rSlot int, streamID uint16) bool {
	return r.PeerInstance == peerInstance && r.RSlot == rSlot && r.StreamID == streamID
}

// complete delivers a completion exactly once; safe to call more than once.
func (r *ReqInfo) complete(c Completion) {
	select {
	case r.Done <- c:
	default:
	}
}
