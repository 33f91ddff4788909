// Package node implements the Request Router (spec §4.1 C1+C5): the
// role-aware dispatch table that decodes a protocol.Frame off a peer's
// Link and invokes the matching Peer/Cluster operation, converting the
// result back into a wire response. Dispatch-table shape (a map of
// protocol.Code to handler method) follows the teacher's own HTTP handler
// dispatch convention (ais/*.go networkHandler tables), adapted from HTTP
// verbs to wire opcodes.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package node

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmsfed/cmsd/cache"
	"github.com/cmsfed/cmsd/cluster"
	"github.com/cmsfed/cmsd/cmn"
	"github.com/cmsfed/cmsd/cmn/nlog"
	"github.com/cmsfed/cmsd/link"
	"github.com/cmsfed/cmsd/mask"
	"github.com/cmsfed/cmsd/meter"
	"github.com/cmsfed/cmsd/paths"
	"github.com/cmsfed/cmsd/protocol"
	"github.com/cmsfed/cmsd/xmi"
)

// Dispatcher wires together every component the router touches: the
// subscriber table, the path index, the location cache, the load meter,
// the policy callout, and the links to every admitted peer.
type Dispatcher struct {
	role cluster.Role

	clu   *cluster.Cluster
	idx   *paths.Index
	cache *cache.Cache
	meter *meter.Meter
	xmi   xmi.Policy

	mover Mover

	linksMu sync.RWMutex
	links   map[mask.SubscriberId]*link.Link
	byLink  map[*link.Link]mask.SubscriberId

	upMu    sync.RWMutex
	upLinks map[*cluster.Peer]*link.Link // upstream managers, keyed by Peer pointer (they never go through Admit, so ID() is always 0)
}

// Mover executes the filesystem effects a mutating request implies (spec
// §6 "File-system effects"): either a configured external program or a
// direct syscall.
type Mover interface {
	Chmod(path string, mode int) error
	Mkdir(path string, mode int) error
	Mkpath(path string, mode int) error
	Mv(path, path2 string) error
	Rm(path string) error
	Rmdir(path string) error
}

func NewDispatcher(role cluster.Role, clu *cluster.Cluster, idx *paths.Index, c *cache.Cache, m *meter.Meter, policy xmi.Policy, mover Mover) *Dispatcher {
	return &Dispatcher{
		role:  role,
		clu:   clu,
		idx:   idx,
		cache: c,
		meter: m,
		xmi:   policy,
		mover: mover,
		links: make(map[mask.SubscriberId]*link.Link),
		byLink: make(map[*link.Link]mask.SubscriberId),
		upLinks: make(map[*cluster.Peer]*link.Link),
	}
}

// SetCluster completes wiring for a Dispatcher built before its Cluster
// existed (the Dispatcher implements cluster.Broadcaster, so the two must
// be constructed in a specific order; this method closes that cycle).
func (d *Dispatcher) SetCluster(clu *cluster.Cluster) { d.clu = clu }

// Stage issues a prepare-queue's deferred stage instruction to host:port
// for path (spec §4.6 "on success issues the stage to the chosen
// subscriber"), implementing prepqueue.Stager.
func (d *Dispatcher) Stage(ctx context.Context, host string, port int, path, opts string) error {
	d.linksMu.RLock()
	defer d.linksMu.RUnlock()
	for id, l := range d.links {
		p := d.clu.Peer(id)
		if p == nil {
			continue
		}
		h, pt := p.HostPort()
		if h == host && pt == port {
			data := append([]byte(path), 0)
			data = append(data, []byte(opts)...)
			l.Send(&protocol.Frame{RRCode: protocol.CodePrepAdd, Data: data})
			return nil
		}
	}
	return cmn.NewError(cmn.KindNoServers, path, nil)
}

// Handle is the link.Handler entry point: one call per inbound frame, run
// on that peer's single reader goroutine (spec §5 per-peer FIFO).
func (d *Dispatcher) Handle(l *link.Link, f *protocol.Frame) {
	switch f.RRCode {
	case protocol.CodeLogin:
		d.doLogin(l, f)
	case protocol.CodeHave:
		d.doHave(l, f)
	case protocol.CodeGone:
		d.doGone(l, f)
	case protocol.CodeLocate:
		d.doLocate(l, f)
	case protocol.CodeSelect:
		d.doSelect(l, f)
	case protocol.CodeState:
		d.doState(l, f)
	case protocol.CodeStatfs:
		d.doStatfs(l, f)
	case protocol.CodeStatus:
		d.doStatus(l, f)
	case protocol.CodeTry:
		d.doTry(l, f)
	case protocol.CodeChmod:
		d.doMutation(l, f, "chmod")
	case protocol.CodeMkdir:
		d.doMutation(l, f, "mkdir")
	case protocol.CodeMkpath:
		d.doMutation(l, f, "mkpath")
	case protocol.CodeMv:
		d.doMutation(l, f, "mv")
	case protocol.CodeRm:
		d.doMutation(l, f, "rm")
	case protocol.CodeRmdir:
		d.doMutation(l, f, "rmdir")
	case protocol.CodePing:
		l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodePong})
	default:
		nlog.Warningf("node: unhandled request code %s", f.RRCode)
	}
}

// idFor looks up the dense subscriber id bound to l, if any.
func (d *Dispatcher) idFor(l *link.Link) (mask.SubscriberId, bool) {
	d.linksMu.RLock()
	defer d.linksMu.RUnlock()
	id, ok := d.byLink[l]
	return id, ok
}

// BindPeer associates an admitted peer's dense id with its Link, called
// once login/bind completes.
func (d *Dispatcher) BindPeer(id mask.SubscriberId, l *link.Link) {
	d.linksMu.Lock()
	d.links[id] = l
	d.byLink[l] = id
	d.linksMu.Unlock()
}

// UnbindPeer removes a peer's link association, called from eviction.
func (d *Dispatcher) UnbindPeer(id mask.SubscriberId) {
	d.linksMu.Lock()
	if l, ok := d.links[id]; ok {
		delete(d.byLink, l)
	}
	delete(d.links, id)
	d.linksMu.Unlock()
}

// HandleLost is a bound subscriber's link.onLost callback (spec §4.1
// "Failure semantics: peer link errors set isOffline, trigger Disc, and
// cause Cluster eviction"): evicts the peer from the subscriber table,
// clears its bit from the Path Index and location cache, and drops the
// link association.
func (d *Dispatcher) HandleLost(l *link.Link, err error) {
	id, ok := d.idFor(l)
	if !ok {
		return
	}
	evicted := d.clu.Remove(id)
	d.idx.Remove(id)
	d.cache.Bounce(evicted)
	d.UnbindPeer(id)
}

// BindUpstream associates an upstream manager Peer with its Link, so Inform
// can reach it. Upstream managers never go through Admit/BindPeer (they
// aren't our subscribers), so they're tracked in their own table.
func (d *Dispatcher) BindUpstream(p *cluster.Peer, l *link.Link) {
	d.upMu.Lock()
	d.upLinks[p] = l
	d.upMu.Unlock()
}

// UnbindUpstream drops an upstream manager's link association, called from
// its link.onLost callback.
func (d *Dispatcher) UnbindUpstream(p *cluster.Peer) {
	d.upMu.Lock()
	delete(d.upLinks, p)
	d.upMu.Unlock()
}

// BroadcastState implements cluster.Broadcaster (spec §4.2 step 4): send a
// `state` query to every bound peer in targets and return a short poll
// interval for the caller to wait. Fans the sends out across a worker pool
// (spec §5 selection/broadcast thread pool) instead of a serial loop, since
// a single slow peer's TCP buffer shouldn't stall the query to the rest.
func (d *Dispatcher) BroadcastState(path string, targets mask.Mask, asap bool) (waitSeconds uint32) {
	d.linksMu.RLock()
	links := make([]*link.Link, 0, targets.Count())
	targets.ForEach(func(id mask.SubscriberId) bool {
		if l, ok := d.links[id]; ok {
			links = append(links, l)
		}
		return true
	})
	d.linksMu.RUnlock()

	payload := append([]byte(path), 0)
	mod := protocol.Modifier(0)
	if asap {
		mod |= protocol.ModAsap
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, l := range links {
		l := l
		g.Go(func() error {
			l.Send(&protocol.Frame{RRCode: protocol.CodeState, Modifier: mod, Data: payload})
			return nil
		})
	}
	_ = g.Wait()
	return 3
}

// Broadcast forwards f to every bound peer in targets (spec §2 "write-path
// requests... are forwarded to every subscriber whose mask intersects the
// path's capability set"), fanning out the same way BroadcastState does.
// It does not wait for individual replies; callers that need acknowledgment
// track it themselves (e.g. via a subsequent have/gone advisory).
func (d *Dispatcher) Broadcast(targets mask.Mask, f *protocol.Frame) {
	d.linksMu.RLock()
	links := make([]*link.Link, 0, targets.Count())
	targets.ForEach(func(id mask.SubscriberId) bool {
		if l, ok := d.links[id]; ok {
			links = append(links, l)
		}
		return true
	})
	d.linksMu.RUnlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, l := range links {
		l := l
		g.Go(func() error {
			l.Send(f)
			return nil
		})
	}
	_ = g.Wait()
}

// hashPayload is used by Inform's dedup window (spec §4.4 I5): a cheap
// non-cryptographic hash over the logical update being propagated.
func hashPayload(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// inform back-propagates a have/gone/status change to upstream managers
// (spec §4.4), skipping duplicates within the dedup window. Upstream links
// are tracked by Peer pointer, not subscriber id: managers added via
// Cluster.AddUpstream never go through Admit, so their id is always 0.
func (d *Dispatcher) inform(kind protocol.Code, path string, bits mask.Mask) {
	key := hashPayload(kind.String(), path, fmt.Sprintf("%d", bits))
	d.clu.Inform(key, func(p *cluster.Peer) {
		d.upMu.RLock()
		l, ok := d.upLinks[p]
		d.upMu.RUnlock()
		if !ok {
			return
		}
		l.Send(&protocol.Frame{RRCode: kind, Data: []byte(path + "\x00")})
	})
}

// now is a seam used by the timer-driven handlers (waiter expiry lives in
// cache; this is for do_Status style timestamps).
var now = time.Now

// errorFrame converts a cmn.Error into the wire error response.
func errorFrame(streamID uint16, err error) *protocol.Frame {
	kind := cmn.KindOf(err)
	f := protocol.ErrorResponse(uint32(kind), err.Error())
	f.StreamID = streamID
	return f
}
