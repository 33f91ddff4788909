// Package cluster implements the per-peer object (spec §3 Peer, §4.1 C1)
// and the cluster-wide subscriber table, selection, and broadcast engine
// (spec §4.2-§4.4, C2). Naming follows the teacher's own "cluster" package
// (see rebalance.go's cluster.NodeMap) even though the teacher's cluster
// package tracked object-storage targets rather than CMS subscribers.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"

	"github.com/cmsfed/cmsd/mask"
)

// Role is the node's federation-tree role (spec §2, GLOSSARY).
type Role int

const (
	RoleServer Role = iota
	RoleSupervisor
	RoleManager
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleSupervisor:
		return "supervisor"
	case RoleManager:
		return "manager"
	default:
		return "unknown"
	}
}

// State is the Peer lifecycle state machine (spec §4.1):
// NEW -> BOUND(after handshake) -> ACTIVE <-> SUSPENDED|NOSTAGE -> OFFLINE(terminal).
type State int

const (
	StateNew State = iota
	StateBound
	StateActive
	StateSuspended
	StateNoStage
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateNoStage:
		return "nostage"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Sample is the 6-tuple load sample and its derived scores (spec §3
// LoadSample & LoadScore, §4.5).
type Sample struct {
	CPU, Net, Xeq, Mem, Pag, Dsk int32 // percent-loads
	Load                         int32 // scalar, Meter-computed
	Mass                         int32 // load + disk penalty, Meter-computed
	DiskFreeMB                   int64
	DiskUtilPct                  int32
}

// Peer represents one logical remote endpoint: identity, liveness, load
// metrics, and reference counters (spec §3 Peer). Owned by the Cluster's
// subscriber table while admitted. Peers are constructed with NewPeer by
// their callers (e.g. the node dispatcher at login), and suspension bits
// are edited through SetStatus.
type Peer struct {
	mu sync.Mutex

	id       mask.SubscriberId
	instance int64 // ABA-safe reference counter, assigned at admission

	role  Role
	state State

	isServer     bool
	isManager    bool
	isSupervisor bool
	isPeer       bool
	isProxy      bool

	isOffline bool
	isSuspend bool
	isNoStage bool
	isDisable bool
	isGone    bool
	isBound   bool
	isConn    bool
	isKnown   bool

	hostname string
	addr     string // IPv4/IPv6 string
	port     int
	nodeID   string // stable node-id string supplied by the peer (or generated)

	sample Sample

	pingPong int64

	refA    int64 // active references
	refR    int64 // reserve references
	refTotA int64 // lifetime active total
	refTotR int64 // lifetime reserve total

	altManagers []string // alternate-manager list (supplemented, original_source AltMans)

	paths []string // exported paths declared at login

	lastSpaceAnnounce int64 // diskFree MB at last upstream Space() announcement; 0 once free space drops below DiskMin
}

// NewPeer constructs a Peer in state NEW. The Cluster assigns id and
// instance at admission time via Admit.
func NewPeer(hostname, addr string, port int, role Role) *Peer {
	return &Peer{
		hostname: hostname,
		addr:     addr,
		port:     port,
		role:     role,
		state:    StateNew,
		isServer: role == RoleServer,
		isManager: role == RoleManager,
		isSupervisor: role == RoleSupervisor,
	}
}

func (p *Peer) ID() mask.SubscriberId {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Peer) Instance() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instance
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Peer) NodeID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID
}

var nodeIDGen = shortid.MustNew(1, shortid.DefaultABC, 0x43_4d_53)

// EnsureNodeID installs supplied as the peer's stable node id, or, if the
// peer never sent one at login, generates a compact fallback (spec §3 Peer:
// "stable node-id string supplied by the peer (or generated)"). A no-op once
// a node id is already recorded and supplied is empty.
func (p *Peer) EnsureNodeID(supplied string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if supplied != "" {
		p.nodeID = supplied
	} else if p.nodeID == "" {
		id, err := nodeIDGen.Generate()
		if err != nil {
			id = p.hostname
		}
		p.nodeID = id
	}
	return p.nodeID
}

func (p *Peer) HostPort() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostname, p.port
}

// Healthy reports whether the peer may be selected at all (spec §4.2 step
// 5, I3: never offline/disabled/suspended).
func (p *Peer) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.isOffline && !p.isDisable && !p.isSuspend
}

func (p *Peer) CanStage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.isNoStage
}

func (p *Peer) Sample() Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample
}

// SetSample installs a fresh load sample (called by the Meter on a
// periodic report or on receipt of a `load`/`space` wire message).
func (p *Peer) SetSample(s Sample) {
	p.mu.Lock()
	p.sample = s
	p.mu.Unlock()
}

func (p *Peer) RefA() int64 { return atomic.LoadInt64(&p.refA) }
func (p *Peer) RefR() int64 { return atomic.LoadInt64(&p.refR) }

// Reserve increments RefA/RefR and their lifetime totals (spec §4.2 step
// 6), called once a peer is chosen as the redirect target.
func (p *Peer) Reserve() {
	atomic.AddInt64(&p.refA, 1)
	atomic.AddInt64(&p.refR, 1)
	atomic.AddInt64(&p.refTotA, 1)
	atomic.AddInt64(&p.refTotR, 1)
}

// Release decrements RefA (e.g. on a completed transfer/redirect timeout).
func (p *Peer) Release() {
	for {
		cur := atomic.LoadInt64(&p.refA)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&p.refA, cur, cur-1) {
			return
		}
	}
}

// SetStatus edits the suspension bits (spec §4.1 do_Status). Returns true
// if the change flips either the "active" or "staging" aggregate count,
// which is the caller's cue to emit the one-line upstream status message.
func (p *Peer) SetStatus(suspend, disable, noStage, resume *bool) (activeFlip, stageFlip bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasActive := !p.isOffline && !p.isDisable && !p.isSuspend
	wasStaging := !p.isNoStage
	if resume != nil && *resume {
		p.isSuspend = false
		p.isDisable = false
	}
	if suspend != nil {
		p.isSuspend = *suspend
		if *suspend {
			p.state = StateSuspended
		}
	}
	if disable != nil {
		p.isDisable = *disable
	}
	if noStage != nil {
		p.isNoStage = *noStage
		if *noStage {
			p.state = StateNoStage
		}
	}
	if p.state == StateSuspended || p.state == StateNoStage {
		if !p.isSuspend && !p.isNoStage {
			p.state = StateActive
		}
	}
	isActive := !p.isOffline && !p.isDisable && !p.isSuspend
	isStaging := !p.isNoStage
	return wasActive != isActive, wasStaging != isStaging
}

// MarkOffline transitions the peer to the terminal OFFLINE state; idempotent.
func (p *Peer) MarkOffline() {
	p.mu.Lock()
	p.isOffline = true
	p.state = StateOffline
	p.mu.Unlock()
}

func (p *Peer) MarkBound() {
	p.mu.Lock()
	p.isBound = true
	p.isConn = true
	p.isKnown = true
	if p.state == StateNew {
		p.state = StateBound
	}
	p.mu.Unlock()
}

func (p *Peer) Activate() {
	p.mu.Lock()
	if p.state == StateBound {
		p.state = StateActive
	}
	p.mu.Unlock()
}

func (p *Peer) IsBound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isBound
}

// SetPaths installs the exported-path list declared at login (used by
// Cluster to populate PathInfo).
func (p *Peer) SetPaths(paths []string) {
	p.mu.Lock()
	p.paths = append([]string(nil), paths...)
	p.mu.Unlock()
}

func (p *Peer) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

// SetAltManagers installs the bounded alternate-manager list handed to this
// peer at login (supplemented feature, original_source AltMans).
func (p *Peer) SetAltManagers(alts []string) {
	p.mu.Lock()
	p.altManagers = append([]string(nil), alts...)
	p.mu.Unlock()
}

// NextAltManager implements do_Try (spec §4.1): remove cur from the
// alternate list and return another entry to reconnect to.
func (p *Peer) NextAltManager(cur string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.altManagers[:0:0]
	var picked string
	found := false
	for _, a := range p.altManagers {
		if a == cur {
			continue
		}
		if !found {
			picked = a
			found = true
		}
		out = append(out, a)
	}
	p.altManagers = out
	return picked, found
}

// ShouldAnnounceSpace implements the gate in spec §4.5: a subscriber
// announces new space upstream only when it crosses DiskMin and the
// cluster-wide LastFree figure rises.
func (p *Peer) ShouldAnnounceSpace(diskMinMB int64, clusterLastFreeRose bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sample.DiskFreeMB < diskMinMB {
		p.lastSpaceAnnounce = 0 // below DiskMin again: the next rise is a new crossing
		return false
	}
	crosses := p.lastSpaceAnnounce < diskMinMB
	if crosses && clusterLastFreeRose {
		p.lastSpaceAnnounce = p.sample.DiskFreeMB
		return true
	}
	return false
}

func (p *Peer) BumpPingPong() int64 {
	return atomic.AddInt64(&p.pingPong, 1)
}

// now is a seam so tests can avoid wall-clock nondeterminism if needed.
var now = time.Now
