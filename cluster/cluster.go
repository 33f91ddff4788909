package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/cmsfed/cmsd/cmn"
	"github.com/cmsfed/cmsd/cmn/nlog"
	"github.com/cmsfed/cmsd/mask"
)

// MTMax bounds the number of upstream managers a node reports to.
const MTMax = 16

// PathResolver narrows candidates for a path to rovec/rwvec/ssvec (spec §4.4
// PathInfo, longest-prefix). Implemented by the paths package; declared
// here so Cluster depends on a shape, not a concrete package (DESIGN NOTES:
// explicit services passed by reference, no global singletons).
type PathResolver interface {
	Resolve(path string) (ro, rw, ss mask.Mask, found bool)
}

// FileCache narrows the read path via cached presence bits (spec §4.3).
type FileCache interface {
	GetFile(path string, candidate mask.Mask) (hf, pf, bf mask.Mask, found bool)
}

// Broadcaster sends a state query to a subscriber mask and arranges for the
// dispatcher to resume the caller once replies land (spec §4.2 step 4).
// Implemented by the node package's dispatcher; Cluster only needs to ask
// for it, never to perform the actual I/O.
type Broadcaster interface {
	BroadcastState(path string, targets mask.Mask, asap bool) (waitSeconds uint32)
}

// Queuer narrows the prepare queue to the one operation the no-survivors
// path needs (spec §4.2 step 7: "enqueue a prepare-add and return wait").
// Implemented by *prepqueue.Queue; declared here so Cluster depends on a
// shape rather than importing prepqueue.
type Queuer interface {
	PrepAdd(path, opts string) string
}

// Policy bundles the selection tunables: disk thresholds, wait/stage
// delays, and the Inform dedup window. Load weights live in meter.Weights.
type Policy struct {
	DiskMinMB       int64
	DiskUtilMaxPct  int32
	MinFreeWriteMB  int64
	StageDelaySec   uint32
	ShortWaitSec    uint32
	InformDedupTTL  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		DiskMinMB:      1024,
		DiskUtilMaxPct: 90,
		MinFreeWriteMB: 2048,
		StageDelaySec:  30,
		ShortWaitSec:   3,
		InformDedupTTL: 2 * time.Second,
	}
}

// Cluster is the subscriber table and selection/broadcast engine (spec §2
// C2, §4.2). One Cluster instance per CMS node.
type Cluster struct {
	stMutex sync.RWMutex // guards servTab/servCnt; outermost lock (spec §5 ordering)
	servTab [mask.STMax]*Peer
	servCnt int32
	instNum int64 // monotonically increasing, assigned at admission

	mtMutex sync.Mutex
	mastTab []*Peer // upstream managers we report to
	dedup   map[*Peer]*nlog.Dedup // keyed by pointer: managers never go through Admit, so p.ID() stays zero for all of them

	policy Policy

	paths   PathResolver
	cache   FileCache
	bcaster Broadcaster
	queue   Queuer // nil until SetQueue; noSurvivors degrades to no-op enqueue

	selMu   sync.Mutex
	selAcnt int // round-robin counters between SelbyLoad/SelbyRef (spec §4.2 step 5)
	selRcnt int

	// stageLimiter throttles the expensive stage-capable scan in noSurvivors
	// (spec §4.2 step 7): once a burst of no-candidate selects for hot paths
	// has been seen, further ones get the cheap short wait instead of
	// re-walking the table for a staging target every single time.
	stageLimiter *rate.Limiter
}

func New(policy Policy, paths PathResolver, cache FileCache, bcaster Broadcaster) *Cluster {
	return &Cluster{
		policy:       policy,
		paths:        paths,
		cache:        cache,
		bcaster:      bcaster,
		dedup:        make(map[*Peer]*nlog.Dedup),
		stageLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Admit assigns a dense subscriber id to p and registers it in the table
// (spec §3 Peer lifecycle: "created on login, registered in Cluster").
// Returns Overflow if STMax subscribers are already admitted (spec §8
// Boundary).
func (c *Cluster) Admit(p *Peer) (mask.SubscriberId, error) {
	c.stMutex.Lock()
	defer c.stMutex.Unlock()

	for i := 0; i < mask.STMax; i++ {
		if c.servTab[i] == nil {
			id := mask.SubscriberId(i)
			c.instNum++
			p.mu.Lock()
			p.id = id
			p.instance = c.instNum
			p.mu.Unlock()
			p.MarkBound()
			p.EnsureNodeID("")
			c.servTab[i] = p
			c.servCnt++
			nlog.Infof("cluster: admitted subscriber %d (%s)", id, p.hostname)
			return id, nil
		}
	}
	return mask.Invalid, cmn.NewError(cmn.KindOverflow, "subscriber table full", nil)
}

// Lookup returns the peer at id iff its instance matches, guarding against
// ABA reuse of a freed slot (spec §5: "references acquired via subscriber-id
// lookup guarded by a (id, instance) check").
func (c *Cluster) Lookup(id mask.SubscriberId, instance int64) *Peer {
	c.stMutex.RLock()
	defer c.stMutex.RUnlock()
	if id < 0 || int(id) >= mask.STMax {
		return nil
	}
	p := c.servTab[id]
	if p == nil {
		return nil
	}
	if instance != 0 && p.Instance() != instance {
		return nil
	}
	return p
}

// Peer returns the current occupant of id with no instance check, for
// callers that already hold a valid reference path (e.g. selection, which
// just picked the id from a live mask).
func (c *Cluster) Peer(id mask.SubscriberId) *Peer {
	c.stMutex.RLock()
	defer c.stMutex.RUnlock()
	if id < 0 || int(id) >= mask.STMax {
		return nil
	}
	return c.servTab[id]
}

// Remove evicts id from the subscriber table (spec I1). The bounce pass
// that clears id's bit from PathInfo/cache/pending reqInfo is driven by the
// caller (node/prepqueue) via the returned mask, since Cluster does not
// import those packages.
func (c *Cluster) Remove(id mask.SubscriberId) (evicted mask.Mask) {
	c.stMutex.Lock()
	p := c.servTab[id]
	if p == nil {
		c.stMutex.Unlock()
		return 0
	}
	c.servTab[id] = nil
	c.servCnt--
	c.stMutex.Unlock()

	p.MarkOffline()
	nlog.Infof("cluster: evicted subscriber %d", id)
	return mask.Node(id)
}

// ServCnt is the number of currently-admitted subscribers.
func (c *Cluster) ServCnt() int32 { return atomic.LoadInt32(&c.servCnt) }

// SetQueue completes wiring for a Cluster built before its prepare queue
// existed (mirrors Dispatcher.SetCluster's two-phase construction, since
// the queue's Selector is itself backed by this Cluster).
func (c *Cluster) SetQueue(q Queuer) { c.queue = q }

// AllMask returns the mask of every currently-admitted (not necessarily
// healthy) subscriber.
func (c *Cluster) AllMask() mask.Mask {
	c.stMutex.RLock()
	defer c.stMutex.RUnlock()
	var m mask.Mask
	for i, p := range c.servTab {
		if p != nil {
			m = m.Set(mask.SubscriberId(i))
		}
	}
	return m
}

//
// Select (spec §4.2)
//

// SelectResult is the outcome of Select: exactly one of Redirect, WaitSec,
// or Err is meaningful.
type SelectResult struct {
	RedirectHost string
	RedirectPort int
	WaitSec      uint32
	Err          error
}

// Select implements spec §4.2 steps 1-7.
func (c *Cluster) Select(req SelectParams) SelectResult {
	ro, rw, _, found := c.paths.Resolve(req.Path)
	if !found && !req.Peers {
		return SelectResult{Err: cmn.NewError(cmn.KindPathUnknown, req.Path, nil)}
	}

	var base mask.Mask
	if req.Write {
		base = rw
	} else {
		base = ro
	}
	m := base.Subtract(req.AvoidMask)

	if !req.Refresh {
		if hf, _, _, ok := c.cache.GetFile(req.Path, m); ok && !hf.IsEmpty() {
			restricted := hf.Intersect(m)
			if !restricted.IsEmpty() {
				if !req.Write || !restricted.Intersect(rw).IsEmpty() {
					m = restricted
					return c.pickAndRedirect(m, req)
				}
			}
		}
	}

	// step 4: broadcast a state query and ask the caller to wait.
	target := m
	if target.IsEmpty() {
		target = ro
	}
	waitSec := c.policy.ShortWaitSec
	if c.bcaster != nil {
		waitSec = c.bcaster.BroadcastState(req.Path, target, req.Asap)
	}
	if waitSec == 0 {
		waitSec = c.policy.ShortWaitSec
	}
	return SelectResult{WaitSec: waitSec}
}

// SelectParams mirrors spec §3 SelectRequest, trimmed to what Select needs.
type SelectParams struct {
	Path      string
	Write     bool
	Refresh   bool
	Asap      bool
	Peers     bool
	AvoidMask mask.Mask
}

func (c *Cluster) pickAndRedirect(m mask.Mask, req SelectParams) SelectResult {
	survivors := c.healthFilter(m, req.Write)
	if survivors.IsEmpty() {
		return c.noSurvivors(m, req)
	}
	id, viaLoad := c.pick(survivors)
	p := c.Peer(id)
	if p == nil {
		return SelectResult{Err: cmn.NewError(cmn.KindNoServers, req.Path, nil)}
	}
	p.Reserve()
	host, port := p.HostPort()
	if viaLoad {
		nlog.Debugf("cluster: select %s -> %d via SelbyLoad", req.Path, id)
	} else {
		nlog.Debugf("cluster: select %s -> %d via SelbyRef", req.Path, id)
	}
	return SelectResult{RedirectHost: host, RedirectPort: port}
}

// healthFilter excludes offline/disabled/suspended peers and applies the
// disk thresholds (spec §4.2 step 5, I3, §8 Boundary: low-free excluded
// from writes only).
func (c *Cluster) healthFilter(m mask.Mask, write bool) mask.Mask {
	var out mask.Mask
	m.ForEach(func(id mask.SubscriberId) bool {
		p := c.Peer(id)
		if p == nil || !p.Healthy() {
			return true
		}
		s := p.Sample()
		if write && s.DiskFreeMB < c.policy.MinFreeWriteMB {
			return true
		}
		if s.DiskFreeMB > 0 && s.DiskFreeMB < c.policy.DiskMinMB && s.DiskUtilPct > c.policy.DiskUtilMaxPct {
			return true
		}
		out = out.Set(id)
		return true
	})
	return out
}

// pick alternates between SelbyLoad and SelbyRef under the SelAcnt/SelRcnt
// round robin (spec §4.2 step 5, supplemented feature #2).
func (c *Cluster) pick(survivors mask.Mask) (mask.SubscriberId, bool) {
	c.selMu.Lock()
	c.selAcnt++
	useLoad := c.selAcnt%2 == 1
	if useLoad {
		c.selRcnt = 0
	} else {
		c.selRcnt++
	}
	c.selMu.Unlock()

	if useLoad {
		return c.selByLoad(survivors), true
	}
	return c.selByRef(survivors), false
}

// selByLoad picks argmin(mass), ties broken by lowest id (I4).
func (c *Cluster) selByLoad(m mask.Mask) mask.SubscriberId {
	best := mask.Invalid
	var bestMass int32 = 1<<31 - 1
	m.ForEach(func(id mask.SubscriberId) bool {
		p := c.Peer(id)
		if p == nil {
			return true
		}
		mass := p.Sample().Mass
		if best == mask.Invalid || mass < bestMass {
			best, bestMass = id, mass
		}
		return true
	})
	return best
}

// selByRef picks argmin(RefA), ties broken by lowest id (I4).
func (c *Cluster) selByRef(m mask.Mask) mask.SubscriberId {
	best := mask.Invalid
	var bestRef int64 = 1<<63 - 1
	m.ForEach(func(id mask.SubscriberId) bool {
		p := c.Peer(id)
		if p == nil {
			return true
		}
		ref := p.RefA()
		if best == mask.Invalid || ref < bestRef {
			best, bestRef = id, ref
		}
		return true
	})
	return best
}

// noSurvivors implements spec §4.2 step 7: throttle-aware delay, or a
// staging fallback that enqueues a prepare-add and asks the caller to wait
// for the queue to resolve it.
func (c *Cluster) noSurvivors(m mask.Mask, req SelectParams) SelectResult {
	if !c.stageLimiter.Allow() {
		return SelectResult{WaitSec: c.policy.ShortWaitSec}
	}
	if c.stageCapable(m) {
		if c.queue != nil {
			c.queue.PrepAdd(req.Path, "")
		}
		return SelectResult{WaitSec: c.policy.StageDelaySec}
	}
	return SelectResult{Err: cmn.NewError(cmn.KindNoServers, req.Path, nil)}
}

func (c *Cluster) stageCapable(m mask.Mask) bool {
	found := false
	m.ForEach(func(id mask.SubscriberId) bool {
		if p := c.Peer(id); p != nil && p.CanStage() {
			found = true
			return false
		}
		return true
	})
	return found
}

//
// Upstream managers / Inform (spec §4.4)
//

// AddUpstream registers a manager this node reports to (bounded by MTMax).
func (c *Cluster) AddUpstream(p *Peer) bool {
	c.mtMutex.Lock()
	defer c.mtMutex.Unlock()
	if len(c.mastTab) >= MTMax {
		return false
	}
	c.mastTab = append(c.mastTab, p)
	c.dedup[p] = nlog.NewDedup(4, c.policy.InformDedupTTL)
	return true
}

// RemoveUpstream unregisters a manager this node reported to (spec §3 Peer
// lifecycle: "unregistered on disconnect"), called once its link is lost.
func (c *Cluster) RemoveUpstream(p *Peer) {
	c.mtMutex.Lock()
	defer c.mtMutex.Unlock()
	for i, m := range c.mastTab {
		if m == p {
			c.mastTab = append(c.mastTab[:i], c.mastTab[i+1:]...)
			break
		}
	}
	delete(c.dedup, p)
}

// Inform back-propagates a have/gone/status update to every upstream
// manager, skipping one that already saw an identical payload within the
// dedup window (spec §4.4, I5).
func (c *Cluster) Inform(payloadHash uint64, send func(p *Peer)) {
	c.mtMutex.Lock()
	defer c.mtMutex.Unlock()
	now := time.Now()
	for _, p := range c.mastTab {
		d, ok := c.dedup[p]
		if !ok {
			d = nlog.NewDedup(4, c.policy.InformDedupTTL)
			c.dedup[p] = d
		}
		if d.Seen(payloadHash, now) {
			continue
		}
		send(p)
	}
}

// StatsLine renders the compact textual stats report (supplemented feature
// #3, original_source Stats()/do_Stats): subscriber count and version.
func (c *Cluster) StatsLine(version string) string {
	return fmt.Sprintf("version=%s servcnt=%d", version, c.ServCnt())
}

// statsJSON is the jsoniter-encoded equivalent of StatsLine, for callers
// that want a structured snapshot (e.g. an admin HTTP surface) instead of
// the one-line text report.
type statsJSON struct {
	Version string `json:"version"`
	ServCnt int32  `json:"serv_cnt"`
}

// StatsJSON renders the same report as StatsLine as JSON.
func (c *Cluster) StatsJSON(version string) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(statsJSON{
		Version: version,
		ServCnt: c.ServCnt(),
	})
}
