package cluster_test

import (
	"strings"
	"testing"

	"github.com/cmsfed/cmsd/cluster"
	"github.com/cmsfed/cmsd/mask"
)

// fakePaths is a minimal PathResolver stub: every path resolves to the same
// fixed ro/rw/ss masks, set by the test.
type fakePaths struct {
	ro, rw, ss mask.Mask
	found      bool
}

func (f fakePaths) Resolve(path string) (ro, rw, ss mask.Mask, found bool) {
	return f.ro, f.rw, f.ss, f.found
}

// fakeCache is a minimal FileCache stub returning a fixed hf on every call.
type fakeCache struct {
	hf    mask.Mask
	found bool
}

func (f fakeCache) GetFile(path string, candidate mask.Mask) (hf, pf, bf mask.Mask, found bool) {
	return f.hf, 0, 0, f.found
}

// fakeBroadcaster records the last broadcast and returns a fixed wait.
type fakeBroadcaster struct {
	lastPath    string
	lastTargets mask.Mask
	wait        uint32
}

func (f *fakeBroadcaster) BroadcastState(path string, targets mask.Mask, asap bool) uint32 {
	f.lastPath, f.lastTargets = path, targets
	if f.wait == 0 {
		return 1
	}
	return f.wait
}

func admitN(t *testing.T, c *cluster.Cluster, n int) []mask.SubscriberId {
	t.Helper()
	ids := make([]mask.SubscriberId, 0, n)
	for i := 0; i < n; i++ {
		p := cluster.NewPeer("h", "10.0.0.1", 1094+i, cluster.RoleServer)
		id, err := c.Admit(p)
		if err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
		p.Activate()
		p.SetSample(cluster.Sample{DiskFreeMB: 5000, DiskUtilPct: 10})
		ids = append(ids, id)
	}
	return ids
}

// I1/§8 Boundary: exactly STMax admitted subscribers, the next Admit fails
// with Overflow.
func TestAdmitOverflowAtSTMax(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{}, fakeCache{}, nil)
	admitN(t, c, mask.STMax)
	if c.ServCnt() != mask.STMax {
		t.Fatalf("expected ServCnt %d, got %d", mask.STMax, c.ServCnt())
	}
	extra := cluster.NewPeer("overflow", "10.0.0.2", 1094, cluster.RoleServer)
	if _, err := c.Admit(extra); err == nil {
		t.Fatalf("expected Overflow admitting past STMax")
	}
}

// Remove frees the slot: after eviction the table can admit again, and the
// evicted peer's Healthy() goes false (bounce is driven by the caller using
// the returned mask, spec §4.3 Bounce; this checks the Peer side of I1).
func TestRemoveFreesSlotAndMarksOffline(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{}, fakeCache{}, nil)
	ids := admitN(t, c, 1)
	id := ids[0]
	p := c.Peer(id)

	evicted := c.Remove(id)
	if evicted != mask.Node(id) {
		t.Fatalf("expected evicted mask to be singleton %d, got %v", id, evicted)
	}
	if p.Healthy() {
		t.Fatalf("expected evicted peer to be unhealthy (offline)")
	}
	if c.Peer(id) != nil {
		t.Fatalf("expected slot %d to be empty after Remove", id)
	}

	// I6: Lookup with the stale instance never resolves the freed slot.
	if c.Lookup(id, p.Instance()) != nil {
		t.Fatalf("expected Lookup to reject the evicted peer's stale instance")
	}

	// The slot is reusable.
	np := cluster.NewPeer("h2", "10.0.0.3", 1094, cluster.RoleServer)
	nid, err := c.Admit(np)
	if err != nil {
		t.Fatalf("re-admit after eviction: %v", err)
	}
	if nid != id {
		t.Fatalf("expected reused id %d, got %d", id, nid)
	}
}

// I3: Select never redirects to an offline/disabled/suspended peer.
func TestSelectNeverRedirectsToUnhealthyPeer(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{ro: 0x3, rw: 0x3, found: true}, fakeCache{hf: 0x3, found: true}, nil)
	ids := admitN(t, c, 2)

	bad := c.Peer(ids[0])
	bad.MarkOffline()

	for i := 0; i < 20; i++ {
		res := c.Select(cluster.SelectParams{Path: "/data/x"})
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.RedirectHost == "" {
			continue // wait response is fine
		}
		_, port := bad.HostPort()
		if res.RedirectPort == port {
			t.Fatalf("selected the offline peer")
		}
	}
}

// I4: SelbyLoad picks argmin(mass); ties broken by lowest id.
func TestSelbyLoadPicksMinMassTieLowestId(t *testing.T) {
	// Build the cluster knowing ids will be assigned 0, 1, 2 in admission
	// order, so the fixed fakePaths/fakeCache masks below can be set up
	// before the peers exist.
	survivors := mask.Node(0).Union(mask.Node(1)).Union(mask.Node(2))
	paths := fakePaths{ro: survivors, rw: survivors, found: true}
	cache := fakeCache{hf: survivors, found: true}
	c := cluster.New(cluster.DefaultPolicy(), paths, cache, nil)
	ids := admitN(t, c, 3)

	// id[0] and id[1] tie at the lowest mass; id[2] is worse.
	c.Peer(ids[0]).SetSample(cluster.Sample{DiskFreeMB: 5000, DiskUtilPct: 10, Mass: 50})
	c.Peer(ids[1]).SetSample(cluster.Sample{DiskFreeMB: 5000, DiskUtilPct: 10, Mass: 50})
	c.Peer(ids[2]).SetSample(cluster.Sample{DiskFreeMB: 5000, DiskUtilPct: 10, Mass: 90})

	// Drive pick() via repeated Select calls. It alternates SelbyLoad/SelbyRef
	// (spec §4.2 step 5) starting with SelbyLoad on a fresh Cluster, so the
	// even-numbered calls are SelbyLoad turns; each of those must land on
	// id[0], the lowest id of the tied-lowest-mass pair. SelbyRef turns pick
	// by RefA and may legitimately choose id[2].
	_, wantPort := c.Peer(ids[0]).HostPort()
	for i := 0; i < 20; i++ {
		res := c.Select(cluster.SelectParams{Path: "/data/x"})
		if res.Err != nil || res.RedirectHost == "" {
			continue
		}
		if i%2 != 0 {
			continue // SelbyRef turn
		}
		if res.RedirectPort != wantPort {
			t.Fatalf("SelbyLoad turn %d picked port %d, want the lowest-id tied peer's port %d", i, res.RedirectPort, wantPort)
		}
	}
}

// §8 Boundary: a peer with DiskFreeMB < DiskMin is excluded from write
// selection but still eligible for reads. Driven end-to-end through Select
// since healthFilter itself is unexported.
func TestLowFreeExcludedFromWriteButNotRead(t *testing.T) {
	policy := cluster.DefaultPolicy()
	paths := fakePaths{ro: 0x1, rw: 0x1, found: true}
	c := cluster.New(policy, paths, fakeCache{hf: 0x1, found: true}, nil)
	ids := admitN(t, c, 1)
	p := c.Peer(ids[0])
	p.SetSample(cluster.Sample{DiskFreeMB: policy.DiskMinMB - 1, DiskUtilPct: 10})

	readRes := c.Select(cluster.SelectParams{Path: "/data/x"})
	if readRes.Err != nil || readRes.RedirectHost == "" {
		t.Fatalf("expected the low-free peer to be redirected to for reads, got %+v", readRes)
	}

	writeRes := c.Select(cluster.SelectParams{Path: "/data/x", Write: true})
	if writeRes.RedirectHost != "" {
		t.Fatalf("expected the low-free peer excluded from write selection, got a redirect")
	}
}

// PathUnknown: Select on an unresolvable path (and not in Peers mode)
// returns a PathUnknown error rather than a redirect or wait.
func TestSelectUnknownPathErrors(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{found: false}, fakeCache{}, nil)
	res := c.Select(cluster.SelectParams{Path: "/nope"})
	if res.Err == nil {
		t.Fatalf("expected an error for an unresolved path")
	}
}

// Broadcast-then-redirect (spec §8 scenario 2): a cache miss on a known
// path issues a state broadcast to rovec and hands the caller a wait
// instead of a redirect.
func TestSelectCacheMissBroadcastsAndWaits(t *testing.T) {
	ro := mask.Node(0).Union(mask.Node(1)).Union(mask.Node(2))
	paths := fakePaths{ro: ro, rw: ro, found: true}
	bc := &fakeBroadcaster{wait: 7}
	c := cluster.New(cluster.DefaultPolicy(), paths, fakeCache{found: false}, bc)
	admitN(t, c, 3)

	res := c.Select(cluster.SelectParams{Path: "/data/y"})
	if res.Err != nil || res.RedirectHost != "" {
		t.Fatalf("expected a wait on cache miss, got %+v", res)
	}
	if res.WaitSec != 7 {
		t.Fatalf("expected the broadcaster's wait value to propagate, got %d", res.WaitSec)
	}
	if bc.lastPath != "/data/y" || bc.lastTargets != ro {
		t.Fatalf("expected BroadcastState to target rovec for the missed path, got path=%q targets=%v", bc.lastPath, bc.lastTargets)
	}
}

// I5: Inform skips a duplicate payload to the same destination within the
// dedup window; a changed payload still goes through.
func TestInformDedupSkipsRepeatedPayload(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{}, fakeCache{}, nil)
	mgr := cluster.NewPeer("mgr", "10.0.0.9", 3121, cluster.RoleManager)
	if !c.AddUpstream(mgr) {
		t.Fatalf("AddUpstream failed")
	}

	var calls int
	c.Inform(42, func(p *cluster.Peer) { calls++ })
	c.Inform(42, func(p *cluster.Peer) { calls++ })
	if calls != 1 {
		t.Fatalf("expected the duplicate Inform to be suppressed, got %d calls", calls)
	}

	c.Inform(43, func(p *cluster.Peer) { calls++ })
	if calls != 2 {
		t.Fatalf("expected a changed payload to go through, got %d calls", calls)
	}
}

// StatsJSON renders the same counters as StatsLine, structured.
func TestStatsJSONMatchesServCnt(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{}, fakeCache{}, nil)
	admitN(t, c, 2)

	b, err := c.StatsJSON("v1")
	if err != nil {
		t.Fatalf("StatsJSON: %v", err)
	}
	want := `"serv_cnt":2`
	if !strings.Contains(string(b), want) {
		t.Fatalf("expected %q in %s", want, b)
	}
}

// Per-manager Inform dedup state must not collide: two distinct upstream
// managers (both with the zero-value id, since managers never go through
// Admit) each get their own dedup ring.
func TestInformDedupIsPerManagerNotSharedByZeroID(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{}, fakeCache{}, nil)
	mgrA := cluster.NewPeer("mgrA", "10.0.0.9", 3121, cluster.RoleManager)
	mgrB := cluster.NewPeer("mgrB", "10.0.0.10", 3121, cluster.RoleManager)
	c.AddUpstream(mgrA)
	c.AddUpstream(mgrB)

	var hosts []string
	c.Inform(99, func(p *cluster.Peer) {
		h, _ := p.HostPort()
		hosts = append(hosts, h)
	})
	if len(hosts) != 2 {
		t.Fatalf("expected the same payload to reach both distinct managers once each, got %v", hosts)
	}
}

// AddUpstream is bounded by MTMax.
func TestAddUpstreamBounded(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{}, fakeCache{}, nil)
	for i := 0; i < cluster.MTMax; i++ {
		if !c.AddUpstream(cluster.NewPeer("m", "10.0.0.1", 3121, cluster.RoleManager)) {
			t.Fatalf("AddUpstream #%d unexpectedly rejected", i)
		}
	}
	if c.AddUpstream(cluster.NewPeer("overflow", "10.0.0.2", 3121, cluster.RoleManager)) {
		t.Fatalf("expected AddUpstream to reject past MTMax")
	}
}

// RemoveUpstream drops a manager from both mastTab and its dedup ring; a
// later Inform no longer reaches it.
func TestRemoveUpstreamStopsFurtherInform(t *testing.T) {
	c := cluster.New(cluster.DefaultPolicy(), fakePaths{}, fakeCache{}, nil)
	mgr := cluster.NewPeer("mgr", "10.0.0.9", 3121, cluster.RoleManager)
	c.AddUpstream(mgr)
	c.RemoveUpstream(mgr)

	var calls int
	c.Inform(1, func(p *cluster.Peer) { calls++ })
	if calls != 0 {
		t.Fatalf("expected no Inform calls after RemoveUpstream, got %d", calls)
	}
}

// fakeQueue is a minimal Queuer stub recording PrepAdd calls.
type fakeQueue struct {
	calls []string
}

func (q *fakeQueue) PrepAdd(path, opts string) string {
	q.calls = append(q.calls, path)
	return "job-" + path
}

// spec §4.2 step 7: when every cached holder of a path is unhealthy but at
// least one is stage-capable, Select enqueues a prepare-add on the wired
// Queuer and returns the stage delay instead of erroring.
func TestNoSurvivorsEnqueuesPrepAddWhenStageCapable(t *testing.T) {
	ro := mask.Node(0)
	paths := fakePaths{ro: ro, rw: ro, found: true}
	c := cluster.New(cluster.DefaultPolicy(), paths, fakeCache{hf: ro, found: true}, nil)
	q := &fakeQueue{}
	c.SetQueue(q)

	p := cluster.NewPeer("h", "10.0.0.1", 1094, cluster.RoleServer)
	if _, err := c.Admit(p); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	p.MarkOffline() // excluded by healthFilter, but still CanStage()

	res := c.Select(cluster.SelectParams{Path: "/data/x"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.WaitSec != cluster.DefaultPolicy().StageDelaySec {
		t.Fatalf("expected the stage delay wait, got %+v", res)
	}
	if len(q.calls) != 1 || q.calls[0] != "/data/x" {
		t.Fatalf("expected PrepAdd(/data/x) to be called once, got %v", q.calls)
	}
}
