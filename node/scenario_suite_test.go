package node

import (
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cmsfed/cmsd/cluster"
	"github.com/cmsfed/cmsd/mask"
	"github.com/cmsfed/cmsd/protocol"
)

// TestScenarios runs the end-to-end redirect/broadcast narratives from spec
// §8 as Ginkgo specs, following the teacher's own cmd/cli test dependency
// (onsi/ginkgo + onsi/gomega) for multi-step, stateful scenarios, while the
// table-shaped handler tests in node_test.go stay plain testing.
func TestScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "node select/broadcast scenarios")
}

// ginkgoT adapts node_test.go's *testing.T-oriented helpers (newTestDispatcher,
// dialPair, sendFrame, recvFrame) to a Ginkgo spec, which has no *testing.T
// of its own: it satisfies the fataler interface those helpers accept.
type ginkgoT struct{}

func (ginkgoT) Helper() {}
func (ginkgoT) Fatalf(format string, args ...any) {
	Fail(fmt.Sprintf(format, args...))
}
func (ginkgoT) Cleanup(f func()) { DeferCleanup(f) }

var _ = Describe("Select", func() {
	var (
		d   *Dispatcher
		clu *cluster.Cluster
	)

	BeforeEach(func() {
		d, clu, _ = newTestDispatcher(ginkgoT{})
		d.idx.Declare("/data", 0, true, false)
	})

	It("redirects to a healthy subscriber that already has the file", func() {
		p := cluster.NewPeer("peer0", "10.0.0.1", 2094, cluster.RoleServer)
		id, err := clu.Admit(p)
		Expect(err).NotTo(HaveOccurred())
		p.Activate()
		p.SetSample(cluster.Sample{DiskFreeMB: 5000, DiskUtilPct: 10})
		d.cache.AddFile("/data/x", mask.Node(id), false)

		res := clu.Select(cluster.SelectParams{Path: "/data/x"})
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(res.RedirectHost).To(Equal("peer0"))
		Expect(res.RedirectPort).To(Equal(2094))
	})

	It("excludes an offline subscriber even if it has the file", func() {
		p := cluster.NewPeer("peer0", "10.0.0.1", 2094, cluster.RoleServer)
		id, _ := clu.Admit(p)
		p.Activate()
		p.SetSample(cluster.Sample{DiskFreeMB: 5000, DiskUtilPct: 10})
		d.cache.AddFile("/data/x", mask.Node(id), false)
		p.MarkOffline()

		res := clu.Select(cluster.SelectParams{Path: "/data/x"})
		Expect(res.RedirectHost).To(BeEmpty())
	})

	It("issues a wait with a broadcast when no one is known to have the file", func() {
		p := cluster.NewPeer("peer0", "10.0.0.1", 2094, cluster.RoleServer)
		clu.Admit(p)

		res := clu.Select(cluster.SelectParams{Path: "/data/y"})
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(res.RedirectHost).To(BeEmpty())
		Expect(res.WaitSec).To(BeNumerically(">", 0))
	})

	It("errors on a completely unresolved path", func() {
		res := clu.Select(cluster.SelectParams{Path: "/nowhere"})
		Expect(res.Err).To(HaveOccurred())
	})
})

var _ = Describe("Have/Locate round trip over the wire", func() {
	It("makes a have advisory visible to a subsequent locate", func() {
		d, clu, _ := newTestDispatcher(ginkgoT{})
		d.idx.Declare("/data", 0, true, false)
		p := cluster.NewPeer("peer0", "10.0.0.1", 2094, cluster.RoleServer)
		id, _ := clu.Admit(p)
		p.Activate()

		serverLink, clientConn := dialPair(ginkgoT{}, d)
		d.BindPeer(id, serverLink)

		sendFrame(ginkgoT{}, clientConn, &protocol.Frame{RRCode: protocol.CodeHave, Data: append([]byte("/data/x"), 0, '0')})
		Eventually(func() bool {
			hf, _, _, found := d.cache.GetFile("/data/x", mask.Node(id))
			return found && hf.Test(id)
		}, time.Second).Should(BeTrue())

		sendFrame(ginkgoT{}, clientConn, &protocol.Frame{StreamID: 1, RRCode: protocol.CodeLocate, Data: append([]byte("/data/x"), 0)})
		f := recvFrame(ginkgoT{}, clientConn)
		Expect(f.RRCode).To(Equal(protocol.CodeLocate))
		Expect(string(f.Data)).To(ContainSubstring("10.0.0.1"))
	})
})
