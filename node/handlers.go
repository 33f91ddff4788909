package node

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/cmsfed/cmsd/cluster"
	"github.com/cmsfed/cmsd/cmn"
	"github.com/cmsfed/cmsd/cmn/nlog"
	"github.com/cmsfed/cmsd/link"
	"github.com/cmsfed/cmsd/mask"
	"github.com/cmsfed/cmsd/protocol"
	"github.com/cmsfed/cmsd/xmi"
)

// doLogin handles do_Login (spec §3 Peer: "created on login, registered in
// Cluster"): decode the connecting peer's identity and declared paths,
// admit it into the subscriber table, bind its link, and register its
// exported paths in the Path Index.
func (d *Dispatcher) doLogin(l *link.Link, f *protocol.Frame) {
	host, port, role, nodeID, specs := parseLoginPayload(f.Data)

	p := cluster.NewPeer(host, l.RemoteAddr().String(), port, role)
	id, err := d.clu.Admit(p)
	if err != nil {
		l.Send(errorFrame(f.StreamID, err))
		return
	}
	p.EnsureNodeID(nodeID)
	p.Activate()
	d.BindPeer(id, l)

	declared := make([]string, 0, len(specs))
	for _, s := range specs {
		d.idx.Declare(s.prefix, id, s.write, s.stage)
		declared = append(declared, s.prefix)
	}
	p.SetPaths(declared)

	l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeLogin, Data: []byte(strconv.Itoa(int(id)))})
}

// loginPathSpec is one path prefix declared at login, with the capability
// flags the subscriber claims for it.
type loginPathSpec struct {
	prefix string
	write  bool
	stage  bool
}

// parseLoginPayload decodes a login frame's payload:
// "host\x00port\x00role\x00nodeid\x00prefix:flags,prefix:flags,...", where
// role is one of "s"(server)/"u"(supervisor)/"m"(manager) and flags is any
// combination of "w"(write) and "t"(stage target).
func parseLoginPayload(data []byte) (host string, port int, role cluster.Role, nodeID string, specs []loginPathSpec) {
	parts := bytes.SplitN(data, []byte{0}, 5)
	if len(parts) > 0 {
		host = string(parts[0])
	}
	if len(parts) > 1 {
		port, _ = strconv.Atoi(string(parts[1]))
	}
	role = cluster.RoleServer
	if len(parts) > 2 {
		switch string(parts[2]) {
		case "m":
			role = cluster.RoleManager
		case "u":
			role = cluster.RoleSupervisor
		}
	}
	if len(parts) > 3 {
		nodeID = string(parts[3])
	}
	if len(parts) > 4 {
		for _, tok := range strings.Split(string(parts[4]), ",") {
			if tok == "" {
				continue
			}
			kv := strings.SplitN(tok, ":", 2)
			spec := loginPathSpec{prefix: kv[0]}
			if len(kv) > 1 {
				spec.write = strings.Contains(kv[1], "w")
				spec.stage = strings.Contains(kv[1], "t")
			}
			specs = append(specs, spec)
		}
	}
	return host, port, role, nodeID, specs
}

// doHave handles a have advisory (spec §4.1 step 5, §4.3): a subscriber
// reports it now serves path, online or pending. Back-propagates via
// Inform if the cache's presence bits actually changed (the isnew edge
// detector, spec §5).
func (d *Dispatcher) doHave(l *link.Link, f *protocol.Frame) {
	id, ok := d.idFor(l)
	if !ok {
		return
	}
	path, pending := parsePresencePayload(f.Data)
	if d.cache.AddFile(path, mask.Node(id), pending) {
		d.inform(protocol.CodeHave, path, mask.Node(id))
	}
}

// doGone handles a gone advisory: a subscriber no longer serves path. If
// this empties the have-file mask, the change propagates upstream. Prepare
// queue entries for the path are not purged: the Dispatcher holds no
// reference to the Queue, and nothing calls Queue.Gone.
func (d *Dispatcher) doGone(l *link.Link, f *protocol.Frame) {
	id, ok := d.idFor(l)
	if !ok {
		return
	}
	path, _ := parsePresencePayload(f.Data)
	if d.cache.DelFile(path, mask.Node(id)) {
		d.inform(protocol.CodeGone, path, mask.Node(id))
	}
}

func parsePresencePayload(data []byte) (path string, pending bool) {
	parts := bytes.SplitN(data, []byte{0}, 2)
	path = string(parts[0])
	if len(parts) > 1 && len(parts[1]) > 0 && parts[1][0] == '1' {
		pending = true
	}
	return path, pending
}

// doLocate handles a locate request (spec §6 "Locate response"): resolve
// path's PathInfo, consult the cache for known-present subscribers, and
// render each surviving candidate as an "XY[ipv6]:port" entry.
func (d *Dispatcher) doLocate(l *link.Link, f *protocol.Frame) {
	req := protocol.FromFrame(f)
	ro, rw, _, found := d.idx.Resolve(req.Path)
	if !found && !req.Peers {
		l.Send(errorFrame(f.StreamID, cmn.NewError(cmn.KindPathUnknown, req.Path, nil)))
		return
	}

	candidates := ro
	hf, pf, _, _ := d.cache.GetFile(req.Path, candidates)
	entries := make([]protocol.LocateEntry, 0, mask.STMax)
	addEntries := func(m mask.Mask, online bool) {
		m.ForEach(func(id mask.SubscriberId) bool {
			p := d.clu.Peer(id)
			if p == nil || !p.Healthy() {
				return true
			}
			host, port := p.HostPort()
			entries = append(entries, protocol.LocateEntry{
				IsManager: p.Role() == cluster.RoleManager,
				Online:    online,
				CanWrite:  rw.Test(id),
				Host:      host,
				Port:      port,
			})
			return true
		})
	}
	addEntries(hf, true)
	addEntries(pf, false)

	resp := protocol.FormatLocate(entries)
	out := &protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeLocate, Data: resp}
	l.Send(out)
}

// doSelect handles a select request (spec §4.2, §6 "Select response").
func (d *Dispatcher) doSelect(l *link.Link, f *protocol.Frame) {
	req := protocol.FromFrame(f)

	if d.xmi != nil {
		dec := d.xmi.Select(xmi.Request{Path: req.Path})
		if dec.Claimed {
			if dec.Err != nil {
				l.Send(errorFrame(f.StreamID, dec.Err))
			}
			return
		}
	}

	result := d.clu.Select(cluster.SelectParams{
		Path:      req.Path,
		Write:     req.Write,
		Refresh:   req.Refresh,
		Asap:      req.Asap,
		Peers:     req.Peers,
		AvoidMask: req.AvoidMask,
	})

	var out *protocol.Frame
	switch {
	case result.Err != nil:
		out = errorFrame(f.StreamID, result.Err)
	case result.RedirectHost != "":
		out = protocol.RedirectResponse(result.RedirectHost, uint32(result.RedirectPort))
		out.StreamID = f.StreamID
	default:
		out = protocol.WaitResponse(result.WaitSec)
		out.StreamID = f.StreamID
	}
	l.Send(out)
}

// doState handles a state query (spec §4.1 step 5): if we're a manager,
// forward downstream to our own subscribers for path; otherwise, if we
// have a Mover, answer have for path. No local stat is made: the answer is
// online for every queried path and is never pending.
func (d *Dispatcher) doState(l *link.Link, f *protocol.Frame) {
	path := string(bytes.TrimRight(f.Data, "\x00"))
	if d.role == cluster.RoleManager {
		ro, _, _, found := d.idx.Resolve(path)
		if !found {
			return
		}
		d.BroadcastState(path, ro, f.Modifier.Has(protocol.ModAsap))
		return
	}
	if d.mover == nil {
		return
	}
	// A data node with disk answers have for itself; the caller (link's
	// peer, typically our upstream manager) reads it as a have advisory.
	l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeHave, Data: append([]byte(path), 0, '0')})
}

// doStatfs answers a statfs request with the aggregate free-space line
// (spec §6 "Statfs response").
func (d *Dispatcher) doStatfs(l *link.Link, f *protocol.Frame) {
	path := string(bytes.TrimRight(f.Data, "\x00"))
	ro, rw, _, found := d.idx.Resolve(path)
	if !found {
		l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeStatfs, Data: []byte(protocol.UnknownStatfs)})
		return
	}

	var wNum, sNum int
	var wFreeKB, sFreeKB int64
	var wUtil, sUtil int
	rw.ForEach(func(id mask.SubscriberId) bool {
		if p := d.clu.Peer(id); p != nil {
			s := p.Sample()
			wNum++
			wFreeKB += s.DiskFreeMB * 1024
			wUtil += int(s.DiskUtilPct)
		}
		return true
	})
	ro.ForEach(func(id mask.SubscriberId) bool {
		if p := d.clu.Peer(id); p != nil {
			s := p.Sample()
			sNum++
			sFreeKB += s.DiskFreeMB * 1024
			sUtil += int(s.DiskUtilPct)
		}
		return true
	})
	if wNum > 0 {
		wUtil /= wNum
	}
	if sNum > 0 {
		sUtil /= sNum
	}
	line := protocol.FormatStatfs(wNum, wFreeKB, wUtil, sNum, sFreeKB, sUtil)
	l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeStatfs, Data: []byte(line)})
}

// doStatus handles do_Status (spec §4.1 Peer lifecycle): payload is a
// comma-separated set of "key=value" flags (suspend, disable, nostage,
// resume), matching how the teacher's config parsers favor simple
// delimited text over a binary struct for small control messages.
func (d *Dispatcher) doStatus(l *link.Link, f *protocol.Frame) {
	id, ok := d.idFor(l)
	if !ok {
		return
	}
	p := d.clu.Peer(id)
	if p == nil {
		return
	}
	flags := parseStatusFlags(string(f.Data))
	activeFlip, stageFlip := p.SetStatus(flags["suspend"], flags["disable"], flags["nostage"], flags["resume"])
	if activeFlip || stageFlip {
		d.inform(protocol.CodeStatus, "", mask.Node(id))
	}
}

func parseStatusFlags(s string) map[string]*bool {
	out := map[string]*bool{}
	for _, kv := range strings.Split(s, ",") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		v := parts[1] == "1" || parts[1] == "true"
		vv := v
		out[parts[0]] = &vv
	}
	return out
}

// doTry handles do_Try (spec §4.1, supplemented alternate-manager list): a
// peer asks for another manager to connect to, having been told to move
// off the current one.
func (d *Dispatcher) doTry(l *link.Link, f *protocol.Frame) {
	id, ok := d.idFor(l)
	if !ok {
		return
	}
	p := d.clu.Peer(id)
	if p == nil {
		return
	}
	cur := string(f.Data)
	next, found := p.NextAltManager(cur)
	if !found {
		l.Send(errorFrame(f.StreamID, cmn.NewError(cmn.KindNoServers, "no alternate managers", nil)))
		return
	}
	l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeTry, Data: []byte(next)})
}

// doMutation handles the write-path family (chmod/mkdir/mkpath/mv/rm/
// rmdir, spec §2 "forwarded to every subscriber whose mask intersects the
// path's capability set", §4.1 step 2 "role gate"). A policy callout may
// claim the request first (original_source Xmi_* hooks). A manager-role
// node with no local disk never runs the mutation itself: it forwards the
// frame to every subscriber whose rwvec covers the path and short-circuits
// "ok" to the caller without waiting on their individual replies. A node
// with disk runs the mutation locally via Mover and reports its result.
func (d *Dispatcher) doMutation(l *link.Link, f *protocol.Frame, kind string) {
	req := protocol.FromFrame(f)

	if d.xmi != nil {
		var dec xmi.Decision
		xreq := xmi.Request{Path: req.Path, Path2: req.Path2}
		switch kind {
		case "chmod":
			dec = d.xmi.Chmod(xreq, parseMode(req.Mode))
		case "mkdir":
			dec = d.xmi.Mkdir(xreq, parseMode(req.Mode))
		case "mkpath":
			dec = d.xmi.Mkpath(xreq, parseMode(req.Mode))
		case "mv":
			dec = d.xmi.Mv(xreq)
		case "rm":
			dec = d.xmi.Rm(xreq)
		case "rmdir":
			dec = d.xmi.Rmdir(xreq)
		}
		if dec.Claimed {
			if dec.Err != nil {
				l.Send(errorFrame(f.StreamID, dec.Err))
			}
			return
		}
	}

	if d.mover == nil {
		_, rw, _, found := d.idx.Resolve(req.Path)
		if !found {
			l.Send(errorFrame(f.StreamID, cmn.NewError(cmn.KindPathUnknown, req.Path, nil)))
			return
		}
		if !rw.IsEmpty() {
			d.Broadcast(rw, &protocol.Frame{RRCode: f.RRCode, Modifier: f.Modifier, Data: f.Data})
		}
		l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeData})
		return
	}

	var err error
	switch kind {
	case "chmod":
		err = d.mover.Chmod(req.Path, parseMode(req.Mode))
	case "mkdir":
		err = d.mover.Mkdir(req.Path, parseMode(req.Mode))
	case "mkpath":
		err = d.mover.Mkpath(req.Path, parseMode(req.Mode))
	case "mv":
		err = d.mover.Mv(req.Path, req.Path2)
	case "rm":
		err = d.mover.Rm(req.Path)
		if err == nil {
			d.doGone(l, &protocol.Frame{Data: append([]byte(req.Path), 0)})
		}
	case "rmdir":
		err = d.mover.Rmdir(req.Path)
	}
	if err != nil {
		nlog.Warningf("node: %s %s failed: %v", kind, req.Path, err)
		l.Send(errorFrame(f.StreamID, err))
		return
	}
	l.Send(&protocol.Frame{StreamID: f.StreamID, RRCode: protocol.CodeData})
}

func parseMode(s string) int {
	v, err := strconv.ParseInt(s, 8, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
