// Command cmsd starts one node of the cluster management service: a
// server (data node), supervisor, or manager, per the role flag (spec §6
// CLI surface).
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/urfave/cli"

	"github.com/cmsfed/cmsd/cache"
	"github.com/cmsfed/cmsd/cluster"
	"github.com/cmsfed/cmsd/cmn/nlog"
	"github.com/cmsfed/cmsd/config"
	"github.com/cmsfed/cmsd/link"
	"github.com/cmsfed/cmsd/meter"
	"github.com/cmsfed/cmsd/node"
	"github.com/cmsfed/cmsd/paths"
	"github.com/cmsfed/cmsd/prepqueue"
	"github.com/cmsfed/cmsd/xmi"
)

// Exit codes per spec §6: 0 normal, 1 config error, 2 bind error.
const (
	exitOK         = 0
	exitConfigErr  = 1
	exitBindErr    = 2
)

func main() {
	app := cli.NewApp()
	app.Name = "cmsd"
	app.Usage = "cluster management service router"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "role", Value: "server", Usage: "server|supervisor|manager"},
		cli.IntFlag{Name: "port", Value: 3121, Usage: "bind port"},
		cli.StringFlag{Name: "bind", Value: "0.0.0.0", Usage: "bind address"},
		cli.StringSliceFlag{Name: "peer", Usage: "host:port of a peer to report to (repeatable)"},
		cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "root", Value: "", Usage: "local filesystem root for mutating requests"},
		cli.StringFlag{Name: "external-mover", Value: "", Usage: "external program to run for fs mutations, instead of direct syscalls"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		nlog.Errorf("cmsd: %v", err)
		os.Exit(exitConfigErr)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		nlog.Errorf("cmsd: config: %v", err)
		os.Exit(exitConfigErr)
	}

	role, err := parseRole(cfg.Role)
	if err != nil {
		nlog.Errorf("cmsd: %v", err)
		os.Exit(exitConfigErr)
	}

	idx, err := paths.New(cfg.PathDBFile)
	if err != nil {
		nlog.Errorf("cmsd: paths index: %v", err)
		os.Exit(exitConfigErr)
	}
	fileCache := cache.New(0)
	loadMeter := meter.New(cfg.MeterWeights())

	var mover node.Mover
	if c.String("external-mover") != "" {
		mover = node.ExternalMover{Program: c.String("external-mover")}
	} else if role == cluster.RoleServer {
		mover = node.SyscallMover{Root: c.String("root")}
	}

	d := node.NewDispatcher(role, nil, idx, fileCache, loadMeter, xmi.NoPolicy, mover)
	clu := cluster.New(cfg.ClusterPolicy(), idx, fileCache, d)
	d.SetCluster(clu)

	q := prepqueue.New(deferredSelector{clu}, stager{d}, cfg.PrepWorkers, cfg.PrepBacklog)
	clu.SetQueue(q)
	defer q.Shutdown()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort))
	if err != nil {
		nlog.Errorf("cmsd: bind %s:%d: %v", cfg.BindAddr, cfg.BindPort, err)
		os.Exit(exitBindErr)
	}
	nlog.Infof("cmsd: role=%s listening on %s", role, ln.Addr())

	for _, peer := range cfg.Peers {
		dialUpstream(clu, d, net.JoinHostPort(peer.Host, strconv.Itoa(peer.Port)))
	}

	acceptLoop(ln, d)
	return nil
}

func loadConfig(c *cli.Context) (config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Role = c.String("role")
	cfg.BindAddr = c.String("bind")
	cfg.BindPort = c.Int("port")
	for _, p := range c.StringSlice("peer") {
		host, portStr, err := net.SplitHostPort(p)
		if err != nil {
			return config.Config{}, fmt.Errorf("cmsd: bad --peer %q: %w", p, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return config.Config{}, fmt.Errorf("cmsd: bad --peer port %q: %w", p, err)
		}
		cfg.Peers = append(cfg.Peers, config.Peer{Host: host, Port: port, Role: "manager"})
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func parseRole(s string) (cluster.Role, error) {
	switch s {
	case "server":
		return cluster.RoleServer, nil
	case "supervisor":
		return cluster.RoleSupervisor, nil
	case "manager":
		return cluster.RoleManager, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func acceptLoop(ln net.Listener, d *node.Dispatcher) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			nlog.Warningf("cmsd: accept: %v", err)
			continue
		}
		// The Dispatcher binds the peer id to this link once login
		// completes; HandleLost evicts it from the Cluster/Path
		// Index/cache once the link dies.
		link.New(conn, conn.RemoteAddr().String(), 64, d.Handle, d.HandleLost)
	}
}

func dialUpstream(clu *cluster.Cluster, d *node.Dispatcher, addr string) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		nlog.Warningf("cmsd: dial upstream %s: %v", addr, err)
		return
	}
	p := cluster.NewPeer(addr, conn.RemoteAddr().String(), 0, cluster.RoleManager)
	if !clu.AddUpstream(p) {
		nlog.Warningf("cmsd: too many upstream managers, dropping %s", addr)
		conn.Close()
		return
	}
	onLost := func(l *link.Link, err error) {
		clu.RemoveUpstream(p)
		d.UnbindUpstream(p)
	}
	l := link.New(conn, addr, 64, d.Handle, onLost)
	d.BindUpstream(p, l)
}

// deferredSelector adapts cluster.Cluster to prepqueue.Selector. It runs an
// ordinary read Select; there is no separate deferred selection mode. A
// wait result comes back as an empty host with a nil error.
type deferredSelector struct{ clu *cluster.Cluster }

func (s deferredSelector) SelectDeferred(path string) (string, int, error) {
	res := s.clu.Select(cluster.SelectParams{Path: path})
	if res.Err != nil {
		return "", 0, res.Err
	}
	return res.RedirectHost, res.RedirectPort, nil
}

// stager adapts the Dispatcher's link table to prepqueue.Stager.
type stager struct{ d *node.Dispatcher }

func (s stager) Stage(ctx context.Context, host string, port int, path, opts string) error {
	return s.d.Stage(ctx, host, port, path, opts)
}
