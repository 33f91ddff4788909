// Package config loads the router's startup configuration: role, bind
// address, peer list, and the tunable policy weights consumed by cluster
// and meter. Format and loader style follow the teacher's yaml.v2
// conventions.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cmsfed/cmsd/cluster"
)

// Peer is one statically-configured remote endpoint to dial or expect a
// connection from at startup.
type Peer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Role string `yaml:"role"`
}

// Config is the full daemon configuration (spec §6 CLI surface plus the
// ambient settings a real deployment needs).
type Config struct {
	Role     string `yaml:"role"` // server | supervisor | manager
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"bind_port"`

	Peers []Peer `yaml:"peers"`

	PathDBFile string `yaml:"path_db_file"`

	Policy PolicyConfig `yaml:"policy"`

	LogLevel string `yaml:"log_level"`

	PrepWorkers int `yaml:"prep_workers"`
	PrepBacklog int `yaml:"prep_backlog"`
}

// PolicyConfig mirrors cluster.Policy plus meter.Weights in a YAML-friendly
// shape (durations as seconds, since yaml.v2 doesn't marshal
// time.Duration).
type PolicyConfig struct {
	DiskMinMB        int64 `yaml:"disk_min_mb"`
	DiskUtilMaxPct   int32 `yaml:"disk_util_max_pct"`
	MinFreeWriteMB   int64 `yaml:"min_free_write_mb"`
	StageDelaySec    int64 `yaml:"stage_delay_sec"`
	ShortWaitSec     int64 `yaml:"short_wait_sec"`
	InformDedupSec   int64 `yaml:"inform_dedup_sec"`

	WeightCPU         int32 `yaml:"weight_cpu"`
	WeightNet         int32 `yaml:"weight_net"`
	WeightXeq         int32 `yaml:"weight_xeq"`
	WeightMem         int32 `yaml:"weight_mem"`
	WeightPag         int32 `yaml:"weight_pag"`
	WeightDsk         int32 `yaml:"weight_dsk"`
	WeightDiskPenalty int32 `yaml:"weight_disk_penalty"`
}

// Default returns a Config with the spec's default policy values and no
// peers, suitable as a fallback when no file is supplied.
func Default() Config {
	return Config{
		Role:        "server",
		BindAddr:    "0.0.0.0",
		BindPort:    3121,
		LogLevel:    "info",
		PrepWorkers: 4,
		PrepBacklog: 256,
		Policy: PolicyConfig{
			DiskMinMB:         10240,
			DiskUtilMaxPct:    90,
			MinFreeWriteMB:    1024,
			StageDelaySec:     5,
			ShortWaitSec:      3,
			InformDedupSec:    2,
			WeightCPU:         3,
			WeightNet:         2,
			WeightXeq:         2,
			WeightMem:         1,
			WeightPag:         1,
			WeightDsk:         1,
			WeightDiskPenalty: 1,
		},
	}
}

// Load reads and parses a YAML config file, filling any unset fields from
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a config with an unrecognized role or a nonsensical
// bind port, the two config errors the CLI surface maps to exit code 1.
func (c Config) Validate() error {
	switch c.Role {
	case "server", "supervisor", "manager":
	default:
		return fmt.Errorf("config: unknown role %q (want server|supervisor|manager)", c.Role)
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("config: invalid bind_port %d", c.BindPort)
	}
	return nil
}

// ClusterPolicy converts the YAML-friendly PolicyConfig into cluster.Policy.
func (c Config) ClusterPolicy() cluster.Policy {
	p := c.Policy
	return cluster.Policy{
		DiskMinMB:      p.DiskMinMB,
		DiskUtilMaxPct: p.DiskUtilMaxPct,
		MinFreeWriteMB: p.MinFreeWriteMB,
		StageDelaySec:  uint32(p.StageDelaySec),
		ShortWaitSec:   uint32(p.ShortWaitSec),
		InformDedupTTL: time.Duration(p.InformDedupSec) * time.Second,
	}
}
