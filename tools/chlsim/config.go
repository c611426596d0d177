package main

import (
	"fmt"
	"path"
	"time"
)

type Config struct {
	// State
	StateDir string
	MDT      string
	Mount    string

	// Generate options
	Workload   string
	Operations int
	Duration   time.Duration
	Interval   time.Duration
	BatchSize  int
	Seed       int64

	// Workload percentages (-1 means use workload default)
	CreatePct int
	MkdirPct  int
	ModifyPct int
	RenamePct int
	UnlinkPct int
	RmdirPct  int
}

func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state cannot be empty")
	}

	if c.MDT == "" {
		return fmt.Errorf("mdt cannot be empty")
	}

	if c.Mount == "" || !path.IsAbs(c.Mount) {
		return fmt.Errorf("mount must be an absolute path")
	}
	c.Mount = path.Clean(c.Mount)

	if c.Operations < 0 {
		return fmt.Errorf("operations must be non-negative")
	}

	if c.BatchSize < 1 {
		c.BatchSize = 1
	}

	if c.Duration > 0 && c.Interval <= 0 {
		return fmt.Errorf("interval must be positive when duration is set")
	}

	switch c.Workload {
	case "mixed", "create-only", "churn", "rename-heavy":
		// valid
	case "":
		c.Workload = "mixed"
	default:
		return fmt.Errorf("invalid workload: %s (must be mixed|create-only|churn|rename-heavy)", c.Workload)
	}

	return c.GetWorkloadDistribution().Validate()
}

func (c *Config) GetWorkloadDistribution() WorkloadDistribution {
	var dist WorkloadDistribution

	switch c.Workload {
	case "mixed":
		dist = WorkloadDistribution{Create: 40, Mkdir: 10, Modify: 20, Rename: 10, Unlink: 15, Rmdir: 5}
	case "create-only":
		dist = WorkloadDistribution{Create: 85, Mkdir: 15}
	case "churn":
		dist = WorkloadDistribution{Create: 35, Mkdir: 10, Modify: 5, Rename: 5, Unlink: 35, Rmdir: 10}
	case "rename-heavy":
		dist = WorkloadDistribution{Create: 30, Mkdir: 10, Modify: 5, Rename: 45, Unlink: 5, Rmdir: 5}
	}

	if c.CreatePct >= 0 {
		dist.Create = c.CreatePct
	}
	if c.MkdirPct >= 0 {
		dist.Mkdir = c.MkdirPct
	}
	if c.ModifyPct >= 0 {
		dist.Modify = c.ModifyPct
	}
	if c.RenamePct >= 0 {
		dist.Rename = c.RenamePct
	}
	if c.UnlinkPct >= 0 {
		dist.Unlink = c.UnlinkPct
	}
	if c.RmdirPct >= 0 {
		dist.Rmdir = c.RmdirPct
	}

	return dist
}

type WorkloadDistribution struct {
	Create int
	Mkdir  int
	Modify int
	Rename int
	Unlink int
	Rmdir  int
}

func (w WorkloadDistribution) Total() int {
	return w.Create + w.Mkdir + w.Modify + w.Rename + w.Unlink + w.Rmdir
}

func (w WorkloadDistribution) Validate() error {
	total := w.Total()
	if total != 100 {
		return fmt.Errorf("workload percentages must sum to 100, got %d", total)
	}
	return nil
}
