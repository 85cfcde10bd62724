package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/marketledger/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled          bool
	RunInterval      time.Duration
	BatchSize        int
	ReconcileWorkers int
	// EnabledJobs limits the run to the named jobs; empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		RunInterval:      time.Minute,
		BatchSize:        100,
		ReconcileWorkers: 4,
	}
}

func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	out := Config{
		Enabled:          sc.Enabled,
		RunInterval:      time.Duration(sc.IntervalSeconds) * time.Second,
		BatchSize:        sc.BatchSize,
		ReconcileWorkers: sc.ReconcileWorkers,
	}
	for _, job := range strings.Split(sc.Jobs, ",") {
		if job = strings.TrimSpace(job); job != "" {
			out.EnabledJobs = append(out.EnabledJobs, job)
		}
	}
	return out.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ReconcileWorkers <= 0 {
		c.ReconcileWorkers = defaults.ReconcileWorkers
	}
	return c
}
