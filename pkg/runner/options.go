package runner

import (
	"time"

	"xscraper/pkg/config"
)

// Options are the tunables of a run.
type Options struct {
	Concurrency  int
	NSplits      int
	MinInterval  time.Duration
	Priority     int
	PageSize     int
	WorkerPrefix string

	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	RequestsPerMinute int
	MinDelay          time.Duration

	TaskRetryBase       time.Duration
	TaskRetryMax        time.Duration
	MaxTaskAttempts     int
	MaxFallbackAttempts int
	MaxAccountSwitches  int

	RepairStrategy string
	Strict         bool

	// ManifestFingerprint joins the query hash so that a manifest change
	// starts a fresh checkpoint lineage.
	ManifestFingerprint string
}

// DefaultOptions mirrors config.DefaultConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig maps the runner, pool and rate limit sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:         cfg.Runner.Concurrency,
		NSplits:             cfg.Runner.NSplits,
		MinInterval:         cfg.Runner.MinInterval,
		Priority:            1,
		PageSize:            cfg.Runner.PageSize,
		WorkerPrefix:        cfg.Pool.WorkerPrefix,
		LeaseTTL:            cfg.Pool.LeaseTTL,
		HeartbeatInterval:   cfg.Pool.HeartbeatInterval,
		RequestsPerMinute:   cfg.RateLimit.RequestsPerMinute,
		MinDelay:            cfg.RateLimit.MinDelay,
		TaskRetryBase:       cfg.Runner.TaskRetryBase,
		TaskRetryMax:        cfg.Runner.TaskRetryMax,
		MaxTaskAttempts:     cfg.Runner.MaxTaskAttempts,
		MaxFallbackAttempts: cfg.Runner.MaxFallbackAttempts,
		MaxAccountSwitches:  cfg.Runner.MaxAccountSwitches,
		RepairStrategy:      cfg.Runner.RepairStrategy,
		Strict:              cfg.Runner.Strict,
	}
}

// normalized clamps values into their usable ranges.
func (o Options) normalized() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 5
	}
	if o.NSplits < 1 {
		o.NSplits = 1
	}
	if o.MinInterval < time.Second {
		o.MinInterval = time.Second
	}
	if o.Priority == 0 {
		o.Priority = 1
	}
	if o.WorkerPrefix == "" {
		o.WorkerPrefix = "xw"
	}
	if o.LeaseTTL < time.Second {
		o.LeaseTTL = 120 * time.Second
	}
	if o.HeartbeatInterval < 0 {
		o.HeartbeatInterval = 0
	}
	// A heartbeat must land before the lease expires.
	if o.HeartbeatInterval >= o.LeaseTTL {
		o.HeartbeatInterval = o.LeaseTTL / 2
	}
	if o.TaskRetryBase < 0 {
		o.TaskRetryBase = 0
	}
	if o.TaskRetryMax < o.TaskRetryBase {
		o.TaskRetryMax = o.TaskRetryBase
	}
	if o.MaxTaskAttempts < 1 {
		o.MaxTaskAttempts = 1
	}
	if o.MaxFallbackAttempts < 1 {
		o.MaxFallbackAttempts = 1
	}
	if o.MaxAccountSwitches < 0 {
		o.MaxAccountSwitches = 0
	}
	if o.RepairStrategy == "" {
		o.RepairStrategy = config.RepairAuto
	}
	return o
}
