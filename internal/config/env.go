// Package config loads process-wide settings once at startup, following the
// load-into-a-struct pattern kernel/mesh_config.go uses for its (wasm-only)
// bootstrap config — generalized here to plain os.Getenv since this runtime
// has no JS global object to read from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LockBindingPolicy selects how an origin's target offset maps to a helper
// rank, spec.md §4.2.
type LockBindingPolicy string

const (
	BindingRank    LockBindingPolicy = "rank"
	BindingSegment LockBindingPolicy = "segment"
)

// LoadBalancePolicy selects how the redirection engine picks among a
// target's bound helpers when more than one is eligible, spec.md §4.5.
type LoadBalancePolicy string

const (
	LoadStatic       LoadBalancePolicy = "static"
	LoadRandom       LoadBalancePolicy = "random"
	LoadOpCounting   LoadBalancePolicy = "op_counting"
	LoadByteCounting LoadBalancePolicy = "byte_counting"
)

// AutoAsyncMode is the async_config info key, spec.md §4.6/§6.
type AutoAsyncMode string

const (
	AsyncAuto  AutoAsyncMode = "auto"
	AsyncAllOn AutoAsyncMode = "all_on"
)

// GrantLockStrategy selects when OP_ISSUED segments are promoted to
// GRANTED, spec.md §4.6/§6's load_lock key.
type GrantLockStrategy string

const (
	GrantLockNatural GrantLockStrategy = "natural" // wait for the user's own flush/unlock
	GrantLockForce   GrantLockStrategy = "force"   // proactively flush the main helper after the first op
)

// Config is the full set of environment-derived settings, read once at
// process startup and passed down explicitly from there — no package reads
// os.Getenv after Load returns.
type Config struct {
	HelpersPerNode   int
	SegmentUnitBytes uint64
	LockBinding      LockBindingPolicy
	LoadBalance      LoadBalancePolicy
	LoadLock         GrantLockStrategy
	AutoAsyncSched   bool
	AsyncThrHigh     int
	AsyncThrLow      int
}

func defaults() Config {
	return Config{
		HelpersPerNode:   1,
		SegmentUnitBytes: 16,
		LockBinding:      BindingRank,
		LoadBalance:      LoadStatic,
		LoadLock:         GrantLockNatural,
		AutoAsyncSched:   false,
		AsyncThrHigh:     64,
		AsyncThrLow:      8,
	}
}

// Load reads ASP_* environment variables into a Config, applying the same
// defaults a freshly-started helper or origin process would fall back to
// when unconfigured.
func Load() (Config, error) {
	c := defaults()

	if v, ok := os.LookupEnv("ASP_HELPERS_PER_NODE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("config: ASP_HELPERS_PER_NODE must be a positive integer, got %q", v)
		}
		c.HelpersPerNode = n
	}

	if v, ok := os.LookupEnv("ASP_SEGMENT_UNIT_BYTES"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return Config{}, fmt.Errorf("config: ASP_SEGMENT_UNIT_BYTES must be a positive integer, got %q", v)
		}
		c.SegmentUnitBytes = n
	}

	if v, ok := os.LookupEnv("ASP_LOCK_BINDING"); ok {
		switch LockBindingPolicy(strings.ToLower(v)) {
		case BindingRank:
			c.LockBinding = BindingRank
		case BindingSegment:
			c.LockBinding = BindingSegment
		default:
			return Config{}, fmt.Errorf("config: ASP_LOCK_BINDING must be %q or %q, got %q", BindingRank, BindingSegment, v)
		}
	}

	if v, ok := os.LookupEnv("ASP_LOAD_OPT"); ok {
		switch LoadBalancePolicy(strings.ToLower(v)) {
		case LoadStatic, LoadRandom, LoadOpCounting, LoadByteCounting:
			c.LoadBalance = LoadBalancePolicy(strings.ToLower(v))
		default:
			return Config{}, fmt.Errorf("config: ASP_LOAD_OPT unrecognized policy %q", v)
		}
	}

	if v, ok := os.LookupEnv("ASP_LOAD_LOCK"); ok {
		switch GrantLockStrategy(strings.ToLower(v)) {
		case GrantLockNatural, GrantLockForce:
			c.LoadLock = GrantLockStrategy(strings.ToLower(v))
		default:
			return Config{}, fmt.Errorf("config: ASP_LOAD_LOCK must be %q or %q, got %q", GrantLockNatural, GrantLockForce, v)
		}
	}

	if v, ok := os.LookupEnv("ASP_AUTO_ASYNC_SCHED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: ASP_AUTO_ASYNC_SCHED must be a bool, got %q", v)
		}
		c.AutoAsyncSched = b
	}

	if v, ok := os.LookupEnv("ASP_AUTO_ASYNC_THR_HIGH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("config: ASP_AUTO_ASYNC_THR_HIGH must be a positive integer, got %q", v)
		}
		c.AsyncThrHigh = n
	}

	if v, ok := os.LookupEnv("ASP_AUTO_ASYNC_THR_LOW"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("config: ASP_AUTO_ASYNC_THR_LOW must be a non-negative integer, got %q", v)
		}
		c.AsyncThrLow = n
	}

	if c.AsyncThrLow >= c.AsyncThrHigh {
		return Config{}, fmt.Errorf("config: ASP_AUTO_ASYNC_THR_LOW (%d) must be less than ASP_AUTO_ASYNC_THR_HIGH (%d)", c.AsyncThrLow, c.AsyncThrHigh)
	}

	return c, nil
}

// ResolveAsyncMode applies the window-level async_config info key over the
// process default, spec.md §6: an explicit per-window key always wins over
// the scheduler's env-level default.
func ResolveAsyncMode(c Config, infoValue string) AutoAsyncMode {
	switch AutoAsyncMode(infoValue) {
	case AsyncAuto, AsyncAllOn:
		return AutoAsyncMode(infoValue)
	default:
		if c.AutoAsyncSched {
			return AsyncAuto
		}
		return AsyncAllOn
	}
}
