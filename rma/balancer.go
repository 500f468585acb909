package rma

import (
	"strconv"
	"sync"
	"time"

	"github.com/nmxmxh/asp-go/internal/config"
	"github.com/nmxmxh/asp-go/internal/metrics"
	"github.com/sony/gobreaker"
)

// Balancer implements spec.md §4.6: per-helper op/byte counters, the
// lock-promotion state machine, and the policy-driven picker. One Balancer
// is shared by every window a process has open, since the per-helper
// counters and circuit breakers are process-wide resources (spec.md §3:
// "per-helper op and byte counters" are Global counters, not per-window).
type Balancer struct {
	cfg config.Config

	mu        sync.Mutex
	opCount   map[int]uint64
	byteCount map[int]uint64
	breakers  map[int]*gobreaker.CircuitBreaker
}

func NewBalancer(cfg config.Config) *Balancer {
	return &Balancer{
		cfg:       cfg,
		opCount:   make(map[int]uint64),
		byteCount: make(map[int]uint64),
		breakers:  make(map[int]*gobreaker.CircuitBreaker),
	}
}

func (b *Balancer) breakerFor(helperRank int) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[helperRank]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        helperBreakerName(helperRank),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(helperLabel(helperRank)).Set(float64(to))
		},
	})
	b.breakers[helperRank] = cb
	return cb
}

// RecordFailure reports a failed call to helperRank's circuit breaker
// without routing a real request through it, used when Call itself already
// happened through the picked path and the caller wants the breaker to
// learn about the outcome.
func (b *Balancer) RecordFailure(helperRank int) {
	cb := b.breakerFor(helperRank)
	_, _ = cb.Execute(func() (interface{}, error) { return nil, errBreakerProbe })
}

// RecordSuccess reports a successful call to helperRank's circuit breaker.
func (b *Balancer) RecordSuccess(helperRank int) {
	cb := b.breakerFor(helperRank)
	_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
}

// Excluded reports whether helperRank's breaker is currently open (tripped)
// — an excluded helper falls back to the main helper for every op until the
// breaker resets, per SPEC_FULL.md's integration note; order_required ops
// always go to the main helper regardless, so exclusion changes nothing
// for them.
func (b *Balancer) Excluded(helperRank int) bool {
	return b.breakerFor(helperRank).State() == gobreaker.StateOpen
}

var errBreakerProbe = &Error{Code: CodeSubRuntimeFailure, Message: "helper call failed"}

// PickerInput is one call to choose_helper, spec.md §4.6.
type PickerInput struct {
	Seg           *Segment
	HelperRanks   []int // this target's full helper list
	OrderRequired bool  // accumulate-class ops: always true
	Size          uint64
	LockNoCheck   bool
	RoundRobin    *int // window-level prev_h_off cursor, mutated in place
	// FlushMainHelper performs an explicit flush of the segment's main
	// helper binding; only invoked under the FORCE grant-lock strategy.
	FlushMainHelper func() error
}

// ChooseHelper implements spec.md §4.6 steps 1-5.
func (b *Balancer) ChooseHelper(in PickerInput) (int, error) {
	seg := in.Seg

	// Step 1: FORCE policy proactively promotes OP_ISSUED -> GRANTED.
	if b.cfg.LoadLock == config.GrantLockForce && !in.LockNoCheck && seg.LockState == LockOpIssued {
		if in.FlushMainHelper != nil {
			if err := in.FlushMainHelper(); err != nil {
				return 0, Wrap(CodeSubRuntimeFailure, "force-policy flush of main helper failed", err)
			}
		}
		seg.LockState = LockGranted
	}

	// Step 2.
	if seg.LockState == LockReset {
		seg.LockState = LockOpIssued
	}

	mainHelper := in.HelperRanks[seg.MainHelperIndex]

	// Step 3.
	if (!in.LockNoCheck && seg.LockState != LockGranted) || in.OrderRequired {
		b.addLoad(mainHelper, in.Size)
		return mainHelper, nil
	}

	// Step 4: apply the configured policy among non-excluded helpers.
	candidates := make([]int, 0, len(in.HelperRanks))
	for _, h := range in.HelperRanks {
		if !b.Excluded(h) {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		b.addLoad(mainHelper, in.Size)
		return mainHelper, nil
	}
	chosen := b.applyPolicy(candidates, in.RoundRobin)
	if b.Excluded(chosen) && chosen != mainHelper {
		chosen = mainHelper // fall back to the main helper, never load-balance onto a tripped breaker
	}

	// Step 5.
	b.addLoad(chosen, in.Size)
	return chosen, nil
}

func (b *Balancer) applyPolicy(helpers []int, roundRobin *int) int {
	switch b.cfg.LoadBalance {
	case config.LoadRandom:
		if roundRobin != nil {
			*roundRobin = (*roundRobin + 1) % len(helpers)
			return helpers[*roundRobin]
		}
		return helpers[0]
	case config.LoadOpCounting:
		return b.leastLoaded(helpers, b.opCount)
	case config.LoadByteCounting:
		return b.leastLoaded(helpers, b.byteCount)
	default: // static
		return helpers[0]
	}
}

func (b *Balancer) leastLoaded(helpers []int, counts map[int]uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := helpers[0]
	bestCount := counts[best]
	for _, h := range helpers[1:] {
		if counts[h] < bestCount {
			best, bestCount = h, counts[h]
		}
	}
	return best
}

func (b *Balancer) addLoad(helperRank int, size uint64) {
	b.mu.Lock()
	b.opCount[helperRank]++
	b.byteCount[helperRank] += size
	b.mu.Unlock()
	metrics.HelperOpLoad.WithLabelValues(helperLabel(helperRank)).Inc()
	metrics.HelperByteLoad.WithLabelValues(helperLabel(helperRank)).Add(float64(size))
}

// PromoteAfterFlush implements spec.md §4.6's closing paragraph: "After any
// explicit flush/unlock that confirms lock acquisition, transition all
// segments still at OP_ISSUED to GRANTED and reset counters for the next
// round."
func (b *Balancer) PromoteAfterFlush(segments []*Segment) {
	for _, seg := range segments {
		if seg.LockState == LockOpIssued {
			seg.LockState = LockGranted
		}
	}
	b.mu.Lock()
	b.opCount = make(map[int]uint64)
	b.byteCount = make(map[int]uint64)
	b.mu.Unlock()
}

// ResetOnUnlock implements spec.md §4.6's lock-promotion reset: unlock
// restores RESET for every segment so the next lock epoch starts fresh.
func ResetOnUnlock(segments []*Segment) {
	for _, seg := range segments {
		seg.LockState = LockReset
	}
}

func helperBreakerName(rank int) string { return helperLabel(rank) }

func helperLabel(rank int) string {
	return "helper-" + strconv.Itoa(rank)
}
