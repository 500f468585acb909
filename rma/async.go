package rma

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/asp-go/internal/config"
	"github.com/nmxmxh/asp-go/internal/metrics"
)

type asyncState int

const (
	asyncOff asyncState = iota
	asyncOn
)

// samplingInterval is the wall-clock window spec.md §4.7's "sample ... over
// wall-clock intervals" is measured against. Short enough that a process
// stuck in a communication-bound phase stops routing through helpers quickly,
// long enough that a single slow call doesn't dominate the fraction.
const samplingInterval = 200 * time.Millisecond

// AsyncScheduler implements spec.md §4.7: it samples a per-process
// communication-time fraction over wall-clock intervals and flips a
// process-wide async-state using two hysteresis thresholds. Allocate
// freezes the current state into every participant's per-target
// descriptor via all-gather (window.go); hot-path ops never consult the
// scheduler directly, only the frozen per-target AsyncOn field.
type AsyncScheduler struct {
	cfg config.Config

	mu    sync.Mutex
	state asyncState

	commNanos int64 // atomic: accumulated time in Transport.Call since the last Sample
	stop      chan struct{}
}

// NewAsyncScheduler starts in the ON state: until the first sampling
// interval shows a high local-communication fraction, every target is
// routed through a helper.
func NewAsyncScheduler(cfg config.Config) *AsyncScheduler {
	return &AsyncScheduler{cfg: cfg, state: asyncOn}
}

// addCommTime accumulates time spent in one Transport.Call, issue()'s only
// caller (rma/epoch.go). Safe to call from multiple goroutines issuing ops
// concurrently on the same Layer.
func (s *AsyncScheduler) addCommTime(d time.Duration) {
	atomic.AddInt64(&s.commNanos, int64(d))
}

// StartAutoAsync runs the periodic scheduling point spec.md §4.7 describes:
// every samplingInterval, compute the fraction of that interval spent
// inside Transport.Call and feed it to Sample, then reset the accumulator.
// A no-op unless auto_async_sched is configured on; Decide would otherwise
// never see anything but the frozen startup state (the bug a maintainer
// review caught: this call path previously didn't exist at all). Stop ends
// the goroutine; safe to call at most once.
func (s *AsyncScheduler) StartAutoAsync() {
	if !s.cfg.AutoAsyncSched {
		return
	}
	s.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(samplingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				nanos := atomic.SwapInt64(&s.commNanos, 0)
				fracPct := float64(nanos) / float64(samplingInterval) * 100
				s.Sample(fracPct)
			}
		}
	}()
}

// Stop ends the StartAutoAsync goroutine, if one was started.
func (s *AsyncScheduler) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
}

// Decide resolves the async_config info key (spec.md §9 open question 2)
// against the scheduler's current frozen state: all_on always forces ON
// regardless of the sampled communication fraction; auto defers to the
// scheduler.
func (s *AsyncScheduler) Decide(mode config.AutoAsyncMode) asyncState {
	if mode == config.AsyncAllOn {
		return asyncOn
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sample applies one scheduling point: freq = commTimeFracPct is the
// caller-computed `comm_time / wall_interval × 100`; thresholds come from
// env config. Reset of the underlying accumulators between calls is the
// caller's responsibility (spec.md §4.7: "reset accumulators after each
// decision").
func (s *AsyncScheduler) Sample(commTimeFracPct float64) {
	s.mu.Lock()
	prev := s.state
	switch {
	case commTimeFracPct >= float64(s.cfg.AsyncThrHigh):
		s.state = asyncOff
	case commTimeFracPct <= float64(s.cfg.AsyncThrLow):
		s.state = asyncOn
	}
	next := s.state
	s.mu.Unlock()

	if next != prev {
		dir := "on_to_off"
		if next == asyncOn {
			dir = "off_to_on"
		}
		metrics.AutoAsyncTransitions.WithLabelValues(dir).Inc()
	}
}
