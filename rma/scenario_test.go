package rma

import (
	"context"
	"testing"
	"time"

	"github.com/nmxmxh/asp-go/internal/config"
	"github.com/nmxmxh/asp-go/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestS1_RankBindingOffsets pins spec.md's S1 scenario: two same-node
// targets of size 64 behind a single helper reserve an 8-byte grant-lock
// prologue before the first target's data.
func TestS1_RankBindingOffsets(t *testing.T) {
	l := &Layer{Config: config.Config{HelpersPerNode: 1}}
	t0 := &Descriptor{LocalUserRank: 0, Size: 64}
	t1 := &Descriptor{LocalUserRank: 1, Size: 64}

	require.NoError(t, l.computeBaseOffsets([]*Descriptor{t0, t1}))

	assert.Equal(t, uint64(8), t0.HelperBaseOffsets[0])
	assert.Equal(t, uint64(72), t1.HelperBaseOffsets[0])
}

// TestS3_LockPromotion pins spec.md's lock-promotion scenario: with NOCHECK
// unset, every op issued before the segment's lock is confirmed granted goes
// to the main helper regardless of load-balance policy; once PromoteAfterFlush
// runs (the explicit flush/unlock that confirms acquisition), later ops
// distribute across both helpers under op_counting.
func TestS3_LockPromotion(t *testing.T) {
	b := NewBalancer(config.Config{LoadBalance: config.LoadOpCounting})
	helpers := []int{100, 101}
	seg := &Segment{MainHelperIndex: 0}
	roundRobin := 0

	pick := func() int {
		chosen, err := b.ChooseHelper(PickerInput{
			Seg: seg, HelperRanks: helpers, Size: 8, RoundRobin: &roundRobin,
		})
		require.NoError(t, err)
		return chosen
	}

	// Ops 1-2: lock not yet confirmed granted, every op forced to main helper.
	assert.Equal(t, 100, pick())
	assert.Equal(t, 100, pick())
	assert.Equal(t, LockOpIssued, seg.LockState)

	// An explicit flush/unlock confirms the lock is held.
	b.PromoteAfterFlush([]*Segment{seg})
	assert.Equal(t, LockGranted, seg.LockState)

	// Ops 3-6: now load-balanced by op_counting across both helpers, 2/2.
	counts := map[int]int{}
	for i := 0; i < 4; i++ {
		counts[pick()]++
	}
	assert.Equal(t, 2, counts[100])
	assert.Equal(t, 2, counts[101])
}

// TestS5_AccumulateMainHelper pins spec.md's accumulate-class routing rule:
// order_required ops always land on the segment's main helper, even when a
// load-balance policy would otherwise pick a less-loaded helper.
func TestS5_AccumulateMainHelper(t *testing.T) {
	b := NewBalancer(config.Config{LoadBalance: config.LoadByteCounting})
	helpers := []int{200, 201}
	seg := &Segment{MainHelperIndex: 0, LockState: LockGranted}

	// Bias helper 201 to look far less loaded than the main helper.
	b.addLoad(201, 1<<20)

	for i := 0; i < 5; i++ {
		chosen, err := b.ChooseHelper(PickerInput{
			Seg: seg, HelperRanks: helpers, OrderRequired: true, Size: 8, LockNoCheck: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 200, chosen)
	}
}

// TestS6_AsyncDisabledPassthrough pins spec.md §4.1 step 1: enable_async=false
// never activates the redirection engine, regardless of topology or async
// scheduler state, and registers a plain pass-through handle.
func TestS6_AsyncDisabledPassthrough(t *testing.T) {
	transports := runtime.NewMemNetwork(1)
	l := NewLayer(config.Config{HelpersPerNode: 1}, transports[0])

	id, err := l.Allocate(context.Background(), AllocateInput{
		Size:      64,
		DispUnit:  1,
		Info:      map[string]string{"enable_async": "false"},
		UserComm:  []int{0},
		NodeOf:    []int{0},
		WorldRank: 0,
	})
	require.NoError(t, err)
	require.NotEqual(t, NullWindowID, id)

	state, ok := l.Registry.lookup(id)
	require.True(t, ok)
	assert.True(t, state.PassThrough)
}

// TestS4_PSCWComplete pins spec.md §4.5's PSCW handshake: complete flushes
// then sends one OpComplete message per started-against rank; wait blocks
// until a completion has arrived from every rank in its post group.
func TestS4_PSCWComplete(t *testing.T) {
	transports := runtime.NewMemNetwork(4)
	l0 := NewLayer(config.Config{}, transports[0])
	l1 := NewLayer(config.Config{}, transports[1])
	l2 := NewLayer(config.Config{}, transports[2])
	_ = NewLayer(config.Config{}, transports[3])

	state0 := &WindowState{completionsReceived: map[int]bool{}}
	id := l0.Registry.register(state0)

	state1 := &WindowState{completionsReceived: map[int]bool{}}
	state1.ID = id
	l1.Registry.windows[id] = state1

	state2 := &WindowState{completionsReceived: map[int]bool{}}
	state2.ID = id
	l2.Registry.windows[id] = state2

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, l0.Start(ctx, id, []int{2, 3}, 0))
	require.NoError(t, l1.Start(ctx, id, []int{2, 3}, 0))
	require.NoError(t, l2.Post(ctx, id, []int{0, 1}, 0))

	done := make(chan error, 1)
	go func() { done <- l2.Wait(ctx, id) }()

	require.NoError(t, l0.Complete(ctx, id))
	require.NoError(t, l1.Complete(ctx, id))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("wait never returned")
	}

	state2.lock()
	defer state2.unlock()
	assert.Empty(t, state2.PostGroup)
}
