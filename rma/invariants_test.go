package rma

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestInvariant_EpochNoEpochIffCountersZero pins spec.md §3's counter
// invariant: NO_EPOCH holds iff lock_counter == lockall_counter ==
// start_counter == 0. Exercised directly on WindowState/maybeCloseEpoch
// rather than through a live transport, since the invariant is purely a
// function of the three counters.
func TestInvariant_EpochNoEpochIffCountersZero(t *testing.T) {
	l := &Layer{}
	state := &WindowState{EpochTag: Epoch_LOCK, LockCounter: 2}

	state.LockCounter--
	l.maybeCloseEpoch(state)
	assert.Equal(t, Epoch_LOCK, state.EpochTag, "one lock still outstanding")

	state.LockCounter--
	l.maybeCloseEpoch(state)
	assert.Equal(t, NoEpoch, state.EpochTag, "all counters zero")

	state.StartCounter = 1
	state.EpochTag = Epoch_PSCW
	l.maybeCloseEpoch(state)
	assert.Equal(t, Epoch_PSCW, state.EpochTag, "start_counter still nonzero")

	state.StartCounter = 0
	l.maybeCloseEpoch(state)
	assert.Equal(t, NoEpoch, state.EpochTag)
}

// TestInvariant_HelperListLength pins spec.md §3 invariant 2's first clause:
// every target's helper list has exactly helpers_per_node entries, both for
// the descriptors the binding tests build and for helperRanksForNode, which
// Allocate fills each target's HelperRanks from.
func TestInvariant_HelperListLength(t *testing.T) {
	targets := []*Descriptor{
		descWithRank(0, 100, 3),
		descWithRank(1, 200, 3),
	}
	for _, d := range targets {
		assert.Len(t, d.HelperRanks, 3)
	}

	// Two nodes of four ranks each, the last three on each node helpers.
	nodeOf := []int{0, 0, 0, 0, 1, 1, 1, 1}
	worldHelpers := []int{1, 2, 3, 5, 6, 7}
	for _, node := range []int{0, 1} {
		assert.Len(t, helperRanksForNode(worldHelpers, nodeOf, node), 3)
	}
}

// TestInvariant_MainHelperIndexInRange pins spec.md §3 invariant 3: every
// segment's main helper index is a valid position in its target's helper
// list, for both binding policies.
func TestInvariant_MainHelperIndexInRange(t *testing.T) {
	rankBound := []*Descriptor{descWithRank(0, 64, 2), descWithRank(1, 64, 2)}
	if err := BindRankBinding(rankBound, 2); err != nil {
		t.Fatal(err)
	}
	for _, d := range rankBound {
		for _, seg := range d.Segments {
			assert.GreaterOrEqual(t, seg.MainHelperIndex, 0)
			assert.Less(t, seg.MainHelperIndex, len(d.HelperRanks))
		}
	}

	segBound := []*Descriptor{descWithRank(0, 1024, 2), descWithRank(1, 3072, 2)}
	if err := BindSegmentBinding(segBound, 2, 16); err != nil {
		t.Fatal(err)
	}
	for _, d := range segBound {
		for _, seg := range d.Segments {
			assert.GreaterOrEqual(t, seg.MainHelperIndex, 0)
			assert.Less(t, seg.MainHelperIndex, len(d.HelperRanks))
		}
	}
}

// TestInvariant_SegmentCoverageExact pins spec.md §8 property 3: segments
// partition [0, size) exactly, no gaps or overlaps, each consecutive
// base_offset aligned to the segment unit. Swept across a handful of size
// pairs in which a target either fits one helper's quota or is split across
// both helpers, to catch remainder-handling bugs.
func TestInvariant_SegmentCoverageExact(t *testing.T) {
	const unit = 64
	// Every size here is a multiple of unit, matching the S2 scenario's own
	// sizes (1024/3072): BindSegmentBinding only guarantees interior-segment
	// alignment under that assumption.
	for _, sizes := range [][2]uint64{
		{1024, 3072},
		{64, 64},
		{192, 4032},
		{4096, 4096},
	} {
		user0 := descWithRank(0, sizes[0], 2)
		user1 := descWithRank(1, sizes[1], 2)
		targets := []*Descriptor{user0, user1}

		if err := BindSegmentBinding(targets, 2, unit); err != nil {
			t.Fatalf("sizes=%v: %v", sizes, err)
		}
		for _, d := range targets {
			if err := d.ValidateSegments(unit); err != nil {
				t.Fatalf("sizes=%v target=%d: %v", sizes, d.LocalUserRank, err)
			}
			var covered uint64
			for _, seg := range d.Segments {
				covered += seg.Size
			}
			assert.Equal(t, d.Size, covered, "sizes=%v target=%d", sizes, d.LocalUserRank)
		}
	}
}

// TestInvariant_RankBindingSingleSegment pins spec.md §3 invariant 2's
// rank-binding clause: exactly one segment, spanning the whole window.
func TestInvariant_RankBindingSingleSegment(t *testing.T) {
	targets := []*Descriptor{descWithRank(0, 777, 2), descWithRank(1, 333, 2)}
	if err := BindRankBinding(targets, 2); err != nil {
		t.Fatal(err)
	}
	for _, d := range targets {
		assert.Len(t, d.Segments, 1)
		assert.Equal(t, uint64(0), d.Segments[0].BaseOffset)
		assert.Equal(t, d.Size, d.Segments[0].Size)
	}
}
