package rma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descWithRank(localRank int, size uint64, helpers int) *Descriptor {
	return &Descriptor{
		LocalUserRank: localRank,
		UserWorldRank: localRank,
		Size:          size,
		HelperRanks:   make([]int, helpers), // values unused by binding, only length matters
	}
}

func TestBindRankBinding_ContiguousChunksByLocalRank(t *testing.T) {
	targets := []*Descriptor{
		descWithRank(2, 64, 2),
		descWithRank(0, 64, 2),
		descWithRank(1, 64, 2),
		descWithRank(3, 64, 2),
	}
	require.NoError(t, BindRankBinding(targets, 2))

	// sortByLocalRank orders 0,1,2,3; base=2,rem=0 -> helper0={0,1}, helper1={2,3}.
	byLocalRank := map[int]*Descriptor{}
	for _, t := range targets {
		byLocalRank[t.LocalUserRank] = t
	}
	assert.Equal(t, 0, byLocalRank[0].Segments[0].MainHelperIndex)
	assert.Equal(t, 0, byLocalRank[1].Segments[0].MainHelperIndex)
	assert.Equal(t, 1, byLocalRank[2].Segments[0].MainHelperIndex)
	assert.Equal(t, 1, byLocalRank[3].Segments[0].MainHelperIndex)
}

// TestBinding_IndexedByTargetRank pins spec.md §9's off-by-one resolution:
// binding must mutate each target's own Descriptor, never a second array
// derived from sorted-loop position, even when LocalUserRank order and
// input slice order disagree.
func TestBinding_IndexedByTargetRank(t *testing.T) {
	// Deliberately out-of-order input slice: targets[0] has the highest
	// local rank. A loop-counter-indexed bug would attribute targets[0]'s
	// segment to the wrong descriptor.
	t3 := descWithRank(3, 32, 2)
	t0 := descWithRank(0, 32, 2)
	t1 := descWithRank(1, 32, 2)
	t2 := descWithRank(2, 32, 2)
	targets := []*Descriptor{t3, t0, t1, t2}

	require.NoError(t, BindRankBinding(targets, 2))

	// base=2,rem=0: local ranks 0,1 -> helper 0; local ranks 2,3 -> helper 1,
	// regardless of input slice order.
	assert.Equal(t, 0, t0.Segments[0].MainHelperIndex)
	assert.Equal(t, 0, t1.Segments[0].MainHelperIndex)
	assert.Equal(t, 1, t2.Segments[0].MainHelperIndex)
	assert.Equal(t, 1, t3.Segments[0].MainHelperIndex)
}

// TestS2_SegmentQuota pins spec.md's S2 scenario exactly: 2 helpers/node,
// one user of size 1024, one of size 3072, segment unit 16. Per-helper
// quota = align(ceil(4096/2), 16) = 2048. User 0 gets one 1024-byte
// segment on helper 0; user 1 gets a 1024-byte segment on helper 0
// (filling its quota) and a 2048-byte segment on helper 1.
func TestS2_SegmentQuota(t *testing.T) {
	user0 := descWithRank(0, 1024, 2)
	user1 := descWithRank(1, 3072, 2)
	targets := []*Descriptor{user0, user1}

	require.NoError(t, BindSegmentBinding(targets, 2, 16))

	for _, tgt := range targets {
		require.NoError(t, tgt.ValidateSegments(16))
	}

	require.Len(t, user0.Segments, 1)
	assert.Equal(t, uint64(1024), user0.Segments[0].Size)
	assert.Equal(t, 0, user0.Segments[0].MainHelperIndex)

	require.Len(t, user1.Segments, 2)
	assert.Equal(t, uint64(0), user1.Segments[0].BaseOffset)
	assert.Equal(t, uint64(1024), user1.Segments[0].Size)
	assert.Equal(t, 0, user1.Segments[0].MainHelperIndex)
	assert.Equal(t, uint64(1024), user1.Segments[1].BaseOffset)
	assert.Equal(t, uint64(2048), user1.Segments[1].Size)
	assert.Equal(t, 1, user1.Segments[1].MainHelperIndex)
}

func TestBindSegmentBinding_RejectsZeroUnit(t *testing.T) {
	targets := []*Descriptor{descWithRank(0, 100, 1)}
	err := BindSegmentBinding(targets, 1, 0)
	assert.Error(t, err)
}
