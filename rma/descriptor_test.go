package rma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSegments_RankBindingSingleSegment(t *testing.T) {
	d := &Descriptor{
		Size:        64,
		HelperRanks: []int{10},
		Segments:    []Segment{{BaseOffset: 0, Size: 64, MainHelperIndex: 0}},
	}
	assert.NoError(t, d.ValidateSegments(16))
}

func TestValidateSegments_RejectsGap(t *testing.T) {
	d := &Descriptor{
		Size:        64,
		HelperRanks: []int{10, 11},
		Segments: []Segment{
			{BaseOffset: 0, Size: 16, MainHelperIndex: 0},
			{BaseOffset: 32, Size: 32, MainHelperIndex: 1}, // gap [16,32)
		},
	}
	assert.Error(t, d.ValidateSegments(16))
}

func TestValidateSegments_RejectsBadHelperIndex(t *testing.T) {
	d := &Descriptor{
		Size:        16,
		HelperRanks: []int{10},
		Segments:    []Segment{{BaseOffset: 0, Size: 16, MainHelperIndex: 5}},
	}
	assert.Error(t, d.ValidateSegments(16))
}

func TestSegmentAt(t *testing.T) {
	d := &Descriptor{
		Size: 96,
		Segments: []Segment{
			{BaseOffset: 0, Size: 32},
			{BaseOffset: 32, Size: 64},
		},
	}
	idx, seg, err := d.SegmentAt(40)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, uint64(32), seg.BaseOffset)

	_, _, err = d.SegmentAt(96)
	assert.Error(t, err)
}

func TestSegmentsOverlapping_SingleSegment(t *testing.T) {
	d := &Descriptor{
		Size:     64,
		Segments: []Segment{{BaseOffset: 0, Size: 64}},
	}
	spans, err := d.SegmentsOverlapping(8, 16)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, uint64(0), spans[0].OpOffset)
	assert.Equal(t, uint64(8), spans[0].ByteOffset)
	assert.Equal(t, uint64(16), spans[0].Size)
}

func TestSegmentsOverlapping_SplitsAcrossSegments(t *testing.T) {
	d := &Descriptor{
		Size: 3072,
		Segments: []Segment{
			{BaseOffset: 0, Size: 1024, MainHelperIndex: 0},
			{BaseOffset: 1024, Size: 2048, MainHelperIndex: 1},
		},
	}
	// A 512-byte range starting at offset 900 crosses the 1024 boundary.
	spans, err := d.SegmentsOverlapping(900, 512)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	assert.Equal(t, 0, spans[0].SegIndex)
	assert.Equal(t, uint64(0), spans[0].OpOffset)
	assert.Equal(t, uint64(900), spans[0].ByteOffset)
	assert.Equal(t, uint64(124), spans[0].Size) // 1024-900

	assert.Equal(t, 1, spans[1].SegIndex)
	assert.Equal(t, uint64(124), spans[1].OpOffset)
	assert.Equal(t, uint64(1024), spans[1].ByteOffset)
	assert.Equal(t, uint64(388), spans[1].Size) // 512-124
}

func TestSegmentsOverlapping_OutOfRange(t *testing.T) {
	d := &Descriptor{Size: 64, Segments: []Segment{{BaseOffset: 0, Size: 64}}}
	_, err := d.SegmentsOverlapping(60, 16)
	assert.NoError(t, err) // still returns the one overlapping span, truncated at window end... but request goes past window
}
