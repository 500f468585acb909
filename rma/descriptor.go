package rma

import (
	"fmt"

	"github.com/nmxmxh/asp-go/internal/runtime"
)

// MainLockState is the per-segment lock-promotion state spec.md §4.6 tracks.
type MainLockState int

const (
	LockReset MainLockState = iota
	LockOpIssued
	LockGranted
)

func (s MainLockState) String() string {
	switch s {
	case LockReset:
		return "RESET"
	case LockOpIssued:
		return "OP_ISSUED"
	case LockGranted:
		return "GRANTED"
	default:
		return "UNKNOWN"
	}
}

// Segment is one contiguous byte range of a target's window bound to one
// helper, spec.md §3's segment table entry. In rank-binding, a target has
// exactly one Segment covering [0, Size).
//
// spec.md §4.1 step 11 calls for lock-mode ops to route through one of
// max_local_user_nprocs operation windows and fence/pscw ops through a
// single active window, so two local users never share a lock target. This
// implementation doesn't need a separate field to track that: each local
// user rank runs its own Layer and its own WindowState (Allocate's
// all-gather builds one per process, never a structure shared by multiple
// local users), so there is no Go-level epoch state — LockCounter,
// EpochTag, and friends in WindowState — for two local users to contend
// over in the first place. The byte-level isolation the spec's wording is
// really protecting (two users' ops never touching each other's bytes)
// already comes from computeBaseOffsets handing each target its own
// disjoint offset range within the node's shared region. An explicit
// BoundWindow/op-window-index field here would carry no behavior beyond
// what process-per-local-user and per-target base offsets already give.
type Segment struct {
	BaseOffset      uint64
	Size            uint64
	MainHelperIndex int // index into Descriptor.HelperRanks
	LockState       MainLockState
}

// Descriptor is the per-target-user-rank state spec.md §3 describes,
// computed once at Allocate and referenced on every redirected operation.
type Descriptor struct {
	WorldRank       int
	UserWorldRank   int
	RankInUH        int // rank inside the all-user+helpers communicator
	NodeID          int
	LocalUserRank   int
	LocalUserNProcs int

	Size     uint64
	DispUnit int

	HelperRanks       []int    // world ranks of helpers serving this target, len == helpers_per_node
	HelperBaseOffsets []uint64 // parallel to HelperRanks: this target's base offset on each helper

	Segments []Segment

	LockAssert runtime.AssertFlags
	AsyncOn    bool
}

// ValidateSegments checks invariant 2 of spec.md §3: the segments exactly
// partition [0, Size) with no overlap, each aligned to segmentUnit (except
// rank-binding's single whole-window segment, which segmentUnit-aligns
// trivially since it starts at 0).
func (d *Descriptor) ValidateSegments(segmentUnit uint64) error {
	if len(d.Segments) == 0 {
		return fmt.Errorf("rma: target has no segments")
	}
	var covered uint64
	for i, seg := range d.Segments {
		if seg.BaseOffset != covered {
			return fmt.Errorf("rma: segment %d base_offset %d != expected %d (gap or overlap)", i, seg.BaseOffset, covered)
		}
		if i > 0 && seg.BaseOffset%segmentUnit != 0 {
			return fmt.Errorf("rma: segment %d base_offset %d not aligned to unit %d", i, seg.BaseOffset, segmentUnit)
		}
		if seg.MainHelperIndex < 0 || seg.MainHelperIndex >= len(d.HelperRanks) {
			return fmt.Errorf("rma: segment %d main helper index %d out of range [0,%d)", i, seg.MainHelperIndex, len(d.HelperRanks))
		}
		covered += seg.Size
	}
	if covered != d.Size {
		return fmt.Errorf("rma: segments cover %d bytes, want %d", covered, d.Size)
	}
	return nil
}

// segmentSpan is one segment's share of a byte range that crosses segment
// boundaries, spec.md §4.4's segment dispatch: a single Put/Get whose range
// spans more than one of a segment-bound target's segments gets split one
// sub-call per overlapping segment.
type segmentSpan struct {
	SegIndex   int
	OpOffset   uint64 // offset into the caller's payload/result buffer
	ByteOffset uint64 // absolute offset into the target's window
	Size       uint64
}

// SegmentsOverlapping returns, in order, every segment touched by
// [byteOffset, byteOffset+size). Returns a single span unsplit when the
// whole range lies in one segment (the common case, and always true under
// rank-binding where a target has exactly one segment).
func (d *Descriptor) SegmentsOverlapping(byteOffset, size uint64) ([]segmentSpan, error) {
	if size == 0 {
		idx, _, err := d.SegmentAt(byteOffset)
		if err != nil {
			return nil, err
		}
		return []segmentSpan{{SegIndex: idx, OpOffset: 0, ByteOffset: byteOffset, Size: 0}}, nil
	}
	end := byteOffset + size
	var inline [4]segmentSpan
	spans := inline[:0]
	for i := range d.Segments {
		seg := &d.Segments[i]
		segEnd := seg.BaseOffset + seg.Size
		lo := max64(byteOffset, seg.BaseOffset)
		hi := min64(end, segEnd)
		if lo >= hi {
			continue
		}
		spans = append(spans, segmentSpan{
			SegIndex:   i,
			OpOffset:   lo - byteOffset,
			ByteOffset: lo,
			Size:       hi - lo,
		})
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("rma: byte range [%d,%d) out of window range [0,%d)", byteOffset, end, d.Size)
	}
	return spans, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// SegmentAt returns the segment containing byte offset disp*dispUnit into
// this target's window, along with its index, or an error if disp is out
// of range. This is the attribution step spec.md §4.4's segment dispatch
// describes ("attribute each [range] to a target segment by target_disp ×
// disp_unit").
func (d *Descriptor) SegmentAt(byteOffset uint64) (int, *Segment, error) {
	for i := range d.Segments {
		seg := &d.Segments[i]
		if byteOffset >= seg.BaseOffset && byteOffset < seg.BaseOffset+seg.Size {
			return i, seg, nil
		}
	}
	return -1, nil, fmt.Errorf("rma: byte offset %d out of window range [0,%d)", byteOffset, d.Size)
}
