package rma

import (
	"sort"

	"go.uber.org/multierr"
)

// sortByLocalRank returns targets ordered by LocalUserRank, the order both
// binding modes walk in. Binding assigns directly into the Descriptor each
// slot points at rather than through a second rank-indexed array, which is
// what avoids the off-by-one spec.md §9 flags in the source
// (`specify_main_helper_binding_by_ranks` indexes `segs[i]` by the sorted
// loop counter but elsewhere dereferences `targets[t_rank]`) — there is
// only ever one array here, indexed by target identity, never re-derived
// from loop position.
func sortByLocalRank(targets []*Descriptor) []*Descriptor {
	sorted := append([]*Descriptor(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LocalUserRank < sorted[j].LocalUserRank })
	return sorted
}

// BindRankBinding implements spec.md §4.3's rank-binding policy: split the
// node-local targets into helpersPerNode contiguous chunks by local rank,
// one helper per chunk, last helper absorbing the remainder. Each target
// gets exactly one segment covering its whole window.
func BindRankBinding(targets []*Descriptor, helpersPerNode int) error {
	if helpersPerNode < 1 {
		return NewError(CodeTopologyInconsistent, "helpers_per_node must be >= 1")
	}
	sorted := sortByLocalRank(targets)
	n := len(sorted)
	if n == 0 {
		return nil
	}
	base := n / helpersPerNode
	rem := n % helpersPerNode

	idx := 0
	for h := 0; h < helpersPerNode && idx < n; h++ {
		chunk := base
		if h == helpersPerNode-1 {
			chunk = n - idx // last helper absorbs the remainder
		} else if rem > 0 {
			// the remainder is not spread over earlier helpers: each of
			// them takes exactly base targets and the last helper takes
			// whatever is left
		}
		if chunk == 0 {
			chunk = 1
		}
		for j := 0; j < chunk && idx < n; j++ {
			t := sorted[idx]
			if err := validateHelperIndex(t, h); err != nil {
				return err
			}
			t.Segments = []Segment{{
				BaseOffset:      0,
				Size:            t.Size,
				MainHelperIndex: h,
				LockState:       LockReset,
			}}
			idx++
		}
	}
	return nil
}

// BindSegmentBinding implements spec.md §4.3's segment-binding policy: the
// per-helper byte quota is ceil(sum(local target sizes)/helpersPerNode)
// rounded up to segmentUnit; targets are walked in local-rank order and
// filled into successive helpers' quotas, at most one segment per
// (target, helper) pair, and the last helper absorbing whatever quota
// overrun the rounding produces. Segment sizes are not rounded to
// segmentUnit: boundaries fall on segmentUnit multiples only when every
// node-local target size is itself a multiple of segmentUnit; otherwise an
// interior boundary can be unaligned, which ValidateSegments rejects.
func BindSegmentBinding(targets []*Descriptor, helpersPerNode int, segmentUnit uint64) error {
	if helpersPerNode < 1 {
		return NewError(CodeTopologyInconsistent, "helpers_per_node must be >= 1")
	}
	if segmentUnit == 0 {
		return NewError(CodeTopologyInconsistent, "segment_unit_bytes must be > 0")
	}
	sorted := sortByLocalRank(targets)

	var total uint64
	for _, t := range sorted {
		total += t.Size
	}
	quota := alignUp(ceilDiv(total, uint64(helpersPerNode)), segmentUnit)
	if quota == 0 {
		quota = segmentUnit
	}

	var errs error
	h := 0
	remInHelper := quota
	for _, t := range sorted {
		t.Segments = nil
		var placed uint64
		for placed < t.Size {
			if remInHelper == 0 {
				h++
				remInHelper = quota
				if h >= helpersPerNode {
					// Last helper absorbs whatever remains; do not advance
					// further so the final segment lands there.
					h = helpersPerNode - 1
					remInHelper = t.Size - placed
				}
			}
			segSize := t.Size - placed
			if segSize > remInHelper {
				segSize = remInHelper
			}
			if h == helpersPerNode-1 {
				// Last helper takes the remainder of this target's need in
				// one segment rather than splitting further.
				segSize = t.Size - placed
			}
			if err := validateHelperIndex(t, h); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			t.Segments = append(t.Segments, Segment{
				BaseOffset:      placed,
				Size:            segSize,
				MainHelperIndex: h,
				LockState:       LockReset,
			})
			placed += segSize
			if h < helpersPerNode-1 {
				remInHelper -= segSize
			}
		}
	}
	return errs
}

func validateHelperIndex(t *Descriptor, h int) error {
	if h < 0 || h >= len(t.HelperRanks) {
		return NewError(CodeTopologyInconsistent, "main helper index out of range").
			WithContext("helper_index", h).
			WithContext("user_world_rank", t.UserWorldRank)
	}
	return nil
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func alignUp(v, unit uint64) uint64 {
	if unit == 0 {
		return v
	}
	return ceilDiv(v, unit) * unit
}
