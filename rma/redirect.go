package rma

import (
	"bytes"
	"context"

	"github.com/nmxmxh/asp-go/internal/runtime"
	"golang.org/x/sync/errgroup"
)

// redirect implements spec.md §4.4's single-destination path: retrieve
// cached window state, decide between the pass-through, direct, self-local
// and helper-redirected routes, and issue msg against the translated
// destination. Accumulate-class ops always go through here unsplit — a
// fixed-width atomic word never needs segment dispatch. build constructs the
// final Message once the destination and translated offset are known.
func (l *Layer) redirect(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, size uint64, orderRequired bool, build func(dst int, uhDisp uint64) *runtime.Message) (*runtime.Reply, error) {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return nil, NewError(CodeBadHandle, "unknown window id").WithContext("id", id.String())
	}

	if state.PassThrough {
		dst := targetRankToWorld(state, targetUserRank)
		return l.issue(ctx, dst, build(dst, targetDisp))
	}

	if targetUserRank < 0 || targetUserRank >= len(state.Targets) {
		return nil, NewError(CodeTopologyInconsistent, "target user rank out of range").WithContext("target", targetUserRank)
	}
	d := state.Targets[targetUserRank]

	if !d.AsyncOn {
		dst := d.WorldRank
		return l.issue(ctx, dst, build(dst, targetDisp*uint64(d.DispUnit)))
	}

	byteOffset := targetDisp * uint64(d.DispUnit)

	if reply, handled, err := l.tryServeSelf(ctx, state, targetUserRank, byteOffset, build); handled {
		return reply, err
	}

	return l.redirectAt(ctx, id, state, d, targetUserRank, byteOffset, size, orderRequired, build)
}

// redirectSpan implements spec.md §4.4's segment dispatch: Put/Get whose
// byte range crosses more than one of a segment-bound target's segments get
// split into one sub-call per overlapping segment, issued concurrently.
// spanBuild receives the sub-range's payload offset/size so the caller can
// slice its buffer per span.
func (l *Layer) redirectSpan(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, size uint64, spanBuild func(dst int, uhDisp uint64, opOffset, spanSize uint64) *runtime.Message) ([]spanResult, error) {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return nil, NewError(CodeBadHandle, "unknown window id").WithContext("id", id.String())
	}

	wrap := func(dst int, uhDisp uint64) *runtime.Message { return spanBuild(dst, uhDisp, 0, size) }

	if state.PassThrough {
		dst := targetRankToWorld(state, targetUserRank)
		reply, err := l.issue(ctx, dst, wrap(dst, targetDisp))
		return []spanResult{{OpOffset: 0, Reply: reply}}, err
	}

	if targetUserRank < 0 || targetUserRank >= len(state.Targets) {
		return nil, NewError(CodeTopologyInconsistent, "target user rank out of range").WithContext("target", targetUserRank)
	}
	d := state.Targets[targetUserRank]

	if !d.AsyncOn {
		dst := d.WorldRank
		reply, err := l.issue(ctx, dst, wrap(dst, targetDisp*uint64(d.DispUnit)))
		return []spanResult{{OpOffset: 0, Reply: reply}}, err
	}

	byteOffset := targetDisp * uint64(d.DispUnit)

	if reply, handled, err := l.tryServeSelf(ctx, state, targetUserRank, byteOffset, wrap); handled {
		return []spanResult{{OpOffset: 0, Reply: reply}}, err
	}

	spans, err := d.SegmentsOverlapping(byteOffset, size)
	if err != nil {
		return nil, Wrap(CodeTopologyInconsistent, "attributing range to segments", err)
	}
	if len(spans) == 1 {
		s := spans[0]
		reply, err := l.redirectAt(ctx, id, state, d, targetUserRank, s.ByteOffset, s.Size, false,
			func(dst int, uhDisp uint64) *runtime.Message { return spanBuild(dst, uhDisp, s.OpOffset, s.Size) })
		return []spanResult{{OpOffset: s.OpOffset, Reply: reply}}, err
	}

	results := make([]spanResult, len(spans))
	var g errgroup.Group
	for i, s := range spans {
		i, s := i, s
		g.Go(func() error {
			reply, err := l.redirectAt(ctx, id, state, d, targetUserRank, s.ByteOffset, s.Size, false,
				func(dst int, uhDisp uint64) *runtime.Message { return spanBuild(dst, uhDisp, s.OpOffset, s.Size) })
			results[i] = spanResult{OpOffset: s.OpOffset, Reply: reply}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// spanResult is one segment's outcome from redirectSpan.
type spanResult struct {
	OpOffset uint64
	Reply    *runtime.Reply
}

// tryServeSelf implements the self-target local-lock optimization (spec.md
// §4.4 step 3): once this process holds its own lock_all-granted self-view,
// serve the op against itself out of the local Store instead of a network
// round trip. handled is false when the optimization does not apply and the
// caller should fall through to the normal redirected path.
func (l *Layer) tryServeSelf(ctx context.Context, state *WindowState, targetUserRank int, byteOffset uint64, build func(dst int, uhDisp uint64) *runtime.Message) (*runtime.Reply, bool, error) {
	if targetUserRank != state.MyUserRank {
		return nil, false, nil
	}
	state.lock()
	selfLocked := state.IsSelfLocked
	state.unlock()
	if !selfLocked {
		return nil, false, nil
	}

	req := build(l.Transport.Rank(), byteOffset)
	var wire bytes.Buffer
	if err := req.Encode(&wire); err != nil {
		return nil, true, Wrap(CodeSubRuntimeFailure, "encoding self-served message", err)
	}
	resp := l.Store.Handle(ctx, l.Transport.Rank(), wire.Bytes())
	reply, err := runtime.DecodeReply(bytes.NewReader(resp))
	if err != nil {
		return nil, true, Wrap(CodeSubRuntimeFailure, "decoding self-served reply", err)
	}
	return reply, true, nil
}

// redirectAt issues build against the helper chosen for byteOffset's
// segment, translating the displacement to that helper's base offset for
// this target (spec.md §4.6: uh_disp = helper_base_offset + disp_unit ×
// target_disp).
func (l *Layer) redirectAt(ctx context.Context, id WindowID, state *WindowState, d *Descriptor, targetUserRank int, byteOffset, size uint64, orderRequired bool, build func(dst int, uhDisp uint64) *runtime.Message) (*runtime.Reply, error) {
	_, seg, err := d.SegmentAt(byteOffset)
	if err != nil {
		return nil, Wrap(CodeTopologyInconsistent, "attributing offset to segment", err)
	}

	mainHelperIdx := seg.MainHelperIndex

	state.lock()
	roundRobin := state.PrevHelperOff
	state.unlock()

	chosen, err := l.Balancer.ChooseHelper(PickerInput{
		Seg:           seg,
		HelperRanks:   d.HelperRanks,
		OrderRequired: orderRequired,
		Size:          size,
		LockNoCheck:   d.LockAssert.NoCheck(),
		RoundRobin:    &roundRobin,
		FlushMainHelper: func() error {
			_, err := l.issue(ctx, d.HelperRanks[mainHelperIdx], &runtime.Message{Op: runtime.OpFlush, WindowID: id, Target: int32(targetUserRank)})
			return err
		},
	})
	if err != nil {
		return nil, err
	}

	state.lock()
	state.PrevHelperOff = roundRobin
	state.unlock()

	chosenIdx := indexOf(d.HelperRanks, chosen)
	if chosenIdx < 0 {
		return nil, NewError(CodeTopologyInconsistent, "chosen helper not in target's helper list")
	}
	uhDisp := d.HelperBaseOffsets[chosenIdx] + byteOffset

	return l.issue(ctx, chosen, build(chosen, uhDisp))
}

func targetRankToWorld(state *WindowState, targetUserRank int) int {
	if targetUserRank >= 0 && targetUserRank < len(state.UserComm) {
		return state.UserComm[targetUserRank]
	}
	return targetUserRank
}
