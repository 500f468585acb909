package rma

import (
	"context"
	"log/slog"

	"github.com/nmxmxh/asp-go/internal/runtime"
)

// Put implements spec.md §6's put: write len(data) bytes to targetUserRank's
// window at byte offset targetDisp*dispUnit. Under segment binding, a range
// crossing more than one segment is split and dispatched concurrently
// (rma/redirect.go's redirectSpan).
func (l *Layer) Put(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, data []byte) error {
	_, err := l.redirectSpan(ctx, id, targetUserRank, targetDisp, uint64(len(data)),
		func(dst int, uhDisp uint64, opOffset, spanSize uint64) *runtime.Message {
			return &runtime.Message{Op: runtime.OpPut, WindowID: id, Target: int32(targetUserRank), Offset: uhDisp,
				Size: uint32(spanSize), Payload: data[opOffset : opOffset+spanSize]}
		})
	return err
}

// Get implements spec.md §6's get: read size bytes from targetUserRank's
// window at byte offset targetDisp*dispUnit into the returned slice.
func (l *Layer) Get(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, size uint32) ([]byte, error) {
	out := make([]byte, size)
	spans, err := l.redirectSpan(ctx, id, targetUserRank, targetDisp, uint64(size),
		func(dst int, uhDisp uint64, opOffset, spanSize uint64) *runtime.Message {
			return &runtime.Message{Op: runtime.OpGet, WindowID: id, Target: int32(targetUserRank), Offset: uhDisp, Size: uint32(spanSize)}
		})
	if err != nil {
		return nil, err
	}
	for _, s := range spans {
		if s.Reply == nil {
			continue
		}
		copy(out[s.OpOffset:], s.Reply.Data)
	}
	return out, nil
}

// Accumulate implements spec.md §6's accumulate. Accumulate-class ops always
// force is_order_required=true (spec.md §4.6 step 3), since the reduction's
// correctness depends on hitting the segment's main helper in order.
func (l *Layer) Accumulate(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, data []byte, op runtime.ReduceOp) error {
	_, err := l.redirect(ctx, id, targetUserRank, targetDisp, uint64(len(data)), true,
		func(dst int, uhDisp uint64) *runtime.Message {
			return &runtime.Message{Op: runtime.OpAccumulate, WindowID: id, Target: int32(targetUserRank), Offset: uhDisp, Size: uint32(len(data)), Payload: data, ReduceOp: op}
		})
	return err
}

// GetAccumulate implements spec.md §6's get_accumulate: fold data into the
// target and return the pre-reduction value.
func (l *Layer) GetAccumulate(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, data []byte, op runtime.ReduceOp) ([]byte, error) {
	reply, err := l.redirect(ctx, id, targetUserRank, targetDisp, uint64(len(data)), true,
		func(dst int, uhDisp uint64) *runtime.Message {
			return &runtime.Message{Op: runtime.OpGetAccumulate, WindowID: id, Target: int32(targetUserRank), Offset: uhDisp, Size: uint32(len(data)), Payload: data, ReduceOp: op}
		})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// FetchAndOp implements spec.md §6's fetch_and_op: the fixed-width,
// single-element special case of GetAccumulate.
func (l *Layer) FetchAndOp(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, data []byte, op runtime.ReduceOp) ([]byte, error) {
	reply, err := l.redirect(ctx, id, targetUserRank, targetDisp, uint64(len(data)), true,
		func(dst int, uhDisp uint64) *runtime.Message {
			return &runtime.Message{Op: runtime.OpFetchAndOp, WindowID: id, Target: int32(targetUserRank), Offset: uhDisp, Size: uint32(len(data)), Payload: data, ReduceOp: op}
		})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// CompareAndSwap implements spec.md §6's compare_and_swap: replace the
// target's value with newValue if it currently equals compare, returning the
// value observed before the (possible) swap.
func (l *Layer) CompareAndSwap(ctx context.Context, id WindowID, targetUserRank int, targetDisp uint64, compare, newValue []byte) ([]byte, error) {
	reply, err := l.redirect(ctx, id, targetUserRank, targetDisp, uint64(len(newValue)), true,
		func(dst int, uhDisp uint64) *runtime.Message {
			return &runtime.Message{Op: runtime.OpCompareAndSwap, WindowID: id, Target: int32(targetUserRank), Offset: uhDisp, Size: uint32(len(newValue)), Payload: newValue, Compare: compare}
		})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Create and AllocateShared never activate the layer (spec.md §6: "Only
// allocate activates the redirection engine"); both register a pass-through
// handle and log once so a caller relying on async progress for them finds
// out why it never arrives.
func (l *Layer) Create(ctx context.Context, in AllocateInput) (WindowID, error) {
	slog.Warn("rma: win_create does not activate asynchronous progress, passing through", "size", in.Size)
	info, err := ParseInfo(in.Info)
	if err != nil {
		return NullWindowID, err
	}
	return l.registerPassThrough(info), nil
}

func (l *Layer) AllocateShared(ctx context.Context, in AllocateInput) (WindowID, error) {
	slog.Warn("rma: win_allocate_shared does not activate asynchronous progress, passing through", "size", in.Size)
	info, err := ParseInfo(in.Info)
	if err != nil {
		return NullWindowID, err
	}
	return l.registerPassThrough(info), nil
}
