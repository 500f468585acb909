package rma

import (
	"bytes"
	"context"
	"time"

	"github.com/nmxmxh/asp-go/internal/runtime"
)

// grantLockWordOffset is the fixed offset, within every helper's reserved
// prologue, of the hidden grant-lock byte (spec.md §3's "offsets of two
// hidden synchronization words ... allocated on the main helper"). Each
// helper that ever acts as a main helper for some target reserves its own
// copy at this offset — the single-word description in spec.md §3 is the
// steady-state shape once a window only targets rank 0, but the mechanism
// generalizes per-helper since each target's lock grant is independent.
const grantLockWordOffset = 0

// issue encodes msg, sends it to dst via the layer's transport, and decodes
// the Reply. Used uniformly for helper-bound ops and for pass-through
// direct-to-target ops.
func (l *Layer) issue(ctx context.Context, dst int, msg *runtime.Message) (*runtime.Reply, error) {
	var wire bytes.Buffer
	if err := msg.Encode(&wire); err != nil {
		return nil, Wrap(CodeSubRuntimeFailure, "encoding message", err)
	}
	start := time.Now()
	resp, err := l.Transport.Call(ctx, dst, wire.Bytes())
	l.Scheduler.addCommTime(time.Since(start))
	if err != nil {
		l.Balancer.RecordFailure(dst)
		return nil, Wrap(CodeSubRuntimeFailure, "calling rank", err)
	}
	l.Balancer.RecordSuccess(dst)
	reply, err := runtime.DecodeReply(bytes.NewReader(resp))
	if err != nil {
		return nil, Wrap(CodeSubRuntimeFailure, "decoding reply", err)
	}
	if reply.Code != "" {
		return reply, Wrap(Code(reply.Code), reply.Message, nil)
	}
	return reply, nil
}

// Lock implements spec.md §4.5's lock row: records the assert flags,
// forwards to the underlying op window if needed, and — unless NOCHECK —
// runs the grant-lock mechanism (spec.md §4.6's closing paragraph) before
// returning.
func (l *Layer) Lock(ctx context.Context, id WindowID, targetUserRank int, lockType runtime.LockType, assert runtime.AssertFlags) error {
	state, d, err := l.lookupTarget(id, targetUserRank)
	if err != nil {
		return err
	}
	if state.PassThrough {
		return nil
	}
	if !state.Info.EpochType.Has(runtime.EpochLock) {
		return NewError(CodeInvariantViolation, "lock called but epoch_type does not include lock")
	}

	d.LockAssert = assert
	if !assert.NoCheck() {
		for i := range d.Segments {
			seg := &d.Segments[i]
			mainHelper := d.HelperRanks[seg.MainHelperIndex]
			getMsg := &runtime.Message{Op: runtime.OpGet, WindowID: id, Target: int32(targetUserRank), Offset: grantLockWordOffset, Size: 1}
			if _, err := l.issue(ctx, mainHelper, getMsg); err != nil {
				return err
			}
			flushMsg := &runtime.Message{Op: runtime.OpFlush, WindowID: id, Target: int32(targetUserRank)}
			if _, err := l.issue(ctx, mainHelper, flushMsg); err != nil {
				return err
			}
			seg.LockState = LockGranted
		}
	}

	state.lock()
	state.EpochTag = Epoch_LOCK
	state.LockCounter++
	state.unlock()
	return nil
}

// LockAll implements spec.md §4.5's lock_all row.
func (l *Layer) LockAll(ctx context.Context, id WindowID, assert runtime.AssertFlags) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "lock_all: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	if !state.Info.EpochType.Has(runtime.EpochLockAll) {
		return NewError(CodeInvariantViolation, "lock_all called but epoch_type does not include lockall")
	}
	state.lock()
	state.LockAllCounter++
	if state.EpochTag == NoEpoch {
		state.EpochTag = Epoch_LOCK
	}
	state.unlock()
	return nil
}

// Unlock implements spec.md §4.5's unlock row: flush, release, decrement,
// and reset the lock-promotion state for the next lock epoch.
func (l *Layer) Unlock(ctx context.Context, id WindowID, targetUserRank int) error {
	state, d, err := l.lookupTarget(id, targetUserRank)
	if err != nil {
		return err
	}
	if state.PassThrough {
		return nil
	}
	if err := l.flushTarget(ctx, id, targetUserRank, false); err != nil {
		return err
	}
	segPtrs := make([]*Segment, len(d.Segments))
	for i := range d.Segments {
		segPtrs[i] = &d.Segments[i]
	}
	l.Balancer.PromoteAfterFlush(segPtrs)
	ResetOnUnlock(segPtrs)

	state.lock()
	if state.LockCounter > 0 {
		state.LockCounter--
	}
	l.maybeCloseEpoch(state)
	state.unlock()
	return nil
}

// UnlockAll implements spec.md §4.5's unlock_all row: it resets every
// target's lock-promotion state, decrements the lock-all counter, and calls
// localUnlock when IsSelfLocked was set. Nothing in this package sets
// IsSelfLocked to true, so that branch does not run, and no unlock message
// is sent to any helper.
func (l *Layer) UnlockAll(ctx context.Context, id WindowID) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "unlock_all: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	for _, d := range state.Targets {
		segPtrs := make([]*Segment, len(d.Segments))
		for i := range d.Segments {
			segPtrs[i] = &d.Segments[i]
		}
		l.Balancer.PromoteAfterFlush(segPtrs)
		ResetOnUnlock(segPtrs)
	}
	state.lock()
	if state.LockAllCounter > 0 {
		state.LockAllCounter--
	}
	wasSelfLocked := state.IsSelfLocked
	state.IsSelfLocked = false
	l.maybeCloseEpoch(state)
	state.unlock()

	if wasSelfLocked {
		if err := l.localUnlock(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// localUnlock releases the self-view lock kept for the self-target
// local-lock optimization (spec.md §4.4 step 3); a peripheral detail since
// the self path never leaves the process, modeled as a no-op completion.
func (l *Layer) localUnlock(ctx context.Context, state *WindowState) error {
	return nil
}

func (l *Layer) maybeCloseEpoch(state *WindowState) {
	if state.LockCounter == 0 && state.LockAllCounter == 0 && state.StartCounter == 0 {
		state.EpochTag = NoEpoch
	}
}

// flushTarget implements the flush/flush_local split spec.md §7's
// testable-property list and original_source/src/mpi/rma/win_flush.c both
// describe: `local` selects the local-completion-only primitive.
func (l *Layer) flushTarget(ctx context.Context, id WindowID, targetUserRank int, local bool) error {
	state, d, err := l.lookupTarget(id, targetUserRank)
	if err != nil {
		return err
	}
	if state.PassThrough {
		return nil
	}
	op := runtime.OpFlush
	if local {
		op = runtime.OpFlushLocal
	}
	for _, h := range uniqueHelpers(d) {
		msg := &runtime.Message{Op: op, WindowID: id, Target: int32(targetUserRank)}
		if _, err := l.issue(ctx, h, msg); err != nil {
			return err
		}
	}
	return nil
}

// Flush implements spec.md §6's flush.
func (l *Layer) Flush(ctx context.Context, id WindowID, targetUserRank int) error {
	return l.flushTarget(ctx, id, targetUserRank, false)
}

// FlushLocal implements spec.md §6's flush_local.
func (l *Layer) FlushLocal(ctx context.Context, id WindowID, targetUserRank int) error {
	return l.flushTarget(ctx, id, targetUserRank, true)
}

// FlushAll/FlushLocalAll implement spec.md §6's collective-over-targets
// flush variants.
func (l *Layer) FlushAll(ctx context.Context, id WindowID) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "flush_all: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	for i := range state.Targets {
		if err := l.Flush(ctx, id, i); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) FlushLocalAll(ctx context.Context, id WindowID) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "flush_local_all: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	for i := range state.Targets {
		if err := l.FlushLocal(ctx, id, i); err != nil {
			return err
		}
	}
	return nil
}

// Fence implements spec.md §4.5's fence row: delegated to the active
// window, which is already held under a background lock_all(NOCHECK)
// (window.go's Allocate step 11), so this only needs to toggle the epoch
// tag and issue the active window's own fence-equivalent flush-all.
func (l *Layer) Fence(ctx context.Context, id WindowID, assert runtime.AssertFlags) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "fence: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	if !state.Info.EpochType.Has(runtime.EpochFence) {
		return NewError(CodeInvariantViolation, "fence called but epoch_type does not include fence")
	}
	if err := l.FlushAll(ctx, id); err != nil {
		return err
	}
	state.lock()
	if state.EpochTag == Epoch_FENCE {
		state.EpochTag = NoEpoch
	} else {
		state.EpochTag = Epoch_FENCE
	}
	state.unlock()
	return nil
}

// Post records the post group and puts the window in the PSCW epoch. It
// sends nothing: no post flag is written to any helper, and Start does not
// wait for a matching post.
func (l *Layer) Post(ctx context.Context, id WindowID, group []int, assert runtime.AssertFlags) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "post: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	state.lock()
	state.PostGroup = append([]int(nil), group...)
	state.EpochTag = Epoch_PSCW
	state.unlock()
	return nil
}

// Start implements spec.md §4.5's start row.
func (l *Layer) Start(ctx context.Context, id WindowID, group []int, assert runtime.AssertFlags) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "start: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	state.lock()
	state.StartGroup = append([]int(nil), group...)
	state.StartCounter++
	state.EpochTag = Epoch_PSCW
	state.unlock()
	return nil
}

const pscwCompleteTag = 0xCC

// Complete implements spec.md §4.5's complete row: per
// original_source/src/mpi/rma/win_complete.c, the flush sequence runs
// BEFORE the completion messages are sent, never after.
func (l *Layer) Complete(ctx context.Context, id WindowID) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "complete: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	if err := l.FlushAll(ctx, id); err != nil {
		return err
	}
	state.lock()
	group := append([]int(nil), state.StartGroup...)
	state.unlock()

	for _, remote := range group {
		msg := &runtime.Message{Op: runtime.OpComplete, WindowID: id, Target: int32(remote), Size: 1, Payload: []byte{pscwCompleteTag}}
		if _, err := l.issue(ctx, remote, msg); err != nil {
			return err
		}
	}

	state.lock()
	if state.StartCounter > 0 {
		state.StartCounter--
	}
	state.StartGroup = nil
	l.maybeCloseEpoch(state)
	state.unlock()
	return nil
}

// Wait implements spec.md §4.5's wait row: block until every rank in the
// post group has sent its completion message. Completion messages arrive
// as ordinary Calls on this process's own handler (handleIncoming, below),
// which records them on the WindowState; Wait polls that record.
func (l *Layer) Wait(ctx context.Context, id WindowID) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "wait: unknown window id")
	}
	if state.PassThrough {
		return nil
	}
	state.lock()
	pending := map[int]bool{}
	for _, r := range state.PostGroup {
		pending[r] = true
	}
	state.unlock()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
		state.lock()
		for r := range pending {
			if state.completionsReceived[r] {
				delete(pending, r)
				delete(state.completionsReceived, r)
			}
		}
		state.unlock()
	}

	state.lock()
	state.PostGroup = nil
	l.maybeCloseEpoch(state)
	state.unlock()
	return nil
}

func (l *Layer) lookupTarget(id WindowID, targetUserRank int) (*WindowState, *Descriptor, error) {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return nil, nil, NewError(CodeBadHandle, "unknown window id").WithContext("id", id.String())
	}
	if state.PassThrough {
		return state, nil, nil
	}
	if targetUserRank < 0 || targetUserRank >= len(state.Targets) {
		return nil, nil, NewError(CodeTopologyInconsistent, "target user rank out of range").WithContext("target", targetUserRank)
	}
	return state, state.Targets[targetUserRank], nil
}

// handleIncoming is this process's runtime.Handler: PSCW completion
// messages update the addressed window's completion record directly;
// everything else (pass-through Put/Get/Accumulate/..., and the self-
// target local-lock optimization's local view) is served by l.Store.
func (l *Layer) handleIncoming(ctx context.Context, from int, req []byte) []byte {
	msg, err := runtime.Decode(bytes.NewReader(req))
	if err != nil {
		return l.Store.Handle(ctx, from, req)
	}
	if msg.Op == runtime.OpComplete {
		if state, ok := l.Registry.lookup(msg.WindowID); ok {
			state.lock()
			if state.completionsReceived == nil {
				state.completionsReceived = make(map[int]bool)
			}
			state.completionsReceived[from] = true
			state.unlock()
		}
		var b bytes.Buffer
		_ = (&runtime.Reply{}).Encode(&b)
		return b.Bytes()
	}
	return l.Store.Handle(ctx, from, req)
}

func uniqueHelpers(d *Descriptor) []int {
	seen := map[int]bool{}
	var out []int
	for _, seg := range d.Segments {
		h := d.HelperRanks[seg.MainHelperIndex]
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
