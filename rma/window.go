package rma

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nmxmxh/asp-go/internal/config"
	"github.com/nmxmxh/asp-go/internal/helperloop"
	"github.com/nmxmxh/asp-go/internal/runtime"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// EpochTag is the per-window epoch spec.md §4.5 tracks.
type EpochTag int

const (
	NoEpoch EpochTag = iota
	Epoch_FENCE
	Epoch_LOCK
	Epoch_PSCW
)

func (e EpochTag) String() string {
	switch e {
	case Epoch_FENCE:
		return "FENCE"
	case Epoch_LOCK:
		return "LOCK"
	case Epoch_PSCW:
		return "PSCW"
	default:
		return "NO_EPOCH"
	}
}

// WindowState is a layer-window's cached state (spec.md §3): a few global
// counters and an indexed gather of per-target descriptors.
type WindowState struct {
	ID WindowID

	// Plain/pass-through window: no layer state was built (enable_async=false
	// or the auto-scheduler decided every target should be OFF, spec.md
	// §4.1 steps 1 and 4).
	PassThrough bool

	Info *Info

	Transport runtime.Transport
	UserComm  []int // world ranks, user-only communicator, in user-rank order
	UHComm    []int // world ranks, all-user+helpers communicator
	MyUserRank int  // this process's rank within UserComm

	Targets []*Descriptor // indexed by user rank (position in UserComm)

	mu             sync.Mutex
	EpochTag       EpochTag
	LockCounter    int
	LockAllCounter int
	StartCounter   int
	IsSelfLocked   bool
	PrevHelperOff  int // round-robin cursor, spec.md §3

	PostGroup  []int // PSCW: ranks this process posted to
	StartGroup []int // PSCW: ranks this process started against

	completionsReceived map[int]bool // PSCW: ranks that have sent this window's completion message

	GrantLockOffset uint64 // offset of the hidden grant-lock byte on rank 0's main helper
}

func (w *WindowState) lock()   { w.mu.Lock() }
func (w *WindowState) unlock() { w.mu.Unlock() }

// Layer bundles the process-wide pieces Allocate/Free and every hot-path
// operation need: config, registry, the async scheduler, and the load
// balancer's per-helper circuit breakers.
type Layer struct {
	Config    config.Config
	Transport runtime.Transport
	Registry  *handleRegistry
	Scheduler *AsyncScheduler
	Balancer  *Balancer

	// Store serves this process's own pass-through windows (enable_async
	// bypassed or auto-scheduler OFF) and the self-target local-lock
	// optimization's local view — the same buffer-serving logic
	// internal/helperloop runs on dedicated helper processes, reused here
	// because a pass-through window's data still has to live somewhere.
	Store *helperloop.Store
}

// NewLayer builds a Layer bound to one process's transport. It installs
// the Layer's own dispatch as t's Handler, so this process is reachable
// both for pass-through window ops and for PSCW completion messages sent
// by other user processes (epoch.go's Complete/Wait).
func NewLayer(cfg config.Config, t runtime.Transport) *Layer {
	l := &Layer{
		Config:    cfg,
		Transport: t,
		Registry:  newHandleRegistry(),
		Scheduler: NewAsyncScheduler(cfg),
		Balancer:  NewBalancer(cfg),
		Store:     helperloop.NewStore(nil),
	}
	t.SetHandler(l.handleIncoming)
	l.Scheduler.StartAutoAsync()
	return l
}

// Close stops this Layer's background auto-async sampling goroutine, if
// auto_async_sched started one. Safe to call on a Layer that never started
// one (StartAutoAsync is a no-op when the mode is off).
func (l *Layer) Close() {
	l.Scheduler.Stop()
}

// AllocateInput is allocate()'s parameters, spec.md §4.1.
type AllocateInput struct {
	Size       uint64
	DispUnit   int
	Info       map[string]string
	UserComm   []int // world ranks participating in this window, user-rank order
	NodeOf     []int // world-rank -> node-id, for every rank in UserComm plus helpers
	WorldRank  int
}

// Allocate implements spec.md §4.1. On success it returns a non-nil
// WindowID; on any failure it returns NullWindowID and the error. Nothing is
// rolled back on failure: a shared region that helpers already opened for
// WIN_ALLOCATE stays open, since no WIN_FREE is sent for it.
func (l *Layer) Allocate(ctx context.Context, in AllocateInput) (WindowID, error) {
	info, err := ParseInfo(in.Info)
	if err != nil {
		return NullWindowID, err
	}

	myUserRank := indexOf(in.UserComm, in.WorldRank)
	if myUserRank < 0 {
		return NullWindowID, NewError(CodeTopologyInconsistent, "allocating process is not a member of user_comm")
	}

	// Step 1: info says off, or decide per-target async state below and
	// fall back if every target is OFF.
	if info.EnableAsync == EnableAsyncOff {
		return l.registerPassThrough(info), nil
	}

	myAsyncOn := info.EnableAsync == EnableAsyncForceOn || l.Scheduler.Decide(info.AsyncConfig) == asyncOn

	topo, err := config.BuildTopology(in.WorldRank, in.NodeOf, l.Config.HelpersPerNode)
	if err != nil {
		return NullWindowID, Wrap(CodeTopologyInconsistent, "building node topology", err)
	}

	// Step 3: all-gather per-target descriptor seeds across user_comm.
	type seed struct {
		DispUnit        int32
		Size            uint64
		LocalUserRank   int32
		WorldRank       int32
		UserWorldRank   int32
		NodeID          int32
		LocalUserNProcs int32
		AsyncOn         uint8
	}
	mySeed := seed{
		DispUnit:        int32(in.DispUnit),
		Size:            in.Size,
		LocalUserRank:   int32(localRankOf(in.WorldRank, topo.UserRanks)),
		WorldRank:       int32(in.WorldRank),
		UserWorldRank:   int32(in.WorldRank),
		NodeID:          int32(topo.NodeID),
		LocalUserNProcs: int32(len(topo.UserRanks)),
	}
	if myAsyncOn {
		mySeed.AsyncOn = 1
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, mySeed); err != nil {
		return NullWindowID, Wrap(CodeSubRuntimeFailure, "encoding descriptor seed", err)
	}
	gathered, err := l.Transport.AllGather(ctx, buf.Bytes())
	if err != nil {
		return NullWindowID, Wrap(CodeSubRuntimeFailure, "all-gathering descriptors", err)
	}

	targets := make([]*Descriptor, len(in.UserComm))
	allOff := true
	for i, raw := range gathered {
		var s seed
		if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &s); err != nil {
			return NullWindowID, Wrap(CodeSubRuntimeFailure, "decoding gathered descriptor", err)
		}
		d := &Descriptor{
			WorldRank:       int(s.WorldRank),
			UserWorldRank:   int(s.UserWorldRank),
			NodeID:          int(s.NodeID),
			LocalUserRank:   int(s.LocalUserRank),
			LocalUserNProcs: int(s.LocalUserNProcs),
			Size:            s.Size,
			DispUnit:        int(s.DispUnit),
			AsyncOn:         s.AsyncOn != 0,
		}
		targets[i] = d
		if d.AsyncOn {
			allOff = false
		}
	}

	// Step 4: fall back to a plain window if every target is OFF.
	if allOff && info.EnableAsync != EnableAsyncForceOn {
		return l.registerPassThrough(info), nil
	}

	uhComm := buildUHComm(in.UserComm, topo.WorldHelperRanks)
	for _, d := range targets {
		d.RankInUH = indexOf(uhComm, d.WorldRank)
		d.HelperRanks = helperRanksForNode(topo.WorldHelperRanks, in.NodeOf, d.NodeID)
		if len(d.HelperRanks) != l.Config.HelpersPerNode {
			return NullWindowID, NewError(CodeTopologyInconsistent, "helper list length mismatch").
				WithContext("user_world_rank", d.UserWorldRank).
				WithContext("got", len(d.HelperRanks)).
				WithContext("want", l.Config.HelpersPerNode)
		}
	}

	// Step 5: local-user root sends WIN_ALLOCATE over the control channel so
	// helpers join the allocation collective. The id is reserved now (not
	// generated after this func returns) so it can be carried on the wire:
	// helpers must open the shared region under the same WindowID that later
	// Put/Get/Accumulate traffic for this window addresses. RegionBytes tells
	// every helper on this node the fixed size to mmap for the shared window
	// region (spec.md §3's "shared-memory window spanning local helpers")
	// before any Put/Get reaches it — computed from this node's own targets,
	// which computeBaseOffsets below will lay out inside that same byte count.
	id := l.Registry.reserve()
	byNode := groupByNode(targets)
	myTopo := topo
	if myTopo.UserRanks[0] == in.WorldRank {
		regionBytes := nodeRegionBytes(byNode[myTopo.NodeID])
		if err := l.sendWinAllocate(ctx, id, myTopo, in.UserComm, topo.WorldHelperRanks, info.EpochType, regionBytes); err != nil {
			return NullWindowID, Wrap(CodeSubRuntimeFailure, "sending WIN_ALLOCATE", err)
		}
	}

	// Step 8-9: compute base offsets per target per helper. Every process
	// derives the same table from the gathered descriptors, so no second
	// all-gather is issued.
	if err := l.computeBaseOffsets(targets); err != nil {
		return NullWindowID, err
	}

	// Step 10: helper binding.
	var bindErr error
	for _, nodeTargets := range byNode {
		switch l.Config.LockBinding {
		case config.BindingSegment:
			bindErr = multierr.Append(bindErr, BindSegmentBinding(nodeTargets, l.Config.HelpersPerNode, l.Config.SegmentUnitBytes))
		default:
			bindErr = multierr.Append(bindErr, BindRankBinding(nodeTargets, l.Config.HelpersPerNode))
		}
	}
	if bindErr != nil {
		return NullWindowID, Wrap(CodeTopologyInconsistent, "helper binding failed", bindErr)
	}
	for _, d := range targets {
		if err := d.ValidateSegments(l.Config.SegmentUnitBytes); err != nil {
			return NullWindowID, Wrap(CodeTopologyInconsistent, "segment validation failed", err)
		}
	}

	// Step 11: fence/pscw epochs need a single active window held under a
	// background lock_all for the window's whole lifetime (lockAllSegments
	// below). Lock-mode epochs need no equivalent setup: isolation between
	// this node's local users comes from each running its own Layer/
	// WindowState (see Segment's doc comment in descriptor.go), not from a
	// separate underlying window per user.
	if info.EpochType.Has(runtime.EpochFence) || info.EpochType.Has(runtime.EpochPSCW) {
		var g errgroup.Group
		for _, d := range targets {
			d := d
			g.Go(func() error {
				return l.lockAllSegments(ctx, d, runtime.AssertNoCheck)
			})
		}
		if err := g.Wait(); err != nil {
			return NullWindowID, Wrap(CodeSubRuntimeFailure, "background lock_all on active window", err)
		}
	}

	state := &WindowState{
		Info:                info,
		Transport:           l.Transport,
		UserComm:            in.UserComm,
		UHComm:              uhComm,
		MyUserRank:          myUserRank,
		Targets:             targets,
		EpochTag:            NoEpoch,
		completionsReceived: make(map[int]bool),
	}
	if myUserRank < len(targets) && len(targets[myUserRank].HelperRanks) > 0 {
		state.GrantLockOffset = 0 // reserved word at the start of helper 0's prologue
	}

	return l.Registry.registerAs(id, state), nil
}

func (l *Layer) registerPassThrough(info *Info) WindowID {
	state := &WindowState{PassThrough: true, Info: info, EpochTag: NoEpoch}
	return l.Registry.register(state)
}

// Free implements spec.md §4.2: retrieves cached state (nothing more to do
// for a pass-through window), has the node's local-user root send WIN_FREE
// once to each of this node's helpers, and releases the registry entry.
func (l *Layer) Free(ctx context.Context, id WindowID) error {
	state, ok := l.Registry.lookup(id)
	if !ok {
		return NewError(CodeBadHandle, "free: unknown window id").WithContext("id", id.String())
	}
	defer l.Registry.release(id)
	if state.PassThrough {
		return nil
	}

	var teardownErr error
	if me := state.Targets[state.MyUserRank]; me.LocalUserRank == 0 {
		for _, h := range me.HelperRanks {
			req := &runtime.Message{Op: runtime.OpWinFree, WindowID: id, Target: int32(h)}
			var b bytes.Buffer
			if err := req.Encode(&b); err != nil {
				teardownErr = multierr.Append(teardownErr, err)
				continue
			}
			if _, err := l.Transport.Call(ctx, h, b.Bytes()); err != nil {
				teardownErr = multierr.Append(teardownErr, fmt.Errorf("win_free to helper %d: %w", h, err))
			}
		}
	}
	return teardownErr
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func localRankOf(worldRank int, nodeUserRanks []int) int {
	return indexOf(nodeUserRanks, worldRank)
}

func buildUHComm(userComm, helperRanks []int) []int {
	out := append([]int(nil), userComm...)
	out = append(out, helperRanks...)
	return out
}

func helperRanksForNode(worldHelperRanks, nodeOf []int, nodeID int) []int {
	var out []int
	for _, h := range worldHelperRanks {
		if h < len(nodeOf) && nodeOf[h] == nodeID {
			out = append(out, h)
		}
	}
	return out
}

func groupByNode(targets []*Descriptor) map[int][]*Descriptor {
	out := map[int][]*Descriptor{}
	for _, t := range targets {
		out[t.NodeID] = append(out[t.NodeID], t)
	}
	return out
}

// grantLockWordSize is the fixed per-helper prologue width (the hidden
// grant-lock byte on helper 0, a matching reserved word on every other
// helper so all helpers of a node agree on where user data starts).
const grantLockWordSize = 8

// nodeRegionBytes is the total shared-memory region one helper on this node
// needs to mmap: the fixed prologue plus every node-local target's size, the
// same layout computeBaseOffsets lays sequential targets into.
func nodeRegionBytes(nodeTargets []*Descriptor) uint64 {
	total := uint64(grantLockWordSize)
	for _, t := range nodeTargets {
		total += t.Size
	}
	return total
}

// computeBaseOffsets implements spec.md §4.1 step 8-9: a per-helper
// prologue (one machine word, holding the grant-lock byte, on helper 0;
// a fixed prologue on every other helper) followed by users laid out
// sequentially ordered by (node_id, local_user_rank). Matches S1: with a
// grant-lock word of 8 bytes, target 0 on a fresh node gets base_offset 8
// on its single helper, target 1 (same node, size 64) gets base_offset 72.
func (l *Layer) computeBaseOffsets(targets []*Descriptor) error {
	byNode := groupByNode(targets)
	for _, nodeTargets := range byNode {
		sorted := sortByLocalRank(nodeTargets)
		perHelperOffset := make([]uint64, l.Config.HelpersPerNode)
		perHelperOffset[0] = grantLockWordSize
		for h := 1; h < l.Config.HelpersPerNode; h++ {
			perHelperOffset[h] = grantLockWordSize // every helper reserves the same fixed prologue width
		}
		for _, t := range sorted {
			t.HelperBaseOffsets = make([]uint64, l.Config.HelpersPerNode)
			for h := 0; h < l.Config.HelpersPerNode; h++ {
				t.HelperBaseOffsets[h] = perHelperOffset[h]
				perHelperOffset[h] += t.Size
			}
		}
	}
	return nil
}

func (l *Layer) sendWinAllocate(ctx context.Context, id WindowID, topo config.NodeTopology, userRanksWorld, helperRanksWorld []int, epochType runtime.EpochMask, regionBytes uint64) error {
	params := &runtime.WinAllocateParams{
		IsUserCommWorld:  false,
		UserRanksInWorld: toInt32(userRanksWorld),
		HelperRanksWorld: toInt32(helperRanksWorld),
		MaxLocalUserN:    uint32(len(topo.UserRanks)),
		EpochType:        epochType,
		RegionBytes:      regionBytes,
	}
	var payload bytes.Buffer
	if err := params.Encode(&payload); err != nil {
		return err
	}
	msg := &runtime.Message{Op: runtime.OpWinAllocate, WindowID: id, Payload: payload.Bytes()}
	var wire bytes.Buffer
	if err := msg.Encode(&wire); err != nil {
		return err
	}
	var g errgroup.Group
	for _, h := range topo.HelperRanks {
		h := h
		g.Go(func() error {
			_, err := l.Transport.Call(ctx, h, wire.Bytes())
			return err
		})
	}
	return g.Wait()
}

func toInt32(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

// lockAllSegments issues the background lock_all(NOCHECK) on the active
// window the helper uses to hold the underlying runtime in passive mode
// for the window's whole lifetime (spec.md §4.5's "why both FENCE/PSCW and
// lock-all-NOCHECK underneath").
func (l *Layer) lockAllSegments(ctx context.Context, d *Descriptor, assert runtime.AssertFlags) error {
	for _, h := range d.HelperRanks {
		msg := &runtime.Message{Op: runtime.OpLockAll, WindowID: NullWindowID, Target: int32(d.WorldRank), Assert: assert}
		var wire bytes.Buffer
		if err := msg.Encode(&wire); err != nil {
			return err
		}
		if _, err := l.Transport.Call(ctx, h, wire.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
