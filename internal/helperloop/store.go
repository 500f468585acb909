// Package helperloop is the helper-side dispatch loop: the thin, always-
// polling server that actually backs every window's shared-memory region.
// It is peripheral to the redirection engine (spec.md §1 calls the
// helper-side dispatch loop an "external collaborator"), grounded on
// internal/network/mesh.go's StartNodeWithStreams/TestNode dispatch shape
// and original_source/src/helper/rma/win_free.c's abort-on-bad-handle
// semantics.
package helperloop

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/nmxmxh/asp-go/internal/runtime"
	"github.com/nmxmxh/asp-go/internal/shm"
)

// window is one layer-window's backing storage. A real allocation (one that
// carried a RegionBytes in its WIN_ALLOCATE) is backed by a shm.Region
// mmap'd from a path every local helper derives identically, so a Put
// routed to one helper and a Get routed to another by the load balancer
// observe the same bytes. A pass-through window (no WIN_ALLOCATE ever
// reached this Store for its id) falls back to a private buffer grown
// lazily as Put/Get/Accumulate touch offsets beyond its current length.
type window struct {
	mu     sync.Mutex
	region *shm.Region
	buf    []byte
}

func (w *window) ensure(n int) {
	if len(w.buf) >= n {
		return
	}
	grown := make([]byte, n)
	copy(grown, w.buf)
	w.buf = grown
}

// rangeFor returns the live backing bytes for [offset, offset+size). Caller
// must hold w.mu.
func (w *window) rangeFor(offset, size uint64) ([]byte, error) {
	if w.region != nil {
		return w.region.Slice(offset, size)
	}
	w.ensure(int(offset + size))
	return w.buf[offset : offset+size], nil
}

func (w *window) close() error {
	if w.region != nil {
		return w.region.Remove()
	}
	return nil
}

// Store serves RMA ops and control-channel messages against its windows.
// One Store per process: helpers run one Store for the shared region they
// host; a user process in pass-through mode runs one Store for its own
// plain window.
type Store struct {
	log *slog.Logger

	mu      sync.Mutex
	windows map[uuid.UUID]*window

	// Abort is called on a free-message handle verification failure, per
	// spec.md §7 ("aborts the program"); defaults to os.Exit(1) but is
	// overridable so tests can observe the failure instead of exiting.
	Abort func(reason string)
}

// NewStore builds an empty Store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:     log,
		windows: make(map[uuid.UUID]*window),
		Abort:   func(reason string) { log.Error("helperloop: aborting", "reason", reason); os.Exit(1) },
	}
}

// Serve installs the Store as t's Handler and returns it.
func Serve(t runtime.Transport, log *slog.Logger) *Store {
	s := NewStore(log)
	t.SetHandler(s.Handle)
	return s
}

func (s *Store) windowFor(id uuid.UUID, create bool) (*window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok && create {
		w = &window{}
		s.windows[id] = w
		ok = true
	}
	return w, ok
}

// Handle implements runtime.Handler: decode one Message, apply it, encode
// the Reply.
func (s *Store) Handle(ctx context.Context, from int, req []byte) []byte {
	msg, err := runtime.Decode(bytes.NewReader(req))
	if err != nil {
		return encodeReply(&runtime.Reply{Code: string(errBadWire), Message: err.Error()})
	}

	reply := s.apply(msg)
	return encodeReply(reply)
}

const errBadWire = "BadHandle"

func (s *Store) apply(msg *runtime.Message) *runtime.Reply {
	switch msg.Op {
	case runtime.OpWinAllocate:
		return s.winAllocate(msg)

	case runtime.OpWinFree:
		s.mu.Lock()
		w, ok := s.windows[msg.WindowID]
		if ok {
			delete(s.windows, msg.WindowID)
		}
		s.mu.Unlock()
		if !ok {
			s.Abort("win_free: unknown window handle " + msg.WindowID.String())
			return &runtime.Reply{Code: errBadWire, Message: "unknown window handle"}
		}
		if err := w.close(); err != nil {
			s.log.Error("helperloop: closing shared region", "window", msg.WindowID, "err", err)
		}
		return &runtime.Reply{}

	case runtime.OpPut:
		w, _ := s.windowFor(msg.WindowID, true)
		w.mu.Lock()
		dst, err := w.rangeFor(msg.Offset, uint64(len(msg.Payload)))
		if err == nil {
			copy(dst, msg.Payload)
		}
		w.mu.Unlock()
		if err != nil {
			return &runtime.Reply{Code: errBadWire, Message: err.Error()}
		}
		return &runtime.Reply{}

	case runtime.OpGet:
		w, _ := s.windowFor(msg.WindowID, true)
		w.mu.Lock()
		src, err := w.rangeFor(msg.Offset, uint64(msg.Size))
		var data []byte
		if err == nil {
			data = append([]byte(nil), src...)
		}
		w.mu.Unlock()
		if err != nil {
			return &runtime.Reply{Code: errBadWire, Message: err.Error()}
		}
		return &runtime.Reply{Data: data}

	case runtime.OpAccumulate:
		w, _ := s.windowFor(msg.WindowID, true)
		w.mu.Lock()
		dst, err := w.rangeFor(msg.Offset, uint64(len(msg.Payload)))
		if err == nil {
			msg.ReduceOp.Apply(dst, msg.Payload)
		}
		w.mu.Unlock()
		if err != nil {
			return &runtime.Reply{Code: errBadWire, Message: err.Error()}
		}
		return &runtime.Reply{}

	case runtime.OpGetAccumulate, runtime.OpFetchAndOp:
		w, _ := s.windowFor(msg.WindowID, true)
		w.mu.Lock()
		dst, err := w.rangeFor(msg.Offset, uint64(len(msg.Payload)))
		var old []byte
		if err == nil {
			old = append([]byte(nil), dst...)
			msg.ReduceOp.Apply(dst, msg.Payload)
		}
		w.mu.Unlock()
		if err != nil {
			return &runtime.Reply{Code: errBadWire, Message: err.Error()}
		}
		return &runtime.Reply{Data: old}

	case runtime.OpCompareAndSwap:
		w, _ := s.windowFor(msg.WindowID, true)
		w.mu.Lock()
		cur, err := w.rangeFor(msg.Offset, uint64(len(msg.Compare)))
		var old []byte
		if err == nil {
			old = append([]byte(nil), cur...)
			if bytes.Equal(cur, msg.Compare) {
				copy(cur, msg.Payload)
			}
		}
		w.mu.Unlock()
		if err != nil {
			return &runtime.Reply{Code: errBadWire, Message: err.Error()}
		}
		return &runtime.Reply{Data: old}

	case runtime.OpLock, runtime.OpLockAll, runtime.OpUnlock, runtime.OpUnlockAll,
		runtime.OpFlush, runtime.OpFlushAll, runtime.OpFlushLocal, runtime.OpFlushLocalAll,
		runtime.OpFence, runtime.OpPost, runtime.OpStart, runtime.OpWait:
		// The per-window mutex above already serializes every buffer access
		// as it happens, so these synchronization primitives need no extra
		// bookkeeping on the helper side beyond acknowledging receipt.
		return &runtime.Reply{}

	case runtime.OpAbort, runtime.OpFinalize:
		return &runtime.Reply{}

	default:
		return &runtime.Reply{Code: errBadWire, Message: "unrecognized op"}
	}
}

// winAllocate implements OpWinAllocate. When the request carries a
// RegionBytes, it opens the shared mmap region at this window's well-known
// path (internal/shm.Path, keyed only by window id: two helpers on the same
// node share an fs, so they map the same file; two helpers on different
// nodes see the same filename on physically distinct mounts, which keeps
// windows node-local without any extra addressing). A request with no
// usable params (or RegionBytes == 0) falls back to a private growable
// buffer, same as a pass-through window that never sent WIN_ALLOCATE at all.
func (s *Store) winAllocate(msg *runtime.Message) *runtime.Reply {
	w, _ := s.windowFor(msg.WindowID, true)
	if w.region != nil || w.buf != nil {
		// Already opened by an earlier WIN_ALLOCATE for this id.
		return &runtime.Reply{}
	}

	params, err := runtime.DecodeWinAllocateParams(bytes.NewReader(msg.Payload))
	if err != nil || params.RegionBytes == 0 {
		return &runtime.Reply{}
	}

	path := shm.Path(shm.DefaultDir(), msg.WindowID)
	region, err := shm.Open(path, params.RegionBytes)
	if err != nil {
		s.log.Error("helperloop: opening shared region", "window", msg.WindowID, "path", path, "err", err)
		return &runtime.Reply{Code: errBadWire, Message: fmt.Sprintf("opening shared region: %v", err)}
	}

	w.mu.Lock()
	w.region = region
	w.mu.Unlock()
	return &runtime.Reply{}
}

func encodeReply(r *runtime.Reply) []byte {
	var b bytes.Buffer
	if err := r.Encode(&b); err != nil {
		return nil
	}
	return b.Bytes()
}
