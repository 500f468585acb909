package rma

import (
	"sync"

	"github.com/google/uuid"
)

// WindowID is the opaque, process-local-meaningful identifier for a
// layer-window, replacing the source's raw-pointer-as-integer handle per
// spec.md §9's design note: it is sent across processes as 16 raw bytes
// (see internal/runtime.Message.WindowID) and is never dereferenced by the
// receiver — only used as a key into the receiver's own window table.
type WindowID = uuid.UUID

// NullWindowID is returned by Allocate on failure per spec.md §4.1's
// failure semantics ("the user handle becomes a null window").
var NullWindowID WindowID

// handleRegistry is the side table spec.md §9's second design note asks
// for: the window-attribute cache the source implements via the
// runtime's attribute-keyval facility is replaced here by a plain map
// keyed by WindowID, scoped to Allocate (acquire) and Free (release).
type handleRegistry struct {
	mu      sync.RWMutex
	windows map[WindowID]*WindowState
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{windows: make(map[WindowID]*WindowState)}
}

func (r *handleRegistry) register(s *WindowState) WindowID {
	return r.registerAs(uuid.New(), s)
}

// reserve hands back a WindowID before its WindowState exists, for callers
// that must tell helpers the id (WIN_ALLOCATE) before the rest of Allocate's
// collective setup finishes building the final state.
func (r *handleRegistry) reserve() WindowID {
	return uuid.New()
}

// registerAs registers s under a previously reserved id.
func (r *handleRegistry) registerAs(id WindowID, s *WindowState) WindowID {
	s.ID = id
	r.mu.Lock()
	r.windows[id] = s
	r.mu.Unlock()
	return id
}

func (r *handleRegistry) lookup(id WindowID) (*WindowState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.windows[id]
	return s, ok
}

func (r *handleRegistry) release(id WindowID) {
	r.mu.Lock()
	delete(r.windows, id)
	r.mu.Unlock()
}
