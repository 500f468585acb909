// Package shm backs a window's node-local shared-memory region with a
// real mmap'd file, so every helper process serving a target's segments
// observes the same bytes regardless of which one a Put or Get lands on.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// Region is one mmap'd, file-backed shared-memory window. Every helper that
// opens the same path with the same size maps the same physical pages.
type Region struct {
	mu   sync.Mutex
	path string
	file *os.File
	data []byte
}

// DefaultDir returns /dev/shm when present (tmpfs, survives across
// processes on the same node without touching real disk) and falls back to
// the OS temp directory otherwise. Overridable with ASP_SHM_DIR so a test or
// a container without /dev/shm can redirect it.
func DefaultDir() string {
	if dir := os.Getenv("ASP_SHM_DIR"); dir != "" {
		return dir
	}
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Path derives the well-known file a window's local helpers all open. Two
// helpers on the same node resolve to the same path (same /dev/shm mount);
// two helpers on different nodes resolve to the same filename on physically
// distinct mounts, so windows stay node-local without any extra addressing.
func Path(dir string, id uuid.UUID) string {
	return filepath.Join(dir, "asp-rma-"+id.String())
}

// Open mmaps size bytes at path, creating and truncating the backing file
// if it doesn't already hold at least that many bytes. Concurrent opens of
// the same path (racing helper processes) are safe: the later O_CREATE is a
// no-op once the file exists, and Truncate never shrinks what's already
// there.
func Open(path string, size uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if uint64(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: truncate %s to %d: %w", path, size, err)
		}
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Region{path: path, file: f, data: data}, nil
}

func (r *Region) Size() int { return len(r.data) }

// Slice returns the live backing bytes for [offset, offset+length). The
// returned slice aliases the mapped region. Slice takes no lock; callers
// serialize reads and writes through it themselves, with WithLock or with a
// lock of their own (internal/helperloop uses its per-window mutex).
func (r *Region) Slice(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(len(r.data)) {
		return nil, fmt.Errorf("shm: range [%d,%d) out of region bounds [0,%d)", offset, offset+length, len(r.data))
	}
	return r.data[offset : offset+length], nil
}

// WithLock serializes access to the region across concurrent callers within
// this process; cross-process concurrency is the caller's responsibility
// (the same grant-lock/epoch discipline that already orders ops in rma).
func (r *Region) WithLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// Close unmaps the region and closes the backing file descriptor. The
// backing file on disk/tmpfs is left in place — another helper may still
// have it mapped, or a future reallocation of the same window id reuses it.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := syscall.Munmap(r.data)
	r.data = nil
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Remove unmaps (if still mapped) and deletes the backing file, for WIN_FREE
// once every local helper has released it.
func (r *Region) Remove() error {
	err := r.Close()
	if rerr := os.Remove(r.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}
