package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2pHost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"
)

// rmaProtocol is the single stream protocol every rank's host speaks for
// both RMA ops and the control channel (spec.md §6) — one wire framing,
// dispatched by Message.Op, rather than a protocol ID per op.
const rmaProtocol = "/asp-go/rma/1.0.0"

// gatherKindPull/gatherKindFetch are the two one-byte control requests the
// root-pull collective (AllGather/Barrier, below) recognizes ahead of the
// installed RMA Handler — real Messages are always far longer than one
// byte (wireMagic alone is 4), so a length-1 request is unambiguous.
const (
	gatherKindPull  byte = 0xF0 // root -> member: "send me your payload"
	gatherKindFetch byte = 0xF1 // member -> root: "send me the assembled result"

	gatherNotReady byte = 0
	gatherReady    byte = 1
)

// P2PTransport implements Transport over a libp2p host, grounded directly
// on the stream-handler/connect shape of internal/network/mesh.go's
// StartNodeWithStreams and TestNode.
type P2PTransport struct {
	host    libp2pHost.Host
	rank    int
	members []peer.AddrInfo // index == rank
	limiter *rate.Limiter
	log     *slog.Logger

	mu             sync.RWMutex
	handler        Handler
	pendingPayload []byte  // non-root: this rank's not-yet-pulled AllGather payload
	hasPending     bool
	gatherResult   [][]byte // root: the just-assembled result, ready to be fetched
	hasResult      bool
}

// NewP2PTransport starts a libp2p host for the given rank within a world
// whose membership (peer IDs + addresses) is already known — discovering
// that membership is internal/config's job, not this transport's.
func NewP2PTransport(ctx context.Context, rank int, members []peer.AddrInfo, priv crypto.PrivKey, log *slog.Logger) (*P2PTransport, error) {
	var opts []libp2p.Option
	if priv != nil {
		opts = append(opts, libp2p.Identity(priv))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: start libp2p host: %w", err)
	}
	t := &P2PTransport{
		host:    h,
		rank:    rank,
		members: members,
		// Bounds control-channel + RMA issue rate per window lifecycle so a
		// misbehaving origin can't flood a helper's accept loop.
		limiter: rate.NewLimiter(rate.Limit(2000), 200),
		log:     log,
	}
	h.SetStreamHandler(rmaProtocol, t.serveStream)
	return t, nil
}

func (t *P2PTransport) serveStream(s network.Stream) {
	defer s.Close()
	req, err := io.ReadAll(s)
	if err != nil {
		t.log.Warn("runtime: read stream failed", "error", err)
		return
	}

	if len(req) == 1 {
		switch req[0] {
		case gatherKindPull:
			s.Write(t.takePendingPayload())
			return
		case gatherKindFetch:
			if resp, ok := t.takeGatherResultForFetch(); ok {
				s.Write(resp)
			} else {
				s.Write([]byte{gatherNotReady})
			}
			return
		}
	}

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return
	}
	resp := h(context.Background(), -1, req)
	if resp != nil {
		if _, err := s.Write(resp); err != nil {
			t.log.Warn("runtime: write stream failed", "error", err)
		}
	}
}

func (t *P2PTransport) takePendingPayload() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasPending {
		return []byte{gatherNotReady}
	}
	p := t.pendingPayload
	t.pendingPayload, t.hasPending = nil, false
	return append([]byte{gatherReady}, p...)
}

func (t *P2PTransport) takeGatherResultForFetch() ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasResult {
		return nil, false
	}
	return append([]byte{gatherReady}, encodeGatherResult(t.gatherResult)...), true
}

func (t *P2PTransport) Rank() int { return t.rank }
func (t *P2PTransport) Size() int { return len(t.members) }

func (t *P2PTransport) Endpoints() []Endpoint {
	out := make([]Endpoint, len(t.members))
	for i, m := range t.members {
		out[i] = Endpoint{Rank: i, Addr: m.ID.String()}
	}
	return out
}

func (t *P2PTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *P2PTransport) Call(ctx context.Context, dst int, req []byte) ([]byte, error) {
	if dst < 0 || dst >= len(t.members) {
		return nil, fmt.Errorf("runtime: no such rank %d", dst)
	}
	if dst == t.rank {
		// Loopback: don't open a stream to ourselves.
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h == nil {
			return nil, fmt.Errorf("runtime: no handler installed for self-call")
		}
		return h(ctx, t.rank, req), nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info := t.members[dst]
	if err := t.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("runtime: connect to rank %d: %w", dst, err)
	}
	s, err := t.host.NewStream(ctx, info.ID, rmaProtocol)
	if err != nil {
		return nil, fmt.Errorf("runtime: open stream to rank %d: %w", dst, err)
	}
	defer s.Close()
	if _, err := s.Write(req); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	return io.ReadAll(s)
}

// AllGather and Barrier are root-pull collectives: rank 0 actively Calls
// every other member to pull its payload and assembles the result itself;
// every member (including non-root) then pulls the assembled result back.
// This needs no reverse channel or out-of-band handler bookkeeping — every
// exchange is a plain request/response Call, the only primitive go-libp2p
// streams give us — at the cost of polling instead of a push; collectives
// only run at window-(de)allocation time so the extra latency is not
// hot-path cost (see SPEC_FULL.md §5).
func (t *P2PTransport) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	const root = 0
	if t.rank == root {
		out := make([][]byte, len(t.members))
		out[root] = payload
		var wg sync.WaitGroup
		errs := make([]error, len(t.members))
		for r := range t.members {
			if r == root {
				continue
			}
			r := r
			wg.Add(1)
			go func() {
				defer wg.Done()
				val, err := t.pullFrom(ctx, r)
				if err != nil {
					errs[r] = err
					return
				}
				out[r] = val
			}()
		}
		wg.Wait()
		for _, e := range errs {
			if e != nil {
				return nil, e
			}
		}
		t.mu.Lock()
		t.gatherResult, t.hasResult = out, true
		t.mu.Unlock()
		return out, nil
	}

	t.mu.Lock()
	t.pendingPayload, t.hasPending = payload, true
	t.mu.Unlock()

	for {
		resp, err := t.Call(ctx, root, []byte{gatherKindFetch})
		if err != nil {
			return nil, err
		}
		if len(resp) > 0 && resp[0] == gatherReady {
			return decodeGatherResult(resp[1:])
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// pullFrom retries the one-byte pull request against member r until it
// reports its payload is ready — member r may not have reached its
// AllGather call yet when root starts pulling.
func (t *P2PTransport) pullFrom(ctx context.Context, r int) ([]byte, error) {
	for {
		resp, err := t.Call(ctx, r, []byte{gatherKindPull})
		if err != nil {
			return nil, err
		}
		if len(resp) > 0 && resp[0] == gatherReady {
			return resp[1:], nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (t *P2PTransport) Barrier(ctx context.Context) error {
	_, err := t.AllGather(ctx, []byte{0})
	return err
}

func (t *P2PTransport) Close() error { return t.host.Close() }

// ParseMultiaddr is a small convenience wrapper kept next to the transport
// since every caller building a []peer.AddrInfo needs it.
func ParseMultiaddr(addr string) (ma.Multiaddr, error) { return ma.NewMultiaddr(addr) }
