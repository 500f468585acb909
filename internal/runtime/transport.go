package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Handler processes one incoming Call and returns the response bytes.
type Handler func(ctx context.Context, from int, req []byte) []byte

// Endpoint names one rank's address under a Transport.
type Endpoint struct {
	Rank int
	Addr string
}

// Transport is the minimal substrate spec.md §6 describes: a
// message-passing runtime able to do request/response Call (the basis for
// every RMA op and every control-channel message) and two collectives
// (AllGather, Barrier) used to build communicators at Allocate time. A
// real MPI binding would satisfy this interface in place of the libp2p
// implementation (host.go) or the in-memory one below, used by tests.
type Transport interface {
	Rank() int
	Size() int
	Endpoints() []Endpoint
	SetHandler(h Handler)
	Call(ctx context.Context, dst int, req []byte) ([]byte, error)
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)
	Barrier(ctx context.Context) error
	Close() error
}

// memNetwork is the shared fabric backing every memTransport created by the
// same NewMemNetwork call — the test-only substitute for real sockets,
// letting the rma test suite exercise the full allocate/redirect/epoch
// machinery without a single open port.
type memNetwork struct {
	n     int
	peers []*memTransport

	mu      sync.Mutex
	bufs    [][]byte
	arrived int
	result  [][]byte
	done    chan struct{}

	barrierArrived int
	barrierDone    chan struct{}
}

// NewMemNetwork builds n connected in-process transports, one per rank.
func NewMemNetwork(n int) []Transport {
	net := &memNetwork{
		n:           n,
		peers:       make([]*memTransport, n),
		bufs:        make([][]byte, n),
		done:        make(chan struct{}),
		barrierDone: make(chan struct{}),
	}
	out := make([]Transport, n)
	for i := 0; i < n; i++ {
		t := &memTransport{rank: i, net: net}
		net.peers[i] = t
		out[i] = t
	}
	return out
}

type memTransport struct {
	rank int
	net  *memNetwork

	mu      sync.RWMutex
	handler Handler
}

func (t *memTransport) Rank() int { return t.rank }
func (t *memTransport) Size() int { return t.net.n }

func (t *memTransport) Endpoints() []Endpoint {
	eps := make([]Endpoint, t.net.n)
	for i := range eps {
		eps[i] = Endpoint{Rank: i, Addr: fmt.Sprintf("mem://%d", i)}
	}
	return eps
}

func (t *memTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *memTransport) handlerFor(dst int) (Handler, error) {
	if dst < 0 || dst >= t.net.n {
		return nil, fmt.Errorf("runtime: no such rank %d", dst)
	}
	peer := t.net.peerAt(dst)
	peer.mu.RLock()
	h := peer.handler
	peer.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("runtime: rank %d has no handler installed", dst)
	}
	return h, nil
}

func (t *memTransport) Call(ctx context.Context, dst int, req []byte) ([]byte, error) {
	h, err := t.handlerFor(dst)
	if err != nil {
		return nil, err
	}
	reqCopy := append([]byte(nil), req...)
	return h(ctx, t.rank, reqCopy), nil
}

func (t *memTransport) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	net := t.net
	net.mu.Lock()
	net.bufs[t.rank] = payload
	net.arrived++
	ch := net.done
	if net.arrived == net.n {
		result := make([][]byte, net.n)
		copy(result, net.bufs)
		net.result = result
		net.arrived = 0
		net.bufs = make([][]byte, net.n)
		net.done = make(chan struct{})
		net.mu.Unlock()
		close(ch)
		return result, nil
	}
	net.mu.Unlock()
	select {
	case <-ch:
		net.mu.Lock()
		result := net.result
		net.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *memTransport) Barrier(ctx context.Context) error {
	net := t.net
	net.mu.Lock()
	net.barrierArrived++
	ch := net.barrierDone
	if net.barrierArrived == net.n {
		net.barrierArrived = 0
		net.barrierDone = make(chan struct{})
		net.mu.Unlock()
		close(ch)
		return nil
	}
	net.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTransport) Close() error { return nil }

func (n *memNetwork) peerAt(rank int) *memTransport {
	return n.peers[rank]
}

// encodeGatherResult/decodeGatherResult frame an AllGather result ([][]byte)
// for transport across a single Call response, used by P2PTransport's
// root-pull collective (host.go) — memTransport shares process memory and
// never needs to serialize the result.
func encodeGatherResult(parts [][]byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(parts)))
	out := append([]byte(nil), hdr[:]...)
	for _, p := range parts {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		out = append(out, l[:]...)
		out = append(out, p...)
	}
	return out
}

func decodeGatherResult(b []byte) ([][]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("runtime: truncated gather result")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	out := make([][]byte, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return nil, io.ErrUnexpectedEOF
		}
		l := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < l {
			return nil, io.ErrUnexpectedEOF
		}
		out[i] = append([]byte(nil), b[:l]...)
		b = b[l:]
	}
	return out, nil
}
