// Package runtime supplies the "underlying one-sided RMA runtime" that the
// rma package redirects operations onto. It is peripheral to the
// redirection engine (see SPEC_FULL.md §1): the engine only ever talks to
// the Transport interface and wire types defined here, never to libp2p.
package runtime

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// OpCode identifies a wire message. The control-channel function codes
// (WinAllocate, WinFree, LockAll, UnlockAll, Abort, Finalize) match
// spec.md §6 exactly; the RMA op codes are this substrate's own framing
// for carrying Put/Get/Accumulate/... across a libp2p stream.
type OpCode uint32

const (
	OpPut OpCode = iota + 1
	OpGet
	OpAccumulate
	OpGetAccumulate
	OpFetchAndOp
	OpCompareAndSwap
	OpLock
	OpLockAll
	OpUnlock
	OpUnlockAll
	OpFlush
	OpFlushAll
	OpFlushLocal
	OpFlushLocalAll
	OpFence
	OpPost
	OpStart
	OpComplete
	OpWait

	// Control-channel function codes, spec.md §6.
	OpWinAllocate
	OpWinFree
	OpLockAllCtl
	OpUnlockAllCtl
	OpAbort
	OpFinalize
)

// ReduceOp identifies the reduction applied by Accumulate-class ops.
type ReduceOp uint32

const (
	ReduceSum ReduceOp = iota
	ReduceReplace
	ReduceMax
	ReduceMin
)

// Apply folds src into dst in place, byte by byte: every byte is an
// independent uint8 lane. SUM carries do not propagate from one byte to the
// next, so a multi-byte integer sums correctly only while no byte overflows,
// and MAX/MIN compare bytes, not whole values. This substrate guarantees
// atomicity and ordering, not datatype semantics.
func (op ReduceOp) Apply(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	switch op {
	case ReduceReplace:
		copy(dst, src[:n])
	case ReduceSum:
		for i := 0; i < n; i++ {
			dst[i] += src[i]
		}
	case ReduceMax:
		for i := 0; i < n; i++ {
			if src[i] > dst[i] {
				dst[i] = src[i]
			}
		}
	case ReduceMin:
		for i := 0; i < n; i++ {
			if src[i] < dst[i] {
				dst[i] = src[i]
			}
		}
	}
}

// LockType mirrors MPI_LOCK_SHARED / MPI_LOCK_EXCLUSIVE.
type LockType uint32

const (
	LockShared LockType = iota
	LockExclusive
)

// AssertFlags mirrors the small bitmask of lock/fence assertions a caller
// may pass (e.g. MPI_MODE_NOCHECK). Only NoCheck is interpreted by this
// substrate; the rest pass through opaquely.
type AssertFlags uint32

const (
	AssertNoCheck AssertFlags = 1 << iota
	AssertNoStore
	AssertNoPut
	AssertNoPrecede
	AssertNoSucceed
)

func (a AssertFlags) NoCheck() bool { return a&AssertNoCheck != 0 }

// Message is the wire envelope for every request this substrate sends.
// Window handles never carry a pointer (spec.md §9's design note): WindowID
// is an opaque id the receiver looks up in its own registry.
type Message struct {
	Op       OpCode
	WindowID uuid.UUID
	Target   int32    // target rank within the window's comm, -1 if n/a
	Offset   uint64   // byte offset into the target's published region
	Size     uint32   // byte length of Payload / of the region to read
	ReduceOp ReduceOp  // meaningful for accumulate-class ops
	LockType LockType  // meaningful for OpLock
	Assert   AssertFlags
	Compare  []byte // CompareAndSwap: comparand
	Payload  []byte // origin data for Put/Accumulate/CAS-new-value
}

// wireMagic guards against decoding a stream that isn't speaking this
// protocol (e.g. a stray connection on the same protocol ID during tests).
const wireMagic uint32 = 0x41535030 // "ASP0"

// Encode writes the length-prefixed, fixed-word-then-payload encoding
// spec.md §6 describes for the control channel, generalized to carry the
// RMA op framing too: a small run of big-endian uint32/uint64 words
// followed by two variable-length byte blocks (Compare, Payload).
func (m *Message) Encode(w io.Writer) error {
	var hdr [4 + 4 + 16 + 4 + 8 + 4 + 4 + 4 + 4 + 4 + 4]byte
	i := 0
	binary.BigEndian.PutUint32(hdr[i:], wireMagic)
	i += 4
	binary.BigEndian.PutUint32(hdr[i:], uint32(m.Op))
	i += 4
	copy(hdr[i:], m.WindowID[:])
	i += 16
	binary.BigEndian.PutUint32(hdr[i:], uint32(m.Target))
	i += 4
	binary.BigEndian.PutUint64(hdr[i:], m.Offset)
	i += 8
	binary.BigEndian.PutUint32(hdr[i:], m.Size)
	i += 4
	binary.BigEndian.PutUint32(hdr[i:], uint32(m.ReduceOp))
	i += 4
	binary.BigEndian.PutUint32(hdr[i:], uint32(m.LockType))
	i += 4
	binary.BigEndian.PutUint32(hdr[i:], uint32(m.Assert))
	i += 4
	binary.BigEndian.PutUint32(hdr[i:], uint32(len(m.Compare)))
	i += 4
	binary.BigEndian.PutUint32(hdr[i:], uint32(len(m.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(m.Compare) > 0 {
		if _, err := w.Write(m.Compare); err != nil {
			return err
		}
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a Message previously written by Encode.
func Decode(r io.Reader) (*Message, error) {
	var hdr [4 + 4 + 16 + 4 + 8 + 4 + 4 + 4 + 4 + 4 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	i := 0
	magic := binary.BigEndian.Uint32(hdr[i:])
	i += 4
	if magic != wireMagic {
		return nil, fmt.Errorf("runtime: bad wire magic %#x", magic)
	}
	m := &Message{}
	m.Op = OpCode(binary.BigEndian.Uint32(hdr[i:]))
	i += 4
	copy(m.WindowID[:], hdr[i:i+16])
	i += 16
	m.Target = int32(binary.BigEndian.Uint32(hdr[i:]))
	i += 4
	m.Offset = binary.BigEndian.Uint64(hdr[i:])
	i += 8
	m.Size = binary.BigEndian.Uint32(hdr[i:])
	i += 4
	m.ReduceOp = ReduceOp(binary.BigEndian.Uint32(hdr[i:]))
	i += 4
	m.LockType = LockType(binary.BigEndian.Uint32(hdr[i:]))
	i += 4
	m.Assert = AssertFlags(binary.BigEndian.Uint32(hdr[i:]))
	i += 4
	cmpLen := binary.BigEndian.Uint32(hdr[i:])
	i += 4
	payLen := binary.BigEndian.Uint32(hdr[i:])

	if cmpLen > 0 {
		m.Compare = make([]byte, cmpLen)
		if _, err := io.ReadFull(r, m.Compare); err != nil {
			return nil, err
		}
	}
	if payLen > 0 {
		m.Payload = make([]byte, payLen)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Reply is the response envelope: an error code plus optional data
// (the previous value for Get/GetAccumulate/FetchAndOp/CompareAndSwap).
type Reply struct {
	Code    string // empty on success; otherwise one of the rma error Codes
	Message string
	Data    []byte
}

func (r *Reply) Encode(w io.Writer) error {
	var lens [3]byte
	ok := byte(0)
	if r.Code != "" {
		ok = 1
	}
	lens[0] = ok
	codeBytes := []byte(r.Code)
	msgBytes := []byte(r.Message)
	var lenHdr [4 + 4 + 4]byte
	binary.BigEndian.PutUint32(lenHdr[0:], uint32(len(codeBytes)))
	binary.BigEndian.PutUint32(lenHdr[4:], uint32(len(msgBytes)))
	binary.BigEndian.PutUint32(lenHdr[8:], uint32(len(r.Data)))
	if _, err := w.Write(lenHdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(codeBytes); err != nil {
		return err
	}
	if _, err := w.Write(msgBytes); err != nil {
		return err
	}
	if _, err := w.Write(r.Data); err != nil {
		return err
	}
	_ = lens
	return nil
}

func DecodeReply(r io.Reader) (*Reply, error) {
	var lenHdr [4 + 4 + 4]byte
	if _, err := io.ReadFull(r, lenHdr[:]); err != nil {
		return nil, err
	}
	codeLen := binary.BigEndian.Uint32(lenHdr[0:])
	msgLen := binary.BigEndian.Uint32(lenHdr[4:])
	dataLen := binary.BigEndian.Uint32(lenHdr[8:])

	code := make([]byte, codeLen)
	if _, err := io.ReadFull(r, code); err != nil {
		return nil, err
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &Reply{Code: string(code), Message: string(msg), Data: data}, nil
}
