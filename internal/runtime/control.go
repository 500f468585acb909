package runtime

import (
	"encoding/binary"
	"io"
)

// EpochMask is the `|`-separated epoch_type subset from spec.md §4.1,
// encoded as a bitmask for the control channel.
type EpochMask uint32

const (
	EpochLockAll EpochMask = 1 << iota
	EpochLock
	EpochPSCW
	EpochFence
)

func (m EpochMask) Has(e EpochMask) bool { return m&e != 0 }

// ControlHeader is the fixed 3-word message spec.md §6 specifies:
// {func_code, user_nprocs, user_local_nprocs}, tagged with a reserved tag
// on the wire (carried as OpCode in Message, see wire.go).
type ControlHeader struct {
	FuncCode        OpCode
	UserNProcs      uint32
	UserLocalNProcs uint32
}

// WinAllocateParams is the variable-length parameter block for
// WIN_ALLOCATE: [is_user_comm_world, num_helpers, user_ranks_in_world...,
// helper_ranks_in_world..., max_local_user_nprocs, epoch_type_mask,
// region_bytes].
//
// RegionBytes is the total size of the node-local shared-memory region this
// window occupies on every helper serving it (spec.md §3: "a shared-memory
// window spanning local helpers") — every helper that receives this message
// mmaps the same size at the same well-known path, so a Put routed to one
// helper and a Get routed to another by the load balancer (rma/balancer.go)
// observe the same bytes.
type WinAllocateParams struct {
	IsUserCommWorld  bool
	UserRanksInWorld []int32
	HelperRanksWorld []int32
	MaxLocalUserN    uint32
	EpochType        EpochMask
	RegionBytes      uint64
}

func (p *WinAllocateParams) Encode(w io.Writer) error {
	var flag uint32
	if p.IsUserCommWorld {
		flag = 1
	}
	hdr := make([]byte, 4+4+4)
	binary.BigEndian.PutUint32(hdr[0:], flag)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(p.UserRanksInWorld)))
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(p.HelperRanksWorld)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if err := writeInt32Slice(w, p.UserRanksInWorld); err != nil {
		return err
	}
	if err := writeInt32Slice(w, p.HelperRanksWorld); err != nil {
		return err
	}
	var tail [16]byte
	binary.BigEndian.PutUint32(tail[0:], p.MaxLocalUserN)
	binary.BigEndian.PutUint32(tail[4:], uint32(p.EpochType))
	binary.BigEndian.PutUint64(tail[8:], p.RegionBytes)
	_, err := w.Write(tail[:])
	return err
}

func DecodeWinAllocateParams(r io.Reader) (*WinAllocateParams, error) {
	hdr := make([]byte, 4+4+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	p := &WinAllocateParams{IsUserCommWorld: binary.BigEndian.Uint32(hdr[0:]) == 1}
	nUser := binary.BigEndian.Uint32(hdr[4:])
	nHelper := binary.BigEndian.Uint32(hdr[8:])

	var err error
	if p.UserRanksInWorld, err = readInt32Slice(r, nUser); err != nil {
		return nil, err
	}
	if p.HelperRanksWorld, err = readInt32Slice(r, nHelper); err != nil {
		return nil, err
	}
	var tail [16]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, err
	}
	p.MaxLocalUserN = binary.BigEndian.Uint32(tail[0:])
	p.EpochType = EpochMask(binary.BigEndian.Uint32(tail[4:]))
	p.RegionBytes = binary.BigEndian.Uint64(tail[8:])
	return p, nil
}

func writeInt32Slice(w io.Writer, s []int32) error {
	buf := make([]byte, 4*len(s))
	for i, v := range s {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(v))
	}
	_, err := w.Write(buf)
	return err
}

func readInt32Slice(r io.Reader, n uint32) ([]int32, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
