package helperloop_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/asp-go/internal/helperloop"
	"github.com/nmxmxh/asp-go/internal/runtime"
)

func call(t *testing.T, tr runtime.Transport, dst int, msg *runtime.Message) *runtime.Reply {
	t.Helper()
	var wire bytes.Buffer
	require.NoError(t, msg.Encode(&wire))
	resp, err := tr.Call(context.Background(), dst, wire.Bytes())
	require.NoError(t, err)
	reply, err := runtime.DecodeReply(bytes.NewReader(resp))
	require.NoError(t, err)
	return reply
}

// TestCrossHelperSharedRegion pins the fix for a target whose HelperRanks
// has more than one entry: a WIN_ALLOCATE naming a RegionBytes size must
// leave every local helper's Store mapping the same backing bytes, so a Put
// routed to one helper by the load balancer and a Get routed to a different
// one for the same target/offset round-trip correctly (spec.md §3's
// "shared-memory window spanning local helpers", spec.md §8 testable
// property 1).
func TestCrossHelperSharedRegion(t *testing.T) {
	t.Setenv("ASP_SHM_DIR", t.TempDir())

	transports := runtime.NewMemNetwork(2)
	helperloop.Serve(transports[0], nil)
	helperloop.Serve(transports[1], nil)

	id := uuid.New()
	params := &runtime.WinAllocateParams{RegionBytes: 64}
	var payload bytes.Buffer
	require.NoError(t, params.Encode(&payload))
	alloc := &runtime.Message{Op: runtime.OpWinAllocate, WindowID: id, Payload: payload.Bytes()}

	for dst := 0; dst < 2; dst++ {
		reply := call(t, transports[0], dst, alloc)
		require.Empty(t, reply.Code)
	}

	put := &runtime.Message{Op: runtime.OpPut, WindowID: id, Offset: 8, Payload: []byte("hello, shared world!")}
	reply := call(t, transports[0], 0, put) // routed to helper 0
	require.Empty(t, reply.Code)

	get := &runtime.Message{Op: runtime.OpGet, WindowID: id, Offset: 8, Size: uint32(len(put.Payload))}
	reply = call(t, transports[0], 1, get) // routed to helper 1, a different process/Store
	require.Empty(t, reply.Code)
	require.Equal(t, put.Payload, reply.Data, "a Get through a different helper must see the other helper's Put")
}

// TestWinAllocateWithoutRegionBytes pins the pass-through fallback: a
// WIN_ALLOCATE (or a Put/Get with no preceding WIN_ALLOCATE at all) that
// never names a RegionBytes still works against a private, process-local
// buffer, unchanged from before the shared-region fix.
func TestWinAllocateWithoutRegionBytes(t *testing.T) {
	transports := runtime.NewMemNetwork(1)
	helperloop.Serve(transports[0], nil)

	id := uuid.New()
	var payload bytes.Buffer
	require.NoError(t, (&runtime.WinAllocateParams{}).Encode(&payload))
	alloc := &runtime.Message{Op: runtime.OpWinAllocate, WindowID: id, Payload: payload.Bytes()}
	reply := call(t, transports[0], 0, alloc)
	require.Empty(t, reply.Code)

	put := &runtime.Message{Op: runtime.OpPut, WindowID: id, Offset: 0, Payload: []byte("local")}
	reply = call(t, transports[0], 0, put)
	require.Empty(t, reply.Code)

	get := &runtime.Message{Op: runtime.OpGet, WindowID: id, Offset: 0, Size: uint32(len(put.Payload))}
	reply = call(t, transports[0], 0, get)
	require.Empty(t, reply.Code)
	require.Equal(t, put.Payload, reply.Data)
}
