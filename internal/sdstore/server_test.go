package sdstore

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raspi-iosvc/ioserver/internal/devmgr"
	"github.com/raspi-iosvc/ioserver/internal/iomem"
	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

const (
	testDevMgrPid  rpcbus.Pid = 1
	testSDStorePid rpcbus.Pid = 3
	testClientPid  rpcbus.Pid = 99
)

const testDevicePath = "/dev/storage/sd0"

// startStack wires DevMgr and SDStore on one bus, with the device
// registered under /dev/storage/sd0, the way the deployed processes
// come up.
func startStack(t *testing.T) (*rpcbus.Bus, *Server) {
	t.Helper()
	log := logging.NewLogger(nil)
	bus := rpcbus.New()

	devmgr.NewServer(bus, testDevMgrPid, log)

	card := newSimCard()
	exec := iomem.NewExecutor(card)
	exec.Sleep = func(time.Duration) {}
	device := NewDevice(VariantEMMC, ExecutorPerformer{Exec: exec}, FixedClock(250_000_000), log)
	device.Sleep = func(time.Duration) {}
	srv := NewServer(bus, testSDStorePid, log, device)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go bus.Run(testDevMgrPid, stop)
	go bus.Run(testSDStorePid, stop)

	add := proto.AddRequest{
		Path:       testDevicePath,
		Stat:       proto.Stat{Mode: proto.ModeCharDevice},
		Handler:    int32(testSDStorePid),
		DeviceInfo: DeviceInfo,
	}
	respBytes, err := bus.Call(testSDStorePid, testDevMgrPid, proto.VFSAdd, add.Marshal(), 2*time.Second)
	require.NoError(t, err)
	var addResp proto.AddResponse
	require.NoError(t, addResp.Unmarshal(respBytes))
	require.Equal(t, proto.AddStatusSuccess, addResp.Status)

	return bus, srv
}

func clientCall(t *testing.T, bus *rpcbus.Bus, op rpcbus.Opcode, data []byte) []byte {
	t.Helper()
	resp, err := bus.Call(testClientPid, testDevMgrPid, op, data, 5*time.Second)
	require.NoError(t, err)
	return resp
}

func TestBlockRoundTripThroughFullChain(t *testing.T) {
	bus, _ := startStack(t)

	pattern := make([]byte, BlockSize)
	for i := range pattern {
		pattern[i] = byte(i % 256)
	}

	var wr proto.WriteResponse
	require.NoError(t, wr.Unmarshal(clientCall(t, bus, proto.VFSWrite,
		(&proto.WriteRequest{Path: testDevicePath, Offset: 1024 * BlockSize, Data: pattern}).Marshal())))
	assert.Equal(t, int32(BlockSize), wr.Len)

	var rd proto.ReadResponse
	require.NoError(t, rd.Unmarshal(clientCall(t, bus, proto.VFSRead,
		(&proto.ReadRequest{Path: testDevicePath, Offset: 1024 * BlockSize, Len: BlockSize}).Marshal())))
	assert.Equal(t, int32(BlockSize), rd.Len)
	assert.Equal(t, pattern, rd.Data)
}

func TestMisalignedRequestsReturnEAGAIN(t *testing.T) {
	bus, _ := startStack(t)

	var rd proto.ReadResponse
	require.NoError(t, rd.Unmarshal(clientCall(t, bus, proto.VFSRead,
		(&proto.ReadRequest{Path: testDevicePath, Offset: 100, Len: BlockSize}).Marshal())))
	assert.Equal(t, -int32(syscall.EAGAIN), rd.Len)

	var wr proto.WriteResponse
	require.NoError(t, wr.Unmarshal(clientCall(t, bus, proto.VFSWrite,
		(&proto.WriteRequest{Path: testDevicePath, Offset: 0, Data: make([]byte, 100)}).Marshal())))
	assert.Equal(t, -int32(syscall.EAGAIN), wr.Len)
}

func TestIoctlBlockSizeProbeThroughChain(t *testing.T) {
	bus, _ := startStack(t)

	var resp proto.IoctlResponse
	require.NoError(t, resp.Unmarshal(clientCall(t, bus, proto.VFSIoctl,
		(&proto.IoctlRequest{Path: testDevicePath, Command: IoctlBlockSize}).Marshal())))
	require.Equal(t, int32(0), resp.Status)
	assert.Equal(t, u32Bytes(BlockSize), resp.Container)
}

func TestIoctlEjectInvalidatesCard(t *testing.T) {
	bus, srv := startStack(t)

	// bring the card up first
	var wr proto.WriteResponse
	require.NoError(t, wr.Unmarshal(clientCall(t, bus, proto.VFSWrite,
		(&proto.WriteRequest{Path: testDevicePath, Offset: 0, Data: make([]byte, BlockSize)}).Marshal())))
	require.Equal(t, int32(BlockSize), wr.Len)
	require.True(t, srv.Device().State.Initialized)

	var ej proto.IoctlResponse
	require.NoError(t, ej.Unmarshal(clientCall(t, bus, proto.VFSIoctl,
		(&proto.IoctlRequest{Path: testDevicePath, Command: IoctlCardEject}).Marshal())))
	require.Equal(t, int32(0), ej.Status)

	var rd proto.ReadResponse
	require.NoError(t, rd.Unmarshal(clientCall(t, bus, proto.VFSRead,
		(&proto.ReadRequest{Path: testDevicePath, Offset: 0, Len: BlockSize}).Marshal())))
	assert.Negative(t, rd.Len)
}

func TestSeekEchoesAlignedOffset(t *testing.T) {
	bus, _ := startStack(t)

	var sk proto.SeekResponse
	require.NoError(t, sk.Unmarshal(clientCall(t, bus, proto.VFSSeek,
		(&proto.SeekRequest{Path: testDevicePath, Whence: 0, Offset: 4 * BlockSize}).Marshal())))
	assert.Equal(t, int64(4*BlockSize), sk.Offset)

	require.NoError(t, sk.Unmarshal(clientCall(t, bus, proto.VFSSeek,
		(&proto.SeekRequest{Path: testDevicePath, Whence: 0, Offset: 100}).Marshal())))
	assert.Equal(t, -int64(syscall.EINVAL), sk.Offset)
}

func TestRPCPerformerRoundTrip(t *testing.T) {
	log := logging.NewLogger(nil)
	bus := rpcbus.New()

	window := iomem.NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, window.Write32(0x40, 0xCAFEBABE))
	iosrv := iomem.NewServer(bus, 2, log, window, 0xB880, func([]byte) uint32 { return 0x1000 })
	iosrv.Executor().Sleep = func(time.Duration) {}

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go bus.Run(2, stop)

	perf := RPCPerformer{Bus: bus, Origin: testSDStorePid, Target: 2, Timeout: 2 * time.Second}
	p := &iomem.Program{Steps: []iomem.Step{{Kind: iomem.Read, Offset: 0x40}}}
	require.NoError(t, perf.Perform(p, nil))
	assert.Equal(t, uint32(0xCAFEBABE), p.Steps[0].Value)
}
