package iomem

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

const iomemPid rpcbus.Pid = 2

type regWrite struct {
	offset uint32
	value  uint32
}

// traceWindow records every register write so tests can assert exact
// hardware sequences.
type traceWindow struct {
	*MemoryWindow
	writes []regWrite
}

func (w *traceWindow) Write32(offset, value uint32) error {
	w.writes = append(w.writes, regWrite{offset, value})
	return w.MemoryWindow.Write32(offset, value)
}

func startIOMem(t *testing.T, w Window) (*rpcbus.Bus, *Server) {
	t.Helper()
	bus := rpcbus.New()
	srv := NewServer(bus, iomemPid, logging.NewLogger(nil), w, 0xB880, func([]byte) uint32 { return 0x1000 })
	srv.Executor().Sleep = func(time.Duration) {}
	srv.gpio.Sleep = func(time.Duration) {}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go bus.Run(iomemPid, stop)
	return bus, srv
}

func iomemCall(t *testing.T, bus *rpcbus.Bus, op rpcbus.Opcode, data []byte) []byte {
	t.Helper()
	resp, err := bus.Call(50, iomemPid, op, data, 2*time.Second)
	require.NoError(t, err)
	return resp
}

func TestPerformReturnsTimeoutInBand(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(0x200034, 0xFFFFFFFF)) // GPLEV0, pin held high
	bus, _ := startIOMem(t, w)

	req := &proto.MMIORequest{Entries: []proto.MMIOEntry{{
		Type:             proto.MMIOActionLoopTrue,
		Offset:           0x200034,
		LoopAnd:          0xFFFFFFFF,
		LoopMaxIteration: 3,
		SleepType:        proto.MMIOSleepMilliseconds,
		Sleep:            1,
	}}}

	var resp proto.MMIORequest
	require.NoError(t, resp.Unmarshal(iomemCall(t, bus, proto.IOMemMMIOPerform, req.Marshal())))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, proto.MMIOAbortTimeout, resp.Entries[0].AbortType)
	assert.Equal(t, uint32(0xFFFFFFFF), resp.Entries[0].Value)
}

func TestPerformRejectsLeadingWritePrev(t *testing.T) {
	bus, _ := startIOMem(t, NewMemoryWindow(4*1024*1024))

	req := &proto.MMIORequest{Entries: []proto.MMIOEntry{{
		Type:   proto.MMIOActionWritePreviousRead,
		Offset: 0x20,
	}}}
	var status proto.StatusResponse
	require.NoError(t, status.Unmarshal(iomemCall(t, bus, proto.IOMemMMIOPerform, req.Marshal())))
	assert.Equal(t, -int32(syscall.EINVAL), status.Status)
}

func TestGPIOSetPullSequenceOverRPC(t *testing.T) {
	w := &traceWindow{MemoryWindow: NewMemoryWindow(4 * 1024 * 1024)}
	bus, _ := startIOMem(t, w)

	var status proto.StatusResponse
	require.NoError(t, status.Unmarshal(iomemCall(t, bus, proto.IOMemGPIOSetPull,
		(&proto.GPIORequest{Pin: 47, Arg1: proto.GPIOPullUp}).Marshal())))
	assert.Equal(t, int32(0), status.Status)

	require.Len(t, w.writes, 4)
	assert.Equal(t, uint32(gpioControllerBase+gppud), w.writes[0].offset)
	assert.Equal(t, uint32(2), w.writes[0].value)
	assert.Equal(t, uint32(gpioControllerBase+gppudclk0+4), w.writes[1].offset)
	assert.Equal(t, uint32(1)<<(47-32), w.writes[1].value)
	assert.Equal(t, uint32(gpioControllerBase+gppud), w.writes[2].offset)
	assert.Equal(t, uint32(0), w.writes[2].value)
	assert.Equal(t, uint32(gpioControllerBase+gppudclk0+4), w.writes[3].offset)
	assert.Equal(t, uint32(0), w.writes[3].value)
}

func TestGPIOStatusOverRPC(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(gpioControllerBase+gplev0, 1<<5))
	bus, _ := startIOMem(t, w)

	var resp proto.GPIOValueResponse
	require.NoError(t, resp.Unmarshal(iomemCall(t, bus, proto.IOMemGPIOStatus,
		(&proto.GPIORequest{Pin: 5}).Marshal())))
	assert.Equal(t, int32(0), resp.Status)
	assert.Equal(t, uint32(1), resp.Value)
}

func TestGPIORejectsOutOfRangePin(t *testing.T) {
	bus, _ := startIOMem(t, NewMemoryWindow(4*1024*1024))
	var resp proto.GPIOValueResponse
	require.NoError(t, resp.Unmarshal(iomemCall(t, bus, proto.IOMemGPIOStatus,
		(&proto.GPIORequest{Pin: 54}).Marshal())))
	assert.Equal(t, -int32(syscall.EINVAL), resp.Status)
}

func TestMMIOLockIsClientScoped(t *testing.T) {
	bus, _ := startIOMem(t, NewMemoryWindow(4*1024*1024))

	var first proto.StatusResponse
	resp, err := bus.Call(50, iomemPid, proto.IOMemMMIOLock, nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Unmarshal(resp))
	assert.Equal(t, int32(0), first.Status)

	var second proto.StatusResponse
	resp, err = bus.Call(51, iomemPid, proto.IOMemMMIOLock, nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Unmarshal(resp))
	assert.Equal(t, -int32(syscall.EBUSY), second.Status)

	resp, err = bus.Call(50, iomemPid, proto.IOMemMMIOUnlock, nil, time.Second)
	require.NoError(t, err)

	var third proto.StatusResponse
	resp, err = bus.Call(51, iomemPid, proto.IOMemMMIOLock, nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, third.Unmarshal(resp))
	assert.Equal(t, int32(0), third.Status)
}
