package sdstore

import (
	"errors"
	"syscall"
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/metrics"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

// Ioctl command codes the driver declares at ADD time.
const (
	IoctlBlockSize  = 0x10
	IoctlCardState  = 0x11
	IoctlCardEject  = 0x12
	IoctlCardInsert = 0x13
)

// DeviceInfo lists the ioctl commands for the ADD registration.
var DeviceInfo = []uint32{IoctlBlockSize, IoctlCardState, IoctlCardEject, IoctlCardInsert}

// Server is the block-device RPC front-end: it validates block
// alignment, manages transfer buffers and drives the Device. Requests
// arrive via DevMgr forwarding, so Origin is the original caller, not
// DevMgr.
type Server struct {
	Pid      rpcbus.Pid
	bus      *rpcbus.Bus
	log      *logging.Logger
	device   *Device
	observer metrics.Observer

	// Shared resolves shm ids for zero-copy transfers; nil disables
	// shared-memory support and all data travels inline.
	Shared func(shmID uint32) []byte
}

func NewServer(bus *rpcbus.Bus, pid rpcbus.Pid, log *logging.Logger, device *Device) *Server {
	s := &Server{
		Pid:      pid,
		bus:      bus,
		log:      log,
		device:   device,
		observer: metrics.NoOpObserver{},
	}
	s.bind()
	return s
}

func (s *Server) SetObserver(o metrics.Observer) {
	if o != nil {
		s.observer = o
	}
}

// Device exposes the card device, mainly for tests and status probes.
func (s *Server) Device() *Device { return s.device }

func (s *Server) bind() {
	handlers := map[rpcbus.Opcode]rpcbus.Handler{
		proto.VFSRead:  s.handleRead,
		proto.VFSWrite: s.handleWrite,
		proto.VFSSeek:  s.handleSeek,
		proto.VFSIoctl: s.handleIoctl,
	}
	for op, h := range handlers {
		h := h
		s.bus.Bind(s.Pid, op, func(msg rpcbus.Message) ([]byte, bool, error) {
			start := time.Now()
			resp, forward, err := h(msg)
			s.observer.ObserveRequest(uint64(time.Since(start).Nanoseconds()), forward, err == nil)
			return resp, forward, err
		})
	}
}

func transferErrno(err error) int32 {
	if ioerrors.Is(err, ioerrors.ClassValidation) {
		// misaligned or malformed block request
		return -int32(syscall.EAGAIN)
	}
	var e *ioerrors.Error
	if errors.As(err, &e) {
		return e.ErrnoValue()
	}
	return -int32(syscall.EIO)
}

// handleRead serves block-aligned reads. Misaligned offsets or lengths
// produce EAGAIN so the caller's block layer can retry with proper
// alignment.
func (s *Server) handleRead(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.ReadRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.ReadResponse{Len: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	if req.Len == 0 || req.Len%BlockSize != 0 || req.Offset%BlockSize != 0 {
		return (&proto.ReadResponse{Len: -int32(syscall.EAGAIN)}).Marshal(), false, nil
	}

	var buf []byte
	pooled := false
	if req.ShmID != 0 && s.Shared != nil {
		buf = s.Shared(req.ShmID)
		if buf == nil || len(buf) < int(req.Len) {
			return (&proto.ReadResponse{Len: -int32(syscall.EIO)}).Marshal(), false, nil
		}
		buf = buf[:req.Len]
	} else {
		buf = GetBuffer(req.Len)
		pooled = true
		defer PutBuffer(buf)
	}

	blockNumber := uint32(req.Offset / BlockSize)
	if err := s.device.TransferBlock(buf, blockNumber, OperationRead); err != nil {
		s.log.Warn("block read failed", "block", blockNumber, "len", req.Len, "error", err)
		return (&proto.ReadResponse{Len: transferErrno(err)}).Marshal(), false, nil
	}

	resp := &proto.ReadResponse{Len: int32(req.Len)}
	if pooled {
		resp.Data = buf
	}
	return resp.Marshal(), false, nil
}

func (s *Server) handleWrite(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.WriteRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.WriteResponse{Len: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}

	data := req.Data
	if req.ShmID != 0 && s.Shared != nil {
		data = s.Shared(req.ShmID)
		if data == nil {
			return (&proto.WriteResponse{Len: -int32(syscall.EIO)}).Marshal(), false, nil
		}
	}
	if len(data) == 0 || len(data)%BlockSize != 0 || req.Offset%BlockSize != 0 {
		return (&proto.WriteResponse{Len: -int32(syscall.EAGAIN)}).Marshal(), false, nil
	}

	blockNumber := uint32(req.Offset / BlockSize)
	if err := s.device.TransferBlock(data, blockNumber, OperationWrite); err != nil {
		s.log.Warn("block write failed", "block", blockNumber, "len", len(data), "error", err)
		return (&proto.WriteResponse{Len: transferErrno(err)}).Marshal(), false, nil
	}
	return (&proto.WriteResponse{Len: int32(len(data))}).Marshal(), false, nil
}

// handleSeek validates block alignment only; the driver keeps no
// per-open offset, so SEEK just echoes the absolute position back.
func (s *Server) handleSeek(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.SeekRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.SeekResponse{Offset: -int64(syscall.EINVAL)}).Marshal(), false, nil
	}
	if req.Offset < 0 || req.Offset%BlockSize != 0 {
		return (&proto.SeekResponse{Offset: -int64(syscall.EINVAL)}).Marshal(), false, nil
	}
	return (&proto.SeekResponse{Offset: req.Offset}).Marshal(), false, nil
}

// handleIoctl serves the driver's probe commands.
func (s *Server) handleIoctl(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.IoctlRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.IoctlResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	switch req.Command {
	case IoctlBlockSize:
		return (&proto.IoctlResponse{Container: u32Bytes(BlockSize)}).Marshal(), false, nil
	case IoctlCardState:
		return (&proto.IoctlResponse{Container: u32Bytes(uint32(s.device.State.State))}).Marshal(), false, nil
	case IoctlCardEject:
		s.device.State.CardEjected = true
		s.device.State.Initialized = false
		s.device.State.State = CardUninitialized
		return (&proto.IoctlResponse{}).Marshal(), false, nil
	case IoctlCardInsert:
		s.device.State.CardAbsent = false
		s.device.State.CardEjected = false
		return (&proto.IoctlResponse{}).Marshal(), false, nil
	default:
		return (&proto.IoctlResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
}

func u32Bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
