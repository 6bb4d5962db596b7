package iomem

import (
	"syscall"
	"time"

	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/metrics"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
	"periph.io/x/conn/v3/gpio"
)

// Server exposes the peripheral gateway over RPC: MMIO program
// execution, mailbox transactions and the GPIO register façade. One
// Server owns the Window; every other process reaches hardware only
// through these handlers, which the bus dispatch loop serializes.
type Server struct {
	Pid      rpcbus.Pid
	bus      *rpcbus.Bus
	log      *logging.Logger
	exec     *Executor
	gpio     *GPIO
	mailbox  *Mailbox
	observer metrics.Observer

	// Shared resolves a request's shm id to the attached buffer DMA
	// steps move data through; nil means no shared memory support.
	Shared func(shmID uint32) SharedBuffer

	mmioLockOwner rpcbus.Pid
	gpioLockOwner rpcbus.Pid
}

func NewServer(bus *rpcbus.Bus, pid rpcbus.Pid, log *logging.Logger, w Window, mboxBase uint32, translate Translator) *Server {
	s := &Server{
		Pid:      pid,
		bus:      bus,
		log:      log,
		exec:     NewExecutor(w),
		gpio:     NewGPIO(w),
		mailbox:  NewMailbox(w, mboxBase, translate),
		observer: metrics.NoOpObserver{},
	}
	s.bind()
	return s
}

// Executor exposes the underlying executor for in-process callers (the
// SDStore driver links against it directly when colocated).
func (s *Server) Executor() *Executor { return s.exec }

func (s *Server) SetObserver(o metrics.Observer) {
	if o != nil {
		s.observer = o
	}
}

func (s *Server) bind() {
	handlers := map[rpcbus.Opcode]rpcbus.Handler{
		proto.IOMemMMIOPerform:     s.handlePerform,
		proto.IOMemMMIOLock:        s.handleMMIOLock,
		proto.IOMemMMIOUnlock:      s.handleMMIOUnlock,
		proto.IOMemMailbox:         s.handleMailbox,
		proto.IOMemGPIOSetFunction: s.handleGPIOSetFunction,
		proto.IOMemGPIOSetPull:     s.handleGPIOSetPull,
		proto.IOMemGPIOSetDetect:   s.handleGPIOSetDetect,
		proto.IOMemGPIOStatus:      s.handleGPIOStatus,
		proto.IOMemGPIOEvent:       s.handleGPIOEvent,
		proto.IOMemGPIOLock:        s.handleGPIOLock,
		proto.IOMemGPIOUnlock:      s.handleGPIOUnlock,
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

// StepFromEntry converts a wire entry into an executor step.
func StepFromEntry(e proto.MMIOEntry) Step {
	return Step{
		Kind:             StepKind(e.Type),
		Offset:           e.Offset,
		Value:            e.Value,
		LoopAnd:          e.LoopAnd,
		LoopMax:          e.LoopMaxIteration,
		ShiftType:        ShiftType(e.ShiftType),
		ShiftValue:       uint(e.ShiftValue),
		SleepUnit:        SleepUnit(e.SleepType),
		SleepAmount:      e.Sleep,
		FailureCondition: e.FailureCondition == proto.MMIOFailureConditionOn,
		FailureValue:     e.FailureValue,
	}
}

// EntryFromStep converts an executed step back to its wire form,
// carrying the executor's outputs.
func EntryFromStep(s Step) proto.MMIOEntry {
	e := proto.MMIOEntry{
		Type:             uint32(s.Kind),
		Offset:           s.Offset,
		Value:            s.Value,
		LoopAnd:          s.LoopAnd,
		LoopMaxIteration: s.LoopMax,
		ShiftType:        uint32(s.ShiftType),
		ShiftValue:       uint32(s.ShiftValue),
		SleepType:        uint32(s.SleepUnit),
		Sleep:            s.SleepAmount,
		FailureValue:     s.FailureValue,
		AbortType:        uint32(s.AbortType),
	}
	if s.FailureCondition {
		e.FailureCondition = proto.MMIOFailureConditionOn
	}
	if s.Skipped {
		e.Skipped = 1
	}
	return e
}

// handlePerform executes a client MMIO program and returns the mutated
// program so reads and abort outputs are visible to the caller. A step
// timing out is not a server error; only whole-program validation
// failures surface as a status.
func (s *Server) handlePerform(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.MMIORequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.StatusResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	program := &Program{Steps: make([]Step, len(req.Entries))}
	for i, e := range req.Entries {
		program.Steps[i] = StepFromEntry(e)
	}
	var shared SharedBuffer
	if req.ShmID != 0 && s.Shared != nil {
		shared = s.Shared(req.ShmID)
	}
	if err := s.exec.Execute(program, shared); err != nil {
		s.log.Debug("mmio program rejected", "origin", msg.Origin, "error", err)
		return (&proto.StatusResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	for i := range program.Steps {
		req.Entries[i] = EntryFromStep(program.Steps[i])
	}
	return req.Marshal(), false, nil
}

func (s *Server) handleMailbox(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.MailboxRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.StatusResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	buf := make([]byte, len(msg.Data))
	copy(buf, msg.Data)
	out, err := s.mailbox.Call(buf)
	if err != nil {
		s.log.Warn("mailbox transaction failed", "origin", msg.Origin, "error", err)
		return (&proto.StatusResponse{Status: -int32(syscall.EIO)}).Marshal(), false, nil
	}
	return out, false, nil
}

// Advisory locks: client-scoped exclusion, first-come ownership, no
// queueing. Callers racing without the lock race on hardware too.
func (s *Server) handleMMIOLock(msg rpcbus.Message) ([]byte, bool, error) {
	if s.mmioLockOwner != 0 && s.mmioLockOwner != msg.Origin {
		return (&proto.StatusResponse{Status: -int32(syscall.EBUSY)}).Marshal(), false, nil
	}
	s.mmioLockOwner = msg.Origin
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleMMIOUnlock(msg rpcbus.Message) ([]byte, bool, error) {
	if s.mmioLockOwner == msg.Origin {
		s.mmioLockOwner = 0
	}
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleGPIOLock(msg rpcbus.Message) ([]byte, bool, error) {
	if s.gpioLockOwner != 0 && s.gpioLockOwner != msg.Origin {
		return (&proto.StatusResponse{Status: -int32(syscall.EBUSY)}).Marshal(), false, nil
	}
	s.gpioLockOwner = msg.Origin
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleGPIOUnlock(msg rpcbus.Message) ([]byte, bool, error) {
	if s.gpioLockOwner == msg.Origin {
		s.gpioLockOwner = 0
	}
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func parseGPIO(data []byte) (proto.GPIORequest, bool) {
	var req proto.GPIORequest
	if err := req.Unmarshal(data); err != nil {
		return req, false
	}
	return req, req.Pin < 54
}

func (s *Server) handleGPIOSetFunction(msg rpcbus.Message) ([]byte, bool, error) {
	req, ok := parseGPIO(msg.Data)
	if !ok {
		return (&proto.StatusResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	if err := s.gpio.SetFunction(int(req.Pin), req.Arg1); err != nil {
		return (&proto.StatusResponse{Status: -int32(syscall.EIO)}).Marshal(), false, nil
	}
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleGPIOSetPull(msg rpcbus.Message) ([]byte, bool, error) {
	req, ok := parseGPIO(msg.Data)
	if !ok {
		return (&proto.StatusResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	var pull gpio.Pull
	switch req.Arg1 {
	case proto.GPIOPullDown:
		pull = gpio.PullDown
	case proto.GPIOPullUp:
		pull = gpio.PullUp
	case proto.GPIOPullNone:
		pull = gpio.Float
	default:
		return (&proto.StatusResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	if err := s.gpio.SetPull(int(req.Pin), pull); err != nil {
		return (&proto.StatusResponse{Status: -int32(syscall.EIO)}).Marshal(), false, nil
	}
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleGPIOSetDetect(msg rpcbus.Message) ([]byte, bool, error) {
	req, ok := parseGPIO(msg.Data)
	if !ok || req.Arg1 > proto.GPIODetectLowLevel {
		return (&proto.StatusResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	if err := s.gpio.SetDetect(int(req.Pin), DetectKind(req.Arg1), req.Arg2 != 0); err != nil {
		return (&proto.StatusResponse{Status: -int32(syscall.EIO)}).Marshal(), false, nil
	}
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleGPIOStatus(msg rpcbus.Message) ([]byte, bool, error) {
	req, ok := parseGPIO(msg.Data)
	if !ok {
		return (&proto.GPIOValueResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	level, err := s.gpio.Status(int(req.Pin))
	if err != nil {
		return (&proto.GPIOValueResponse{Status: -int32(syscall.EIO)}).Marshal(), false, nil
	}
	resp := &proto.GPIOValueResponse{}
	if level == gpio.High {
		resp.Value = 1
	}
	return resp.Marshal(), false, nil
}

func (s *Server) handleGPIOEvent(msg rpcbus.Message) ([]byte, bool, error) {
	req, ok := parseGPIO(msg.Data)
	if !ok {
		return (&proto.GPIOValueResponse{Status: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	fired, err := s.gpio.Event(int(req.Pin))
	if err != nil {
		return (&proto.GPIOValueResponse{Status: -int32(syscall.EIO)}).Marshal(), false, nil
	}
	resp := &proto.GPIOValueResponse{}
	if fired {
		resp.Value = 1
	}
	return resp.Marshal(), false, nil
}
