package devmgr

import (
	"os/exec"
	"path"
	"strings"
	"syscall"
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/metrics"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

// Server is the /dev namespace server. All state — registry, watch
// tree, ioctl capability table — hangs off this struct; there is no
// package-level mutable state. The server is driven single-threaded by
// the bus dispatch loop, so none of the contained structures carry
// locks of their own.
type Server struct {
	Pid      rpcbus.Pid
	bus      *rpcbus.Bus
	log      *logging.Logger
	registry *Registry
	watches  *WatchTree
	ioctls   *IoctlTable
	observer metrics.Observer

	// spawn is DEV_START's fork+exec seam; tests replace it.
	spawn func(argv []string) (int32, error)
}

func NewServer(bus *rpcbus.Bus, pid rpcbus.Pid, log *logging.Logger) *Server {
	s := &Server{
		Pid:      pid,
		bus:      bus,
		log:      log,
		registry: NewRegistry(),
		watches:  NewWatchTree(),
		ioctls:   NewIoctlTable(),
		observer: metrics.NoOpObserver{},
		spawn:    spawnDaemon,
	}
	s.bind()
	return s
}

// SetObserver installs a metrics observer for request accounting.
func (s *Server) SetObserver(o metrics.Observer) {
	if o != nil {
		s.observer = o
	}
}

// Registry exposes the device table for inspection (tests, status
// ioctls); mutation goes through the RPC handlers only.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) bind() {
	s.bus.Bind(s.Pid, proto.VFSAdd, s.observed(s.handleAdd))
	s.bus.Bind(s.Pid, proto.VFSOpen, s.observed(s.handleOpen))
	s.bus.Bind(s.Pid, proto.VFSStat, s.observed(s.handleStat))
	s.bus.Bind(s.Pid, proto.VFSRemove, s.observed(s.handleRemove))
	s.bus.Bind(s.Pid, proto.VFSWatchRegister, s.observed(s.handleWatchRegister))
	s.bus.Bind(s.Pid, proto.VFSWatchRelease, s.observed(s.handleWatchRelease))
	s.bus.Bind(s.Pid, proto.VFSWatchNotify, s.observed(s.handleWatchNotify))
	s.bus.Bind(s.Pid, proto.VFSExit, s.observed(s.handleExit))
	s.bus.Bind(s.Pid, proto.VFSClose, s.observed(s.handleHousekeeping))
	s.bus.Bind(s.Pid, proto.VFSFork, s.observed(s.handleHousekeeping))
	s.bus.Bind(s.Pid, proto.DevStart, s.observed(s.handleStart))
	s.bus.Bind(s.Pid, proto.DevKill, s.observed(s.handleKill))

	// forwarded operations share one handler shape: validate, look up
	// the owner, re-raise with a continuation
	for _, op := range []rpcbus.Opcode{
		proto.VFSRead, proto.VFSWrite, proto.VFSSeek,
		proto.VFSIoctl, proto.VFSMount, proto.VFSUmount,
	} {
		op := op
		s.bus.Bind(s.Pid, op, s.observed(func(msg rpcbus.Message) ([]byte, bool, error) {
			return s.forward(op, msg)
		}))
	}
}

func (s *Server) observed(h rpcbus.Handler) rpcbus.Handler {
	return func(msg rpcbus.Message) ([]byte, bool, error) {
		start := time.Now()
		resp, forward, err := h(msg)
		s.observer.ObserveRequest(uint64(time.Since(start).Nanoseconds()), forward, err == nil)
		return resp, forward, err
	}
}

// handleAdd registers a new device entry, extends the owner's ioctl
// capability table and notifies the parent directory's watchers.
func (s *Server) handleAdd(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.AddRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.AddResponse{Status: proto.AddStatusError}).Marshal(), false, nil
	}
	owner := rpcbus.Pid(req.Handler)
	// a process may add entries for itself only; the VFS root relays
	// with the true origin intact
	if owner != msg.Origin {
		s.log.Warn("add rejected, origin mismatch", "path", req.Path, "origin", msg.Origin, "handler", req.Handler)
		return (&proto.AddResponse{Status: proto.AddStatusError}).Marshal(), false, nil
	}
	entry, existed, err := s.registry.Add(req.Path, owner, req.Stat, req.DeviceInfo)
	if err != nil {
		s.log.Warn("add rejected", "path", req.Path, "error", err)
		return (&proto.AddResponse{Status: proto.AddStatusError}).Marshal(), false, nil
	}
	if existed {
		return (&proto.AddResponse{
			Status:  proto.AddStatusAlreadyExist,
			Handler: int32(entry.Owner),
		}).Marshal(), false, nil
	}
	s.ioctls.Declare(owner, req.DeviceInfo)
	s.log.Debug("device added", "path", req.Path, "handler", req.Handler)
	s.notifyWatchers(path.Dir(req.Path))
	return (&proto.AddResponse{Status: proto.AddStatusSuccess, Handler: req.Handler}).Marshal(), false, nil
}

func (s *Server) lookup(data []byte) *proto.LookupResponse {
	var req proto.PathRequest
	if err := req.Unmarshal(data); err != nil {
		return &proto.LookupResponse{}
	}
	entry, err := s.registry.Open(req.Path)
	if err != nil {
		return &proto.LookupResponse{}
	}
	return &proto.LookupResponse{Success: true, Handler: int32(entry.Owner), Stat: entry.Stat}
}

// handleOpen is a pure lookup; OPEN reserves no state in DevMgr.
func (s *Server) handleOpen(msg rpcbus.Message) ([]byte, bool, error) {
	return s.lookup(msg.Data).Marshal(), false, nil
}

func (s *Server) handleStat(msg rpcbus.Message) ([]byte, bool, error) {
	return s.lookup(msg.Data).Marshal(), false, nil
}

// handleRemove deletes the entry and notifies the parent directory's
// watchers. Only the owning process may remove its entry.
func (s *Server) handleRemove(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.PathRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return statusErrno(syscall.EINVAL), false, nil
	}
	entry, err := s.registry.Open(req.Path)
	if err != nil {
		return statusErrno(syscall.ENOENT), false, nil
	}
	if entry.Owner != msg.Origin {
		return statusErrno(syscall.EINVAL), false, nil
	}
	if _, err := s.registry.Remove(req.Path); err != nil {
		return statusErrno(syscall.ENOENT), false, nil
	}
	s.log.Debug("device removed", "path", req.Path)
	s.notifyWatchers(path.Dir(req.Path))
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

// forward re-raises msg to the owning driver process with a
// continuation; the bus resumes the original caller when the driver
// replies. Owner death between lookup and raise surfaces as EIO, never
// as a dropped request.
func (s *Server) forward(op rpcbus.Opcode, msg rpcbus.Message) ([]byte, bool, error) {
	target, errResp := s.forwardTarget(op, msg)
	if errResp != nil {
		return errResp, false, nil
	}
	if _, err := s.bus.Forward(target, msg, op, msg.Data); err != nil {
		s.log.Warn("forward failed", "op", op, "owner", target, "error", err)
		return s.forwardErrorResponse(op, syscall.EIO), false, nil
	}
	return nil, true, nil
}

// forwardTarget parses just enough of the request to resolve the
// owning pid, returning a ready-made error response when validation or
// lookup fails.
func (s *Server) forwardTarget(op rpcbus.Opcode, msg rpcbus.Message) (rpcbus.Pid, []byte) {
	var devicePath string
	switch op {
	case proto.VFSRead:
		var req proto.ReadRequest
		if err := req.Unmarshal(msg.Data); err != nil {
			return 0, s.forwardErrorResponse(op, syscall.EINVAL)
		}
		devicePath = req.Path
	case proto.VFSWrite:
		var req proto.WriteRequest
		if err := req.Unmarshal(msg.Data); err != nil {
			return 0, s.forwardErrorResponse(op, syscall.EINVAL)
		}
		devicePath = req.Path
	case proto.VFSSeek:
		var req proto.SeekRequest
		if err := req.Unmarshal(msg.Data); err != nil {
			return 0, s.forwardErrorResponse(op, syscall.EINVAL)
		}
		devicePath = req.Path
	case proto.VFSIoctl:
		var req proto.IoctlRequest
		if err := req.Unmarshal(msg.Data); err != nil {
			return 0, s.forwardErrorResponse(op, syscall.EINVAL)
		}
		entry, err := s.registry.Open(req.Path)
		if err != nil {
			return 0, s.forwardErrorResponse(op, syscall.ENOENT)
		}
		if !s.ioctls.Allows(entry.Owner, req.Command) {
			return 0, s.forwardErrorResponse(op, syscall.EINVAL)
		}
		return entry.Owner, nil
	case proto.VFSMount:
		var req proto.MountRequest
		if err := req.Unmarshal(msg.Data); err != nil {
			return 0, s.forwardErrorResponse(op, syscall.EINVAL)
		}
		devicePath = req.Source
	case proto.VFSUmount:
		var req proto.PathRequest
		if err := req.Unmarshal(msg.Data); err != nil {
			return 0, s.forwardErrorResponse(op, syscall.EINVAL)
		}
		devicePath = req.Path
	default:
		return 0, s.forwardErrorResponse(op, syscall.EINVAL)
	}
	entry, err := s.registry.Open(devicePath)
	if err != nil {
		return 0, s.forwardErrorResponse(op, syscall.ENOENT)
	}
	return entry.Owner, nil
}

// forwardErrorResponse synthesizes the op-appropriate error reply so a
// failed forward still produces exactly one response to the origin.
func (s *Server) forwardErrorResponse(op rpcbus.Opcode, errno syscall.Errno) []byte {
	switch op {
	case proto.VFSRead:
		return (&proto.ReadResponse{Len: -int32(errno)}).Marshal()
	case proto.VFSWrite:
		return (&proto.WriteResponse{Len: -int32(errno)}).Marshal()
	case proto.VFSSeek:
		return (&proto.SeekResponse{Offset: -int64(errno)}).Marshal()
	case proto.VFSIoctl:
		return (&proto.IoctlResponse{Status: -int32(errno)}).Marshal()
	default:
		return statusErrno(errno)
	}
}

func statusErrno(errno syscall.Errno) []byte {
	return (&proto.StatusResponse{Status: -int32(errno)}).Marshal()
}

func (s *Server) handleWatchRegister(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.WatchRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return statusErrno(syscall.EINVAL), false, nil
	}
	if s.watches.Register(req.Path, rpcbus.Pid(req.Handler)) {
		// already registered: idempotent, surfaced as a soft status
		return statusErrno(syscall.EEXIST), false, nil
	}
	s.log.Debug("watch registered", "path", req.Path, "pid", req.Handler)
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleWatchRelease(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.WatchRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return statusErrno(syscall.EINVAL), false, nil
	}
	s.watches.Release(req.Path, rpcbus.Pid(req.Handler))
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

// handleWatchNotify is the fire-and-forget notification entry point.
func (s *Server) handleWatchNotify(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.PathRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return nil, false, nil
	}
	s.notifyWatchers(req.Path)
	return nil, false, nil
}

// notifyWatchers emits one VFS_WATCH_NOTIFY event per subscriber of
// dir. Delivery failure to a dead subscriber is non-fatal and is not
// retried.
func (s *Server) notifyWatchers(dir string) {
	event := (&proto.PathRequest{Path: dir}).Marshal()
	for _, pid := range s.watches.Subscribers(dir) {
		if err := s.bus.Notify(s.Pid, pid, proto.VFSWatchNotify, event); err != nil {
			s.log.Debug("watch notify skipped", "path", dir, "pid", pid, "error", err)
		}
	}
}

// handleExit reaps the exiting process's ioctl capabilities. Device
// entries are deliberately retained until explicit REMOVE — a known
// hazard carried over intentionally; see the package documentation.
func (s *Server) handleExit(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.PidRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return statusErrno(syscall.EINVAL), false, nil
	}
	s.ioctls.Reap(rpcbus.Pid(req.Pid))
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

func (s *Server) handleHousekeeping(msg rpcbus.Message) ([]byte, bool, error) {
	return (&proto.StatusResponse{}).Marshal(), false, nil
}

// handleStart forks a child that execs the named daemon binary and
// returns its pid.
func (s *Server) handleStart(msg rpcbus.Message) ([]byte, bool, error) {
	var req proto.StartRequest
	if err := req.Unmarshal(msg.Data); err != nil {
		return (&proto.StartResponse{Pid: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	argv := strings.Fields(req.Pathspec)
	if len(argv) == 0 {
		return (&proto.StartResponse{Pid: -int32(syscall.EINVAL)}).Marshal(), false, nil
	}
	pid, err := s.spawn(argv)
	if err != nil {
		s.log.Warn("daemon start failed", "pathspec", req.Pathspec, "error", err)
		return (&proto.StartResponse{Pid: -int32(syscall.EIO)}).Marshal(), false, nil
	}
	s.log.Info("daemon started", "pathspec", req.Pathspec, "pid", pid)
	return (&proto.StartResponse{Pid: pid}).Marshal(), false, nil
}

// handleKill is a reserved stub.
func (s *Server) handleKill(msg rpcbus.Message) ([]byte, bool, error) {
	return statusErrno(syscall.EINVAL), false, nil
}

func spawnDaemon(argv []string) (int32, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return 0, ioerrors.Wrap("DEV_START", err)
	}
	pid := int32(cmd.Process.Pid)
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
