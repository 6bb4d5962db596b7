// Package rpcbus models the microkernel RPC primitives DevMgr, IOMem and
// SDStore are built on: rpc_bind, rpc_raise, rpc_get_data, rpc_set_ready
// and rpc_validate_origin. The real primitives are a syscall boundary
// into the kernel and are out of scope; this package defines the
// contract the three servers consume and ships an in-process transport
// implementing it as the concrete Bus type, so the servers run and
// test without a real microkernel underneath.
package rpcbus

import (
	"sync"
	"sync/atomic"
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
)

// Opcode identifies an RPC operation, e.g. ADD, OPEN, MMIO_PERFORM.
type Opcode uint32

// Pid identifies a bound process. Pid 0 is never valid.
type Pid int32

// Message is one inbound RPC delivery.
type Message struct {
	Origin     Pid
	Correlator uint64
	Opcode     Opcode
	Data       []byte
}

// Handler processes one Message. Returning forward=true means the
// handler has re-raised the request to another process via Bus.Forward
// and does not produce a reply yet; the dispatch loop does not call
// Return on the handler's behalf in that case. Returning forward=false
// means resp is the final reply payload, delivered via Return.
type Handler func(msg Message) (resp []byte, forward bool, err error)

// dataEntry is what rpc_get_data/rpc_validate_origin read back.
type dataEntry struct {
	origin Pid
	data   []byte
}

// sink is where a correlator's eventual Return ends up: either an
// external synchronous caller's reply channel (chanSink) or another
// correlator to cascade the same payload into (corrSink) — this is how
// a multi-hop forward (client → DevMgr → SDStore → IOMem) resolves: each
// hop's Return recursively resolves its caller's sink, exactly one
// final delivery reaching the original caller regardless of chain depth.
type sink struct {
	ch    chan []byte // set for a leaf sink
	corr  uint64      // set for a chained sink
	chain bool
}

// Bus is the in-process transport implementing the rpc_* primitives.
// Zero value is not usable; construct with New.
type Bus struct {
	mu       sync.Mutex
	nextCorr uint64
	inboxes  map[Pid]chan Message
	handlers map[Pid]map[Opcode]Handler
	data     map[uint64]dataEntry
	sinks    map[uint64]sink
}

func New() *Bus {
	return &Bus{
		inboxes:  make(map[Pid]chan Message),
		handlers: make(map[Pid]map[Opcode]Handler),
		data:     make(map[uint64]dataEntry),
		sinks:    make(map[uint64]sink),
	}
}

func (b *Bus) inboxLocked(pid Pid) chan Message {
	ch, ok := b.inboxes[pid]
	if !ok {
		ch = make(chan Message, 64)
		b.inboxes[pid] = ch
	}
	return ch
}

// Bind registers h as pid's handler for op, analogous to rpc_bind
// wiring an opcode into a process's own dispatch table.
func (b *Bus) Bind(pid Pid, op Opcode, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboxLocked(pid)
	if b.handlers[pid] == nil {
		b.handlers[pid] = make(map[Opcode]Handler)
	}
	b.handlers[pid][op] = h
}

func (b *Bus) nextCorrelator() uint64 {
	return atomic.AddUint64(&b.nextCorr, 1)
}

// raise delivers data to target as opcode op and records sink as
// where its eventual Return should go.
func (b *Bus) raise(origin, target Pid, op Opcode, data []byte, s sink) (uint64, error) {
	b.mu.Lock()
	inbox, ok := b.inboxes[target]
	if !ok {
		b.mu.Unlock()
		return 0, ioerrors.New("RAISE", ioerrors.ClassNotFound, "target process has no inbox bound")
	}
	corr := b.nextCorrelator()
	b.data[corr] = dataEntry{origin: origin, data: data}
	b.sinks[corr] = s
	b.mu.Unlock()

	inbox <- Message{Origin: origin, Correlator: corr, Opcode: op, Data: data}
	return corr, nil
}

// Call is the synchronous entry point an external caller (a VFS-root
// stand-in, or a test harness) uses to issue the first request in a
// chain and block for its final reply, however many hops it takes to
// produce one.
func (b *Bus) Call(origin, target Pid, op Opcode, data []byte, timeout time.Duration) ([]byte, error) {
	ch := make(chan []byte, 1)
	_, err := b.raise(origin, target, op, data, sink{ch: ch})
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, ioerrors.New("CALL", ioerrors.ClassDeviceTimeout, "no reply within timeout")
	}
}

// Forward re-raises the request behind msg to target as opcode op,
// chaining the new correlator's eventual Return back to msg's own
// correlator. This is the async-completion pattern: a handler that
// cannot finish synchronously forwards to the owning process and
// returns immediately; later the owner's Return resumes whatever is
// waiting on msg.Correlator, cascading through any number of hops.
func (b *Bus) Forward(target Pid, msg Message, op Opcode, data []byte) (uint64, error) {
	return b.raise(msg.Origin, target, op, data, sink{corr: msg.Correlator, chain: true})
}

// Notify delivers data to target as a fire-and-forget event: no sink
// is recorded, so whatever the handler returns is discarded. Used for
// watch notifications, where delivery failure to a dead subscriber is
// the caller's non-fatal business.
func (b *Bus) Notify(origin, target Pid, op Opcode, data []byte) error {
	b.mu.Lock()
	inbox, ok := b.inboxes[target]
	b.mu.Unlock()
	if !ok {
		return ioerrors.New("NOTIFY", ioerrors.ClassNotFound, "target process has no inbox bound")
	}
	select {
	case inbox <- Message{Origin: origin, Correlator: 0, Opcode: op, Data: data}:
		return nil
	default:
		return ioerrors.New("NOTIFY", ioerrors.ClassIO, "target inbox full")
	}
}

// GetData returns the payload registered under correlator by Raise,
// mirroring rpc_get_data. ok is false if the correlator is unknown or
// was already consumed.
func (b *Bus) GetData(correlator uint64) (data []byte, origin Pid, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, found := b.data[correlator]
	if !found {
		return nil, 0, false
	}
	return e.data, e.origin, true
}

// ValidateOrigin reports whether correlator's recorded origin matches
// claimed, mirroring rpc_validate_origin's defense against a process
// completing someone else's request.
func (b *Bus) ValidateOrigin(correlator uint64, claimed Pid) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.data[correlator]
	return ok && e.origin == claimed
}

// SetReady marks pid ready to receive further deliveries. In the
// in-process transport every bound pid is always ready; SetReady exists
// so callers mirror the real rpc_set_ready call site and the method
// gives future scheduling policy somewhere to live.
func (b *Bus) SetReady(Pid) {}

// Return completes correlator with resp, cascading through any chained
// sink until it reaches the leaf (a synchronous Call's reply channel).
// A continuation is destroyed exactly once, here; every raised request
// produces exactly one final delivery.
func (b *Bus) Return(correlator uint64, resp []byte) {
	b.mu.Lock()
	delete(b.data, correlator)
	s, ok := b.sinks[correlator]
	if ok {
		delete(b.sinks, correlator)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if s.chain {
		b.Return(s.corr, resp)
		return
	}
	if s.ch != nil {
		s.ch <- resp
	}
}

// Inbox returns pid's delivery channel, creating it if this is the
// first reference, used by a server's dispatch loop to receive Messages
// sent via Raise/Forward completions.
func (b *Bus) Inbox(pid Pid) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inboxLocked(pid)
}

// Run drives pid's dispatch loop until stop is closed, invoking the
// Handler bound via Bind for every inbound Message and calling Return
// automatically for non-forwarded replies.
func (b *Bus) Run(pid Pid, stop <-chan struct{}) {
	inbox := b.Inbox(pid)
	for {
		select {
		case <-stop:
			return
		case msg := <-inbox:
			b.mu.Lock()
			h := b.handlers[pid][msg.Opcode]
			b.mu.Unlock()
			if h == nil {
				// an unbound opcode still owes its caller a reply
				b.Return(msg.Correlator, nil)
				continue
			}
			resp, forward, err := h(msg)
			if forward {
				continue
			}
			if err != nil {
				if e, ok := err.(*ioerrors.Error); ok {
					resp = []byte(e.Msg)
				}
			}
			b.Return(msg.Correlator, resp)
		}
	}
}
