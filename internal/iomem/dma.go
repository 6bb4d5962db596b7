package iomem

import (
	"unsafe"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
)

// ControlBlock is the fixed 32-byte DMA control block layout the BCM283x
// DMA engine consumes. Field order and sizes are wire-exact.
type ControlBlock struct {
	TransferInformation uint32
	SourceAddress       uint32
	DestinationAddress  uint32
	TransferLength      uint32
	Stride              uint32
	NextControlBlock    uint32
	reserved            [2]uint32
}

var _ [32]byte = [unsafe.Sizeof(ControlBlock{})]byte{}

// DMA engine status bits, matching the BCM283x DMA CS register.
const (
	DMAStatusActive       uint32 = 1 << 0
	DMAStatusEnd          uint32 = 1 << 1
	DMAStatusInterrupt    uint32 = 1 << 2
	DMAStatusError        uint32 = 1 << 8
	DMAStatusWaitOutstand uint32 = 1 << 28
	DMAStatusAbort        uint32 = 1 << 30
	DMAStatusReset        uint32 = 1 << 31
)

// SharedBuffer is the externally attached shared-memory region a
// DMA_READ/DMA_WRITE step moves data into or out of. Every DMA step
// needs one attached; the transfer fails with a validation error
// otherwise.
type SharedBuffer interface {
	Bytes() []byte
}

// RawSharedBuffer is the trivial in-process SharedBuffer used by tests
// and by callers that already hold a []byte (e.g. an SDStore transfer
// buffer).
type RawSharedBuffer []byte

func (b RawSharedBuffer) Bytes() []byte { return b }

// DMAEngine drives channel 0, the sole channel the executor's single-
// writer loop ever touches; the control block behind it is a per-
// process singleton.
type DMAEngine interface {
	// Transfer performs the control-block-described move synchronously
	// from the executor's point of view and reports the terminal status
	// word (END or ERROR set).
	Transfer(cb ControlBlock, window Window, shared SharedBuffer, toShared bool) (status uint32, err error)
}

// SimDMAEngine performs the transfer as a direct memory copy against the
// Window and SharedBuffer, standing in for the real channel-0 register
// programming + poll-for-END sequence. There is no DMA silicon behind a
// MemoryWindow, so this is the engine every test and every non-hardware
// deployment uses.
type SimDMAEngine struct{}

func (SimDMAEngine) Transfer(cb ControlBlock, window Window, shared SharedBuffer, toShared bool) (uint32, error) {
	if shared == nil {
		return 0, ioerrors.New("DMA_TRANSFER", ioerrors.ClassValidation, "no shared buffer attached")
	}
	buf := shared.Bytes()
	length := cb.TransferLength
	if uint64(length) > uint64(len(buf)) {
		return DMAStatusEnd | DMAStatusError, ioerrors.New("DMA_TRANSFER", ioerrors.ClassValidation, "transfer length exceeds shared buffer")
	}

	mw, ok := window.(*MemoryWindow)
	if !ok {
		return DMAStatusEnd | DMAStatusError, ioerrors.New("DMA_TRANSFER", ioerrors.ClassIO, "window does not support direct DMA access")
	}

	var offset uint32
	if toShared {
		offset = cb.SourceAddress
	} else {
		offset = cb.DestinationAddress
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()
	if uint64(offset)+uint64(length) > uint64(len(mw.data)) {
		return DMAStatusEnd | DMAStatusError, ioerrors.New("DMA_TRANSFER", ioerrors.ClassValidation, "offset out of window")
	}
	if toShared {
		copy(buf[:length], mw.data[offset:offset+length])
	} else {
		copy(mw.data[offset:offset+length], buf[:length])
	}
	return DMAStatusEnd, nil
}
