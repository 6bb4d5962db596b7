// Package iomem implements the peripheral MMIO gateway: it validates and
// executes MMIO programs against a Window, drives the DMA engine, the
// VideoCore mailbox property channel, and the GPIO register façade.
package iomem

import (
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
)

func usesOffset(k StepKind) bool {
	switch k {
	case Delay, Sleep:
		return false
	default:
		return true
	}
}

// Executor runs MMIO programs against a single peripheral Window.
// One Executor per gateway process, never shared concurrently across
// programs: the window has exactly one writer.
type Executor struct {
	Window Window
	DMA    DMAEngine
	Sleep  func(time.Duration)
}

func NewExecutor(w Window) *Executor {
	return &Executor{Window: w, DMA: SimDMAEngine{}, Sleep: time.Sleep}
}

// Validate rejects the whole program before any step runs if a
// WRITE_*_PREV_READ step lacks an immediately preceding read-family
// step, or if any offset-bearing step's offset falls outside the window.
func (e *Executor) Validate(p *Program) error {
	for i, step := range p.Steps {
		if step.Kind.isWritePrevFamily() {
			if i == 0 || !p.Steps[i-1].Kind.isReadFamily() {
				return ioerrors.New("MMIO_VALIDATE", ioerrors.ClassValidation, "write-prev-read step without preceding read step")
			}
		}
		if usesOffset(step.Kind) {
			if uint64(step.Offset)+4 > uint64(e.Window.Size()) {
				return ioerrors.New("MMIO_VALIDATE", ioerrors.ClassValidation, "offset out of peripheral window")
			}
		}
	}
	return nil
}

// Execute runs p's steps in order, mutating each Step's Value, AbortType
// and Skipped fields in place. It returns an error only for whole-
// program validation failures; a step timing out or hitting an unknown
// kind is reported in-band via AbortType, never as a Go error.
func (e *Executor) Execute(p *Program, shared SharedBuffer) error {
	if err := e.Validate(p); err != nil {
		return err
	}
	skip := false
	var prevRead uint32
	for i := range p.Steps {
		step := &p.Steps[i]
		if skip {
			step.Skipped = true
			step.AbortType = AbortNone
			continue
		}
		e.runStep(step, &prevRead, shared)
		if step.AbortType != AbortNone {
			skip = true
		}
	}
	return nil
}

func applyShift(v uint32, st ShiftType, amount uint) uint32 {
	switch st {
	case ShiftLeft:
		return v << amount
	case ShiftRight:
		return v >> amount
	default:
		return v
	}
}

func (e *Executor) sleepFor(unit SleepUnit, amount uint32) {
	d := time.Duration(amount) * time.Millisecond
	if unit == SleepSecond {
		d = time.Duration(amount) * time.Second
	}
	if e.Sleep != nil && amount > 0 {
		e.Sleep(d)
	}
}

func (e *Executor) runStep(step *Step, prevRead *uint32, shared SharedBuffer) {
	switch step.Kind {
	case Read:
		v, err := e.Window.Read32(step.Offset)
		if err != nil {
			step.AbortType = AbortInvalid
			return
		}
		step.Value = v
		*prevRead = v

	case ReadOr, ReadAnd:
		v, err := e.Window.Read32(step.Offset)
		if err != nil {
			step.AbortType = AbortInvalid
			return
		}
		if step.Kind == ReadOr {
			v |= step.Value
		} else {
			v &= step.Value
		}
		step.Value = v
		*prevRead = v

	case Write:
		if err := e.Window.Write32(step.Offset, step.Value); err != nil {
			step.AbortType = AbortInvalid
		}

	case WritePrevRead:
		if err := e.Window.Write32(step.Offset, *prevRead); err != nil {
			step.AbortType = AbortInvalid
		}

	case WriteOrPrevRead:
		if err := e.Window.Write32(step.Offset, *prevRead|step.Value); err != nil {
			step.AbortType = AbortInvalid
		}

	case WriteAndPrevRead:
		if err := e.Window.Write32(step.Offset, *prevRead&step.Value); err != nil {
			step.AbortType = AbortInvalid
		}

	case LoopEq, LoopNe, LoopTrue, LoopFalse:
		e.runLoop(step, prevRead)

	case Delay:
		for i := uint32(0); i < step.Value; i++ {
			// busy loop, matching the original's cycle-count delay
		}

	case Sleep:
		e.sleepFor(step.SleepUnit, step.SleepAmount)

	case DMARead, DMAWrite:
		e.runDMA(step, shared)

	default:
		step.AbortType = AbortInvalid
	}

	// loops shift inside each iteration; plain reads shift once here
	switch step.Kind {
	case Read, ReadOr, ReadAnd:
		if step.AbortType == AbortNone {
			step.Value = applyShift(step.Value, step.ShiftType, step.ShiftValue)
			*prevRead = step.Value
		}
	}
}

// runLoop keeps re-reading while the step's predicate holds: LOOP_EQ
// spins while the masked+shifted read equals step.Value, LOOP_TRUE
// while it is non-zero, and so on. Exhausting LoopMax or matching the
// failure predicate both record a timeout abort so the caller can inspect
// device state: on exhaustion step.Value holds the last masked+shifted
// read, on a failure-predicate match it holds the last raw read.
func (e *Executor) runLoop(step *Step, prevRead *uint32) {
	var iteration uint32
	for {
		raw, err := e.Window.Read32(step.Offset)
		if err != nil {
			step.AbortType = AbortInvalid
			return
		}
		masked := raw
		if step.LoopAnd != 0 {
			masked &= step.LoopAnd
		}
		shifted := applyShift(masked, step.ShiftType, step.ShiftValue)

		var spin bool
		switch step.Kind {
		case LoopEq:
			spin = shifted == step.Value
		case LoopNe:
			spin = shifted != step.Value
		case LoopTrue:
			spin = shifted != 0
		case LoopFalse:
			spin = shifted == 0
		}
		if !spin {
			step.Value = shifted
			*prevRead = shifted
			return
		}

		if step.FailureCondition && (raw&step.FailureValue) != 0 {
			step.Value = raw
			step.AbortType = AbortTimeout
			return
		}

		iteration++
		if iteration >= step.LoopMax {
			step.Value = shifted
			step.AbortType = AbortTimeout
			return
		}
		e.sleepFor(step.SleepUnit, step.SleepAmount)
	}
}

func (e *Executor) runDMA(step *Step, shared SharedBuffer) {
	cb := ControlBlock{
		SourceAddress:      step.Offset,
		DestinationAddress: step.Offset,
		TransferLength:     step.Value,
	}
	toShared := step.Kind == DMARead
	status, err := e.DMA.Transfer(cb, e.Window, shared, toShared)
	if err != nil || status&DMAStatusError != 0 {
		step.AbortType = AbortInvalid
		return
	}
}
