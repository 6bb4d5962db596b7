package iomem

// StepKind identifies the action an MMIO program step performs.
type StepKind uint8

const (
	Read StepKind = iota
	ReadOr
	ReadAnd
	Write
	WritePrevRead
	WriteOrPrevRead
	WriteAndPrevRead
	LoopEq
	LoopNe
	LoopTrue
	LoopFalse
	Delay
	Sleep
	DMARead
	DMAWrite
)

func (k StepKind) isReadFamily() bool {
	switch k {
	case Read, ReadOr, ReadAnd, LoopEq, LoopNe, LoopTrue, LoopFalse:
		return true
	default:
		return false
	}
}

func (k StepKind) isWritePrevFamily() bool {
	switch k {
	case WritePrevRead, WriteOrPrevRead, WriteAndPrevRead:
		return true
	default:
		return false
	}
}

// ShiftType is the post-step shift direction applied to read-family steps.
type ShiftType uint8

const (
	ShiftNone ShiftType = iota
	ShiftLeft
	ShiftRight
)

// SleepUnit selects the time unit for a SLEEP step or a loop's per-
// iteration delay.
type SleepUnit uint8

const (
	SleepMillisecond SleepUnit = iota
	SleepSecond
)

// AbortType is the output-only field recording why a step stopped
// short, or AbortNone if it completed normally.
type AbortType uint8

const (
	AbortNone AbortType = iota
	AbortTimeout
	AbortInvalid
)

// Step is one instruction of an MMIO program. Offset, Value, LoopAnd,
// ShiftType/ShiftValue, SleepUnit/SleepAmount, LoopMax and
// FailureCondition/FailureValue are inputs; Value is also an output for
// read-family kinds; AbortType and Skipped are outputs only.
type Step struct {
	Kind    StepKind
	Offset  uint32
	Value   uint32
	LoopAnd uint32

	ShiftType  ShiftType
	ShiftValue uint

	SleepUnit   SleepUnit
	SleepAmount uint32

	LoopMax uint32

	FailureCondition bool
	FailureValue     uint32

	AbortType AbortType
	Skipped   bool
}

// Program is an ordered sequence of steps executed atomically from any
// other client's point of view (IOMem is single-threaded and
// single-writer over the peripheral window).
type Program struct {
	Steps []Step
}
