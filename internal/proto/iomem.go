package proto

import "encoding/binary"

// MMIOEntry is the wire form of one MMIO program step: thirteen
// little-endian 32-bit words, fixed layout. AbortType and Skipped are
// output-only; the executor fills them and the whole entry travels
// back to the caller so reads and failure outputs are visible.
type MMIOEntry struct {
	Type             uint32
	Offset           uint32
	Value            uint32
	LoopAnd          uint32
	LoopMaxIteration uint32
	ShiftType        uint32
	ShiftValue       uint32
	SleepType        uint32
	Sleep            uint32
	FailureCondition uint32
	FailureValue     uint32
	AbortType        uint32
	Skipped          uint32
}

// MMIOEntrySize is the wire size of one entry in bytes.
const MMIOEntrySize = 13 * 4

// MMIOEntry.Type values.
const (
	MMIOActionRead uint32 = iota
	MMIOActionReadOr
	MMIOActionReadAnd
	MMIOActionWrite
	MMIOActionWritePreviousRead
	MMIOActionWriteOrPreviousRead
	MMIOActionWriteAndPreviousRead
	MMIOActionLoopEqual
	MMIOActionLoopNotEqual
	MMIOActionLoopTrue
	MMIOActionLoopFalse
	MMIOActionDelay
	MMIOActionSleep
	MMIOActionDMARead
	MMIOActionDMAWrite
)

// MMIOEntry.ShiftType values.
const (
	MMIOShiftNone uint32 = iota
	MMIOShiftLeft
	MMIOShiftRight
)

// MMIOEntry.SleepType values.
const (
	MMIOSleepMilliseconds uint32 = iota
	MMIOSleepSeconds
)

// MMIOEntry.AbortType values.
const (
	MMIOAbortNone uint32 = iota
	MMIOAbortTimeout
	MMIOAbortInvalid
)

// MMIOEntry.FailureCondition values.
const (
	MMIOFailureConditionOff uint32 = iota
	MMIOFailureConditionOn
)

func (e *MMIOEntry) marshalTo(buf []byte) {
	words := [13]uint32{
		e.Type, e.Offset, e.Value, e.LoopAnd, e.LoopMaxIteration,
		e.ShiftType, e.ShiftValue, e.SleepType, e.Sleep,
		e.FailureCondition, e.FailureValue, e.AbortType, e.Skipped,
	}
	for i, v := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
}

func (e *MMIOEntry) unmarshalFrom(buf []byte) {
	var words [13]uint32
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	e.Type = words[0]
	e.Offset = words[1]
	e.Value = words[2]
	e.LoopAnd = words[3]
	e.LoopMaxIteration = words[4]
	e.ShiftType = words[5]
	e.ShiftValue = words[6]
	e.SleepType = words[7]
	e.Sleep = words[8]
	e.FailureCondition = words[9]
	e.FailureValue = words[10]
	e.AbortType = words[11]
	e.Skipped = words[12]
}

// MMIORequest is an ordered MMIO program; the response reuses the same
// layout with the executor's outputs filled in. ShmID names the
// externally attached shared-memory region DMA steps move data
// through, zero when the program has none.
type MMIORequest struct {
	ShmID   uint32
	Entries []MMIOEntry
}

func (q *MMIORequest) Marshal() []byte {
	buf := make([]byte, 8+len(q.Entries)*MMIOEntrySize)
	binary.LittleEndian.PutUint32(buf, q.ShmID)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(q.Entries)))
	for i := range q.Entries {
		q.Entries[i].marshalTo(buf[8+i*MMIOEntrySize:])
	}
	return buf
}

func (q *MMIORequest) Unmarshal(data []byte) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	q.ShmID = binary.LittleEndian.Uint32(data)
	n := int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) < 8+n*MMIOEntrySize {
		return ErrInsufficientData
	}
	q.Entries = make([]MMIOEntry, n)
	for i := range q.Entries {
		q.Entries[i].unmarshalFrom(data[8+i*MMIOEntrySize:])
	}
	return nil
}

// MailboxRequest is a raw VideoCore property buffer in 32-bit
// little-endian words; the response is the mutated buffer.
type MailboxRequest struct {
	Words []uint32
}

func (q *MailboxRequest) Marshal() []byte {
	buf := make([]byte, len(q.Words)*4)
	for i, v := range q.Words {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func (q *MailboxRequest) Unmarshal(data []byte) error {
	if len(data)%4 != 0 {
		return ErrInsufficientData
	}
	q.Words = make([]uint32, len(data)/4)
	for i := range q.Words {
		q.Words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return nil
}

// GPIORequest is the shared request shape of the GPIO calls: a pin
// plus up to two operation-specific arguments (function code, pull
// code, detect kind and set/clear value).
type GPIORequest struct {
	Pin  uint32
	Arg1 uint32
	Arg2 uint32
}

func (q *GPIORequest) Marshal() []byte {
	var w writer
	w.u32(q.Pin)
	w.u32(q.Arg1)
	w.u32(q.Arg2)
	return w.buf
}

func (q *GPIORequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Pin = r.u32()
	q.Arg1 = r.u32()
	q.Arg2 = r.u32()
	return r.err
}

// GPIOValueResponse answers GPIO_STATUS and GPIO_EVENT.
type GPIOValueResponse struct {
	Status int32
	Value  uint32
}

func (p *GPIOValueResponse) Marshal() []byte {
	var w writer
	w.i32(p.Status)
	w.u32(p.Value)
	return w.buf
}

func (p *GPIOValueResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Status = r.i32()
	p.Value = r.u32()
	return r.err
}

// GPIODetectKind values for GPIORequest.Arg1 on GPIO_SET_DETECT.
const (
	GPIODetectRisingEdge uint32 = iota
	GPIODetectFallingEdge
	GPIODetectHighLevel
	GPIODetectLowLevel
)

// Pull codes for GPIORequest.Arg1 on GPIO_SET_PULL, matching the
// GPPUD register encoding.
const (
	GPIOPullNone uint32 = iota
	GPIOPullDown
	GPIOPullUp
)
