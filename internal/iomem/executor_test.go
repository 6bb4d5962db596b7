package iomem

import (
	"testing"
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(time.Duration) {}

func TestReadThenWritePrevRead(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(0x10, 0xDEADBEEF))
	ex := NewExecutor(w)
	ex.Sleep = noSleep

	p := &Program{Steps: []Step{
		{Kind: Read, Offset: 0x10},
		{Kind: WritePrevRead, Offset: 0x20},
	}}
	require.NoError(t, ex.Execute(p, nil))

	got, err := w.Read32(0x20)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), got)
	assert.Equal(t, AbortNone, p.Steps[0].AbortType)
}

func TestWritePrevReadFirstStepRejectsWholeProgram(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	ex := NewExecutor(w)
	p := &Program{Steps: []Step{
		{Kind: WritePrevRead, Offset: 0x20},
	}}
	err := ex.Execute(p, nil)
	require.Error(t, err)
	assert.True(t, ioerrors.Is(err, ioerrors.ClassValidation))
}

func TestIdempotentProgramRunsIdentically(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(0x40, 0x1234))
	ex := NewExecutor(w)
	ex.Sleep = noSleep

	run := func() Step {
		p := &Program{Steps: []Step{{Kind: Read, Offset: 0x40}}}
		require.NoError(t, ex.Execute(p, nil))
		return p.Steps[0]
	}
	first := run()
	second := run()
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, AbortNone, first.AbortType)
	assert.Equal(t, AbortNone, second.AbortType)
}

func TestSkipPropagationAfterTimeout(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(0x200034, 0xFFFFFFFF)) // GPLEV0, pin held high
	ex := NewExecutor(w)
	ex.Sleep = noSleep

	p := &Program{Steps: []Step{
		{Kind: LoopTrue, Offset: 0x200034, LoopAnd: 0xFFFFFFFF, LoopMax: 3, SleepUnit: SleepMillisecond, SleepAmount: 1},
		{Kind: Write, Offset: 0x10, Value: 1},
		{Kind: Write, Offset: 0x14, Value: 2},
	}}
	require.NoError(t, ex.Execute(p, nil))

	assert.Equal(t, AbortTimeout, p.Steps[0].AbortType)
	for _, s := range p.Steps[1:] {
		assert.True(t, s.Skipped)
		assert.Equal(t, AbortNone, s.AbortType)
	}
	// skipped writes never touched the window
	v, err := w.Read32(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
}

func TestLoopTrueTimesOutOnPinHeldHigh(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(0x200034, 0xFFFFFFFF))
	ex := NewExecutor(w)
	ex.Sleep = noSleep

	p := &Program{Steps: []Step{
		{Kind: LoopTrue, Offset: 0x200034, LoopAnd: 0xFFFFFFFF, LoopMax: 3, SleepUnit: SleepMillisecond, SleepAmount: 1},
	}}
	require.NoError(t, ex.Execute(p, nil))
	assert.Equal(t, AbortTimeout, p.Steps[0].AbortType)
	assert.Equal(t, uint32(0xFFFFFFFF), p.Steps[0].Value)
}

func TestLoopFalseExitsOnceBitIsSet(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(0x10, 0x1))
	ex := NewExecutor(w)
	ex.Sleep = noSleep
	p := &Program{Steps: []Step{
		{Kind: LoopFalse, Offset: 0x10, LoopAnd: 0x1, LoopMax: 10, SleepUnit: SleepMillisecond, SleepAmount: 1},
	}}
	require.NoError(t, ex.Execute(p, nil))
	assert.Equal(t, AbortNone, p.Steps[0].AbortType)
	assert.Equal(t, uint32(0x1), p.Steps[0].Value)
}

func TestLoopFalseFailurePredicateAbortsAsTimeout(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(0x10, 0x8000)) // error bit set, done bit clear
	ex := NewExecutor(w)
	ex.Sleep = noSleep
	p := &Program{Steps: []Step{
		{Kind: LoopFalse, Offset: 0x10, LoopAnd: 0x1, LoopMax: 100, FailureCondition: true, FailureValue: 0x8000},
	}}
	require.NoError(t, ex.Execute(p, nil))
	assert.Equal(t, AbortTimeout, p.Steps[0].AbortType)
	assert.Equal(t, uint32(0x8000), p.Steps[0].Value)
}

func TestDMAWriteThenReadRoundTrip(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	ex := NewExecutor(w)
	ex.Sleep = noSleep

	shared := RawSharedBuffer(make([]byte, 16))
	for i := range shared {
		shared[i] = byte(i)
	}
	require.NoError(t, w.Write32(0x100, 0))

	p := &Program{Steps: []Step{
		{Kind: DMAWrite, Offset: 0x100, Value: 16},
		{Kind: Read, Offset: 0x100},
	}}
	require.NoError(t, ex.Execute(p, shared))
	assert.Equal(t, AbortNone, p.Steps[0].AbortType)

	p2 := &Program{Steps: []Step{{Kind: DMARead, Offset: 0x100, Value: 16}}}
	out := RawSharedBuffer(make([]byte, 16))
	require.NoError(t, ex.Execute(p2, out))
	assert.Equal(t, []byte(shared), []byte(out))
}

func TestUnknownStepKindAbortsInvalid(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	ex := NewExecutor(w)
	p := &Program{Steps: []Step{{Kind: StepKind(200), Offset: 0x10}}}
	require.NoError(t, ex.Execute(p, nil))
	assert.Equal(t, AbortInvalid, p.Steps[0].AbortType)
}

func TestOffsetOutOfWindowRejectsWholeProgram(t *testing.T) {
	w := NewMemoryWindow(64)
	ex := NewExecutor(w)
	p := &Program{Steps: []Step{{Kind: Read, Offset: 1000}}}
	err := ex.Execute(p, nil)
	require.Error(t, err)
}
