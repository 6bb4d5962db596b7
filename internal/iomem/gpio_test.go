package iomem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

func TestSetPullUpSequence(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	g := NewGPIO(w)

	require.NoError(t, g.SetPull(47, gpio.PullUp))

	pud, err := w.Read32(gpioControllerBase + gppud)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), pud, "GPPUD must be cleared at the end of the sequence")

	clk, err := w.Read32(gpioControllerBase + gppudclk0 + 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), clk, "GPPUDCLK1 must be cleared at the end of the sequence")
}

func TestSetFunctionEncodesBitfield(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	g := NewGPIO(w)
	require.NoError(t, g.SetFunction(9, 0b101))

	v, err := w.Read32(gpioControllerBase + gpfsel0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b101)<<27, v)
}

func TestStatusReadsGPLEV(t *testing.T) {
	w := NewMemoryWindow(4 * 1024 * 1024)
	require.NoError(t, w.Write32(gpioControllerBase+gplev0, 1<<3))
	g := NewGPIO(w)

	lvl, err := g.Status(3)
	require.NoError(t, err)
	assert.Equal(t, gpio.High, lvl)

	lvl, err = g.Status(4)
	require.NoError(t, err)
	assert.Equal(t, gpio.Low, lvl)
}

// w1cWindow gives one register write-1-to-clear semantics, the way GPEDS
// behaves on hardware; a plain MemoryWindow would store the written 1.
type w1cWindow struct {
	*MemoryWindow
	w1cOffset uint32
}

func (w *w1cWindow) Write32(offset, value uint32) error {
	if offset != w.w1cOffset {
		return w.MemoryWindow.Write32(offset, value)
	}
	cur, err := w.MemoryWindow.Read32(offset)
	if err != nil {
		return err
	}
	return w.MemoryWindow.Write32(offset, cur&^value)
}

func TestEventClearsOnRead(t *testing.T) {
	w := &w1cWindow{MemoryWindow: NewMemoryWindow(4 * 1024 * 1024), w1cOffset: gpioControllerBase + gpeds0}
	require.NoError(t, w.MemoryWindow.Write32(gpioControllerBase+gpeds0, 1<<2))
	g := NewGPIO(w)

	fired, err := g.Event(2)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = g.Event(2)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestLockIsExclusive(t *testing.T) {
	g := NewGPIO(NewMemoryWindow(4 * 1024 * 1024))
	require.NoError(t, g.Lock())
	assert.Error(t, g.Lock())
	g.Unlock()
	assert.NoError(t, g.Lock())
}
