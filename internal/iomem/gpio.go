package iomem

import (
	"sync"
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"periph.io/x/conn/v3/gpio"
)

// GPIO register offsets relative to the GPIO controller's base within
// the peripheral window (standard BCM283x layout).
const (
	gpioControllerBase = 0x200000

	gpfsel0   = 0x00
	gppud     = 0x94
	gppudclk0 = 0x98
	gplev0    = 0x34
	gpeds0    = 0x40
	gpren0    = 0x4C
	gpfen0    = 0x58
	gphen0    = 0x64
	gplen0    = 0x70
)

// pullCode is the classic BCM283x GPPUD encoding.
func pullCode(p gpio.Pull) uint32 {
	switch p {
	case gpio.PullDown:
		return 1
	case gpio.PullUp:
		return 2
	default:
		return 0
	}
}

// DetectKind selects which edge/level register GPIO-SET-DETECT targets.
type DetectKind int

const (
	DetectRisingEdge DetectKind = iota
	DetectFallingEdge
	DetectHighLevel
	DetectLowLevel
)

func detectBaseOffset(k DetectKind) uint32 {
	switch k {
	case DetectRisingEdge:
		return gpren0
	case DetectFallingEdge:
		return gpfen0
	case DetectHighLevel:
		return gphen0
	default:
		return gplen0
	}
}

// GPIO is the IOMem GPIO façade: register-level function/pull/detect
// control plus advisory client-scoped locking.
type GPIO struct {
	Window Window
	Sleep  func(time.Duration)

	lockMu sync.Mutex
	locked bool
}

func NewGPIO(w Window) *GPIO {
	return &GPIO{Window: w, Sleep: time.Sleep}
}

func regOffset(base uint32, pin int) (uint32, uint) {
	// two registers (pins 0-31, 32-63), little-endian bit layout.
	reg := base
	if pin >= 32 {
		reg += 4
	}
	return gpioControllerBase + reg, uint(pin % 32)
}

// SetFunction encodes fn (0-7) into pin's 3-bit GPFSELn field.
func (g *GPIO) SetFunction(pin int, fn uint32) error {
	regIdx := pin / 10
	bit := uint((pin % 10) * 3)
	off := uint32(gpioControllerBase + gpfsel0 + uint32(regIdx)*4)

	v, err := g.Window.Read32(off)
	if err != nil {
		return ioerrors.Wrap("GPIO_SET_FUNCTION", err)
	}
	v &^= 0x7 << bit
	v |= (fn & 0x7) << bit
	if err := g.Window.Write32(off, v); err != nil {
		return ioerrors.Wrap("GPIO_SET_FUNCTION", err)
	}
	return nil
}

// SetPull issues the classic three-step pull sequence: write the pull
// code to GPPUD, wait >=150 cycles, strobe the pin's GPPUDCLKn bit, wait
// >=150 cycles, then clear both registers.
func (g *GPIO) SetPull(pin int, pull gpio.Pull) error {
	clkOff, bit := regOffset(gppudclk0, pin)

	if err := g.Window.Write32(gpioControllerBase+gppud, pullCode(pull)); err != nil {
		return ioerrors.Wrap("GPIO_SET_PULL", err)
	}
	g.delay(150)
	if err := g.Window.Write32(clkOff, 1<<bit); err != nil {
		return ioerrors.Wrap("GPIO_SET_PULL", err)
	}
	g.delay(150)
	if err := g.Window.Write32(gpioControllerBase+gppud, 0); err != nil {
		return ioerrors.Wrap("GPIO_SET_PULL", err)
	}
	if err := g.Window.Write32(clkOff, 0); err != nil {
		return ioerrors.Wrap("GPIO_SET_PULL", err)
	}
	return nil
}

func (g *GPIO) delay(cycles int) {
	for i := 0; i < cycles; i++ {
	}
}

// SetDetect sets or clears pin's bit in the register selected by kind.
func (g *GPIO) SetDetect(pin int, kind DetectKind, value bool) error {
	off, bit := regOffset(detectBaseOffset(kind), pin)
	v, err := g.Window.Read32(off)
	if err != nil {
		return ioerrors.Wrap("GPIO_SET_DETECT", err)
	}
	if value {
		v |= 1 << bit
	} else {
		v &^= 1 << bit
	}
	if err := g.Window.Write32(off, v); err != nil {
		return ioerrors.Wrap("GPIO_SET_DETECT", err)
	}
	return nil
}

// Status reads GPLEV and returns the pin's current level.
func (g *GPIO) Status(pin int) (gpio.Level, error) {
	off, bit := regOffset(gplev0, pin)
	v, err := g.Window.Read32(off)
	if err != nil {
		return gpio.Low, ioerrors.Wrap("GPIO_STATUS", err)
	}
	return gpio.Level(v&(1<<bit) != 0), nil
}

// Event reads GPEDS and reports whether pin's edge-detect status is set,
// clearing it afterward (write-1-to-clear, matching GPEDS semantics).
func (g *GPIO) Event(pin int) (bool, error) {
	off, bit := regOffset(gpeds0, pin)
	v, err := g.Window.Read32(off)
	if err != nil {
		return false, ioerrors.Wrap("GPIO_EVENT", err)
	}
	fired := v&(1<<bit) != 0
	if fired {
		if err := g.Window.Write32(off, 1<<bit); err != nil {
			return false, ioerrors.Wrap("GPIO_EVENT", err)
		}
	}
	return fired, nil
}

// Lock acquires the advisory client-scoped exclusion over GPIO register
// access. Callers racing on the same pin without Lock are, per spec,
// expected to race — Lock only serializes cooperating callers.
func (g *GPIO) Lock() error {
	g.lockMu.Lock()
	if g.locked {
		g.lockMu.Unlock()
		return ioerrors.New("GPIO_LOCK", ioerrors.ClassResource, "gpio already locked")
	}
	g.locked = true
	g.lockMu.Unlock()
	return nil
}

func (g *GPIO) Unlock() {
	g.lockMu.Lock()
	g.locked = false
	g.lockMu.Unlock()
}
