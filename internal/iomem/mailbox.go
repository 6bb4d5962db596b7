package iomem

import (
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
)

// Mailbox channel numbers for the VideoCore property protocol.
const (
	ChannelPropertyARMToVC = 8
	ChannelPropertyVCToARM = 9
)

// Mailbox register offsets relative to the mailbox base within the
// peripheral window.
const (
	mboxRead    = 0x00
	mboxStatus  = 0x18
	mboxWrite   = 0x20
	statusFull  = 1 << 31
	statusEmpty = 1 << 30
	maxPollIter = 1 << 25
)

// Translator resolves a buffer's ARM-side address to the bus address
// the VideoCore expects, modeling the out-of-scope
// memory_translate_physical kernel primitive.
type Translator func(buf []byte) uint32

// Mailbox performs VideoCore property-channel transactions over a
// device-mapped page within the Window.
type Mailbox struct {
	Window      Window
	Base        uint32
	Translate   Translator
	Sleep       func(time.Duration)
	maxPollIter int
}

func NewMailbox(w Window, base uint32, translate Translator) *Mailbox {
	return &Mailbox{Window: w, Base: base, Translate: translate, Sleep: time.Sleep, maxPollIter: maxPollIter}
}

// Call writes buf (a property-request page, 16-byte aligned per the
// VideoCore layout) to channel 8 and waits for the channel-9 reply,
// returning the mutated buffer.
func (m *Mailbox) Call(buf []byte) ([]byte, error) {
	addr := m.Translate(buf)
	packed := (addr &^ 0xF) | ChannelPropertyARMToVC

	iter := 0
	for {
		status, err := m.Window.Read32(m.Base + mboxStatus)
		if err != nil {
			return nil, ioerrors.New("MAILBOX", ioerrors.ClassIO, "status read failed")
		}
		if status&statusFull == 0 {
			break
		}
		iter++
		if iter >= m.pollLimit() {
			return nil, ioerrors.New("MAILBOX", ioerrors.ClassDeviceTimeout, "write-side poll exceeded budget")
		}
	}
	if err := m.Window.Write32(m.Base+mboxWrite, packed); err != nil {
		return nil, ioerrors.New("MAILBOX", ioerrors.ClassIO, "write failed")
	}

	iter = 0
	for {
		status, err := m.Window.Read32(m.Base + mboxStatus)
		if err != nil {
			return nil, ioerrors.New("MAILBOX", ioerrors.ClassIO, "status read failed")
		}
		if status&statusEmpty == 0 {
			reply, err := m.Window.Read32(m.Base + mboxRead)
			if err != nil {
				return nil, ioerrors.New("MAILBOX", ioerrors.ClassIO, "reply read failed")
			}
			if reply&0xF == ChannelPropertyVCToARM {
				return buf, nil
			}
			continue
		}
		iter++
		if iter >= m.pollLimit() {
			return nil, ioerrors.New("MAILBOX", ioerrors.ClassDeviceTimeout, "read-side poll exceeded budget")
		}
	}
}

func (m *Mailbox) pollLimit() int {
	if m.maxPollIter > 0 {
		return m.maxPollIter
	}
	return maxPollIter
}
