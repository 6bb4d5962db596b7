package sdstore

import (
	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
)

// ClockProvider reports the VideoCore core clock the divisor
// derivations divide down from.
type ClockProvider interface {
	CoreClockRate() (uint32, error)
}

// Mailbox property tag and clock id for the core clock query.
const (
	tagGetClockRate = 0x30002
	clockIDCore     = 4
)

// MailboxClock queries the core clock over the VideoCore property
// channel. Call is the transport seam: the RPC client when IOMem runs
// in another process, a direct Mailbox.Call wrapper when colocated.
type MailboxClock struct {
	Call func(words []uint32) ([]uint32, error)
}

// CoreClockRate runs a TAG_GET_CLOCK_RATE transaction and returns the
// rate in Hz.
func (c MailboxClock) CoreClockRate() (uint32, error) {
	// [total, req, tag, bufsize, code, clock-id, value, end]
	req := []uint32{8 * 4, 0, tagGetClockRate, 8, 0, clockIDCore, 0, 0}
	resp, err := c.Call(req)
	if err != nil {
		return 0, ioerrors.Wrap("SD_CLOCK_RATE", err)
	}
	if len(resp) < 7 || resp[1]&0x80000000 == 0 {
		return 0, ioerrors.New("SD_CLOCK_RATE", ioerrors.ClassIO, "property request not acknowledged")
	}
	if resp[6] == 0 {
		return 0, ioerrors.New("SD_CLOCK_RATE", ioerrors.ClassIO, "videocore reported zero core clock")
	}
	return resp[6], nil
}

// FixedClock serves a constant rate, for tests and for boards where
// the firmware rate is known at build time.
type FixedClock uint32

func (c FixedClock) CoreClockRate() (uint32, error) { return uint32(c), nil }
