package iomem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailboxCallSucceedsWhenNotFullAndReplyPresent(t *testing.T) {
	w := NewMemoryWindow(0x10000)
	base := uint32(0xB880)
	require.NoError(t, w.Write32(base+mboxStatus, 0)) // not full, not empty
	require.NoError(t, w.Write32(base+mboxRead, ChannelPropertyVCToARM))

	mb := NewMailbox(w, base, func(buf []byte) uint32 { return 0x1000 })
	mb.Sleep = func(time.Duration) {}
	mb.maxPollIter = 4

	buf := make([]byte, 16)
	out, err := mb.Call(buf)
	require.NoError(t, err)
	require.Len(t, out, 16)
}

func TestMailboxCallTimesOutWhenAlwaysFull(t *testing.T) {
	w := NewMemoryWindow(0x10000)
	base := uint32(0xB880)
	require.NoError(t, w.Write32(base+mboxStatus, statusFull))

	mb := NewMailbox(w, base, func(buf []byte) uint32 { return 0x1000 })
	mb.maxPollIter = 4

	_, err := mb.Call(make([]byte, 16))
	require.Error(t, err)
}
