package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRequestCarriesDeviceInfo(t *testing.T) {
	q := &AddRequest{
		Path:       "/dev/storage/sd0",
		Stat:       Stat{Mode: ModeCharDevice},
		Handler:    42,
		DeviceInfo: []uint32{0x10, 0x11},
	}
	var got AddRequest
	require.NoError(t, got.Unmarshal(q.Marshal()))
	assert.Equal(t, q.Path, got.Path)
	assert.True(t, got.Stat.IsCharDevice())
	assert.Equal(t, int32(42), got.Handler)
	assert.Equal(t, []uint32{0x10, 0x11}, got.DeviceInfo)
}

func TestUnmarshalShortBufferFails(t *testing.T) {
	var q ReadRequest
	assert.ErrorIs(t, q.Unmarshal([]byte{0x05, 0x00, 'a'}), ErrInsufficientData)

	var m MMIORequest
	assert.ErrorIs(t, m.Unmarshal([]byte{0x02, 0, 0, 0, 1}), ErrInsufficientData)
}

func TestMMIOEntryWireSize(t *testing.T) {
	q := &MMIORequest{Entries: make([]MMIOEntry, 3)}
	assert.Len(t, q.Marshal(), 8+3*MMIOEntrySize)
}

func TestMMIORequestRoundTripPreservesOutputs(t *testing.T) {
	q := &MMIORequest{Entries: []MMIOEntry{
		{Type: MMIOActionLoopTrue, Offset: 0x200034, LoopAnd: 0xFFFFFFFF, LoopMaxIteration: 3, AbortType: MMIOAbortTimeout},
		{Type: MMIOActionWrite, Offset: 0x10, Value: 1, Skipped: 1},
	}}
	var got MMIORequest
	require.NoError(t, got.Unmarshal(q.Marshal()))
	assert.Equal(t, q.Entries, got.Entries)
}
