package rpcbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	opAdd  Opcode = 1
	opRead Opcode = 2
)

func TestCallDeliversToBoundHandler(t *testing.T) {
	b := New()
	const devmgr Pid = 1
	const client Pid = 2
	b.Inbox(client)

	b.Bind(devmgr, opAdd, func(msg Message) ([]byte, bool, error) {
		return append([]byte("added:"), msg.Data...), false, nil
	})
	stop := make(chan struct{})
	defer close(stop)
	go b.Run(devmgr, stop)

	resp, err := b.Call(client, devmgr, opAdd, []byte("/dev/sd0"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "added:/dev/sd0", string(resp))
}

func TestCallToUnboundTargetIsNotFound(t *testing.T) {
	b := New()
	_, err := b.Call(Pid(1), Pid(99), opAdd, nil, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestForwardResumesOriginalCaller(t *testing.T) {
	b := New()
	const devmgr Pid = 1
	const owner Pid = 2
	const client Pid = 3
	b.Inbox(client)

	b.Bind(devmgr, opRead, func(msg Message) ([]byte, bool, error) {
		_, err := b.Forward(owner, msg, opRead, msg.Data)
		return nil, true, err
	})
	b.Bind(owner, opRead, func(msg Message) ([]byte, bool, error) {
		return append([]byte("data:"), msg.Data...), false, nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go b.Run(devmgr, stop)
	go b.Run(owner, stop)

	resp, err := b.Call(client, devmgr, opRead, []byte("blk0"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "data:blk0", string(resp))
}

func TestForwardChainsThroughMultipleHops(t *testing.T) {
	b := New()
	const devmgr Pid = 1
	const sdstore Pid = 2
	const iomem Pid = 3
	const client Pid = 4
	b.Inbox(client)

	b.Bind(devmgr, opRead, func(msg Message) ([]byte, bool, error) {
		_, err := b.Forward(sdstore, msg, opRead, msg.Data)
		return nil, true, err
	})
	b.Bind(sdstore, opRead, func(msg Message) ([]byte, bool, error) {
		_, err := b.Forward(iomem, msg, opRead, msg.Data)
		return nil, true, err
	})
	b.Bind(iomem, opRead, func(msg Message) ([]byte, bool, error) {
		return []byte("sector"), false, nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go b.Run(devmgr, stop)
	go b.Run(sdstore, stop)
	go b.Run(iomem, stop)

	resp, err := b.Call(client, devmgr, opRead, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sector", string(resp))
}

func TestValidateOriginRejectsWrongClaimant(t *testing.T) {
	b := New()
	const target Pid = 1
	const client Pid = 2
	const impostor Pid = 3
	b.Inbox(target)

	corr, err := b.raise(client, target, opAdd, []byte("x"), sink{ch: make(chan []byte, 1)})
	require.NoError(t, err)

	assert.True(t, b.ValidateOrigin(corr, client))
	assert.False(t, b.ValidateOrigin(corr, impostor))
}

func TestGetDataReturnsNilAfterReturn(t *testing.T) {
	b := New()
	const target Pid = 1
	b.Inbox(target)
	ch := make(chan []byte, 1)
	corr, err := b.raise(Pid(2), target, opAdd, []byte("payload"), sink{ch: ch})
	require.NoError(t, err)

	data, origin, ok := b.GetData(corr)
	require.True(t, ok)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, Pid(2), origin)

	b.Return(corr, []byte("done"))
	_, _, ok = b.GetData(corr)
	assert.False(t, ok)
	assert.Equal(t, "done", string(<-ch))
}

func TestNotifyIsFireAndForget(t *testing.T) {
	b := New()
	const watcher Pid = 5
	got := make(chan []byte, 1)
	b.Bind(watcher, opAdd, func(msg Message) ([]byte, bool, error) {
		got <- msg.Data
		return nil, false, nil
	})
	stop := make(chan struct{})
	defer close(stop)
	go b.Run(watcher, stop)

	require.NoError(t, b.Notify(Pid(1), watcher, opAdd, []byte("/dev/storage")))
	assert.Equal(t, "/dev/storage", string(<-got))

	assert.Error(t, b.Notify(Pid(1), Pid(99), opAdd, nil))
}

func TestUnboundOpcodeStillReplies(t *testing.T) {
	b := New()
	const target Pid = 1
	b.Inbox(target)
	stop := make(chan struct{})
	defer close(stop)
	go b.Run(target, stop)

	resp, err := b.Call(Pid(2), target, Opcode(999), []byte("x"), time.Second)
	require.NoError(t, err)
	assert.Nil(t, resp)
}
