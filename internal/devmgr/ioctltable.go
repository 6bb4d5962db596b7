package devmgr

import (
	"github.com/raspi-iosvc/ioserver/internal/collections"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

// IoctlTable is the process → (command code → descriptor) capability
// table: a command code is reachable through a process only once that
// process has declared it in an ADD. Codes stay declared until the
// process exits, even after the device entry that declared them is
// removed.
type IoctlTable struct {
	byPid *collections.OrderedMap[rpcbus.Pid, *collections.OrderedMap[uint32, struct{}]]
}

func NewIoctlTable() *IoctlTable {
	return &IoctlTable{byPid: collections.NewOrderedMap[rpcbus.Pid, *collections.OrderedMap[uint32, struct{}]]()}
}

// Declare extends pid's table with codes, monotonically — ADD is the
// only writer, and it only ever adds codes, never removes them while
// the owner is alive.
func (t *IoctlTable) Declare(pid rpcbus.Pid, codes []uint32) {
	cmds, ok := t.byPid.Get(pid)
	if !ok {
		cmds = collections.NewOrderedMap[uint32, struct{}]()
		t.byPid.Set(pid, cmds)
	}
	for _, c := range codes {
		cmds.Set(c, struct{}{})
	}
}

// Allows reports whether pid declared command code.
func (t *IoctlTable) Allows(pid rpcbus.Pid, code uint32) bool {
	cmds, ok := t.byPid.Get(pid)
	if !ok {
		return false
	}
	_, ok = cmds.Get(code)
	return ok
}

// Reap truncates pid's entire table on process exit.
func (t *IoctlTable) Reap(pid rpcbus.Pid) {
	t.byPid.Delete(pid)
}
