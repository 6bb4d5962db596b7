package devmgr

import (
	"github.com/raspi-iosvc/ioserver/internal/collections"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

// WatchNode is a directory path carrying the set of subscriber pids, a
// nested splay tree keyed on pid so register/release/enumerate are all
// O(log n) against the subscriber count.
type WatchNode struct {
	Path        string
	subscribers *collections.SplayTree[rpcbus.Pid, struct{}]
}

func newWatchNode(path string) *WatchNode {
	return &WatchNode{Path: path, subscribers: collections.NewSplayTree[rpcbus.Pid, struct{}]()}
}

// Len reports the current subscriber count.
func (n *WatchNode) Len() int { return n.subscribers.Len() }

// WatchTree is the path-keyed index of WatchNodes, backing
// WATCH-REGISTER/WATCH-RELEASE/WATCH-NOTIFY.
type WatchTree struct {
	nodes *collections.SplayTree[string, *WatchNode]
}

func NewWatchTree() *WatchTree {
	return &WatchTree{nodes: collections.NewSplayTree[string, *WatchNode]()}
}

// Register adds (path, pid), returning already=true if the pair was
// already present. Registration is idempotent: a duplicate surfaces
// as a soft already-registered status, never a destructive failure.
func (t *WatchTree) Register(path string, pid rpcbus.Pid) (already bool) {
	node := t.nodes.GetOrCreate(path, func() *WatchNode { return newWatchNode(path) })
	if _, ok := node.subscribers.Get(pid); ok {
		return true
	}
	node.subscribers.Set(pid, struct{}{})
	return false
}

// Release removes (path, pid), a no-op if absent. The node itself is
// kept even once its subscriber set is empty, so a watcher that
// re-registers immediately after the last unsubscribe does not pay a
// tree rebuild and Notify never needs to special-case a missing node
// versus an empty one.
func (t *WatchTree) Release(path string, pid rpcbus.Pid) {
	node, ok := t.nodes.Get(path)
	if !ok {
		return
	}
	node.subscribers.Delete(pid)
}

// Subscribers returns every pid currently watching path, in ascending
// pid order, for WATCH-NOTIFY to enumerate and deliver to.
func (t *WatchTree) Subscribers(path string) []rpcbus.Pid {
	node, ok := t.nodes.Get(path)
	if !ok {
		return nil
	}
	var pids []rpcbus.Pid
	node.subscribers.Each(func(pid rpcbus.Pid, _ struct{}) bool {
		pids = append(pids, pid)
		return true
	})
	return pids
}
