// Package devmgr implements the /dev namespace and dispatch server: a
// path registry, a watch subsystem, and the RPC handlers that forward
// filesystem operations to the owning driver process.
//
// Device entries are removed only by an explicit REMOVE. When an owner
// process exits, only its ioctl capability table is reaped; its device
// entries stay registered under the dead pid. This is a known hazard:
// later requests on those paths are still routed to that pid.
package devmgr

import (
	"github.com/raspi-iosvc/ioserver/internal/collections"
	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

// Entry is one registered device: a path, its owning process, a stat
// record, and the set of ioctl command codes the owner declared when it
// added the path.
type Entry struct {
	Path     string
	Owner    rpcbus.Pid
	Stat     proto.Stat
	Commands []uint32
}

// Registry is the path → entry table. Keyed by an OrderedMap so
// enumeration (directory listing, watch notification ordering) is
// deterministic lexicographic order rather than map iteration order.
type Registry struct {
	entries *collections.OrderedMap[string, *Entry]
}

func NewRegistry() *Registry {
	return &Registry{entries: collections.NewOrderedMap[string, *Entry]()}
}

// Add inserts path. A path that is already registered is not an
// error: the current owner's entry comes back with existed set, so a
// repeated ADD observes who holds the path without disturbing it.
func (r *Registry) Add(path string, owner rpcbus.Pid, stat proto.Stat, commands []uint32) (entry *Entry, existed bool, err error) {
	if existing, ok := r.entries.Get(path); ok {
		return existing, true, nil
	}
	if !stat.IsCharDevice() {
		return nil, false, ioerrors.NewPath("ADD", path, ioerrors.ClassValidation, "stat does not denote a character device")
	}
	e := &Entry{Path: path, Owner: owner, Stat: stat, Commands: commands}
	r.entries.Set(path, e)
	return e, false, nil
}

// Open is a pure lookup: OPEN never mutates registry state.
func (r *Registry) Open(path string) (*Entry, error) {
	e, ok := r.entries.Get(path)
	if !ok {
		return nil, ioerrors.NewPath("OPEN", path, ioerrors.ClassNotFound, "no such device")
	}
	return e, nil
}

// Remove deletes path, returning its final entry so callers can notify
// watchers. The owner's ioctl capability entries are left in place; they
// are reaped only when the owner process exits.
func (r *Registry) Remove(path string) (*Entry, error) {
	e, ok := r.entries.Get(path)
	if !ok {
		return nil, ioerrors.NewPath("REMOVE", path, ioerrors.ClassNotFound, "no such device")
	}
	r.entries.Delete(path)
	return e, nil
}

// RemoveAllOwnedBy deletes every entry owned by pid and returns their
// paths for watch notification. No server handler calls it: process exit
// leaves the owner's entries registered.
func (r *Registry) RemoveAllOwnedBy(pid rpcbus.Pid) []string {
	var owned []string
	r.entries.Each(func(path string, e *Entry) bool {
		if e.Owner == pid {
			owned = append(owned, path)
		}
		return true
	})
	for _, path := range owned {
		r.entries.Delete(path)
	}
	return owned
}

// Each ranges every entry in lexicographic path order.
func (r *Registry) Each(fn func(path string, e *Entry) bool) {
	r.entries.Each(fn)
}

func (r *Registry) Len() int { return r.entries.Len() }
