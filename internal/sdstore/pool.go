package sdstore

import "sync"

// Transfer buffers are pooled to keep the RPC hot path allocation-free.
// Size-bucketed with power-of-2 sizes suited to block I/O: a single
// block, a small cluster, and the largest multi-block transfer the
// 16-bit BLKSIZECNT count field makes practical per request.
//
// Uses the *[]byte pattern to avoid sync.Pool interface allocation
// overhead.

const (
	poolSizeBlock = 512
	poolSize4k    = 4 * 1024
	poolSize64k   = 64 * 1024
)

var transferPool = struct {
	block sync.Pool
	p4k   sync.Pool
	p64k  sync.Pool
}{
	block: sync.Pool{New: func() any { b := make([]byte, poolSizeBlock); return &b }},
	p4k:   sync.Pool{New: func() any { b := make([]byte, poolSize4k); return &b }},
	p64k:  sync.Pool{New: func() any { b := make([]byte, poolSize64k); return &b }},
}

// GetBuffer returns a pooled buffer of at least size bytes, sliced to
// size. Buffers above the largest bucket are plain allocations.
// Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= poolSizeBlock:
		return (*transferPool.block.Get().(*[]byte))[:size]
	case size <= poolSize4k:
		return (*transferPool.p4k.Get().(*[]byte))[:size]
	case size <= poolSize64k:
		return (*transferPool.p64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to its bucket; non-standard capacities
// are dropped for the GC.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case poolSizeBlock:
		transferPool.block.Put(&buf)
	case poolSize4k:
		transferPool.p4k.Put(&buf)
	case poolSize64k:
		transferPool.p64k.Put(&buf)
	}
}
