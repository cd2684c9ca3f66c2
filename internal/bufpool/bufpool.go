// Package bufpool provides size-classed byte slices for packet bodies and
// connection receive buffers.
//
// Most cerver packets are small control messages (auth data, notices, test
// packets); application payloads are usually below 64KB. Bodies larger than
// the largest class are allocated directly and left to the GC.
//
// Thread Safety:
// All operations are safe for concurrent use via sync.Pool.
package bufpool

import (
	"sync"
)

const (
	// SmallSize covers notices, auth data and the default receive buffer.
	SmallSize = 4 << 10 // 4KB

	// MediumSize covers typical application payloads.
	MediumSize = 64 << 10 // 64KB

	// LargeSize covers bulk payloads (file chunks, game snapshots).
	LargeSize = 1 << 20 // 1MB
)

type pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

func newSized(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

var global = &pool{
	small:  newSized(SmallSize),
	medium: newSized(MediumSize),
	large:  newSized(LargeSize),
}

func (p *pool) get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= SmallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= MediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= LargeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

func (p *pool) put(buf []byte) {
	if buf == nil {
		return
	}

	full := buf[:cap(buf)]
	switch cap(buf) {
	case SmallSize:
		p.small.Put(&full)
	case MediumSize:
		p.medium.Put(&full)
	case LargeSize:
		p.large.Put(&full)
	}
}

// Get returns a slice of exactly size bytes, backed by a pooled buffer when
// size fits one of the classes. The contents are not zeroed.
//
// Usage:
//
//	buf := bufpool.Get(n)
//	defer bufpool.Put(buf)
func Get(size int) []byte {
	if size < 0 {
		size = 0
	}
	return global.get(size)
}

// Put returns a buffer obtained from Get. Buffers whose capacity does not
// match a class are dropped.
func Put(buf []byte) {
	global.put(buf)
}
