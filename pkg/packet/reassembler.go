package packet

import (
	"fmt"
)

// DefaultMaxPacketSize bounds the declared size of an inbound packet when a
// Reassembler has no explicit limit.
const DefaultMaxPacketSize = 16 << 20 // 16MB

// Carry describes what a Reassembler holds between two reads.
type Carry int

const (
	// CarryNone means the last read ended on a packet boundary.
	CarryNone Carry = iota

	// CarryHeader means a header was split across reads.
	CarryHeader

	// CarrySpare means a packet body was split across reads.
	CarrySpare
)

func (c Carry) String() string {
	switch c {
	case CarryHeader:
		return "header"
	case CarrySpare:
		return "spare"
	default:
		return "none"
	}
}

// Reassembler rebuilds packets from a byte stream delivered in arbitrary
// chunks. It keeps at most one of a partial header or a partially filled
// ("spare") packet between calls to Feed.
//
// A Reassembler is owned by a single connection and is not safe for
// concurrent use.
type Reassembler struct {
	// MaxPacketSize caps the declared packet size, header included.
	// Zero means DefaultMaxPacketSize.
	MaxPacketSize uint64

	spare  *Packet
	filled int

	header    [HeaderSize]byte
	headerLen int
}

// Feed consumes every byte of buf and calls emit for each packet completed,
// in stream order. Ownership of emitted packets passes to emit.
//
// A header declaring an impossible size stops processing: the rest of buf is
// discarded, the carry state is cleared and ErrMalformedPacket (or
// ErrPacketTooLarge) is returned. Packets completed earlier in the same
// buffer have already been emitted.
func (r *Reassembler) Feed(buf []byte, emit func(*Packet)) error {
	if r.headerLen > 0 {
		n := min(HeaderSize-r.headerLen, len(buf))
		copy(r.header[r.headerLen:], buf[:n])
		r.headerLen += n
		buf = buf[n:]
		if r.headerLen < HeaderSize {
			return nil
		}

		r.headerLen = 0
		h, _ := DecodeHeader(r.header[:])
		if err := r.check(h); err != nil {
			r.Reset()
			return err
		}
		r.spare = newFromHeader(h)
		r.filled = 0
	}

	if r.spare != nil {
		n := min(len(r.spare.Body)-r.filled, len(buf))
		copy(r.spare.Body[r.filled:], buf[:n])
		r.filled += n
		buf = buf[n:]
		if r.filled < len(r.spare.Body) {
			return nil
		}

		pkt := r.spare
		r.spare = nil
		r.filled = 0
		emit(pkt)
	}

	for len(buf) > 0 {
		if len(buf) < HeaderSize {
			r.headerLen = copy(r.header[:], buf)
			return nil
		}

		h, _ := DecodeHeader(buf)
		if err := r.check(h); err != nil {
			r.Reset()
			return err
		}
		buf = buf[HeaderSize:]

		pkt := newFromHeader(h)
		body := len(pkt.Body)
		if len(buf) < body {
			r.filled = copy(pkt.Body, buf)
			r.spare = pkt
			return nil
		}

		copy(pkt.Body, buf[:body])
		buf = buf[body:]
		emit(pkt)
	}

	return nil
}

func (r *Reassembler) check(h Header) error {
	if err := h.Validate(); err != nil {
		return err
	}
	limit := r.MaxPacketSize
	if limit == 0 {
		limit = DefaultMaxPacketSize
	}
	if h.Size > limit {
		return fmt.Errorf("%w: declared size %d exceeds %d", ErrPacketTooLarge, h.Size, limit)
	}
	return nil
}

// Carry reports the current carry state.
func (r *Reassembler) Carry() Carry {
	switch {
	case r.spare != nil:
		return CarrySpare
	case r.headerLen > 0:
		return CarryHeader
	default:
		return CarryNone
	}
}

// Missing returns the number of bytes needed to complete the pending header
// or spare packet, or zero when nothing is pending.
func (r *Reassembler) Missing() int {
	switch {
	case r.spare != nil:
		return len(r.spare.Body) - r.filled
	case r.headerLen > 0:
		return HeaderSize - r.headerLen
	default:
		return 0
	}
}

// Reset drops any carry state and releases a pending spare packet.
func (r *Reassembler) Reset() {
	if r.spare != nil {
		r.spare.Release()
		r.spare = nil
	}
	r.filled = 0
	r.headerLen = 0
}
