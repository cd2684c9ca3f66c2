package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/cerver/internal/bufpool"
)

var (
	// ErrMalformedPacket is returned for a header whose declared size is
	// smaller than the header itself.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrPacketTooLarge is returned for a header whose declared size exceeds
	// the configured maximum.
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrShortBuffer is returned when decoding from fewer bytes than needed.
	ErrShortBuffer = errors.New("short buffer")
)

// Packet is a header plus an owned body of Header.BodySize() bytes.
//
// Bodies are drawn from a shared buffer pool. Whoever owns a packet last
// calls Release; the body must not be used afterwards.
type Packet struct {
	Header Header
	Body   []byte
}

// Protocol identifies the protocol spoken on a cerver. Every packet the
// cerver builds carries these values, and they are checked on inbound
// packets when packet checking is enabled.
type Protocol struct {
	ID      uint32
	Version uint32
}

// New builds a packet of type t carrying a copy of body.
func (p Protocol) New(t Type, req RequestType, body []byte) *Packet {
	pkt := &Packet{
		Header: Header{
			ProtocolID: p.ID,
			Version:    p.Version,
			Type:       t,
			Request:    req,
			Size:       uint64(HeaderSize + len(body)),
		},
	}
	if len(body) > 0 {
		pkt.Body = bufpool.Get(len(body))
		copy(pkt.Body, body)
	}
	return pkt
}

// Matches reports whether h was produced for this protocol.
func (p Protocol) Matches(h Header) bool {
	return h.ProtocolID == p.ID && h.Version == p.Version
}

// newFromHeader allocates a packet for h with an uninitialized body.
func newFromHeader(h Header) *Packet {
	pkt := &Packet{Header: h}
	if size := h.BodySize(); size > 0 {
		pkt.Body = bufpool.Get(int(size))
	}
	return pkt
}

// Len returns the encoded length of the packet.
func (p *Packet) Len() int {
	return HeaderSize + len(p.Body)
}

// Bytes encodes the packet. The encoded size field is computed from the body,
// whatever Header.Size holds.
func (p *Packet) Bytes() []byte {
	h := p.Header
	h.Size = uint64(p.Len())
	out := make([]byte, p.Len())
	h.Put(out)
	copy(out[HeaderSize:], p.Body)
	return out
}

// WriteTo writes the encoded packet to w in a single Write call.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Bytes())
	return int64(n), err
}

// Clone returns a deep copy whose body comes from the pool.
func (p *Packet) Clone() *Packet {
	c := &Packet{Header: p.Header}
	if len(p.Body) > 0 {
		c.Body = bufpool.Get(len(p.Body))
		copy(c.Body, p.Body)
	}
	return c
}

// Release returns the body to the pool. It is safe to call more than once.
func (p *Packet) Release() {
	if p == nil || p.Body == nil {
		return
	}
	bufpool.Put(p.Body)
	p.Body = nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet{type=%s request=%d size=%d}", p.Header.Type, p.Header.Request, p.Header.Size)
}

// Decode parses one complete packet from the front of data and returns it
// together with the number of bytes consumed.
func Decode(data []byte) (*Packet, int, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if err := h.Validate(); err != nil {
		return nil, 0, err
	}
	if uint64(len(data)) < h.Size {
		return nil, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, h.Size, len(data))
	}
	pkt := newFromHeader(h)
	copy(pkt.Body, data[HeaderSize:h.Size])
	return pkt, int(h.Size), nil
}
