// Package packet implements the cerver wire packet: a fixed-size header
// followed by a variable-length body, plus the stream reassembler that
// rebuilds packets from arbitrarily fragmented reads.
//
// Wire layout (big-endian):
//
//	+-------------+---------+-------------+--------------+---------+-------------+------+
//	| protocol_id | version | packet_type | request_type | sock_fd | packet_size | body |
//	|     u32     |   u32   |     u32     |     u32      |   i32   |     u64     | ...  |
//	+-------------+---------+-------------+--------------+---------+-------------+------+
//
// packet_size counts the header, so the body is packet_size - HeaderSize bytes.
package packet

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the encoded size of a Header in bytes.
const HeaderSize = 4 + 4 + 4 + 4 + 4 + 8

// Type is the coarse category of a packet.
type Type uint32

const (
	TypeCerver   Type = 0
	TypeClient   Type = 1
	TypeError    Type = 2
	TypeRequest  Type = 3
	TypeAuth     Type = 4
	TypeGame     Type = 5
	TypeApp      Type = 6
	TypeAppError Type = 7
	TypeCustom   Type = 70
	TypeTest     Type = 100
)

func (t Type) String() string {
	switch t {
	case TypeCerver:
		return "CERVER"
	case TypeClient:
		return "CLIENT"
	case TypeError:
		return "ERROR"
	case TypeRequest:
		return "REQUEST"
	case TypeAuth:
		return "AUTH"
	case TypeGame:
		return "GAME"
	case TypeApp:
		return "APP"
	case TypeAppError:
		return "APP_ERROR"
	case TypeCustom:
		return "CUSTOM"
	case TypeTest:
		return "TEST"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// RequestType is the sub-code of a packet within its Type.
type RequestType uint32

const (
	RequestCerverInfo RequestType = iota
	RequestCerverTeardown
	RequestClientCloseConnection
	RequestClientDisconnect
	RequestAuthClient
	RequestClientAuthData
	RequestSuccessAuth
)

// Header is the fixed-size prefix of every packet.
type Header struct {
	ProtocolID uint32
	Version    uint32
	Type       Type
	Request    RequestType

	// SockFD is a routing tag used by load-balancing forwarders. It is not
	// authoritative for the receiving cerver.
	SockFD int32

	// Size is the total packet size including the header.
	Size uint64
}

// BodySize returns the declared body length. It is only meaningful for a
// header that passed Validate.
func (h Header) BodySize() uint64 {
	return h.Size - HeaderSize
}

// Validate reports ErrMalformedPacket when the declared size cannot hold the
// header itself.
func (h Header) Validate() error {
	if h.Size < HeaderSize {
		return fmt.Errorf("%w: declared size %d", ErrMalformedPacket, h.Size)
	}
	return nil
}

// Put encodes h into the first HeaderSize bytes of dst.
func (h Header) Put(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint32(dst[0:4], h.ProtocolID)
	binary.BigEndian.PutUint32(dst[4:8], h.Version)
	binary.BigEndian.PutUint32(dst[8:12], uint32(h.Type))
	binary.BigEndian.PutUint32(dst[12:16], uint32(h.Request))
	binary.BigEndian.PutUint32(dst[16:20], uint32(h.SockFD))
	binary.BigEndian.PutUint64(dst[20:28], h.Size)
}

// DecodeHeader reads a Header from the first HeaderSize bytes of src. It does
// not validate the declared size.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d header bytes, have %d", ErrShortBuffer, HeaderSize, len(src))
	}
	return Header{
		ProtocolID: binary.BigEndian.Uint32(src[0:4]),
		Version:    binary.BigEndian.Uint32(src[4:8]),
		Type:       Type(binary.BigEndian.Uint32(src[8:12])),
		Request:    RequestType(binary.BigEndian.Uint32(src[12:16])),
		SockFD:     int32(binary.BigEndian.Uint32(src[16:20])),
		Size:       binary.BigEndian.Uint64(src[20:28]),
	}, nil
}
