package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TokenSize is the fixed, NUL-padded size of a session token body.
const TokenSize = 256

// ErrorType classifies the payload of a TypeError packet.
type ErrorType uint32

const (
	ErrCerverError    ErrorType = 0
	ErrFailedAuth     ErrorType = 7
	ErrTableFull      ErrorType = 8
	ErrPacketRejected ErrorType = 9
)

func (e ErrorType) String() string {
	switch e {
	case ErrCerverError:
		return "CERVER_ERROR"
	case ErrFailedAuth:
		return "FAILED_AUTH"
	case ErrTableFull:
		return "TABLE_FULL"
	case ErrPacketRejected:
		return "PACKET_REJECTED"
	default:
		return fmt.Sprintf("ERROR(%d)", uint32(e))
	}
}

// ErrorPayload is the body of a TypeError packet: error_type u32 | message.
type ErrorPayload struct {
	Type    ErrorType
	Message string
}

func (e ErrorPayload) Encode() []byte {
	out := make([]byte, 4+len(e.Message))
	binary.BigEndian.PutUint32(out, uint32(e.Type))
	copy(out[4:], e.Message)
	return out
}

func DecodeError(body []byte) (ErrorPayload, error) {
	if len(body) < 4 {
		return ErrorPayload{}, fmt.Errorf("%w: error payload", ErrShortBuffer)
	}
	return ErrorPayload{
		Type:    ErrorType(binary.BigEndian.Uint32(body)),
		Message: string(body[4:]),
	}, nil
}

// Info is the cerver description sent to every new connection.
//
// Layout: auth_required u8 | uses_sessions u8 | name_len u16 | name |
// welcome_len u16 | welcome.
type Info struct {
	Name         string
	Welcome      string
	AuthRequired bool
	UseSessions  bool
}

func (i Info) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(boolByte(i.AuthRequired))
	buf.WriteByte(boolByte(i.UseSessions))
	writeString16(&buf, i.Name)
	writeString16(&buf, i.Welcome)
	return buf.Bytes()
}

func DecodeInfo(body []byte) (Info, error) {
	if len(body) < 2 {
		return Info{}, fmt.Errorf("%w: info payload", ErrShortBuffer)
	}
	info := Info{
		AuthRequired: body[0] != 0,
		UseSessions:  body[1] != 0,
	}
	rest := body[2:]

	var err error
	if info.Name, rest, err = readString16(rest); err != nil {
		return Info{}, fmt.Errorf("info name: %w", err)
	}
	if info.Welcome, _, err = readString16(rest); err != nil {
		return Info{}, fmt.Errorf("info welcome: %w", err)
	}
	return info, nil
}

// EncodeToken pads token to TokenSize bytes. Tokens longer than TokenSize
// are truncated.
func EncodeToken(token string) []byte {
	out := make([]byte, TokenSize)
	copy(out, token)
	return out
}

// DecodeToken reports whether body is a token body and returns the token
// without its padding.
func DecodeToken(body []byte) (string, bool) {
	if len(body) != TokenSize {
		return "", false
	}
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	if len(body) == 0 {
		return "", false
	}
	return string(body), true
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeString16(buf *bytes.Buffer, s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func readString16(src []byte) (string, []byte, error) {
	if len(src) < 2 {
		return "", nil, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(src))
	src = src[2:]
	if len(src) < n {
		return "", nil, ErrShortBuffer
	}
	return string(src[:n]), src[n:], nil
}
