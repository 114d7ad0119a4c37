// Package control implements the out-of-band control channel: the request
// wire format and the single-threaded loop that reads requests off the
// control adapter and dispatches them.
//
// Wire format, multi-byte fields big-endian:
//
//	connect/increase/decrease/disconnect:  [code:1][adapter_id:2]
//	private data:                          [code:1][adapter_id:2][length:4][payload:length]
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Code identifies a control request.
type Code uint8

const (
	CodeConnectAdapter    Code = 0x01
	CodeIncreaseAdapter   Code = 0x02
	CodeDecreaseAdapter   Code = 0x03
	CodeDisconnectAdapter Code = 0x04
	CodePrivateData       Code = 0x0A
)

// MaxPrivateData is the default bound on a private data payload.
const MaxPrivateData = 512

var (
	ErrUnknownCode     = errors.New("unknown control request code")
	ErrPayloadTooLarge = errors.New("private data payload too large")
)

func (c Code) String() string {
	switch c {
	case CodeConnectAdapter:
		return "connect_adapter"
	case CodeIncreaseAdapter:
		return "increase_adapter"
	case CodeDecreaseAdapter:
		return "decrease_adapter"
	case CodeDisconnectAdapter:
		return "disconnect_adapter"
	case CodePrivateData:
		return "private_data"
	default:
		return fmt.Sprintf("code(0x%02x)", uint8(c))
	}
}

func (c Code) valid() bool {
	switch c {
	case CodeConnectAdapter, CodeIncreaseAdapter, CodeDecreaseAdapter, CodeDisconnectAdapter, CodePrivateData:
		return true
	}
	return false
}

// Request is one decoded control message.
// Payload is only meaningful for CodePrivateData.
type Request struct {
	Code      Code
	AdapterID uint16
	Payload   []byte
}

// Encode serializes r. Private data larger than MaxPrivateData is refused.
func (r Request) Encode() ([]byte, error) {
	if !r.Code.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCode, r.Code)
	}
	if r.Code != CodePrivateData {
		b := make([]byte, 3)
		b[0] = byte(r.Code)
		binary.BigEndian.PutUint16(b[1:], r.AdapterID)
		return b, nil
	}
	if len(r.Payload) > MaxPrivateData {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(r.Payload), MaxPrivateData)
	}
	b := make([]byte, 7+len(r.Payload))
	b[0] = byte(r.Code)
	binary.BigEndian.PutUint16(b[1:3], r.AdapterID)
	binary.BigEndian.PutUint32(b[3:7], uint32(len(r.Payload)))
	copy(b[7:], r.Payload)
	return b, nil
}

// readCode reads the leading code byte on its own so the caller can tell a
// failure between requests from one in the middle of a request.
func readCode(r io.Reader) (Code, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return Code(b[0]), nil
}

// readBody reads the fields that follow code.
func readBody(r io.Reader, code Code, maxPrivate int) (Request, error) {
	if !code.valid() {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}
	req := Request{Code: code}
	var id [2]byte
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return req, fmt.Errorf("read %s adapter id: %w", code, err)
	}
	req.AdapterID = binary.BigEndian.Uint16(id[:])
	if code != CodePrivateData {
		return req, nil
	}

	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return req, fmt.Errorf("read private data length: %w", err)
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > uint32(maxPrivate) {
		return req, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, maxPrivate)
	}
	req.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, req.Payload); err != nil {
		return req, fmt.Errorf("read private data payload: %w", err)
	}
	return req, nil
}

// ReadRequest reads one complete request from r.
func ReadRequest(r io.Reader, maxPrivate int) (Request, error) {
	code, err := readCode(r)
	if err != nil {
		return Request{}, err
	}
	return readBody(r, code, maxPrivate)
}
