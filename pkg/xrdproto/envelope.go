// Package xrdproto implements the transport codec (spec.md §4.1): fixed-layout
// request/response frame marshaling, the multi-step handshake, and the
// channel-scoped queries the per-request handler consults. Binary layout
// follows the teacher's msgs.Message convention of encoding/binary in network
// (big-endian) byte order over hand-written fixed-size structs.
package xrdproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RequestHeaderSize is the fixed 24-byte request envelope: stream_id[2] |
// request_id[2] | body[16] | dlen[4].
const RequestHeaderSize = 24

// ResponseHeaderSize is the fixed 8-byte response envelope: stream_id[2] |
// status[2] | dlen[4].
const ResponseHeaderSize = 8

// RequestHeader is the wire-fixed prefix of every outgoing frame.
type RequestHeader struct {
	StreamID  uint16
	RequestID RequestID
	Body      [16]byte
	DataLen   uint32
}

// Marshal writes the 24-byte header in network byte order.
func (h *RequestHeader) Marshal(w io.Writer) error {
	var buf [RequestHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.StreamID)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.RequestID))
	copy(buf[4:20], h.Body[:])
	binary.BigEndian.PutUint32(buf[20:24], h.DataLen)
	_, err := w.Write(buf[:])
	return err
}

// UnmarshalRequestHeader parses the 24-byte header from a buffer that must be at least
// RequestHeaderSize long.
func UnmarshalRequestHeader(buf []byte) (*RequestHeader, error) {
	if len(buf) < RequestHeaderSize {
		return nil, fmt.Errorf("xrdproto: request header needs %d bytes, got %d", RequestHeaderSize, len(buf))
	}
	h := &RequestHeader{
		StreamID:  binary.BigEndian.Uint16(buf[0:2]),
		RequestID: RequestID(binary.BigEndian.Uint16(buf[2:4])),
		DataLen:   binary.BigEndian.Uint32(buf[20:24]),
	}
	copy(h.Body[:], buf[4:20])
	return h, nil
}

// ResponseStatus is the wire status field of a response envelope.
type ResponseStatus uint16

const (
	StatusOk ResponseStatus = iota
	StatusOkSoFar
	StatusError
	StatusRedirect
	StatusWait
	StatusWaitResp
	StatusAttn
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusOkSoFar:
		return "oksofar"
	case StatusError:
		return "error"
	case StatusRedirect:
		return "redirect"
	case StatusWait:
		return "wait"
	case StatusWaitResp:
		return "waitresp"
	case StatusAttn:
		return "attn"
	default:
		return fmt.Sprintf("status(%d)", uint16(s))
	}
}

// ResponseHeader is the wire-fixed prefix of every incoming frame.
type ResponseHeader struct {
	StreamID uint16
	Status   ResponseStatus
	DataLen  uint32
}

// UnmarshalResponseHeader parses the 8-byte header from buf.
func UnmarshalResponseHeader(buf []byte) (*ResponseHeader, error) {
	if len(buf) < ResponseHeaderSize {
		return nil, fmt.Errorf("xrdproto: response header needs %d bytes, got %d", ResponseHeaderSize, len(buf))
	}
	return &ResponseHeader{
		StreamID: binary.BigEndian.Uint16(buf[0:2]),
		Status:   ResponseStatus(binary.BigEndian.Uint16(buf[2:4])),
		DataLen:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// Marshal writes the 8-byte header in network byte order.
func (h *ResponseHeader) Marshal(w io.Writer) error {
	var buf [ResponseHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.StreamID)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Status))
	binary.BigEndian.PutUint32(buf[4:8], h.DataLen)
	_, err := w.Write(buf[:])
	return err
}
