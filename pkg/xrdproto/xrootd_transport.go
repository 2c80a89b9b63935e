package xrdproto

import (
	"encoding/binary"
	"fmt"
)

// xrootdChannelState is the concrete ChannelState for XRootDTransport,
// grounded on the teacher's stages.State: a small mutable record threaded
// through the handshake and then consulted by every subsequent Transport call.
type xrootdChannelState struct {
	auth            string
	serverFlags     uint32
	protocolVersion int
	streamCount     int
	subStreamCount  int
}

// XRootDTransport is the default Transport: a one-exchange handshake (a
// protocol probe and its reply) followed by ordinary request/response framing driven
// purely by DataLen — the wire format carries no continuation markers beyond
// the header's declared length, so ParseFrame only ever needs to compare
// buffered length against header.DataLen.
type XRootDTransport struct {
	// ClientName becomes the channel's Auth identity once the handshake
	// completes, e.g. "xrdclient". It is not sent on the wire.
	ClientName string
	// DefaultStreamCount is how many Streams a channel opens once connected.
	DefaultStreamCount int
	// DefaultSubStreamCount is how many sub-streams a Stream opens once its
	// main sub-stream has completed the handshake.
	DefaultSubStreamCount int
}

// NewXRootDTransport builds a Transport with reasonable defaults.
func NewXRootDTransport() *XRootDTransport {
	return &XRootDTransport{
		ClientName:            "xrdclient",
		DefaultStreamCount:    1,
		DefaultSubStreamCount: 1,
	}
}

func (t *XRootDTransport) Name() string { return "xrootd" }

func (t *XRootDTransport) NewChannelState() ChannelState {
	return &xrootdChannelState{
		streamCount:    t.DefaultStreamCount,
		subStreamCount: t.DefaultSubStreamCount,
	}
}

func (t *XRootDTransport) state(s ChannelState) *xrootdChannelState {
	cs, ok := s.(*xrootdChannelState)
	if !ok {
		panic(fmt.Sprintf("xrdproto: foreign ChannelState %T passed to XRootDTransport", s))
	}
	return cs
}

// Handshake drives {protocol probe} -> Connected. The probe is a
// request/response pair on the request/response envelopes already defined
// by this package, so the handshake reuses ReqProtocol/marshaled bodies
// instead of inventing a third wire format. There is no login step.
func (t *XRootDTransport) Handshake(chState ChannelState, data *HandShakeData) error {
	cs := t.state(chState)

	switch data.Step {
	case HandShakeStart:
		data.Out = buildProtocolProbe()
		data.Step = HandShakeInProgress
		return nil

	case HandShakeInProgress:
		if data.In == nil {
			return fmt.Errorf("xrdproto: handshake step %d expected an incoming message", data.Step)
		}
		hdr, err := UnmarshalResponseHeader(data.In.Bytes())
		if err != nil {
			return err
		}
		if hdr.Status != StatusOk {
			return fmt.Errorf("xrdproto: handshake protocol probe failed with status %v", hdr.Status)
		}
		body := data.In.Bytes()[ResponseHeaderSize:]
		if len(body) >= 8 {
			cs.protocolVersion = int(binary.BigEndian.Uint32(body[0:4]))
			cs.serverFlags = binary.BigEndian.Uint32(body[4:8])
		}
		cs.auth = t.ClientName

		data.Out = nil
		data.Step = HandShakeComplete
		return nil

	default:
		return fmt.Errorf("xrdproto: unexpected handshake step %d", data.Step)
	}
}

func buildProtocolProbe() *Message {
	hdr := RequestHeader{RequestID: ReqProtocol}
	m := NewMessage(RequestHeaderSize)
	_ = hdr.Marshal(sliceWriter{m})
	return m
}

// sliceWriter adapts Message.Append to io.Writer for header Marshal calls.
type sliceWriter struct{ m *Message }

func (w sliceWriter) Write(p []byte) (int, error) {
	w.m.Append(p)
	return len(p), nil
}

func (t *XRootDTransport) Auth(chState ChannelState) string {
	return t.state(chState).auth
}

func (t *XRootDTransport) ServerFlags(chState ChannelState) uint32 {
	return t.state(chState).serverFlags
}

func (t *XRootDTransport) ProtocolVersion(chState ChannelState) int {
	return t.state(chState).protocolVersion
}

// PathForMessage always routes through sub-stream 0 unless the caller
// supplied an explicit hint, matching the common single-sub-stream case;
// channels that negotiate more sub-streams override via hint.
func (t *XRootDTransport) PathForMessage(chState ChannelState, msg *Message, hint *int) PathID {
	if hint != nil {
		return PathID{Up: *hint, Down: *hint}
	}
	return PathID{Up: 0, Down: 0}
}

func (t *XRootDTransport) StreamNumber(chState ChannelState) int {
	return t.state(chState).streamCount
}

func (t *XRootDTransport) SubStreamNumber(chState ChannelState) int {
	return t.state(chState).subStreamCount
}

func (t *XRootDTransport) IsStreamTTLElapsed(inactiveSeconds int, chState ChannelState) bool {
	return inactiveSeconds > 300
}

// Highjack lets the transport swallow an attn frame that is not an asynresp
// wrapper (e.g. a bare server notice with no matching request) before it
// reaches any per-request handler.
func (t *XRootDTransport) Highjack(chState ChannelState, msg *Message) bool {
	hdr, err := UnmarshalResponseHeader(msg.Bytes())
	if err != nil {
		return false
	}
	if hdr.Status != StatusAttn {
		return false
	}
	body := msg.Bytes()[ResponseHeaderSize:]
	if len(body) < 4 {
		return false
	}
	const asynResp = 1
	actnum := binary.BigEndian.Uint32(body[0:4])
	return actnum != asynResp
}

// ParseFrame frames purely by declared length: the header's DataLen is
// authoritative for every request id this core handles.
func (t *XRootDTransport) ParseFrame(reqID RequestID, header *ResponseHeader, buffered []byte) FrameResult {
	if len(buffered) < int(header.DataLen) {
		return FrameRetry
	}
	if len(buffered) > int(header.DataLen) {
		return FrameError
	}
	return FrameOk
}
