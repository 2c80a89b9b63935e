package xrdproto

import "time"

// HandShakeStep enumerates progress through the multi-step handshake a
// freshly-connected sub-stream drives before it may carry requests.
type HandShakeStep int

const (
	HandShakeStart HandShakeStep = iota
	HandShakeInProgress
	HandShakeComplete
	HandShakeFailed
)

// HandShakeData is round-tripped through the transport's Handshake method
// once per step, carrying whatever the transport needs to remember between
// steps in its own per-channel state blob (spec.md §4.1 "Handshake").
type HandShakeData struct {
	Step         HandShakeStep
	Out          *Message
	In           *Message
	URL          string
	StreamID     int
	SubStreamID  int
	StartTime    time.Time
	ServerAddr   string
	ClientName   string
	StreamName   string
}

// PathID selects which sub-stream a message should be written to, and which
// sub-stream its reply is expected to arrive on (spec.md §4.1 "Multiplexing hooks").
type PathID struct {
	Up   int
	Down int
}

// FrameResult is returned while incrementally parsing a response body
// (spec.md §4.1c): more bytes are needed, the frame is complete, or framing
// failed outright.
type FrameResult int

const (
	FrameRetry FrameResult = iota
	FrameOk
	FrameError
)

// ChannelState is an opaque, transport-owned blob threaded through Handshake,
// PathID computation, StreamNumber/SubStreamNumber and Highjack calls. Each
// Transport implementation defines its own concrete type; the codec package
// never inspects it.
type ChannelState interface{}

// Transport is the pluggable wire codec + channel-scoped policy a Channel
// asks for name/auth/SID-manager/flags/version, handshake driving, and
// multiplexing decisions (spec.md §4.1). One Transport instance is shared by
// every stream of a single channel.
type Transport interface {
	// Name is a constant identifying string, e.g. "xrootd".
	Name() string

	// NewChannelState allocates the opaque per-channel state blob handed back
	// on every subsequent call for this channel.
	NewChannelState() ChannelState

	// Handshake drives one step of the connection handshake for a freshly
	// dialed sub-stream. It mutates data in place and returns an error only
	// on protocol violation; success is signalled via data.Step.
	Handshake(state ChannelState, data *HandShakeData) error

	// Auth returns the negotiated identity string, if any.
	Auth(state ChannelState) string

	// ServerFlags returns the bitset from the last received response.
	ServerFlags(state ChannelState) uint32

	// ProtocolVersion returns the protocol version negotiated at handshake.
	ProtocolVersion(state ChannelState) int

	// PathForMessage computes which sub-stream a message should be written to
	// and which is expected to carry the reply, possibly stamping msg's body
	// with a path hint.
	PathForMessage(state ChannelState, msg *Message, hint *int) PathID

	// StreamNumber returns how many Streams a channel should maintain once
	// its first handshake has completed.
	StreamNumber(state ChannelState) int

	// SubStreamNumber returns how many sub-streams (sockets) a Stream should
	// maintain once its main sub-stream's handshake has completed.
	SubStreamNumber(state ChannelState) int

	// IsStreamTTLElapsed reports whether an idle sub-stream, inactive for
	// inactiveSeconds, should be closed.
	IsStreamTTLElapsed(inactiveSeconds int, state ChannelState) bool

	// Highjack gives the transport a chance to consume an inbound frame
	// internally (e.g. an asynchronous server notice) before it reaches user
	// handlers. Returning true means the frame was consumed.
	Highjack(state ChannelState, msg *Message) bool

	// ParseFrame incrementally frames a response body once the 8-byte header
	// has already been parsed, given the request id the header's stream id
	// was matched to.
	ParseFrame(reqID RequestID, header *ResponseHeader, buffered []byte) FrameResult
}
