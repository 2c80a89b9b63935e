package xrdproto

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// LocationType classifies one entry of a locate response (spec.md §3 "Location entry").
type LocationType int

const (
	ManagerOnline LocationType = iota
	ManagerPending
	ServerOnline
	ServerPending
)

// AccessType is the read/write capability advertised for a location.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessReadWrite
)

// LocationEntry is one decoded element of a LocationInfo.
type LocationEntry struct {
	Address string
	Type    LocationType
	Access  AccessType
}

// IsServer reports whether this entry names a data server.
func (l LocationEntry) IsServer() bool {
	return l.Type == ServerOnline || l.Type == ServerPending
}

// IsManager reports whether this entry names a manager/redirector.
func (l LocationEntry) IsManager() bool {
	return l.Type == ManagerOnline || l.Type == ManagerPending
}

// LocationInfo is the decoded response to a locate request: a
// space-separated list of "<type><access><host>:<port>" tokens on the wire.
type LocationInfo struct {
	Entries []LocationEntry
}

// ParseLocationInfo decodes a locate response body.
func ParseLocationInfo(body []byte) (*LocationInfo, error) {
	info := &LocationInfo{}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return info, nil
	}
	for _, tok := range strings.Fields(text) {
		if len(tok) < 2 {
			return nil, fmt.Errorf("xrdproto: malformed location token %q", tok)
		}
		var lt LocationType
		switch tok[0] {
		case 'M':
			lt = ManagerOnline
		case 'm':
			lt = ManagerPending
		case 'S':
			lt = ServerOnline
		case 's':
			lt = ServerPending
		default:
			return nil, fmt.Errorf("xrdproto: unknown location type byte %q", tok[0])
		}
		var acc AccessType
		switch tok[1] {
		case 'r':
			acc = AccessRead
		case 'w':
			acc = AccessReadWrite
		default:
			return nil, fmt.Errorf("xrdproto: unknown location access byte %q", tok[1])
		}
		info.Entries = append(info.Entries, LocationEntry{
			Address: tok[2:],
			Type:    lt,
			Access:  acc,
		})
	}
	return info, nil
}

// StatFlags mirror the boolean facts a stat response reports about a path.
type StatFlags uint32

const (
	StatIsDir StatFlags = 1 << iota
	StatIsOther
	StatIsOffline
	StatIsReadable
	StatIsWritable
	StatIsExecutable
)

// StatInfo is the decoded response to a plain stat request:
// "<id> <size> <flags> <mtime>" on the wire.
type StatInfo struct {
	ID    string
	Size  int64
	Flags StatFlags
	MTime int64
}

// ParseStatInfo decodes a stat response body.
func ParseStatInfo(body []byte) (*StatInfo, error) {
	fields := strings.Fields(strings.TrimSpace(string(body)))
	if len(fields) < 4 {
		return nil, fmt.Errorf("xrdproto: stat response has %d fields, want 4", len(fields))
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("xrdproto: bad stat size: %w", err)
	}
	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("xrdproto: bad stat flags: %w", err)
	}
	mtime, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("xrdproto: bad stat mtime: %w", err)
	}
	return &StatInfo{ID: fields[0], Size: size, Flags: StatFlags(flags), MTime: mtime}, nil
}

// StatInfoVFS is the decoded response to a stat request carrying the vfs option:
// "<nodes_rw> <freerw> <util_rw> <nodes_staging> <free_staging> <util_staging>".
type StatInfoVFS struct {
	NodesRW      int64
	FreeRW       int64
	UtilRW       int
	NodesStaging int64
	FreeStaging  int64
	UtilStaging  int
}

// ParseStatInfoVFS decodes a statvfs response body.
func ParseStatInfoVFS(body []byte) (*StatInfoVFS, error) {
	f := strings.Fields(strings.TrimSpace(string(body)))
	if len(f) != 6 {
		return nil, fmt.Errorf("xrdproto: statvfs response has %d fields, want 6", len(f))
	}
	parseI64 := func(s string) int64 { v, _ := strconv.ParseInt(s, 10, 64); return v }
	parseI := func(s string) int { v, _ := strconv.Atoi(s); return v }
	return &StatInfoVFS{
		NodesRW:      parseI64(f[0]),
		FreeRW:       parseI64(f[1]),
		UtilRW:       parseI(f[2]),
		NodesStaging: parseI64(f[3]),
		FreeStaging:  parseI64(f[4]),
		UtilStaging:  parseI(f[5]),
	}, nil
}

// ProtocolInfo is the decoded response to a protocol request: {value[4], flags[4]}.
type ProtocolInfo struct {
	ProtocolValue int32
	Flags         uint32
}

// Server capability flags, carried on a protocol response; Channel.ServerFlags
// mirrors the ones from the handshake's protocol-probe reply. Values
// match the real wire protocol's kXR_isServer/kXR_isManager/kXR_attrMeta bits.
const (
	ServerFlagIsServer  uint32 = 0x00000001
	ServerFlagIsManager uint32 = 0x00000002
	ServerFlagIsMeta    uint32 = 0x00000100
)

// IsManagerFlags reports whether a ServerFlags bitset describes a manager
// (redirector), the load-balancer promotion test in the per-request handler.
func IsManagerFlags(flags uint32) bool {
	return flags&ServerFlagIsManager != 0
}

// IsMetaFlags reports whether a ServerFlags bitset carries the meta-manager
// attribute, which always promotes over a previously remembered load-balancer.
func IsMetaFlags(flags uint32) bool {
	return flags&ServerFlagIsMeta != 0
}

// ParseProtocolInfo decodes a protocol response body.
func ParseProtocolInfo(body []byte) (*ProtocolInfo, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("xrdproto: protocol response needs 8 bytes, got %d", len(body))
	}
	return &ProtocolInfo{
		ProtocolValue: int32(binary.BigEndian.Uint32(body[0:4])),
		Flags:         binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

// DirListEntry is one line of a directory listing response.
type DirListEntry struct {
	Name string
	Stat *StatInfo // nil unless the caller asked for per-entry Stat back-fill.
}

// DirListInfo is the decoded response to a dirlist request: entries are
// newline-separated names relative to the requested parent path.
type DirListInfo struct {
	ParentPath string
	Entries    []DirListEntry
}

// ParseDirListInfo decodes a dirlist response body against the parent path
// the request was issued for.
func ParseDirListInfo(parentPath string, body []byte) *DirListInfo {
	info := &DirListInfo{ParentPath: parentPath}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		info.Entries = append(info.Entries, DirListEntry{Name: line})
	}
	return info
}

// OpenInfo is the decoded response to an open request: a 4-byte file handle,
// the session id the response arrived under, and an optional StatInfo when
// the request asked for retstat and the body is long enough to carry one.
type OpenInfo struct {
	FileHandle [4]byte
	SessionID  uint64
	Stat       *StatInfo
}

// ParseOpenInfo decodes an open response body. sessionID is supplied by the
// caller since it is carried on the response envelope's session, not the body.
func ParseOpenInfo(body []byte, sessionID uint64) (*OpenInfo, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("xrdproto: open response needs at least 4 bytes, got %d", len(body))
	}
	info := &OpenInfo{SessionID: sessionID}
	copy(info.FileHandle[:], body[0:4])
	if len(body) > 4 {
		if st, err := ParseStatInfo(body[4:]); err == nil {
			info.Stat = st
		}
	}
	return info, nil
}

// ChunkInfo is the decoded response to a read request: one Chunk bound to the
// caller's buffer.
type ChunkInfo struct {
	Offset uint64
	Length uint32
	Buffer []byte
}

// ParseChunkInfo decodes a read response body into the caller's buffer,
// failing with an error if the server returned more bytes than fit.
func ParseChunkInfo(offset uint64, body []byte, into []byte) (*ChunkInfo, error) {
	if len(body) > len(into) {
		return nil, fmt.Errorf("xrdproto: read response carries %d bytes, caller buffer holds %d", len(body), len(into))
	}
	n := copy(into, body)
	return &ChunkInfo{Offset: offset, Length: uint32(n), Buffer: into[:n]}, nil
}

// RedirectInfo is the parsed body of a redirect response: "<port> <host>[?cgi]".
type RedirectInfo struct {
	Host string
	Port int
	CGI  string
}

// ParseRedirectInfo decodes a redirect response body, per spec.md §4.8's
// "port[4] + host_and_optional_?cgi[dlen-4]" wire layout: the port arrives as
// a 4-byte big-endian integer followed by the host[?cgi] text.
func ParseRedirectInfo(body []byte) (*RedirectInfo, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("xrdproto: redirect response needs at least 4 bytes, got %d", len(body))
	}
	port := int(binary.BigEndian.Uint32(body[0:4]))
	rest := string(body[4:])
	host := rest
	cgi := ""
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		host = rest[:q]
		cgi = rest[q+1:]
	}
	if host == "" {
		return nil, fmt.Errorf("xrdproto: redirect response has empty host")
	}
	return &RedirectInfo{Host: host, Port: port, CGI: cgi}, nil
}

// WaitInfo is the parsed body of a wait response: seconds[4] + message text.
type WaitInfo struct {
	Seconds int32
	Message string
}

// ParseWaitInfo decodes a wait response body.
func ParseWaitInfo(body []byte) (*WaitInfo, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("xrdproto: wait response needs at least 4 bytes, got %d", len(body))
	}
	return &WaitInfo{
		Seconds: int32(binary.BigEndian.Uint32(body[0:4])),
		Message: string(body[4:]),
	}, nil
}

// WaitRespInfo is the parsed body of a waitresp response: seconds[4].
type WaitRespInfo struct {
	Seconds int32
}

// ParseWaitRespInfo decodes a waitresp response body.
func ParseWaitRespInfo(body []byte) (*WaitRespInfo, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("xrdproto: waitresp response needs 4 bytes, got %d", len(body))
	}
	return &WaitRespInfo{Seconds: int32(binary.BigEndian.Uint32(body[0:4]))}, nil
}

// AttnInfo is the parsed body of an attn response: actnum[4] + payload.
type AttnInfo struct {
	ActNum  uint32
	Payload []byte
}

// AsynRespActNum is the actnum value that wraps a full response envelope.
const AsynRespActNum uint32 = 1

// ParseAttnInfo decodes an attn response body.
func ParseAttnInfo(body []byte) (*AttnInfo, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("xrdproto: attn response needs at least 4 bytes, got %d", len(body))
	}
	return &AttnInfo{ActNum: binary.BigEndian.Uint32(body[0:4]), Payload: body[4:]}, nil
}

// ErrorInfo is the parsed body of an error response: code[4] + text.
type ErrorInfo struct {
	Code int32
	Text string
}

// ParseErrorInfo decodes an error response body.
func ParseErrorInfo(body []byte) (*ErrorInfo, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("xrdproto: error response needs at least 4 bytes, got %d", len(body))
	}
	return &ErrorInfo{Code: int32(binary.BigEndian.Uint32(body[0:4])), Text: string(body[4:])}, nil
}
