package xrdproto

import "encoding/binary"

// OpenMode is the access mode requested of a newly opened file.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenUpdate
	OpenWrite
)

// OpenFlags are the optional behaviors a file open requests, bitwise-OR'd
// into the open request body (spec.md §4.7 "File open options").
type OpenFlags uint32

const (
	OpenFlagNone      OpenFlags = 0
	OpenFlagDelete    OpenFlags = 1 << 0
	OpenFlagNew       OpenFlags = 1 << 1
	OpenFlagForce     OpenFlags = 1 << 2
	OpenFlagMakePath  OpenFlags = 1 << 3
	OpenFlagCompress  OpenFlags = 1 << 4
	OpenFlagRetStat   OpenFlags = 1 << 5
	OpenFlagRefresh   OpenFlags = 1 << 6
	OpenFlagPOSC      OpenFlags = 1 << 7
	OpenFlagSeqIO     OpenFlags = 1 << 8
)

// buildRequest assembles a Message from a 16-byte fixed body and a variable
// trailing payload, writing the matching RequestHeader first. This is the one
// seam every per-request builder below funnels through.
func buildRequest(reqID RequestID, fixed [16]byte, payload []byte) *Message {
	hdr := RequestHeader{RequestID: reqID, Body: fixed, DataLen: uint32(len(payload))}
	m := NewMessage(RequestHeaderSize + len(payload))
	_ = hdr.Marshal(sliceWriter{m})
	if len(payload) > 0 {
		m.Append(payload)
	}
	return m
}

// BuildOpenRequest builds an open request: mode[2] | flags[4] | reserved[10]
// fixed body, path as the variable payload.
func BuildOpenRequest(path string, mode OpenMode, flags OpenFlags) *Message {
	var fixed [16]byte
	binary.BigEndian.PutUint16(fixed[0:2], uint16(mode))
	binary.BigEndian.PutUint32(fixed[2:6], uint32(flags))
	return buildRequest(ReqOpen, fixed, []byte(path))
}

// BuildCloseRequest builds a close request: fhandle[4] fixed body, no payload.
func BuildCloseRequest(fhandle [4]byte) *Message {
	var fixed [16]byte
	copy(fixed[0:4], fhandle[:])
	return buildRequest(ReqClose, fixed, nil)
}

// BuildReadRequest builds a read request: fhandle[4] | offset[8] | length[4].
func BuildReadRequest(fhandle [4]byte, offset uint64, length uint32) *Message {
	var fixed [16]byte
	copy(fixed[0:4], fhandle[:])
	binary.BigEndian.PutUint64(fixed[4:12], offset)
	binary.BigEndian.PutUint32(fixed[12:16], length)
	return buildRequest(ReqRead, fixed, nil)
}

// BuildReadVRequest builds a readv request: fixed body is unused, the
// variable payload is the chunk list encoded by EncodeReadVRequest.
func BuildReadVRequest(fhandle [4]byte, chunks []Chunk) *Message {
	var fixed [16]byte
	return buildRequest(ReqReadV, fixed, EncodeReadVRequest(fhandle, chunks))
}

// BuildWriteRequest builds a write request: fhandle[4] | offset[8] |
// reserved[4] fixed body, data as the variable payload.
func BuildWriteRequest(fhandle [4]byte, offset uint64, data []byte) *Message {
	var fixed [16]byte
	copy(fixed[0:4], fhandle[:])
	binary.BigEndian.PutUint64(fixed[4:12], offset)
	return buildRequest(ReqWrite, fixed, data)
}

// BuildSyncRequest builds a sync request: fhandle[4] fixed body.
func BuildSyncRequest(fhandle [4]byte) *Message {
	var fixed [16]byte
	copy(fixed[0:4], fhandle[:])
	return buildRequest(ReqSync, fixed, nil)
}

// BuildTruncateRequest builds a truncate request against an already-open
// file: fhandle[4] | reserved[4] | size[8].
func BuildTruncateRequest(fhandle [4]byte, size uint64) *Message {
	var fixed [16]byte
	copy(fixed[0:4], fhandle[:])
	binary.BigEndian.PutUint64(fixed[8:16], size)
	return buildRequest(ReqTruncate, fixed, nil)
}

// BuildTruncatePathRequest builds a truncate request against a path, for
// filesystem-facade truncate calls that have no open file handle: fhandle
// left zeroed signals "by path", size[8], path as payload.
func BuildTruncatePathRequest(path string, size uint64) *Message {
	var fixed [16]byte
	binary.BigEndian.PutUint64(fixed[8:16], size)
	return buildRequest(ReqTruncate, fixed, []byte(path))
}

// BuildMvRequest builds a move/rename request: oldpath and newpath joined by
// a single space in the payload, per the real protocol's mv wire layout.
func BuildMvRequest(oldPath, newPath string) *Message {
	var fixed [16]byte
	payload := []byte(oldPath + " " + newPath)
	return buildRequest(ReqMv, fixed, payload)
}

// BuildRmRequest builds a remove-file request: path as payload.
func BuildRmRequest(path string) *Message {
	var fixed [16]byte
	return buildRequest(ReqRm, fixed, []byte(path))
}

// BuildMkdirRequest builds a make-directory request: options[1] | mode[4] |
// reserved[11] fixed body, path as payload. recursive sets the make-path bit
// so missing parent directories are created along the way.
func BuildMkdirRequest(path string, mode uint32, recursive bool) *Message {
	var fixed [16]byte
	if recursive {
		fixed[0] = 1
	}
	binary.BigEndian.PutUint32(fixed[1:5], mode)
	return buildRequest(ReqMkdir, fixed, []byte(path))
}

// BuildRmdirRequest builds a remove-directory request: path as payload.
func BuildRmdirRequest(path string) *Message {
	var fixed [16]byte
	return buildRequest(ReqRmdir, fixed, []byte(path))
}

// BuildChmodRequest builds a chmod request: mode[4] fixed body, path as payload.
func BuildChmodRequest(path string, mode uint32) *Message {
	var fixed [16]byte
	binary.BigEndian.PutUint32(fixed[0:4], mode)
	return buildRequest(ReqChmod, fixed, []byte(path))
}

// StatOptions selects which variant of stat is requested.
type StatOptions struct {
	VFS bool // ask for filesystem-level occupancy instead of path metadata.
}

// BuildStatRequest builds a stat request: options[1] fixed body, path as payload.
func BuildStatRequest(path string, opts StatOptions) *Message {
	var fixed [16]byte
	if opts.VFS {
		fixed[0] = 1
	}
	return buildRequest(ReqStat, fixed, []byte(path))
}

// BuildStatVFSRequest is BuildStatRequest with the VFS option forced on, kept
// as its own entry point since xrdfs.StatVFS is a distinct facade operation.
func BuildStatVFSRequest(path string) *Message {
	return BuildStatRequest(path, StatOptions{VFS: true})
}

// DirListOptions selects how much per-entry detail a directory listing returns.
type DirListOptions struct {
	WithStat bool // back-fill a StatInfo per returned entry.
}

// BuildDirListRequest builds a dirlist request: options[1] fixed body, path
// as payload.
func BuildDirListRequest(path string, opts DirListOptions) *Message {
	var fixed [16]byte
	if opts.WithStat {
		fixed[0] = 1
	}
	return buildRequest(ReqDirList, fixed, []byte(path))
}

// LocateOptions are the bits a locate request can set (spec.md §4.6 "Locate
// request options").
type LocateOptions struct {
	Refresh     bool // force the redirector to drop any cached answer.
	Deep        bool // ask the redirector to expand to leaf data servers.
	PreferRead  bool
	PreferWrite bool
}

func (o LocateOptions) encode() byte {
	var b byte
	if o.Refresh {
		b |= 1 << 0
	}
	if o.Deep {
		b |= 1 << 1
	}
	if o.PreferRead {
		b |= 1 << 2
	}
	if o.PreferWrite {
		b |= 1 << 3
	}
	return b
}

// BuildLocateRequest builds a locate request: options[1] fixed body, path as
// payload.
func BuildLocateRequest(path string, opts LocateOptions) *Message {
	var fixed [16]byte
	fixed[0] = opts.encode()
	return buildRequest(ReqLocate, fixed, []byte(path))
}

// ClearLocateRefreshBit clears the refresh option in place on an already
// built locate request message, used when a wait-retry rewrite has already
// forced one refresh and must not force another on every further retry
// (spec.md §4.8 "Rewrite on wait").
func ClearLocateRefreshBit(msg *Message) {
	b := msg.Bytes()
	if len(b) < RequestHeaderSize {
		return
	}
	b[4] &^= 1 << 0 // fixed[0] begins at buf[4]; refresh is LocateOptions bit 0.
}

// ClearOpenRefreshFlag clears the refresh flag in place on an already built
// open request message, for the same reason as ClearLocateRefreshBit.
func ClearOpenRefreshFlag(msg *Message) {
	b := msg.Bytes()
	if len(b) < RequestHeaderSize {
		return
	}
	// fixed[2:6] (flags, big-endian uint32) begins at buf[6]; OpenFlagRefresh
	// is small enough to live entirely in the low-order byte, buf[9].
	b[9] &^= byte(OpenFlagRefresh)
}

// SetLocateRefreshBit sets the refresh option in place on an already built
// locate request message, used when a NotFound recovery retry must force
// the redirector to drop its cached answer (spec.md §4.8 "for NotFound also
// set the request-specific refresh bit").
func SetLocateRefreshBit(msg *Message) {
	b := msg.Bytes()
	if len(b) < RequestHeaderSize {
		return
	}
	b[4] |= 1 << 0
}

// SetOpenRefreshFlag sets the refresh flag in place on an already built open
// request message, for the same reason as SetLocateRefreshBit.
func SetOpenRefreshFlag(msg *Message) {
	b := msg.Bytes()
	if len(b) < RequestHeaderSize {
		return
	}
	b[9] |= byte(OpenFlagRefresh)
}

// BuildPingRequest builds a ping request: empty fixed body, no payload.
func BuildPingRequest() *Message {
	var fixed [16]byte
	return buildRequest(ReqPing, fixed, nil)
}

// BuildProtocolRequest builds a protocol request: empty fixed body, no
// payload. Exported alongside the private buildProtocolProbe helper the
// handshake step reuses internally.
func BuildProtocolRequest() *Message {
	var fixed [16]byte
	return buildRequest(ReqProtocol, fixed, nil)
}

// QueryCode selects which server-side query a query request asks for
// (spec.md §4.6 "Query codes").
type QueryCode int

const (
	QueryStats QueryCode = iota
	QueryPrepare
	QueryChecksum
	QuerySpace
	QueryConfig
	QueryVisa
	QueryOpaque
	QueryOpaqueFile
)

// BuildQueryRequest builds a query request: code[2] fixed body, arg as payload.
func BuildQueryRequest(code QueryCode, arg []byte) *Message {
	var fixed [16]byte
	binary.BigEndian.PutUint16(fixed[0:2], uint16(code))
	return buildRequest(ReqQuery, fixed, arg)
}
