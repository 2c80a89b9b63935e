package xrdproto

import "fmt"

// RequestID identifies which operation a request header carries, and hence
// how its 16-byte body and any following response body are laid out.
type RequestID uint16

const (
	ReqOpen RequestID = iota + 1
	ReqClose
	ReqRead
	ReqReadV
	ReqWrite
	ReqSync
	ReqTruncate
	ReqMv
	ReqRm
	ReqMkdir
	ReqRmdir
	ReqChmod
	ReqStat
	ReqDirList
	ReqLocate
	ReqQuery
	ReqPing
	ReqProtocol
	ReqStatVFS
)

func (r RequestID) String() string {
	switch r {
	case ReqOpen:
		return "open"
	case ReqClose:
		return "close"
	case ReqRead:
		return "read"
	case ReqReadV:
		return "readv"
	case ReqWrite:
		return "write"
	case ReqSync:
		return "sync"
	case ReqTruncate:
		return "truncate"
	case ReqMv:
		return "mv"
	case ReqRm:
		return "rm"
	case ReqMkdir:
		return "mkdir"
	case ReqRmdir:
		return "rmdir"
	case ReqChmod:
		return "chmod"
	case ReqStat:
		return "stat"
	case ReqDirList:
		return "dirlist"
	case ReqLocate:
		return "locate"
	case ReqQuery:
		return "query"
	case ReqPing:
		return "ping"
	case ReqProtocol:
		return "protocol"
	case ReqStatVFS:
		return "statvfs"
	default:
		return fmt.Sprintf("request(%d)", uint16(r))
	}
}

// HasNoResponseBody is true for requests whose successful response carries
// an empty body (spec.md §4.8 "parse_response").
func (r RequestID) HasNoResponseBody() bool {
	switch r {
	case ReqMv, ReqTruncate, ReqRm, ReqMkdir, ReqRmdir, ReqChmod, ReqPing, ReqClose, ReqWrite, ReqSync:
		return true
	default:
		return false
	}
}

// IsSessionBound is true for requests that must carry the session id they
// were opened under (spec.md §4.9 "Cross-redirect semantics").
func (r RequestID) IsSessionBound() bool {
	switch r {
	case ReqRead, ReqReadV, ReqWrite, ReqSync, ReqClose:
		return true
	default:
		return false
	}
}

// SupportsRefresh is true for requests that carry a "refresh" option bit the
// per-request handler clears when rewriting a wait-retry (spec.md §4.8
// "Rewrite on wait" — only locate and open).
func (r RequestID) SupportsRefresh() bool {
	return r == ReqLocate || r == ReqOpen
}
