// Package xrdfile implements the stateful per-file handler (spec.md §4.9):
// open/close/read/write/truncate/sync/readv/stat against one remote file,
// tracked through a small state machine modeled on the teacher's
// tcpcl.ClientState; unlike that one it is not strictly forward-only, since
// Close returns an Opened file to Closed (see State).
package xrdfile

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdpost"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdreq"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

// State is one point in a File's lifecycle. Unlike tcpcl.ClientState this
// machine is not strictly linear: Opened can return to Closed (via Close),
// and any in-flight operation can fall into Error.
type State int

const (
	Closed State = iota
	OpenInProgress
	Opened
	CloseInProgress
	Error
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case OpenInProgress:
		return "open-in-progress"
	case Opened:
		return "opened"
	case CloseInProgress:
		return "close-in-progress"
	case Error:
		return "error"
	default:
		return "invalid"
	}
}

// RequestTimeout bounds every operation submitted through the post master.
// File methods take no per-call deadline.
const RequestTimeout = 60 * time.Second

// File is one remote file, opened against fileURL and tracked behind a
// single mutex (spec.md §5 "one mutex per File state").
type File struct {
	pm      *xrdpost.PostMaster
	fileURL *xrdurl.URL

	mu              sync.Mutex
	state           State
	dataServerURL   *xrdurl.URL
	loadBalancerURL *xrdurl.URL
	fileHandle      [4]byte
	sessionID       uint64
	lastStat        *xrdproto.StatInfo

	log *log.Entry
}

// New builds a File bound to fileURL, initially Closed.
func New(pm *xrdpost.PostMaster, fileURL *xrdurl.URL) *File {
	return &File{
		pm:      pm,
		fileURL: fileURL.Clone(),
		state:   Closed,
		log:     log.WithField("component", "xrdfile").WithField("path", fileURL.Path),
	}
}

// State reports the file's current lifecycle state.
func (f *File) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *File) checkState(want State) *xrdstatus.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != want {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "file is %s, operation requires %s", f.state, want)
	}
	return nil
}

func (f *File) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *File) submit(build xrdreq.BuildFunc, reqID xrdproto.RequestID, sessionBound bool) *xrdreq.Result {
	opts := xrdreq.Options{
		ReqID:   reqID,
		Expires: time.Now().Add(RequestTimeout),
	}
	if sessionBound {
		f.mu.Lock()
		opts.SessionID = f.sessionID
		f.mu.Unlock()
	}
	return xrdreq.Do(f.pm, f.fileURL, build, opts)
}

// Open issues the open request and, on success, transitions Closed →
// Opened, recording the data-server/load-balancer URLs, handle, and any
// back-filled StatInfo (spec.md §4.9 step 4).
func (f *File) Open(mode xrdproto.OpenMode, flags xrdproto.OpenFlags) *xrdstatus.Status {
	if status := f.checkState(Closed); status != nil {
		return status
	}
	f.setState(OpenInProgress)

	path := f.fileURL.Path
	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildOpenRequest(path, mode, flags)
	}
	result := xrdreq.Do(f.pm, f.fileURL, build, xrdreq.Options{
		ReqID:   xrdproto.ReqOpen,
		Expires: time.Now().Add(RequestTimeout),
	})
	if result.Status != nil && !result.Status.IsOK() {
		f.setState(Error)
		return result.Status
	}

	info, err := xrdproto.ParseOpenInfo(result.Body, result.SessionID)
	if err != nil {
		f.setState(Error)
		return xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
	}

	f.mu.Lock()
	f.state = Opened
	f.fileHandle = info.FileHandle
	f.sessionID = info.SessionID
	f.lastStat = info.Stat
	if len(result.HostList) > 0 {
		dataServer := f.fileURL.Clone()
		last := result.HostList[len(result.HostList)-1]
		dataServer.HostName, dataServer.Port = xrdurl.SplitHostPort(last)
		f.dataServerURL = dataServer
	}
	if result.LoadBalancer != "" {
		lb := f.fileURL.Clone()
		lb.HostName, lb.Port = xrdurl.SplitHostPort(result.LoadBalancer)
		f.loadBalancerURL = lb
	}
	f.mu.Unlock()

	f.log.WithField("handle", info.FileHandle).Debug("file opened")
	return nil
}

// Close issues the close request and, on success, transitions to Closed and
// clears the handle (spec.md §4.9 step 4).
func (f *File) Close() *xrdstatus.Status {
	if status := f.checkState(Opened); status != nil {
		return status
	}
	f.setState(CloseInProgress)

	f.mu.Lock()
	handle := f.fileHandle
	f.mu.Unlock()

	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildCloseRequest(handle)
	}
	result := f.submit(build, xrdproto.ReqClose, true)
	if result.Status != nil && !result.Status.IsOK() {
		f.setState(Error)
		return result.Status
	}

	f.mu.Lock()
	f.state = Closed
	f.fileHandle = [4]byte{}
	f.sessionID = 0
	f.mu.Unlock()
	return nil
}

// Stat issues a stat request against the file's own path, independent of
// open/closed state (the real protocol allows stat-by-path at any time).
func (f *File) Stat(opts xrdproto.StatOptions) (*xrdproto.StatInfo, *xrdstatus.Status) {
	path := f.fileURL.Path
	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildStatRequest(path, opts)
	}
	result := xrdreq.Do(f.pm, f.fileURL, build, xrdreq.Options{
		ReqID:   xrdproto.ReqStat,
		Expires: time.Now().Add(RequestTimeout),
	})
	if result.Status != nil && !result.Status.IsOK() {
		return nil, result.Status
	}
	info, err := xrdproto.ParseStatInfo(result.Body)
	if err != nil {
		return nil, xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
	}
	return info, nil
}

// Read fills into with up to len(into) bytes starting at offset, requiring
// the file to be Opened.
func (f *File) Read(offset uint64, into []byte) (*xrdproto.ChunkInfo, *xrdstatus.Status) {
	if status := f.checkState(Opened); status != nil {
		return nil, status
	}
	f.mu.Lock()
	handle := f.fileHandle
	f.mu.Unlock()

	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildReadRequest(handle, offset, uint32(len(into)))
	}
	result := f.submit(build, xrdproto.ReqRead, true)
	if result.Status != nil && !result.Status.IsOK() {
		return nil, result.Status
	}
	info, err := xrdproto.ParseChunkInfo(offset, result.Body, into)
	if err != nil {
		return nil, xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
	}
	return info, nil
}

// ReadV issues a vector read; chunks carry the caller's buffers in place
// (spec.md §8 "ReadV matching").
func (f *File) ReadV(chunks []xrdproto.Chunk) *xrdstatus.Status {
	if status := f.checkState(Opened); status != nil {
		return status
	}
	f.mu.Lock()
	handle := f.fileHandle
	f.mu.Unlock()

	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildReadVRequest(handle, chunks)
	}
	result := f.submit(build, xrdproto.ReqReadV, true)
	if result.Status != nil && !result.Status.IsOK() {
		return result.Status
	}
	if err := xrdproto.DecodeReadV(result.Body, chunks); err != nil {
		return xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
	}
	return nil
}

// Write sends data to be written at offset, requiring the file to be Opened.
func (f *File) Write(offset uint64, data []byte) *xrdstatus.Status {
	if status := f.checkState(Opened); status != nil {
		return status
	}
	f.mu.Lock()
	handle := f.fileHandle
	f.mu.Unlock()

	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildWriteRequest(handle, offset, data)
	}
	result := f.submit(build, xrdproto.ReqWrite, true)
	if result.Status != nil && !result.Status.IsOK() {
		return result.Status
	}
	return nil
}

// Truncate resizes the opened file to size.
func (f *File) Truncate(size uint64) *xrdstatus.Status {
	if status := f.checkState(Opened); status != nil {
		return status
	}
	f.mu.Lock()
	handle := f.fileHandle
	f.mu.Unlock()

	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildTruncateRequest(handle, size)
	}
	result := f.submit(build, xrdproto.ReqTruncate, true)
	if result.Status != nil && !result.Status.IsOK() {
		return result.Status
	}
	return nil
}

// Sync flushes any buffered writes at the server.
func (f *File) Sync() *xrdstatus.Status {
	if status := f.checkState(Opened); status != nil {
		return status
	}
	f.mu.Lock()
	handle := f.fileHandle
	f.mu.Unlock()

	build := func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildSyncRequest(handle)
	}
	result := f.submit(build, xrdproto.ReqSync, true)
	if result.Status != nil && !result.Status.IsOK() {
		return result.Status
	}
	return nil
}

// DataServerURL returns the data server this file was last opened against,
// or nil if the file has never been successfully opened.
func (f *File) DataServerURL() *xrdurl.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dataServerURL
}

// LoadBalancerURL returns the load-balancer discovered while opening this
// file, or nil if none was seen.
func (f *File) LoadBalancerURL() *xrdurl.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadBalancerURL
}

// LastStat returns the StatInfo carried back on open (only populated when
// the open request asked for retstat), or nil.
func (f *File) LastStat() *xrdproto.StatInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStat
}
