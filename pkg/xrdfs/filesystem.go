// Package xrdfs implements the stateless filesystem facade (spec.md §4.10):
// a thin builder around the post master for path-level operations, plus the
// two algorithmically interesting pieces, deep locate and DirList's
// Locate+Stat fan-out.
package xrdfs

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdchannel"
	"github.com/ljanyst/xrdclient/pkg/xrdfile"
	"github.com/ljanyst/xrdclient/pkg/xrdpost"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdreq"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

// Default location-cache lifetimes, matching spec.md §6's DataServerTTL/
// ManagerTTL defaults. SetCacheTTLs overrides them from pkg/xrdenv.
const (
	defaultDataServerTTL = 300 * time.Second
	defaultManagerTTL    = 1200 * time.Second
)

// RequestTimeout bounds every facade operation. Facade methods take no
// per-call deadline.
const RequestTimeout = 60 * time.Second

// DirListFlags select facade-level DirList behavior, distinct from the wire
// request's own WithStat option: Locate drives the deep-locate fan-out,
// Stat drives the per-entry stat back-fill once entries are merged.
type DirListFlags uint32

const (
	DirListFlagLocate DirListFlags = 1 << 0
	DirListFlagStat   DirListFlags = 1 << 1
)

// statQuota bounds outstanding per-entry stat requests during a DirList+Stat
// fan-out (spec.md §4.10 "concurrency quota ≤1024").
const statQuota = 1024

// FileSystem is a thin, stateless builder around a PostMaster and the base
// URL (scheme/host/port) every relative path operation targets.
type FileSystem struct {
	pm  *xrdpost.PostMaster
	url *xrdurl.URL
	log *log.Entry

	dataServerTTL time.Duration
	managerTTL    time.Duration
}

// New builds a FileSystem targeting base's host; base.Path is ignored, each
// operation supplies its own path.
func New(pm *xrdpost.PostMaster, base *xrdurl.URL) *FileSystem {
	return &FileSystem{
		pm:            pm,
		url:           base.Clone(),
		log:           log.WithField("component", "xrdfs"),
		dataServerTTL: defaultDataServerTTL,
		managerTTL:    defaultManagerTTL,
	}
}

// SetCacheTTLs overrides the lifetimes Locate results are cached for
// (pkg/xrdenv's DataServerTTL/ManagerTTL settings), only taking effect on the
// channel's location cache if one was enabled via xrdpost.Options.CacheDir.
func (fs *FileSystem) SetCacheTTLs(dataServerTTL, managerTTL time.Duration) {
	fs.dataServerTTL = dataServerTTL
	fs.managerTTL = managerTTL
}

// cacheTTLFor picks ManagerTTL if any entry names a manager/redirector,
// DataServerTTL otherwise (spec.md §6: a manager's identity is assumed
// stable far longer than a data server's).
func (fs *FileSystem) cacheTTLFor(entries []xrdproto.LocationEntry) time.Duration {
	for _, e := range entries {
		if e.IsManager() {
			return fs.managerTTL
		}
	}
	return fs.dataServerTTL
}

func (fs *FileSystem) urlFor(path string) *xrdurl.URL {
	u := fs.url.Clone()
	u.Path = path
	return u
}

// Open builds a stateful file handler for path (spec.md §4.9), sharing this
// FileSystem's PostMaster and target host. The returned File still needs its
// own Open() call before Read/Write/etc.; this is the facade's handle onto
// the stateful side of the client that the path-level methods don't cover.
func (fs *FileSystem) Open(path string) *xrdfile.File {
	return xrdfile.New(fs.pm, fs.urlFor(path))
}

func (fs *FileSystem) do(path string, reqID xrdproto.RequestID, build xrdreq.BuildFunc) *xrdreq.Result {
	return xrdreq.Do(fs.pm, fs.urlFor(path), build, xrdreq.Options{
		ReqID:   reqID,
		Expires: time.Now().Add(RequestTimeout),
	})
}

// Locate issues a locate request against path, short-circuiting on a cache
// hit if the channel has a location cache enabled ([SPEC_FULL.md] §10: a
// repeated Locate for the same path inside the cached TTL serves from the
// last response instead of a fresh round trip). A fresh Refresh-flagged
// request always bypasses the cache.
func (fs *FileSystem) Locate(path string, opts xrdproto.LocateOptions) (*xrdproto.LocationInfo, *xrdstatus.Status) {
	cache := fs.locationCache(path)
	if cache != nil && !opts.Refresh {
		if entries, ok := cache.Get(path); ok {
			return &xrdproto.LocationInfo{Entries: entries}, nil
		}
	}

	result := fs.do(path, xrdproto.ReqLocate, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildLocateRequest(path, opts)
	})
	if result.Status != nil && !result.Status.IsOK() {
		return nil, result.Status
	}
	info, err := xrdproto.ParseLocationInfo(result.Body)
	if err != nil {
		return nil, xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
	}
	if cache != nil {
		if err := cache.Put(path, info.Entries, fs.cacheTTLFor(info.Entries)); err != nil {
			fs.log.WithField("error", err).WithField("path", path).Warn("failed to populate location cache")
		}
	}
	return info, nil
}

// locationCache returns the location cache for the channel path resolves
// against, or nil if none is enabled.
func (fs *FileSystem) locationCache(path string) *xrdchannel.LocationCache {
	return fs.pm.Channel(fs.urlFor(path)).LocationCache()
}

// Mv renames oldPath to newPath.
func (fs *FileSystem) Mv(oldPath, newPath string) *xrdstatus.Status {
	result := fs.do(oldPath, xrdproto.ReqMv, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildMvRequest(oldPath, newPath)
	})
	return statusOnly(result)
}

// Query issues a server-side query and returns its opaque response body.
func (fs *FileSystem) Query(code xrdproto.QueryCode, arg []byte) ([]byte, *xrdstatus.Status) {
	result := fs.do("", xrdproto.ReqQuery, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildQueryRequest(code, arg)
	})
	if result.Status != nil && !result.Status.IsOK() {
		return nil, result.Status
	}
	return result.Body, nil
}

// Truncate resizes path to size without requiring an open file handle.
func (fs *FileSystem) Truncate(path string, size uint64) *xrdstatus.Status {
	result := fs.do(path, xrdproto.ReqTruncate, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildTruncatePathRequest(path, size)
	})
	return statusOnly(result)
}

// Rm removes the file at path.
func (fs *FileSystem) Rm(path string) *xrdstatus.Status {
	result := fs.do(path, xrdproto.ReqRm, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildRmRequest(path)
	})
	return statusOnly(result)
}

// Mkdir creates a directory at path, optionally creating missing parents.
func (fs *FileSystem) Mkdir(path string, mode uint32, recursive bool) *xrdstatus.Status {
	result := fs.do(path, xrdproto.ReqMkdir, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildMkdirRequest(path, mode, recursive)
	})
	return statusOnly(result)
}

// Rmdir removes the directory at path.
func (fs *FileSystem) Rmdir(path string) *xrdstatus.Status {
	result := fs.do(path, xrdproto.ReqRmdir, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildRmdirRequest(path)
	})
	return statusOnly(result)
}

// Chmod changes the mode bits of path.
func (fs *FileSystem) Chmod(path string, mode uint32) *xrdstatus.Status {
	result := fs.do(path, xrdproto.ReqChmod, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildChmodRequest(path, mode)
	})
	return statusOnly(result)
}

// Ping round-trips a no-op request against the remembered host.
func (fs *FileSystem) Ping() *xrdstatus.Status {
	result := fs.do("", xrdproto.ReqPing, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildPingRequest()
	})
	return statusOnly(result)
}

// Stat returns the metadata for path.
func (fs *FileSystem) Stat(path string) (*xrdproto.StatInfo, *xrdstatus.Status) {
	result := fs.do(path, xrdproto.ReqStat, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildStatRequest(path, xrdproto.StatOptions{})
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

// StatVFS returns filesystem-level occupancy for path.
func (fs *FileSystem) StatVFS(path string) (*xrdproto.StatInfoVFS, *xrdstatus.Status) {
	result := fs.do(path, xrdproto.ReqStatVFS, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildStatVFSRequest(path)
	})
	if result.Status != nil && !result.Status.IsOK() {
		return nil, result.Status
	}
	info, err := xrdproto.ParseStatInfoVFS(result.Body)
	if err != nil {
		return nil, xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
	}
	return info, nil
}

// Protocol queries the negotiated protocol version and server flags.
func (fs *FileSystem) Protocol() (*xrdproto.ProtocolInfo, *xrdstatus.Status) {
	result := fs.do("", xrdproto.ReqProtocol, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildProtocolRequest()
	})
	if result.Status != nil && !result.Status.IsOK() {
		return nil, result.Status
	}
	info, err := xrdproto.ParseProtocolInfo(result.Body)
	if err != nil {
		return nil, xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
	}
	return info, nil
}

// DirList lists path. With DirListFlagLocate set, it fans out to every data
// server discovered by deep locate instead of asking a single host; with
// DirListFlagStat also set, it back-fills each entry's StatInfo under a
// bounded concurrency quota (spec.md §4.10).
func (fs *FileSystem) DirList(path string, flags DirListFlags, wireOpts xrdproto.DirListOptions) (*xrdproto.DirListInfo, *xrdstatus.Status) {
	if flags&DirListFlagLocate == 0 {
		return fs.dirListOne(path, wireOpts)
	}

	servers, status := fs.DeepLocate("*"+path, xrdproto.LocateOptions{})
	if status != nil {
		return nil, status
	}

	merged := &xrdproto.DirListInfo{ParentPath: path}
	var partial bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, entry := range servers {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := fs.url.Clone()
			u.HostName, u.Port = xrdurl.SplitHostPort(entry.Address)
			result := xrdreq.Do(fs.pm, u, func(u *xrdurl.URL) *xrdproto.Message {
				return xrdproto.BuildDirListRequest(path, wireOpts)
			}, xrdreq.Options{ReqID: xrdproto.ReqDirList, Expires: time.Now().Add(RequestTimeout)})

			mu.Lock()
			defer mu.Unlock()
			if result.Status != nil && !result.Status.IsOK() {
				partial = true
				fs.log.WithField("server", entry.Address).WithField("error", result.Status).Warn("dirlist fan-out failed")
				return
			}
			listing := xrdproto.ParseDirListInfo(path, result.Body)
			merged.Entries = append(merged.Entries, listing.Entries...)
		}()
	}
	wg.Wait()

	if flags&DirListFlagStat != 0 {
		if err := backfillStat(fs, path, merged); err != nil {
			partial = true
		}
	}

	if partial {
		return merged, xrdstatus.NewPartial("dirlist fan-out partially failed")
	}
	return merged, nil
}

func (fs *FileSystem) dirListOne(path string, wireOpts xrdproto.DirListOptions) (*xrdproto.DirListInfo, *xrdstatus.Status) {
	result := fs.do(path, xrdproto.ReqDirList, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildDirListRequest(path, wireOpts)
	})
	if result.Status != nil && !result.Status.IsOK() {
		return nil, result.Status
	}
	return xrdproto.ParseDirListInfo(path, result.Body), nil
}

// requestSync coordinates the bounded stat fan-out (spec.md §4.10
// "RequestSync{total, quota, failures}"): wait_for_quota blocks a new worker
// until a slot frees up, wait_for_all blocks the caller until every
// outstanding worker has finished.
type requestSync struct {
	mu       sync.Mutex
	quotaCV  *sync.Cond
	allCV    *sync.Cond
	total    int
	quota    int
	running  int
	failures int
}

func newRequestSync(quota int) *requestSync {
	rs := &requestSync{quota: quota}
	rs.quotaCV = sync.NewCond(&rs.mu)
	rs.allCV = sync.NewCond(&rs.mu)
	return rs
}

func (rs *requestSync) acquire() {
	rs.mu.Lock()
	for rs.running >= rs.quota {
		rs.quotaCV.Wait()
	}
	rs.running++
	rs.total++
	rs.mu.Unlock()
}

func (rs *requestSync) release(failed bool) {
	rs.mu.Lock()
	rs.running--
	if failed {
		rs.failures++
	}
	rs.quotaCV.Signal()
	if rs.running == 0 {
		rs.allCV.Broadcast()
	}
	rs.mu.Unlock()
}

func (rs *requestSync) wait() {
	rs.mu.Lock()
	for rs.running > 0 {
		rs.allCV.Wait()
	}
	rs.mu.Unlock()
}

func backfillStat(fs *FileSystem, parentPath string, listing *xrdproto.DirListInfo) error {
	rs := newRequestSync(statQuota)
	var merr error
	var merrMu sync.Mutex

	for i := range listing.Entries {
		entry := &listing.Entries[i]
		rs.acquire()
		go func(entry *xrdproto.DirListEntry) {
			childPath := parentPath + "/" + entry.Name
			result := xrdreq.Do(fs.pm, fs.urlFor(childPath), func(u *xrdurl.URL) *xrdproto.Message {
				return xrdproto.BuildStatRequest(childPath, xrdproto.StatOptions{})
			}, xrdreq.Options{ReqID: xrdproto.ReqStat, Expires: time.Now().Add(RequestTimeout)})

			failed := result.Status != nil && !result.Status.IsOK()
			if !failed {
				if st, err := xrdproto.ParseStatInfo(result.Body); err == nil {
					entry.Stat = st
				} else {
					failed = true
				}
			}
			if failed {
				merrMu.Lock()
				merr = multierror.Append(merr, xrdstatus.New(xrdstatus.KindInvalidResponse, "stat backfill failed for %s", childPath))
				merrMu.Unlock()
			}
			rs.release(failed)
		}(entry)
	}
	rs.wait()
	return merr
}

func statusOnly(result *xrdreq.Result) *xrdstatus.Status {
	if result.Status != nil && !result.Status.IsOK() {
		return result.Status
	}
	return nil
}
