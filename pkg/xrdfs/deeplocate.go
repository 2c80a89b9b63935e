package xrdfs

import (
	"sync"
	"time"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdreq"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

// DeepLocate expands path against a redirector, recursively following every
// manager entry a locate response returns, accumulating only server entries
// (spec.md §4.10 "deep locate"). On the first failure, if no server entries
// have yet been accumulated the failure is propagated; otherwise the partial
// result is returned as ok, matching the spec's "return what we have".
func (fs *FileSystem) DeepLocate(path string, opts xrdproto.LocateOptions) ([]xrdproto.LocationEntry, *xrdstatus.Status) {
	dl := &deepLocate{fs: fs, opts: opts, seen: map[string]bool{}}
	target := fs.url.Clone()
	target.Path = path
	dl.wg.Add(1)
	go dl.expand(target)
	dl.wg.Wait()

	dl.mu.Lock()
	defer dl.mu.Unlock()
	if len(dl.entries) == 0 && dl.firstErr != nil {
		return nil, dl.firstErr
	}
	return dl.entries, nil
}

// deepLocate holds the shared accumulator state for one DeepLocate call: an
// outstanding-subrequest WaitGroup and a mutex-guarded result set, grounded
// on spec.md §4.10's "keeping a counter of outstanding sub-requests".
type deepLocate struct {
	fs   *FileSystem
	opts xrdproto.LocateOptions

	mu       sync.Mutex
	wg       sync.WaitGroup
	entries  []xrdproto.LocationEntry
	seen     map[string]bool
	firstErr *xrdstatus.Status
}

func (dl *deepLocate) expand(target *xrdurl.URL) {
	defer dl.wg.Done()

	result := xrdreq.Do(dl.fs.pm, target, func(u *xrdurl.URL) *xrdproto.Message {
		return xrdproto.BuildLocateRequest(u.Path, dl.opts)
	}, xrdreq.Options{ReqID: xrdproto.ReqLocate, Expires: time.Now().Add(RequestTimeout)})

	if result.Status != nil && !result.Status.IsOK() {
		dl.mu.Lock()
		if dl.firstErr == nil {
			dl.firstErr = result.Status
		}
		dl.mu.Unlock()
		return
	}

	info, err := xrdproto.ParseLocationInfo(result.Body)
	if err != nil {
		dl.mu.Lock()
		if dl.firstErr == nil {
			dl.firstErr = xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)
		}
		dl.mu.Unlock()
		return
	}

	for _, entry := range info.Entries {
		switch {
		case entry.IsServer():
			dl.mu.Lock()
			if !dl.seen[entry.Address] {
				dl.seen[entry.Address] = true
				dl.entries = append(dl.entries, entry)
			}
			dl.mu.Unlock()

		case entry.IsManager():
			next := target.Clone()
			next.HostName, next.Port = xrdurl.SplitHostPort(entry.Address)
			dl.wg.Add(1)
			go dl.expand(next)
		}
	}
}
