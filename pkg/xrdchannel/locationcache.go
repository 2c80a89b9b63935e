package xrdchannel

import (
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
)

// cachedLocation mirrors xrdproto.LocationEntry in a badgerhold-friendly
// shape (the parsed type carries no struct tags of its own).
type cachedLocation struct {
	Address string
	Type    int
	Access  int
}

func toCachedLocations(entries []xrdproto.LocationEntry) []cachedLocation {
	out := make([]cachedLocation, len(entries))
	for i, e := range entries {
		out[i] = cachedLocation{Address: e.Address, Type: int(e.Type), Access: int(e.Access)}
	}
	return out
}

func fromCachedLocations(cached []cachedLocation) []xrdproto.LocationEntry {
	out := make([]xrdproto.LocationEntry, len(cached))
	for i, c := range cached {
		out[i] = xrdproto.LocationEntry{Address: c.Address, Type: xrdproto.LocationType(c.Type), Access: xrdproto.AccessType(c.Access)}
	}
	return out
}

// locationRecord is one TTL-expiring cache entry for a path's last Locate
// response, keyed by Path and expiring after the manager's ManagerTTL or a
// data server's DataServerTTL (spec.md §6), whichever applies to the entries
// it holds.
type locationRecord struct {
	Path      string `badgerholdKey:"Path"`
	Locations []cachedLocation
	Expires   time.Time
}

// LocationCache remembers the Locate result for a path so repeated
// lookups inside the configured TTL avoid a round trip
// ([SPEC_FULL.md] §10's domain expansion of spec.md §4.7).
type LocationCache struct {
	bh  *badgerhold.Store
	log *log.Entry
}

// OpenLocationCache opens (or creates) a badgerhold-backed cache rooted at
// dir, grounded on the same teacher storage.Store shape as HostCache.
func OpenLocationCache(dir string) (*LocationCache, error) {
	badgerDir := filepath.Join(dir, "locationcache")
	if err := os.MkdirAll(badgerDir, 0700); err != nil {
		return nil, err
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}
	return &LocationCache{bh: bh, log: log.WithField("component", "xrdchannel.locationcache")}, nil
}

// Close releases the underlying badger database.
func (c *LocationCache) Close() error {
	return c.bh.Close()
}

// Put records the location entries for path, valid until ttl elapses.
func (c *LocationCache) Put(path string, entries []xrdproto.LocationEntry, ttl time.Duration) error {
	rec := locationRecord{
		Path:      path,
		Locations: toCachedLocations(entries),
		Expires:   time.Now().Add(ttl),
	}
	var existing locationRecord
	if err := c.bh.Get(path, &existing); err != nil {
		return c.bh.Insert(path, rec)
	}
	return c.bh.Update(path, rec)
}

// Get returns the cached entries for path if present and not yet expired.
func (c *LocationCache) Get(path string) ([]xrdproto.LocationEntry, bool) {
	var rec locationRecord
	if err := c.bh.Get(path, &rec); err != nil {
		return nil, false
	}
	if time.Now().After(rec.Expires) {
		_ = c.bh.Delete(path, locationRecord{})
		return nil, false
	}
	return fromCachedLocations(rec.Locations), true
}

// Invalidate drops any cached entry for path, called on redirect or error
// for that path so stale server assignments are not served again.
func (c *LocationCache) Invalidate(path string) error {
	return c.bh.Delete(path, locationRecord{})
}

// Sweep deletes every expired record.
func (c *LocationCache) Sweep(now time.Time) {
	var expired []locationRecord
	if err := c.bh.Find(&expired, badgerhold.Where("Expires").Lt(now)); err != nil {
		c.log.WithField("error", err).Warn("location cache sweep query failed")
		return
	}
	for _, rec := range expired {
		if err := c.bh.Delete(rec.Path, locationRecord{}); err != nil {
			c.log.WithField("error", err).WithField("path", rec.Path).Warn("failed to evict expired location record")
		}
	}
}
