package xrdchannel

import (
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/ljanyst/xrdclient/pkg/xrdstream"
)

// hostRecord is one badgerhold-persisted entry recording the last resolved
// address list and negotiated protocol facts for a (scheme, host, port)
// channel key, TTL-expired the way spec.md §4.7's postmaster remembers
// per-channel facts across process restarts.
type hostRecord struct {
	Key             string `badgerholdKey:"Key"`
	Addrs           []string
	ProtocolVersion int
	ServerFlags     uint32
	Expires         time.Time
}

// HostCache is a TTL-backed store of resolved host facts, shared by every
// Channel in the process. Grounded on the teacher's storage.Store: a
// badgerhold.Store opened against a directory, with Find/Insert/Delete
// wrapping typed records.
type HostCache struct {
	bh  *badgerhold.Store
	ttl time.Duration
	log *log.Entry
}

// OpenHostCache opens (or creates) a badgerhold-backed cache rooted at dir.
func OpenHostCache(dir string, ttl time.Duration) (*HostCache, error) {
	badgerDir := filepath.Join(dir, "hostcache")
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
	return &HostCache{bh: bh, ttl: ttl, log: log.WithField("component", "xrdchannel.hostcache")}, nil
}

// Close releases the underlying badger database.
func (c *HostCache) Close() error {
	return c.bh.Close()
}

// Put records addrs and negotiated facts for key, refreshing its TTL.
func (c *HostCache) Put(key string, addrs []string, protocolVersion int, serverFlags uint32) error {
	rec := hostRecord{
		Key:             key,
		Addrs:           addrs,
		ProtocolVersion: protocolVersion,
		ServerFlags:     serverFlags,
		Expires:         time.Now().Add(c.ttl),
	}
	var existing hostRecord
	if err := c.bh.Get(key, &existing); err != nil {
		return c.bh.Insert(key, rec)
	}
	return c.bh.Update(key, rec)
}

// Get returns the cached record for key if present and not yet expired.
func (c *HostCache) Get(key string) (*hostRecord, bool) {
	var rec hostRecord
	if err := c.bh.Get(key, &rec); err != nil {
		return nil, false
	}
	if time.Now().After(rec.Expires) {
		_ = c.bh.Delete(key, hostRecord{})
		return nil, false
	}
	return &rec, true
}

// Sweep deletes every expired record, meant to be called periodically by the
// post master's tick.
func (c *HostCache) Sweep(now time.Time) {
	var expired []hostRecord
	if err := c.bh.Find(&expired, badgerhold.Where("Expires").Lt(now)); err != nil {
		c.log.WithField("error", err).Warn("host cache sweep query failed")
		return
	}
	for _, rec := range expired {
		if err := c.bh.Delete(rec.Key, hostRecord{}); err != nil {
			c.log.WithField("error", err).WithField("key", rec.Key).Warn("failed to evict expired host record")
		}
	}
}

// CachingResolver wraps an xrdstream.Resolver with a HostCache-backed TTL
// cache of resolved addresses, keyed by host, so the post master's channels
// share one DNS-resolution cache instead of every Stream re-resolving on
// every reconnect within the cache's TTL.
type CachingResolver struct {
	inner xrdstream.Resolver
	cache *HostCache
}

// NewCachingResolver wraps inner with cache. A nil cache makes Resolve a
// pure passthrough.
func NewCachingResolver(inner xrdstream.Resolver, cache *HostCache) *CachingResolver {
	return &CachingResolver{inner: inner, cache: cache}
}

// Resolve implements xrdstream.Resolver.
func (r *CachingResolver) Resolve(host string) ([]string, error) {
	if r.cache == nil {
		return r.inner.Resolve(host)
	}
	if rec, ok := r.cache.Get(host); ok {
		return rec.Addrs, nil
	}
	addrs, err := r.inner.Resolve(host)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Put(host, addrs, 0, 0); err != nil {
		r.cache.log.WithField("error", err).WithField("host", host).Warn("failed to populate host cache")
	}
	return addrs, nil
}
