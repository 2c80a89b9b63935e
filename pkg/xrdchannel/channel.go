// Package xrdchannel owns one Channel per (scheme, host, port) endpoint: a
// set of Streams sharing one Transport instance and channel-scoped state
// (spec.md §4 "Channel", §4.5, §4.7).
package xrdchannel

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdsid"
	"github.com/ljanyst/xrdclient/pkg/xrdstream"
)

// Config carries the per-channel timing/behavior knobs (spec.md §6 defaults,
// surfaced through pkg/xrdenv).
type Config struct {
	StreamCount       int
	ConnectionWindow  time.Duration
	StreamErrorWindow time.Duration
	ConnectionRetry   int

	// Authenticator signs outgoing and verifies incoming messages on every
	// stream this channel owns. Defaults to xrdproto.NoAuth if nil.
	Authenticator xrdproto.Authenticator
}

// Channel is the per-endpoint aggregate: one Transport, one SID manager
// shared by all its streams, one shared InQueue, and one or more Streams (spec.md §4.1's
// "Channel queries" and §4.5's "Stream" hierarchy).
type Channel struct {
	mu sync.Mutex

	hostPort  string
	transport xrdproto.Transport
	chState   xrdproto.ChannelState
	inQueue   *xrdstream.InQueue
	resolver  xrdstream.Resolver
	config    Config

	streams    []*xrdstream.Stream
	sidByIndex []*xrdsid.Manager

	locCache *LocationCache

	log *log.Entry
}

// New builds a Channel for hostPort ("host:port"), with its first stream
// (index 0) allocated but not connected.
func New(hostPort string, transport xrdproto.Transport, resolver xrdstream.Resolver, config Config) *Channel {
	ch := &Channel{
		hostPort:  hostPort,
		transport: transport,
		chState:   transport.NewChannelState(),
		inQueue:   xrdstream.NewInQueue(),
		resolver:  resolver,
		config:    config,
		log:       log.WithField("component", "xrdchannel").WithField("endpoint", hostPort),
	}

	opts := xrdstream.Options{
		HostPort:          hostPort,
		ConnectionWindow:  config.ConnectionWindow,
		StreamErrorWindow: config.StreamErrorWindow,
		ConnectionRetry:   config.ConnectionRetry,
		Authenticator:     config.Authenticator,
	}
	ch.streams = []*xrdstream.Stream{xrdstream.NewStream(0, transport, ch.chState, ch.inQueue, resolver, opts)}
	ch.sidByIndex = []*xrdsid.Manager{xrdsid.New(ch.log)}
	return ch
}

// Name is the constant transport identifier, e.g. "xrootd"
// (spec.md §4.1 "Channel queries").
func (c *Channel) Name() string { return c.transport.Name() }

// Auth returns the negotiated identity string.
func (c *Channel) Auth() string { return c.transport.Auth(c.chState) }

// ServerFlags returns the last-seen server capability bitset.
func (c *Channel) ServerFlags() uint32 { return c.transport.ServerFlags(c.chState) }

// ProtocolVersion returns the negotiated protocol version.
func (c *Channel) ProtocolVersion() int { return c.transport.ProtocolVersion(c.chState) }

// SIDManager returns the channel's SID allocator, the same one for every
// stream index, growing the stream pool if this is the first time that index
// has been requested. The pool is not capped at the transport's StreamNumber.
func (c *Channel) SIDManager(streamIndex int) *xrdsid.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.growLocked(streamIndex)
	return c.sidByIndex[streamIndex]
}

// Stream returns the Stream for the given index, growing the pool as needed.
func (c *Channel) Stream(streamIndex int) *xrdstream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.growLocked(streamIndex)
	return c.streams[streamIndex]
}

func (c *Channel) growLocked(idx int) {
	for len(c.streams) <= idx {
		i := len(c.streams)
		opts := xrdstream.Options{
			HostPort:          c.hostPort,
			ConnectionWindow:  c.config.ConnectionWindow,
			StreamErrorWindow: c.config.StreamErrorWindow,
			ConnectionRetry:   c.config.ConnectionRetry,
			Authenticator:     c.config.Authenticator,
		}
		c.streams = append(c.streams, xrdstream.NewStream(i, c.transport, c.chState, c.inQueue, c.resolver, opts))
		c.sidByIndex = append(c.sidByIndex, c.sidByIndex[0])
	}
}

// HostPort returns the "host:port" this channel connects to.
func (c *Channel) HostPort() string { return c.hostPort }

// Streams returns a snapshot of every stream this channel has grown so far,
// for diagnostics (pkg/xrdmonitor).
func (c *Channel) Streams() []*xrdstream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*xrdstream.Stream(nil), c.streams...)
}

// SIDManagers returns a snapshot of every stream's SID manager, indexed the
// same as Streams, for diagnostics (pkg/xrdmonitor).
func (c *Channel) SIDManagers() []*xrdsid.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*xrdsid.Manager(nil), c.sidByIndex...)
}

// InQueue exposes the channel-wide in-queue every Stream feeds and the
// per-request handler registers against.
func (c *Channel) InQueue() *xrdstream.InQueue { return c.inQueue }

// EnableLocationCache opens a path-keyed Locate cache rooted under
// baseDir for this channel ([SPEC_FULL.md] §10). A channel with no cache
// enabled simply never short-circuits Locate, which is the default.
func (c *Channel) EnableLocationCache(baseDir string) error {
	sanitized := strings.NewReplacer(":", "_", "/", "_").Replace(c.hostPort)
	cache, err := OpenLocationCache(filepath.Join(baseDir, sanitized))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.locCache = cache
	c.mu.Unlock()
	return nil
}

// LocationCache returns this channel's Locate cache, or nil if
// EnableLocationCache was never called.
func (c *Channel) LocationCache() *LocationCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locCache
}

// StreamCount reports how many streams the transport wants once connected
// (at least 1). The pool itself only grows when an index is requested.
func (c *Channel) StreamCount() int {
	n := c.transport.StreamNumber(c.chState)
	if n < 1 {
		n = 1
	}
	return n
}

// Tick sweeps every stream's out queue and in-queue handler registrations
// for expired entries (spec.md §4.5 "tick").
func (c *Channel) Tick(now time.Time) {
	c.mu.Lock()
	streams := append([]*xrdstream.Stream(nil), c.streams...)
	c.mu.Unlock()
	for _, s := range streams {
		s.Tick(now)
	}
}
