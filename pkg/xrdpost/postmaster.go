// Package xrdpost implements the process-wide directory of channels keyed by
// (scheme, host, port), lazily instantiating channels on first use
// (spec.md §4.7 "Post master").
package xrdpost

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdchannel"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
	"github.com/ljanyst/xrdclient/pkg/xrdstream"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

// netResolver is the default xrdstream.Resolver, backed by net.LookupHost.
type netResolver struct{}

func (netResolver) Resolve(host string) ([]string, error) {
	ips, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// TransportFactory builds a fresh Transport for a newly created channel.
// Almost always xrdproto.NewXRootDTransport; parameterized so tests can
// inject a fake.
type TransportFactory func() xrdproto.Transport

// PostMaster is the process-wide channel directory. Channel creation is
// double-checked-locked (spec.md §4.11): a fast read-locked lookup, and only
// on miss a write-locked create-if-still-missing.
type PostMaster struct {
	mu       sync.RWMutex
	channels map[string]*xrdchannel.Channel

	newTransport TransportFactory
	resolver     xrdstream.Resolver
	config       xrdchannel.Config
	cacheDir     string
	hostCache    *xrdchannel.HostCache

	tickInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup

	log *log.Entry
}

// Options configures a PostMaster.
type Options struct {
	NewTransport TransportFactory
	Resolver     xrdstream.Resolver
	Config       xrdchannel.Config
	TickInterval time.Duration

	// CacheDir, if non-empty, enables a per-channel Locate cache
	// rooted under CacheDir/<sanitized-host-port> ([SPEC_FULL.md] §10), and
	// a process-wide DNS resolution cache rooted directly under CacheDir.
	CacheDir string

	// HostCacheTTL bounds how long a resolved address list is trusted before
	// a fresh DNS lookup. Defaults to 5 minutes.
	HostCacheTTL time.Duration
}

// New builds a PostMaster with sensible defaults for any zero-valued Options
// field.
func New(opts Options) *PostMaster {
	if opts.NewTransport == nil {
		opts.NewTransport = func() xrdproto.Transport { return xrdproto.NewXRootDTransport() }
	}
	if opts.Resolver == nil {
		opts.Resolver = netResolver{}
	}
	if opts.Config.StreamCount == 0 {
		opts.Config.StreamCount = 1
	}
	if opts.Config.ConnectionWindow == 0 {
		opts.Config.ConnectionWindow = 5 * time.Second
	}
	if opts.Config.StreamErrorWindow == 0 {
		opts.Config.StreamErrorWindow = 60 * time.Second
	}
	if opts.Config.ConnectionRetry == 0 {
		opts.Config.ConnectionRetry = 3
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Second
	}
	if opts.HostCacheTTL == 0 {
		opts.HostCacheTTL = 5 * time.Minute
	}

	resolver := opts.Resolver
	var hostCache *xrdchannel.HostCache
	if opts.CacheDir != "" {
		var err error
		hostCache, err = xrdchannel.OpenHostCache(opts.CacheDir, opts.HostCacheTTL)
		if err != nil {
			log.WithField("error", err).WithField("dir", opts.CacheDir).Warn("failed to open host cache, resolving uncached")
		} else {
			resolver = xrdchannel.NewCachingResolver(resolver, hostCache)
		}
	}

	return &PostMaster{
		channels:     make(map[string]*xrdchannel.Channel),
		newTransport: opts.NewTransport,
		resolver:     resolver,
		config:       opts.Config,
		cacheDir:     opts.CacheDir,
		hostCache:    hostCache,
		tickInterval: opts.TickInterval,
		stopCh:       make(chan struct{}),
		log:          log.WithField("component", "xrdpost"),
	}
}

// channelFor returns the channel for url, creating it under a
// double-checked lock if this is the first request for that key.
func (p *PostMaster) channelFor(u *xrdurl.URL) *xrdchannel.Channel {
	key := u.ChannelKey()

	p.mu.RLock()
	ch, ok := p.channels[key]
	p.mu.RUnlock()
	if ok {
		return ch
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[key]; ok {
		return ch
	}
	transport := p.newTransport()
	ch = xrdchannel.New(u.HostPort(), transport, p.resolver, p.config)
	if p.cacheDir != "" {
		if err := ch.EnableLocationCache(p.cacheDir); err != nil {
			p.log.WithField("error", err).WithField("key", key).Warn("failed to enable location cache")
		}
	}
	p.channels[key] = ch
	p.log.WithField("key", key).Debug("channel created")
	return ch
}

// Send looks up the channel for url and delegates to that channel's stream 0
// (spec.md §4.7 "send"); the transport is not asked to pick another stream.
func (p *PostMaster) Send(u *xrdurl.URL, msg *xrdproto.Message, handler xrdstream.IncomingHandler, stateful bool, expires time.Time) *xrdstatus.Status {
	ch := p.channelFor(u)
	stream := ch.Stream(0)
	return stream.Send(msg, handler, stateful, expires)
}

// Receive registers handler on the destination channel's in-queue, the
// paired half of the explicit send/receive pattern (spec.md §4.7 "receive").
func (p *PostMaster) Receive(u *xrdurl.URL, handler xrdstream.IncomingHandler, expires time.Time) {
	ch := p.channelFor(u)
	ch.InQueue().AddHandler(handler, expires)
}

// Channel exposes the channel for url, creating it on first use. Used by
// higher layers (pkg/xrdreq) that need SIDManager/ServerFlags/ProtocolVersion
// queries beyond plain send/receive.
func (p *PostMaster) Channel(u *xrdurl.URL) *xrdchannel.Channel {
	return p.channelFor(u)
}

// Channels returns a snapshot of every channel ever created, keyed by
// (scheme, host, port) channel key, for diagnostics (pkg/xrdmonitor).
func (p *PostMaster) Channels() map[string]*xrdchannel.Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*xrdchannel.Channel, len(p.channels))
	for k, v := range p.channels {
		out[k] = v
	}
	return out
}

// Start launches the background tick loop that sweeps every channel's
// expired out-queue entries and in-queue handler registrations
// (spec.md §4.5 "tick").
func (p *PostMaster) Start() {
	p.wg.Add(1)
	go p.tickLoop()
}

func (p *PostMaster) tickLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.mu.RLock()
			channels := make([]*xrdchannel.Channel, 0, len(p.channels))
			for _, ch := range p.channels {
				channels = append(channels, ch)
			}
			p.mu.RUnlock()
			for _, ch := range channels {
				ch.Tick(now)
			}
			if p.hostCache != nil {
				p.hostCache.Sweep(now)
			}
		}
	}
}

// Stop halts the tick loop and releases the host cache, if one is open.
func (p *PostMaster) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	if p.hostCache != nil {
		if err := p.hostCache.Close(); err != nil {
			p.log.WithField("error", err).Warn("failed to close host cache")
		}
	}
}

// Initialize is a no-op lifecycle hook kept for symmetry with spec.md's
// start/stop/initialize/finalize quartet; construction via New already does
// everything Initialize would.
func (p *PostMaster) Initialize() error { return nil }

// Finalize calls Stop. Channels this PostMaster created, and their
// connections, are not closed.
func (p *PostMaster) Finalize() error {
	p.Stop()
	return nil
}
