// Package xrdmonitor exposes a read-only HTTP diagnostics surface over a
// PostMaster's live channel/stream/SID state, grounded on the teacher's
// agent.RestAgent and agent.WebAgent (gorilla/mux router wrapped by a
// net/http.Server run on its own goroutine). It is an optional external
// collaborator: nothing in pkg/xrdreq, pkg/xrdfile or pkg/xrdfs depends on
// it, and PostMaster.Start never launches it on its own.
package xrdmonitor

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/ljanyst/xrdclient/pkg/xrdchannel"
	"github.com/ljanyst/xrdclient/pkg/xrdpost"
)

// Registry is the slice of PostMaster that Monitor needs. Satisfied by
// *xrdpost.PostMaster; named as an interface so tests can supply a fake
// directory of channels without standing up real sockets.
type Registry interface {
	Channels() map[string]*xrdchannel.Channel
}

// Monitor serves JSON snapshots of a Registry's channels, streams and SID
// managers under /channels, /channels/{id}/streams and
// /channels/{id}/sids (spec.md §4.11's queryable state, surfaced as a
// diagnostics endpoint rather than a client operation).
type Monitor struct {
	registry Registry
	router   *mux.Router

	httpServer *http.Server

	log *log.Entry
}

// New builds a Monitor backed by registry. Call ListenAndServe to start
// serving; Monitor is otherwise inert.
func New(registry Registry) *Monitor {
	router := mux.NewRouter()
	// Channel ids are "scheme://host:port"; path cleaning would collapse the
	// "//" and redirect instead of routing.
	router.SkipClean(true)
	m := &Monitor{
		registry: registry,
		router:   router,
		log:      log.WithField("component", "xrdmonitor"),
	}

	router.HandleFunc("/channels", m.handleChannels).Methods(http.MethodGet)
	router.HandleFunc("/channels/{id:.+}/streams", m.handleStreams).Methods(http.MethodGet)
	router.HandleFunc("/channels/{id:.+}/sids", m.handleSIDs).Methods(http.MethodGet)

	return m
}

// ServeHTTP lets Monitor be mounted directly as a http.Handler, e.g. under
// a larger mux.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) { m.router.ServeHTTP(w, r) }

// ListenAndServe starts the diagnostics server on address in the
// background and reports any immediate bind error, mirroring the
// teacher's agent.NewWebAgent startup-error-channel pattern.
func (m *Monitor) ListenAndServe(address string) error {
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.router,
	}

	startupErr := make(chan error, 1)
	go func() {
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
			return
		}
		close(startupErr)
	}()

	select {
	case err := <-startupErr:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Close shuts the diagnostics server down, if it was ever started.
func (m *Monitor) Close() error {
	if m.httpServer == nil {
		return nil
	}
	return m.httpServer.Close()
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.WithField("error", err).Warn("failed to write diagnostics response")
	}
}

func (m *Monitor) channelByID(id string) *xrdchannel.Channel {
	return m.registry.Channels()[id]
}

// channelSummary is the /channels element shape.
type channelSummary struct {
	Key             string `json:"key"`
	HostPort        string `json:"host_port"`
	Name            string `json:"name"`
	Auth            string `json:"auth"`
	ProtocolVersion int    `json:"protocol_version"`
	ServerFlags     uint32 `json:"server_flags"`
	StreamCount     int    `json:"stream_count"`
}

func (m *Monitor) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := m.registry.Channels()
	out := make([]channelSummary, 0, len(channels))
	for key, ch := range channels {
		out = append(out, channelSummary{
			Key:             key,
			HostPort:        ch.HostPort(),
			Name:            ch.Name(),
			Auth:            ch.Auth(),
			ProtocolVersion: ch.ProtocolVersion(),
			ServerFlags:     ch.ServerFlags(),
			StreamCount:     len(ch.Streams()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	m.writeJSON(w, out)
}

// streamSummary is the /channels/{id}/streams element shape.
type streamSummary struct {
	Index           int `json:"index"`
	ConnectionCount int `json:"connection_count"`
}

func (m *Monitor) handleStreams(w http.ResponseWriter, r *http.Request) {
	ch := m.channelByID(mux.Vars(r)["id"])
	if ch == nil {
		http.NotFound(w, r)
		return
	}
	streams := ch.Streams()
	out := make([]streamSummary, 0, len(streams))
	for _, s := range streams {
		out = append(out, streamSummary{Index: s.Index(), ConnectionCount: s.ConnectionCount()})
	}
	m.writeJSON(w, out)
}

// sidSummary is the /channels/{id}/sids element shape, one per stream.
type sidSummary struct {
	StreamIndex int `json:"stream_index"`
	InUse       int `json:"in_use"`
	Quarantined int `json:"quarantined"`
}

func (m *Monitor) handleSIDs(w http.ResponseWriter, r *http.Request) {
	ch := m.channelByID(mux.Vars(r)["id"])
	if ch == nil {
		http.NotFound(w, r)
		return
	}
	mgrs := ch.SIDManagers()
	out := make([]sidSummary, 0, len(mgrs))
	for i, mgr := range mgrs {
		out = append(out, sidSummary{StreamIndex: i, InUse: mgr.InUse(), Quarantined: mgr.Quarantined()})
	}
	m.writeJSON(w, out)
}

var _ Registry = (*xrdpost.PostMaster)(nil)
