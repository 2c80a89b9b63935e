package xrdmonitor

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ljanyst/xrdclient/pkg/xrdchannel"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdpost"
	"github.com/ljanyst/xrdclient/pkg/xrdstream"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

type fixedResolver struct{ addrs []string }

func (r fixedResolver) Resolve(host string) ([]string, error) { return r.addrs, nil }

func readFull(conn net.Conn, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

type byteSliceWriter struct{ buf *[]byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

func writeResponse(conn net.Conn, status xrdproto.ResponseStatus, body []byte) {
	hdr := xrdproto.ResponseHeader{Status: status, DataLen: uint32(len(body))}
	buf := make([]byte, 0, xrdproto.ResponseHeaderSize+len(body))
	w := &byteSliceWriter{&buf}
	_ = hdr.Marshal(w)
	buf = append(buf, body...)
	_, _ = conn.Write(buf)
}

// fakePingServer answers the handshake and one ping, enough to bring up a
// real Channel/Stream under the PostMaster so Monitor has something to
// report.
func fakePingServer(t *testing.T, l net.Listener) {
	t.Helper()
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	readHeader := func() (*xrdproto.RequestHeader, error) {
		buf := make([]byte, xrdproto.RequestHeaderSize)
		if err := readFull(conn, buf); err != nil {
			return nil, err
		}
		return xrdproto.UnmarshalRequestHeader(buf)
	}

	if _, err := readHeader(); err != nil {
		return
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], 5)
	writeResponse(conn, xrdproto.StatusOk, body)

	if _, err := readHeader(); err != nil {
		return
	}
	writeResponse(conn, xrdproto.StatusOk, nil)
}

func newTestPostMaster(resolver xrdstream.Resolver) *xrdpost.PostMaster {
	return xrdpost.New(xrdpost.Options{
		Resolver: resolver,
		Config: xrdchannel.Config{
			ConnectionWindow:  2 * time.Second,
			StreamErrorWindow: time.Second,
			ConnectionRetry:   1,
		},
	})
}

// TestMonitorChannelsAndStreams drives one real ping through a PostMaster,
// then checks the diagnostics endpoints see the resulting channel.
func TestMonitorChannelsAndStreams(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go fakePingServer(t, l)

	host, port, _ := net.SplitHostPort(l.Addr().String())
	base, status := xrdurl.Parse("root://" + host + ":" + port + "/")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := newTestPostMaster(fixedResolver{addrs: []string{l.Addr().String()}})
	msg := xrdproto.BuildPingRequest()
	sendStatus := pm.Send(base, msg, nil, false, time.Now().Add(2*time.Second))
	if sendStatus != nil {
		t.Fatalf("Send: %v", sendStatus)
	}

	mon := New(pm)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/channels", nil)
	mon.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET /channels status = %d", rec.Code)
	}

	var channels []channelSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &channels); err != nil {
		t.Fatalf("decoding /channels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("len(channels) = %d, want 1", len(channels))
	}
	key := channels[0].Key
	if channels[0].StreamCount < 1 {
		t.Fatalf("StreamCount = %d, want >= 1", channels[0].StreamCount)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/channels/"+key+"/streams", nil)
	mon.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET streams status = %d", rec.Code)
	}
	var streams []streamSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &streams); err != nil {
		t.Fatalf("decoding streams: %v", err)
	}
	if len(streams) < 1 {
		t.Fatalf("len(streams) = %d, want >= 1", len(streams))
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/channels/"+key+"/sids", nil)
	mon.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("GET sids status = %d", rec.Code)
	}
	var sids []sidSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sids); err != nil {
		t.Fatalf("decoding sids: %v", err)
	}
	if len(sids) < 1 {
		t.Fatalf("len(sids) = %d, want >= 1", len(sids))
	}
}

// TestMonitorUnknownChannel404s confirms an unrecognized channel id yields a
// 404 rather than a panic.
func TestMonitorUnknownChannel404s(t *testing.T) {
	pm := newTestPostMaster(fixedResolver{})
	mon := New(pm)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/channels/root://nope:1094/streams", nil)
	mon.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
