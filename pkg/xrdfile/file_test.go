package xrdfile

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/ljanyst/xrdclient/pkg/xrdchannel"
	"github.com/ljanyst/xrdclient/pkg/xrdpost"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstream"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

type fixedResolver struct{ addrs []string }

func (r fixedResolver) Resolve(host string) ([]string, error) { return r.addrs, nil }

// hostMapResolver resolves distinct hosts to distinct address lists, needed
// once a test exercises more than one endpoint (e.g. a redirect target).
type hostMapResolver map[string][]string

func (r hostMapResolver) Resolve(host string) ([]string, error) { return r[host], nil }

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

func readRequestHeader(conn net.Conn) (*xrdproto.RequestHeader, error) {
	buf := make([]byte, xrdproto.RequestHeaderSize)
	if err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return xrdproto.UnmarshalRequestHeader(buf)
}

func answerProtocolProbe(t *testing.T, conn net.Conn) {
	t.Helper()
	hdr, err := readRequestHeader(conn)
	if err != nil {
		t.Fatalf("reading protocol probe: %v", err)
	}
	if hdr.RequestID != xrdproto.ReqProtocol {
		t.Fatalf("first request should be protocol probe, got %v", hdr.RequestID)
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], 5)
	writeResponse(conn, xrdproto.StatusOk, body)
}

func drainRequestBody(t *testing.T, conn net.Conn, hdr *xrdproto.RequestHeader) {
	t.Helper()
	if hdr.DataLen > 0 {
		payload := make([]byte, hdr.DataLen)
		if err := readFull(conn, payload); err != nil {
			t.Fatalf("draining request body: %v", err)
		}
	}
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

// TestFileOpenThenClose drives the state machine through Closed →
// OpenInProgress → Opened → CloseInProgress → Closed against a fake server
// that answers open with a handle and close with ok.
func TestFileOpenThenClose(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)

		hdr, err := readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqOpen {
			return
		}
		drainRequestBody(t, conn, hdr)
		openBody := []byte{0xDE, 0xAD, 0xBE, 0xEF}
		writeResponse(conn, xrdproto.StatusOk, openBody)

		hdr, err = readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqClose {
			return
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, nil)
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	u, status := xrdurl.Parse("root://" + host + ":" + port + "//foo")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := newTestPostMaster(fixedResolver{addrs: []string{l.Addr().String()}})
	f := New(pm, u)

	if st := f.State(); st != Closed {
		t.Fatalf("initial state = %v, want Closed", st)
	}

	if status := f.Open(xrdproto.OpenRead, xrdproto.OpenFlagNone); status != nil {
		t.Fatalf("Open: %v", status)
	}
	if st := f.State(); st != Opened {
		t.Fatalf("state after open = %v, want Opened", st)
	}

	// A second open while already Opened must fail the state check without
	// touching the wire.
	if status := f.Open(xrdproto.OpenRead, xrdproto.OpenFlagNone); status == nil {
		t.Fatal("second Open on an already-opened file should fail")
	}

	if status := f.Close(); status != nil {
		t.Fatalf("Close: %v", status)
	}
	if st := f.State(); st != Closed {
		t.Fatalf("state after close = %v, want Closed", st)
	}
}

// TestFileReadAfterOpen exercises the session-bound Read path, confirming the
// handle stashed by Open is carried on the subsequent read request.
func TestFileReadAfterOpen(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)

		hdr, err := readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqOpen {
			return
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, []byte{0x01, 0x02, 0x03, 0x04})

		hdr, err = readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqRead {
			return
		}
		if string(hdr.Body[0:4]) != string([]byte{0x01, 0x02, 0x03, 0x04}) {
			t.Errorf("read request did not carry the handle from open")
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, []byte("hello"))
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	u, status := xrdurl.Parse("root://" + host + ":" + port + "//foo")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := newTestPostMaster(fixedResolver{addrs: []string{l.Addr().String()}})
	f := New(pm, u)

	if status := f.Open(xrdproto.OpenRead, xrdproto.OpenFlagNone); status != nil {
		t.Fatalf("Open: %v", status)
	}

	buf := make([]byte, 5)
	info, status := f.Read(0, buf)
	if status != nil {
		t.Fatalf("Read: %v", status)
	}
	if string(info.Buffer) != "hello" {
		t.Fatalf("Buffer = %q, want %q", info.Buffer, "hello")
	}
}

// TestFileReadBeforeOpenFails confirms the state machine rejects a
// handle-bound operation before the file has ever been opened.
func TestFileReadBeforeOpenFails(t *testing.T) {
	u, status := xrdurl.Parse("root://localhost:1094//foo")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}
	pm := newTestPostMaster(fixedResolver{addrs: []string{"127.0.0.1:1"}})
	f := New(pm, u)

	if _, status := f.Read(0, make([]byte, 4)); status == nil {
		t.Fatal("Read before Open should fail the state check")
	}
}

// TestFileWriteThenSyncThenTruncate drives the three no-body session-bound
// ops after open, each checked for the handle carried over from Open.
func TestFileWriteThenSyncThenTruncate(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	handle := []byte{0x11, 0x22, 0x33, 0x44}

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)

		hdr, err := readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqOpen {
			return
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, handle)

		hdr, err = readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqWrite {
			return
		}
		if string(hdr.Body[0:4]) != string(handle) {
			t.Errorf("write request did not carry the handle from open")
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, nil)

		hdr, err = readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqSync {
			return
		}
		if string(hdr.Body[0:4]) != string(handle) {
			t.Errorf("sync request did not carry the handle from open")
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, nil)

		hdr, err = readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqTruncate {
			return
		}
		if string(hdr.Body[0:4]) != string(handle) {
			t.Errorf("truncate request did not carry the handle from open")
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, nil)
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	u, status := xrdurl.Parse("root://" + host + ":" + port + "//foo")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := newTestPostMaster(fixedResolver{addrs: []string{l.Addr().String()}})
	f := New(pm, u)

	if status := f.Open(xrdproto.OpenUpdate, xrdproto.OpenFlagNone); status != nil {
		t.Fatalf("Open: %v", status)
	}
	if status := f.Write(0, []byte("data")); status != nil {
		t.Fatalf("Write: %v", status)
	}
	if status := f.Sync(); status != nil {
		t.Fatalf("Sync: %v", status)
	}
	if status := f.Truncate(1024); status != nil {
		t.Fatalf("Truncate: %v", status)
	}
}

// TestFileReadVMatchesRequestedChunks confirms a vector read copies each
// server record into its corresponding caller buffer, in request order
// (spec.md §8 "ReadV matching").
func TestFileReadVMatchesRequestedChunks(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	handle := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)

		hdr, err := readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqOpen {
			return
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, handle[:])

		hdr, err = readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqReadV {
			return
		}
		drainRequestBody(t, conn, hdr)

		body := make([]byte, 0, 2*xrdproto.ReadVRecordSize+9)
		rec := func(off uint64, data string) []byte {
			r := make([]byte, xrdproto.ReadVRecordSize)
			copy(r[0:4], handle[:])
			binary.BigEndian.PutUint32(r[4:8], uint32(len(data)))
			binary.BigEndian.PutUint64(r[8:16], off)
			return append(r, []byte(data)...)
		}
		body = append(body, rec(0, "hello")...)
		body = append(body, rec(100, "bye")...)
		writeResponse(conn, xrdproto.StatusOk, body)
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	u, status := xrdurl.Parse("root://" + host + ":" + port + "//foo")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := newTestPostMaster(fixedResolver{addrs: []string{l.Addr().String()}})
	f := New(pm, u)
	if status := f.Open(xrdproto.OpenRead, xrdproto.OpenFlagNone); status != nil {
		t.Fatalf("Open: %v", status)
	}

	buf0 := make([]byte, 5)
	buf1 := make([]byte, 3)
	chunks := []xrdproto.Chunk{
		{Offset: 0, Length: 5, Buffer: buf0},
		{Offset: 100, Length: 3, Buffer: buf1},
	}
	if status := f.ReadV(chunks); status != nil {
		t.Fatalf("ReadV: %v", status)
	}
	if string(buf0) != "hello" {
		t.Fatalf("buf0 = %q, want %q", buf0, "hello")
	}
	if string(buf1) != "bye" {
		t.Fatalf("buf1 = %q, want %q", buf1, "bye")
	}
}

// TestFileStatIndependentOfOpenState confirms Stat-by-path works before any
// Open call, since the real protocol allows stat at any time.
func TestFileStatIndependentOfOpenState(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)

		hdr, err := readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqStat {
			return
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, []byte("id 42 0 1000"))
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	u, status := xrdurl.Parse("root://" + host + ":" + port + "//foo")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := newTestPostMaster(fixedResolver{addrs: []string{l.Addr().String()}})
	f := New(pm, u)

	if st := f.State(); st != Closed {
		t.Fatalf("initial state = %v, want Closed", st)
	}
	info, status := f.Stat(xrdproto.StatOptions{})
	if status != nil {
		t.Fatalf("Stat: %v", status)
	}
	if info.Size != 42 {
		t.Fatalf("Size = %d, want 42", info.Size)
	}
}

// TestFileOpenRecordsDataServerURL confirms DataServerURL surfaces the last
// host an Open request actually landed on, after following a redirect.
func TestFileOpenRecordsDataServerURL(t *testing.T) {
	lb, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lb.Close()

	data, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer data.Close()

	dataHost, dataPortStr, _ := net.SplitHostPort(data.Addr().String())
	dataPort, _ := net.LookupPort("tcp", dataPortStr)

	go func() {
		conn, err := lb.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)

		hdr, err := readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqOpen {
			return
		}
		drainRequestBody(t, conn, hdr)
		redirBody := make([]byte, 4+len(dataHost))
		binary.BigEndian.PutUint32(redirBody[0:4], uint32(dataPort))
		copy(redirBody[4:], dataHost)
		writeResponse(conn, xrdproto.StatusRedirect, redirBody)
	}()

	go func() {
		conn, err := data.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)

		hdr, err := readRequestHeader(conn)
		if err != nil || hdr.RequestID != xrdproto.ReqOpen {
			return
		}
		drainRequestBody(t, conn, hdr)
		writeResponse(conn, xrdproto.StatusOk, []byte{1, 2, 3, 4})
	}()

	lbHost, lbPort, _ := net.SplitHostPort(lb.Addr().String())
	u, status := xrdurl.Parse("root://" + lbHost + ":" + lbPort + "//foo")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	resolver := hostMapResolver{
		lbHost:   {lb.Addr().String()},
		dataHost: {data.Addr().String()},
	}
	pm := newTestPostMaster(resolver)
	f := New(pm, u)

	if status := f.Open(xrdproto.OpenRead, xrdproto.OpenFlagNone); status != nil {
		t.Fatalf("Open: %v", status)
	}
	if f.DataServerURL() == nil {
		t.Fatal("DataServerURL() = nil, want the redirect target")
	}
	if got := f.DataServerURL().HostName; got != dataHost {
		t.Fatalf("DataServerURL().HostName = %q, want %q", got, dataHost)
	}
}
