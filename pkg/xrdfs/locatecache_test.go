package xrdfs

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/ljanyst/xrdclient/pkg/xrdchannel"
	"github.com/ljanyst/xrdclient/pkg/xrdpost"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

// TestFileSystemLocateServesFromCache confirms a second Locate call against
// the same path, within the cached TTL, never reaches the wire.
func TestFileSystemLocateServesFromCache(t *testing.T) {
	cacheDir, err := os.MkdirTemp("", "xrdfs-locate-cache")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(cacheDir)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	requests := make(chan struct{}, 2)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)
		for {
			hdr, err := readRequestHeader(conn)
			if err != nil || hdr.RequestID != xrdproto.ReqLocate {
				return
			}
			drainRequestBody(t, conn, hdr)
			requests <- struct{}{}
			writeResponse(conn, xrdproto.StatusOk, []byte("Srdataserver1:1094"))
		}
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	base, status := xrdurl.Parse("root://" + host + ":" + port + "/")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := xrdpost.New(xrdpost.Options{
		Resolver: hostMapResolver{host: {l.Addr().String()}},
		Config: xrdchannel.Config{
			ConnectionWindow:  2 * time.Second,
			StreamErrorWindow: time.Second,
			ConnectionRetry:   1,
		},
		CacheDir: cacheDir,
	})
	defer pm.Stop()
	fs := New(pm, base)

	info, status := fs.Locate("/foo", xrdproto.LocateOptions{})
	if status != nil {
		t.Fatalf("first Locate: %v", status)
	}
	if len(info.Entries) != 1 || info.Entries[0].Address != "dataserver1:1094" {
		t.Fatalf("Entries = %v", info.Entries)
	}

	info2, status := fs.Locate("/foo", xrdproto.LocateOptions{})
	if status != nil {
		t.Fatalf("second Locate: %v", status)
	}
	if len(info2.Entries) != 1 || info2.Entries[0].Address != "dataserver1:1094" {
		t.Fatalf("cached Entries = %v", info2.Entries)
	}

	select {
	case <-requests:
	default:
		t.Fatal("expected exactly one wire request")
	}
	select {
	case <-requests:
		t.Fatal("second Locate should have been served from cache, not the wire")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestFileSystemLocateRefreshBypassesCache confirms Refresh always re-sends.
func TestFileSystemLocateRefreshBypassesCache(t *testing.T) {
	cacheDir, err := os.MkdirTemp("", "xrdfs-locate-cache")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(cacheDir)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	requests := make(chan struct{}, 2)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		answerProtocolProbe(t, conn)
		for {
			hdr, err := readRequestHeader(conn)
			if err != nil || hdr.RequestID != xrdproto.ReqLocate {
				return
			}
			drainRequestBody(t, conn, hdr)
			requests <- struct{}{}
			writeResponse(conn, xrdproto.StatusOk, []byte("Srdataserver1:1094"))
		}
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	base, status := xrdurl.Parse("root://" + host + ":" + port + "/")
	if status != nil {
		t.Fatalf("Parse: %v", status)
	}

	pm := xrdpost.New(xrdpost.Options{
		Resolver: hostMapResolver{host: {l.Addr().String()}},
		Config: xrdchannel.Config{
			ConnectionWindow:  2 * time.Second,
			StreamErrorWindow: time.Second,
			ConnectionRetry:   1,
		},
		CacheDir: cacheDir,
	})
	defer pm.Stop()
	fs := New(pm, base)

	if _, status := fs.Locate("/foo", xrdproto.LocateOptions{}); status != nil {
		t.Fatalf("first Locate: %v", status)
	}
	if _, status := fs.Locate("/foo", xrdproto.LocateOptions{Refresh: true}); status != nil {
		t.Fatalf("refresh Locate: %v", status)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-requests:
		case <-time.After(time.Second):
			t.Fatalf("expected 2 wire requests, only saw %d", i)
		}
	}
}
