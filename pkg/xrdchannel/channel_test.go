package xrdchannel

import (
	"testing"
	"time"

	"github.com/ljanyst/xrdclient/pkg/xrdproto"
)

type nopResolver struct{}

func (nopResolver) Resolve(host string) ([]string, error) { return []string{host + ":1094"}, nil }

func TestNewChannelDefaultsToOneStream(t *testing.T) {
	transport := xrdproto.NewXRootDTransport()
	ch := New("example.org:1094", transport, nopResolver{}, Config{
		StreamCount:       1,
		ConnectionWindow:  time.Second,
		StreamErrorWindow: time.Second,
		ConnectionRetry:   1,
	})
	if ch.Name() != "xrootd" {
		t.Errorf("Name() = %q, want xrootd", ch.Name())
	}
	if ch.Stream(0) == nil {
		t.Fatal("stream 0 should exist")
	}
	if ch.SIDManager(0) == nil {
		t.Fatal("sid manager 0 should exist")
	}
}

func TestChannelGrowsStreamPoolLazily(t *testing.T) {
	transport := xrdproto.NewXRootDTransport()
	ch := New("example.org:1094", transport, nopResolver{}, Config{ConnectionWindow: time.Second})
	if ch.Stream(2) == nil {
		t.Fatal("requesting stream index 2 should grow the pool")
	}
	if len(ch.streams) != 3 {
		t.Fatalf("streams len = %d, want 3", len(ch.streams))
	}
	if len(ch.sidByIndex) != 3 {
		t.Fatalf("sidByIndex len = %d, want 3", len(ch.sidByIndex))
	}
}

func TestChannelSharesOneInQueueAcrossStreams(t *testing.T) {
	transport := xrdproto.NewXRootDTransport()
	ch := New("example.org:1094", transport, nopResolver{}, Config{ConnectionWindow: time.Second})
	q := ch.InQueue()
	if q == nil {
		t.Fatal("InQueue should not be nil")
	}
	ch.Stream(2)
	if ch.InQueue() != q {
		t.Fatal("growing the stream pool should keep the channel's one InQueue")
	}
}
