//go:build linux
// +build linux

package xrdnet

import (
	"net"
	"testing"
	"time"
)

func TestPollerDeliversReadable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(50 * time.Millisecond)
			_, _ = conn.Write([]byte("ping"))
		}
	}()

	sock := NewSocket(l.Addr().String())
	if err := sock.Connect(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	defer sock.Close()

	p, err := NewPoller(0)
	if err != nil {
		t.Fatal(err)
	}
	go p.Run()
	defer p.Stop()

	if err := p.Add(sock); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-p.Events():
		if ev.Kind != EventReadable {
			t.Fatalf("event kind = %v, want EventReadable", ev.Kind)
		}
		if ev.Socket != sock {
			t.Fatal("event carries the wrong socket")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for readiness event")
	}
}

func TestPollerEnableDisableWrite(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, acceptErr := l.Accept()
		if acceptErr == nil {
			defer conn.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	sock := NewSocket(l.Addr().String())
	if err := sock.Connect(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	defer sock.Close()

	p, err := NewPoller(0)
	if err != nil {
		t.Fatal(err)
	}
	go p.Run()
	defer p.Stop()

	if err := p.Add(sock); err != nil {
		t.Fatal(err)
	}
	if err := p.EnableWrite(sock); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-p.Events():
		if ev.Kind != EventWritable && ev.Kind != EventReadable {
			t.Fatalf("unexpected event kind %v", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for write readiness")
	}

	if err := p.DisableWrite(sock); err != nil {
		t.Fatal(err)
	}
}
