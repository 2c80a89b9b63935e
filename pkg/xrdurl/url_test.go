package xrdurl

import "testing"

func TestParseBasic(t *testing.T) {
	u, status := Parse("root://user@host.example.org:1094/foo/bar?cgi=1")
	if status != nil {
		t.Fatalf("unexpected error: %v", status)
	}
	if u.Scheme != "root" || u.User != "user" || u.HostName != "host.example.org" || u.Port != 1094 {
		t.Fatalf("unexpected parse result: %+v", u)
	}
	if u.Path != "/foo/bar" {
		t.Errorf("path = %q, want /foo/bar", u.Path)
	}
	if u.Params["cgi"] != "1" {
		t.Errorf("missing cgi param, got %+v", u.Params)
	}
}

func TestParseDefaultPort(t *testing.T) {
	u, status := Parse("root://host.example.org/foo")
	if status != nil {
		t.Fatalf("unexpected error: %v", status)
	}
	if u.Port != DefaultPort {
		t.Errorf("port = %d, want default %d", u.Port, DefaultPort)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"no-scheme-separator",
		"://missing-scheme/foo",
		"root://",
		"root://host:notaport/foo",
	}
	for _, c := range cases {
		if _, status := Parse(c); status == nil {
			t.Errorf("Parse(%q) should have failed", c)
		}
	}
}

func TestAppendTried(t *testing.T) {
	u, _ := Parse("root://a/foo")
	u.AppendTried("hostA")
	u.AppendTried("hostB")
	if u.Params["tried"] != "hostA,hostB" {
		t.Errorf("tried = %q, want hostA,hostB", u.Params["tried"])
	}
}

func TestMergeCGIKeepsCallerValues(t *testing.T) {
	u, _ := Parse("root://a/foo?opt=caller")
	u.MergeCGI(map[string]string{"opt": "redirect", "extra": "x"})
	if u.Params["opt"] != "caller" {
		t.Errorf("opt = %q, caller's value must win", u.Params["opt"])
	}
	if u.Params["extra"] != "x" {
		t.Errorf("extra = %q, want x", u.Params["extra"])
	}
}

func TestChannelKey(t *testing.T) {
	u, _ := Parse("root://host:2094/foo")
	if got, want := u.ChannelKey(), "root://host:2094"; got != want {
		t.Errorf("ChannelKey() = %q, want %q", got, want)
	}
}
