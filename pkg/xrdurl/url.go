// Package xrdurl parses the XRootD URL form:
//
//	scheme://[user[:pass]@]host[:port][/path][?k=v&...]
//
// grounded on the teacher's bpv7.EndpointID, which is likewise a small,
// hand-rolled parser over a restricted URI subset rather than net/url, since
// XRootD URLs allow characters (un-escaped '?', repeated '&') that net/url
// does not round-trip predictably.
package xrdurl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// DefaultPort is used when a URL omits an explicit port.
const DefaultPort = 1094

// URL is a parsed XRootD endpoint/path reference.
type URL struct {
	Scheme   string
	User     string
	Password string
	HostName string
	Port     int
	Path     string
	Params   map[string]string
}

// Parse builds a URL from its string form, or a KindInvalidAddr Status.
func Parse(raw string) (*URL, *xrdstatus.Status) {
	u := &URL{Port: DefaultPort, Params: map[string]string{}}

	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return nil, xrdstatus.New(xrdstatus.KindInvalidAddr, "missing scheme in %q", raw)
	}
	u.Scheme = raw[:schemeSep]
	if u.Scheme == "" {
		return nil, xrdstatus.New(xrdstatus.KindInvalidAddr, "empty scheme in %q", raw)
	}
	rest := raw[schemeSep+3:]

	if q := strings.IndexByte(rest, '?'); q >= 0 {
		parseParams(rest[q+1:], u.Params)
		rest = rest[:q]
	}

	authority := rest
	if p := strings.IndexByte(rest, '/'); p >= 0 {
		authority = rest[:p]
		u.Path = rest[p:]
	}
	if authority == "" {
		return nil, xrdstatus.New(xrdstatus.KindInvalidAddr, "missing host in %q", raw)
	}

	if at := strings.IndexByte(authority, '@'); at >= 0 {
		userinfo := authority[:at]
		authority = authority[at+1:]
		if c := strings.IndexByte(userinfo, ':'); c >= 0 {
			u.User = userinfo[:c]
			u.Password = userinfo[c+1:]
		} else {
			u.User = userinfo
		}
	}

	hostPort := authority
	if c := strings.LastIndexByte(authority, ':'); c >= 0 {
		hostPort = authority[:c]
		port, err := strconv.Atoi(authority[c+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, xrdstatus.New(xrdstatus.KindInvalidAddr, "invalid port in %q", raw)
		}
		u.Port = port
	}
	if hostPort == "" {
		return nil, xrdstatus.New(xrdstatus.KindInvalidAddr, "empty host in %q", raw)
	}
	u.HostName = hostPort

	return u, nil
}

func parseParams(query string, into map[string]string) {
	if query == "" {
		return
	}
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			into[kv[:eq]] = kv[eq+1:]
		} else {
			into[kv] = ""
		}
	}
}

// ParseCGI parses a raw "k=v&k2=v2" query string into a map, the form a
// redirect response's CGI tail arrives in.
func ParseCGI(query string) map[string]string {
	params := map[string]string{}
	parseParams(query, params)
	return params
}

// HostPort renders "host:port", the key under which a Channel is registered.
func (u *URL) HostPort() string {
	return fmt.Sprintf("%s:%d", u.HostName, u.Port)
}

// ChannelKey renders "scheme://host:port", the Post master's channel directory key.
func (u *URL) ChannelKey() string {
	return fmt.Sprintf("%s://%s", u.Scheme, u.HostPort())
}

// CGI renders the query part back into "k=v&k2=v2" form, keys in the order
// supplied by the caller (the map itself carries no order, matching spec.md's
// "ordering not observable" note).
func (u *URL) CGI() string {
	if len(u.Params) == 0 {
		return ""
	}
	var b strings.Builder
	first := true
	for k, v := range u.Params {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		if v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// String renders the URL back to its wire form.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteByte(':')
			b.WriteString(u.Password)
		}
		b.WriteByte('@')
	}
	b.WriteString(u.HostName)
	fmt.Fprintf(&b, ":%d", u.Port)
	b.WriteString(u.Path)
	if cgi := u.CGI(); cgi != "" {
		b.WriteByte('?')
		b.WriteString(cgi)
	}
	return b.String()
}

// Clone returns a deep copy, so a caller can mutate Params/Path without
// affecting a shared host record.
func (u *URL) Clone() *URL {
	c := *u
	c.Params = make(map[string]string, len(u.Params))
	for k, v := range u.Params {
		c.Params[k] = v
	}
	return &c
}

// MergeCGI merges extra query parameters into u, never overwriting a key the
// caller already set (spec.md §4.8 "Rewrite on redirect").
func (u *URL) MergeCGI(extra map[string]string) {
	for k, v := range extra {
		if _, exists := u.Params[k]; !exists {
			u.Params[k] = v
		}
	}
}

// AppendTried appends tried=<host> to the CGI tail, used by the per-request
// handler's recoverable-error path.
func (u *URL) AppendTried(host string) {
	existing := u.Params["tried"]
	if existing == "" {
		u.Params["tried"] = host
		return
	}
	u.Params["tried"] = existing + "," + host
}

// SplitHostPort splits a "host:port" string as found in a locate response or
// a redirect's host list, falling back to DefaultPort if hostPort carries no
// port or an unparsable one.
func SplitHostPort(hostPort string) (string, int) {
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			port := 0
			for _, c := range hostPort[i+1:] {
				if c < '0' || c > '9' {
					return hostPort, DefaultPort
				}
				port = port*10 + int(c-'0')
			}
			return hostPort[:i], port
		}
	}
	return hostPort, DefaultPort
}
