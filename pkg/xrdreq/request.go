// Package xrdreq implements the per-request XRootD state machine (spec.md
// §4.8): it drives a single logical operation from its first send through
// any number of redirect/wait/oksofar responses to exactly one terminal
// delivery, rewriting the CGI tail and re-registering with the post master
// as needed. Grounded on the teacher's internal/stages.StageHandler
// goroutine-plus-error-channel shape, generalized from a fixed stage
// sequence to a response-driven retry loop.
package xrdreq

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdpost"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
	"github.com/ljanyst/xrdclient/pkg/xrdstream"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

// BuildFunc constructs the wire message for one attempt against u, whose
// Path/CGI already carry any redirect/tried= rewrites for this attempt.
type BuildFunc func(u *xrdurl.URL) *xrdproto.Message

// Result is the terminal outcome of a Request: either a Status carrying an
// error/redirect-as-answer, or a successful Body ready for the caller's own
// response parser (pkg/xrdproto/bodies.go).
type Result struct {
	Status *xrdstatus.Status
	Body   []byte

	// SessionID is populated on a successful ReqOpen response so the caller
	// can pin subsequent Read/Write/Close/Sync/ReadV messages to it.
	SessionID uint64

	// HostList is every host:port attempted, in order, so the caller can
	// reason about the redirect chain (spec.md §7 "host list").
	HostList []string

	// LoadBalancer is the host:port promoted to load-balancer during this
	// request's redirect chain, or "" if none was seen.
	LoadBalancer string
}

// Options configures one Request.
type Options struct {
	// ReqID is the request kind being sent, used to decide response framing
	// (HasNoResponseBody/IsSessionBound/SupportsRefresh) without needing to
	// introspect the built wire message.
	ReqID xrdproto.RequestID

	// MaxRedirects bounds how many times a single request follows a
	// redirect before failing with KindRedirectLimit (spec.md §4.8).
	MaxRedirects int

	// Expires is the absolute deadline after which the request fails with
	// KindOperationExpired if no terminal response has arrived.
	Expires time.Time

	// SessionID pins a session-bound request (Read/Write/Sync/Close/ReadV)
	// to the session it was opened under.
	SessionID uint64

	// RedirectAsAnswer, if set, delivers the first redirect this request
	// receives to the caller as a typed OkRedirect success (spec.md §3
	// "redirect_as_answer") instead of following it.
	RedirectAsAnswer bool
}

const defaultMaxRedirects = 16

// Request drives one logical XRootD operation across any number of
// redirect/wait/oksofar responses to exactly one terminal Result.
type Request struct {
	pm    *xrdpost.PostMaster
	build BuildFunc
	opts  Options

	mu               sync.Mutex
	url              *xrdurl.URL
	redirect         int
	attempt          int
	partial          []byte
	hostList         []string
	loadBalancer     string
	forceRefreshNext bool

	done   chan struct{}
	once   sync.Once
	result Result
	log    *log.Entry
}

// Do submits build against u and blocks until a terminal Result is
// available (the synchronous send/receive form spec.md §4.8 assumes as the
// baseline; asynchronous callers use Submit directly).
func Do(pm *xrdpost.PostMaster, u *xrdurl.URL, build BuildFunc, opts Options) *Result {
	r := Submit(pm, u, build, opts)
	<-r.done
	return &r.result
}

// Submit starts a Request and returns immediately; the caller waits on
// r.Done() for the terminal Result.
func Submit(pm *xrdpost.PostMaster, u *xrdurl.URL, build BuildFunc, opts Options) *Request {
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	if opts.Expires.IsZero() {
		opts.Expires = time.Now().Add(60 * time.Second)
	}
	r := &Request{
		pm:    pm,
		build: build,
		opts:  opts,
		url:   u.Clone(),
		done:  make(chan struct{}),
		log:   log.WithField("component", "xrdreq").WithField("reqid", opts.ReqID.String()),
	}
	r.sendCurrent()
	return r
}

// Done reports when the terminal Result is available.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) sendCurrent() {
	r.mu.Lock()
	u := r.url
	r.hostList = append(r.hostList, u.HostPort())
	r.attempt++
	retry := r.attempt > 1
	forceRefresh := r.forceRefreshNext
	r.forceRefreshNext = false
	r.mu.Unlock()

	msg := r.build(u)
	if r.opts.ReqID.IsSessionBound() && r.opts.SessionID != 0 {
		msg.SessionID = r.opts.SessionID
	}
	switch {
	case forceRefresh && r.opts.ReqID.SupportsRefresh():
		// A NotFound recovery retry at the load balancer must force a fresh
		// answer (spec.md §4.8 "for NotFound also set the request-specific
		// refresh bit"), even though this is itself a later attempt.
		switch r.opts.ReqID {
		case xrdproto.ReqLocate:
			xrdproto.SetLocateRefreshBit(msg)
		case xrdproto.ReqOpen:
			xrdproto.SetOpenRefreshFlag(msg)
		}
	case retry && r.opts.ReqID.SupportsRefresh():
		// A refresh bit/flag the caller set forces the redirector to drop its
		// cached answer once; carrying it into every redirect/wait/error retry
		// of the same logical request would force a refresh on each hop too.
		switch r.opts.ReqID {
		case xrdproto.ReqLocate:
			xrdproto.ClearLocateRefreshBit(msg)
		case xrdproto.ReqOpen:
			xrdproto.ClearOpenRefreshFlag(msg)
		}
	}

	r.pm.Receive(u, r, r.opts.Expires)
	if status := r.pm.Send(u, msg, r, true, r.opts.Expires); status != nil {
		r.finish(Result{Status: status})
	}
}

// OnReadyToSend is the send-path observer; nothing to do once the write
// completes, the response arrives through OnIncoming instead.
func (r *Request) OnReadyToSend(msg *xrdproto.Message, streamNum int) {}

// OnStatusReady is the send-path observer for a send that failed before it
// ever reached the wire (e.g. connection error).
func (r *Request) OnStatusReady(msg *xrdproto.Message, status *xrdstatus.Status) {
	if status != nil && !status.IsOK() {
		r.handleStreamFailure(status)
	}
}

// OnStreamEvent is the stream-event observer: a broken connection, a fatal
// error or an expired deadline fails the request with the reported status.
// None of them is retried.
func (r *Request) OnStreamEvent(event xrdstream.StreamEvent, streamNum int, status *xrdstatus.Status) xrdstream.Action {
	switch event {
	case xrdstream.EventBroken:
		r.handleStreamFailure(status)
	case xrdstream.EventFatalError, xrdstream.EventTimeout:
		r.finish(Result{Status: status})
	}
	return xrdstream.Ignore
}

func (r *Request) handleStreamFailure(status *xrdstatus.Status) {
	if status == nil {
		status = xrdstatus.New(xrdstatus.KindConnectionError, "connection lost")
	}
	r.finish(Result{Status: status})
}

// OnIncoming is the incoming-message filter and the heart of the recovery
// policy: it decides, per response status, whether this frame is terminal,
// partial, or must trigger a rewritten resend.
func (r *Request) OnIncoming(msg *xrdproto.Message) xrdstream.Action {
	hdr, err := msg.Header()
	if err != nil {
		r.finish(Result{Status: xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)})
		return xrdstream.RemoveHandler
	}
	body := msg.Body()

	switch hdr.Status {
	case xrdproto.StatusOk:
		r.mu.Lock()
		full := append(r.partial, body...)
		r.partial = nil
		r.mu.Unlock()
		result := Result{Body: full}
		if r.opts.ReqID == xrdproto.ReqOpen {
			// The session id an open binds to is the stream's own connection
			// generation (spec.md §4.5 "bump session_id" on reconnect), not
			// wire-carried data; Stream.onIncoming already stamped it here.
			result.SessionID = msg.SessionID
		}
		r.finish(result)
		return xrdstream.RemoveHandler

	case xrdproto.StatusOkSoFar:
		r.mu.Lock()
		r.partial = append(r.partial, body...)
		r.mu.Unlock()
		return xrdstream.Take

	case xrdproto.StatusRedirect:
		r.handleRedirect(body)
		return xrdstream.RemoveHandler

	case xrdproto.StatusWait:
		r.handleWait(body)
		return xrdstream.RemoveHandler

	case xrdproto.StatusWaitResp:
		// The real response arrives later, wrapped in an Attn frame; keep
		// this handler registered.
		return xrdstream.Take

	case xrdproto.StatusAttn:
		info, perr := xrdproto.ParseAttnInfo(body)
		if perr != nil {
			r.finish(Result{Status: xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", perr)})
			return xrdstream.RemoveHandler
		}
		if info.ActNum != xrdproto.AsynRespActNum {
			// Not this request's asynchronous response; ignore it and keep
			// waiting for the real one.
			return xrdstream.Take
		}
		return r.OnIncoming(xrdproto.WrapMessage(info.Payload))

	case xrdproto.StatusError:
		r.handleError(body)
		return xrdstream.RemoveHandler

	default:
		r.finish(Result{Status: xrdstatus.New(xrdstatus.KindInvalidResponse, "unhandled status %v", hdr.Status)})
		return xrdstream.RemoveHandler
	}
}

func (r *Request) handleRedirect(body []byte) {
	info, err := xrdproto.ParseRedirectInfo(body)
	if err != nil {
		r.finish(Result{Status: xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)})
		return
	}

	if r.opts.RedirectAsAnswer {
		r.finish(Result{Status: xrdstatus.NewRedirect(info.Host, info.Port, info.CGI)})
		return
	}

	r.mu.Lock()
	r.redirect++
	if r.redirect > r.opts.MaxRedirects {
		r.mu.Unlock()
		r.finish(Result{Status: xrdstatus.New(xrdstatus.KindRedirectLimit, "exceeded %d redirects", r.opts.MaxRedirects)})
		return
	}
	oldHost := r.url.HostPort()
	ch := r.pm.Channel(r.url)
	if ch.LocationCache() != nil {
		_ = ch.LocationCache().Invalidate(r.url.Path)
	}
	// The host we are redirecting away from is the one whose flags decide
	// load-balancer promotion (spec.md §4.8 "redirect" dispatch): a meta
	// manager always promotes, a plain manager promotes only if no
	// load-balancer is yet remembered.
	flags := ch.ServerFlags()
	if xrdproto.IsManagerFlags(flags) && (xrdproto.IsMetaFlags(flags) || r.loadBalancer == "") {
		r.loadBalancer = oldHost
	}
	next := r.url.Clone()
	next.HostName = info.Host
	next.Port = info.Port
	next.AppendTried(oldHost)
	if info.CGI != "" {
		next.MergeCGI(xrdurl.ParseCGI(info.CGI))
	}
	r.url = next
	r.mu.Unlock()

	r.log.WithField("host", info.Host).WithField("port", info.Port).Debug("following redirect")
	r.sendCurrent()
}

func (r *Request) handleWait(body []byte) {
	info, err := xrdproto.ParseWaitInfo(body)
	if err != nil {
		r.finish(Result{Status: xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)})
		return
	}
	delay := time.Duration(info.Seconds) * time.Second
	r.log.WithField("seconds", info.Seconds).Debug("server asked to wait")
	time.AfterFunc(delay, r.sendCurrent)
}

// handleError implements spec.md §4.8's error-recovery policy: a recoverable
// server code (FSError/IOError/ServerError/NotFound) is only recoverable when
// a load balancer has been remembered for this request and the handler is
// not already at it; recovery then retries *at the load balancer*, not at
// the host that just answered, carrying tried=<the host that just answered>.
// With no load balancer remembered, or already at it, the error surfaces.
func (r *Request) handleError(body []byte) {
	info, err := xrdproto.ParseErrorInfo(body)
	if err != nil {
		r.finish(Result{Status: xrdstatus.New(xrdstatus.KindInvalidResponse, "%v", err)})
		return
	}

	if xrdstatus.IsRecoverableServerCode(info.Code) {
		r.mu.Lock()
		oldHost := r.url.HostPort()
		lb := r.loadBalancer
		if lb == "" || oldHost == lb {
			r.mu.Unlock()
			r.finish(Result{Status: xrdstatus.NewServerError(info.Code, info.Text)})
			return
		}

		r.redirect++
		exceeded := r.redirect > r.opts.MaxRedirects
		if !exceeded {
			next := r.url.Clone()
			next.HostName, next.Port = xrdurl.SplitHostPort(lb)
			next.AppendTried(oldHost)
			r.url = next
			if info.Code == xrdstatus.ServerErrNotFound {
				r.forceRefreshNext = true
			}
		}
		r.mu.Unlock()
		if exceeded {
			r.finish(Result{Status: xrdstatus.NewServerError(info.Code, info.Text)})
			return
		}
		r.log.WithField("code", info.Code).WithField("loadbalancer", lb).Debug("recoverable server error, retrying at load balancer")
		r.sendCurrent()
		return
	}

	r.finish(Result{Status: xrdstatus.NewServerError(info.Code, info.Text)})
}

func (r *Request) finish(result Result) {
	r.once.Do(func() {
		r.mu.Lock()
		result.HostList = r.hostList
		result.LoadBalancer = r.loadBalancer
		r.mu.Unlock()
		r.result = result
		close(r.done)
	})
}
