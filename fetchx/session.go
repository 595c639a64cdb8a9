package fetchx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"dqx0.com/go/fetch/fetchx/internal/http1"
	"dqx0.com/go/fetch/internal/obs"
)

const (
	maxHeaderLine  = 8 << 10
	maxHeaderBytes = 64 << 10
)

// Session is the high-level client. It owns default headers, a cookie
// jar, and redirect policy, and drives requests through a Connector.
// Sessions are safe for concurrent use.
type Session struct {
	cfg       SessionConfig
	connector *Connector
	ownsConn  bool
	jar       *CookieJar
	log       obs.Logger
	metrics   obs.Metrics
	tracer    trace.Tracer
	limiter   *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// NewSession builds a Session from cfg. When cfg.Connector is nil the
// session constructs its own from cfg.ConnectorConfig and closes it on
// Close; an injected connector is shared and left open.
func NewSession(cfg SessionConfig) (*Session, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, jar: cfg.Jar}
	if s.jar == nil {
		s.jar = NewCookieJar()
	}
	s.log = cfg.Logger
	if s.log == nil {
		s.log = obs.NopLogger{}
	}
	s.metrics = cfg.Metrics
	if s.metrics == nil {
		s.metrics = obs.NopMetrics{}
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	s.tracer = tp.Tracer("dqx0.com/go/fetch/fetchx")

	if cfg.ThrottleRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ThrottleRPS), cfg.ThrottleBurst)
	}

	if cfg.Connector != nil {
		s.connector = cfg.Connector
	} else {
		cc := cfg.ConnectorConfig
		if cc.Logger == nil {
			cc.Logger = s.log
		}
		if cc.Metrics == nil {
			cc.Metrics = s.metrics
		}
		conn, err := NewConnector(cc)
		if err != nil {
			return nil, err
		}
		s.connector = conn
		s.ownsConn = true
	}
	return s, nil
}

// Jar returns the session's cookie jar.
func (s *Session) Jar() *CookieJar { return s.jar }

// Connector returns the underlying connection pool.
func (s *Session) Connector() *Connector { return s.connector }

// Close shuts the session down. A connector the session built itself is
// closed; an injected one is left running for its other users.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.ownsConn {
		return s.connector.Close()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get issues a GET request and follows redirects per the session policy.
func (s *Session) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := NewRequest(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// Head issues a HEAD request.
func (s *Session) Head(ctx context.Context, rawURL string) (*Response, error) {
	req, err := NewRequest(ctx, "HEAD", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// Post issues a POST request with the given content type and body.
func (s *Session) Post(ctx context.Context, rawURL, contentType string, body io.Reader) (*Response, error) {
	req, err := NewRequest(ctx, "POST", rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.Do(req)
}

// Do sends the request and returns the final response, following up to
// MaxRedirects redirects unless redirect following is disabled.
// Intermediate redirect responses are drained and recorded, oldest
// first, in the returned response's History.
//
// The caller must Close the response body; the underlying connection is
// returned to the pool only then.
func (s *Session) Do(req *Request) (*Response, error) {
	if s.isClosed() {
		return nil, ErrPoolClosed
	}
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("fetchx: nil request")
	}

	ctx := req.Context()
	cancel := func() {}
	if s.cfg.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = mapContextErr(ctxErr)
			} else {
				err = fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			cancel()
			return nil, s.fail(req, PhaseSend, err)
		}
	}

	ctx, span := s.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
			attribute.String("server.address", req.URL.Hostname()),
		))
	defer span.End()

	cur := cloneForSend(req)
	if cur.Header.Get("X-Request-Id") == "" {
		cur.Header.Set("X-Request-Id", uuid.NewString())
	}

	start := time.Now()
	var history []*Response
	for hop := 0; ; hop++ {
		resp, err := s.roundTrip(ctx, cur)
		if err != nil {
			cancel()
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		if s.jar != nil {
			if sc := resp.Header.Values("Set-Cookie"); len(sc) > 0 {
				s.jar.SetFromResponse(cur.URL, sc)
			}
		}

		if s.cfg.NoFollowRedirects || !resp.isRedirect() {
			resp.History = history
			if g, ok := resp.Body.(*bodyGuard); ok {
				g.done = cancel
			} else {
				cancel()
			}
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			s.metrics.RequestCompleted(cur.Method, cur.URL.Hostname(), resp.StatusCode, time.Since(start))
			s.log.Logf(obs.Debug, "%s %s -> %d (%d redirects)", req.Method, req.URL, resp.StatusCode, len(history))
			return resp, nil
		}

		if hop >= s.cfg.MaxRedirects {
			_ = resp.Body.Close()
			cancel()
			err := fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, s.cfg.MaxRedirects)
			span.SetStatus(codes.Error, err.Error())
			return nil, s.fail(cur, PhaseReceive, err)
		}

		next, err := s.redirectedRequest(cur, resp)
		if err != nil {
			_ = resp.Body.Close()
			cancel()
			span.SetStatus(codes.Error, err.Error())
			return nil, s.fail(cur, PhaseReceive, err)
		}

		// Snapshot drains the redirect body, freeing the connection.
		history = append(history, resp.snapshot())
		s.metrics.Redirect(cur.URL.Hostname())
		span.AddEvent("redirect", trace.WithAttributes(
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.String("url.full", next.URL.String()),
		))
		cur = next
	}
}

// redirectedRequest builds the follow-up request for a redirect
// response. 301, 302, and 303 rewrite non-HEAD methods to a bodyless
// GET; 307 and 308 preserve the method and replay the body via GetBody.
func (s *Session) redirectedRequest(cur *Request, resp *Response) (*Request, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("%w: redirect %d without Location", ErrProtocol, resp.StatusCode)
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect Location %q: %v", ErrProtocol, loc, err)
	}
	nextURL := cur.URL.ResolveReference(locURL)
	if nextURL.Scheme != "http" && nextURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: redirect to unsupported scheme %q", ErrProtocol, nextURL.Scheme)
	}

	next := &Request{
		Method:        cur.Method,
		URL:           nextURL,
		Header:        cur.Header.Clone(),
		ContentLength: -1,
		ctx:           cur.ctx,
	}

	switch resp.StatusCode {
	case 303:
		if next.Method != "HEAD" {
			next.Method = "GET"
		}
	case 301, 302:
		if next.Method != "GET" && next.Method != "HEAD" {
			next.Method = "GET"
		}
	case 307, 308:
		if cur.GetBody != nil {
			body, err := cur.GetBody()
			if err != nil {
				return nil, fmt.Errorf("fetchx: replay request body: %w", err)
			}
			next.Body = body
			next.GetBody = cur.GetBody
			next.ContentLength = cur.ContentLength
		} else if cur.Body != nil {
			return nil, fmt.Errorf("%w: redirect %d needs a replayable body", ErrProtocol, resp.StatusCode)
		}
	}
	if next.Body == nil {
		next.Header.Del("Content-Type")
		next.Header.Del("Content-Encoding")
	}
	// Credentials do not cross to a different host.
	if !strings.EqualFold(nextURL.Hostname(), cur.URL.Hostname()) {
		next.Header.Del("Authorization")
	}
	return next, nil
}

// roundTrip performs one request/response exchange on a pooled
// transport. The returned response's body, when closed, drains the
// remainder and releases the transport back to the pool.
func (s *Session) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	key, err := req.poolKey()
	if err != nil {
		return nil, s.fail(req, PhaseResolve, err)
	}

	s.applyHeaders(req)

	t, err := s.connector.Acquire(ctx, key)
	if err != nil {
		phase := PhaseConnect
		if errors.Is(err, ErrResolution) {
			phase = PhaseResolve
		}
		return nil, s.fail(req, phase, err)
	}

	t.applyDeadline(ctx)
	stop := t.watchCancel(ctx)

	wireReq := &http1.Request{
		Method:        req.Method,
		Target:        req.requestTarget(),
		Host:          req.hostHeader(),
		Fields:        req.Header.fields(),
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}
	err = http1.WriteRequest(t.bw, wireReq)
	if req.Body != nil {
		_ = req.Body.Close()
	}
	if err == nil {
		err = t.Drain()
	}
	if err != nil {
		stop()
		s.connector.Release(t, false)
		return nil, s.fail(req, PhaseSend, t.ioError(ctx, err))
	}

	wresp, err := http1.ReadResponse(t.br, req.Method, maxHeaderLine, maxHeaderBytes)
	if err != nil {
		stop()
		s.connector.Release(t, false)
		return nil, s.fail(req, PhaseReceive, s.receiveError(ctx, t, err))
	}

	guard := &bodyGuard{
		body:     wresp.Body,
		t:        t,
		conn:     s.connector,
		stop:     stop,
		reusable: wresp.Reusable,
	}
	return &Response{
		StatusCode:    wresp.StatusCode,
		Reason:        wresp.Reason,
		Proto:         wresp.Proto,
		Header:        headerFromFields(wresp.Fields),
		Body:          guard,
		ContentLength: wresp.ContentLength,
		URL:           req.URL,
	}, nil
}

// applyHeaders merges session defaults into req without overriding
// per-request values, and attaches matching cookies from the jar.
func (s *Session) applyHeaders(req *Request) {
	for name, value := range s.cfg.DefaultHeaders {
		if req.Header.Get(name) == "" {
			req.Header.Set(name, value)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		ua := s.cfg.UserAgent
		if ua == "" {
			ua = "fetchx/1.0"
		}
		req.Header.Set("User-Agent", ua)
	}
	if s.jar != nil {
		req.Header.Del("Cookie")
		if v := s.jar.header(req.URL); v != "" {
			req.Header.Set("Cookie", v)
		}
	}
}

// receiveError classifies a response-read failure: framing violations
// map to ErrProtocol, everything else to the transport's taxonomy.
func (s *Session) receiveError(ctx context.Context, t *Transport, err error) error {
	if errors.Is(err, http1.ErrMalformed) || errors.Is(err, http1.ErrHeaderTooLarge) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return t.ioError(ctx, err)
}

func (s *Session) fail(req *Request, phase Phase, err error) error {
	s.metrics.RequestFailed(req.Method, req.URL.Hostname(), string(phase))
	s.log.Logf(obs.Warn, "%s %s failed during %s: %v", req.Method, req.URL, phase, err)
	return &RequestError{Phase: phase, Method: req.Method, URL: req.URL.String(), Err: err}
}

// cloneForSend copies the request so redirect rewrites never mutate the
// caller's value.
func cloneForSend(req *Request) *Request {
	cp := *req
	cp.Header = req.Header.Clone()
	return &cp
}

// bodyGuard ties the response body to its transport: Close drains the
// remaining bytes and releases the connection, reusable only when the
// body was framed cleanly and the request was not cancelled.
type bodyGuard struct {
	body     io.ReadCloser
	t        *Transport
	conn     *Connector
	stop     func()
	done     func()
	reusable bool

	once   sync.Once
	broken bool
}

func (g *bodyGuard) Read(p []byte) (int, error) {
	n, err := g.body.Read(p)
	if err != nil && err != io.EOF {
		g.broken = true
	}
	return n, err
}

func (g *bodyGuard) Close() error {
	var err error
	g.once.Do(func() {
		err = g.body.Close()
		g.stop()
		reusable := g.reusable && err == nil && !g.broken && !g.t.aborted.Load()
		g.conn.Release(g.t, reusable)
		if g.done != nil {
			g.done()
		}
	})
	return err
}
