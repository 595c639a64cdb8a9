package fetchx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Request represents an outgoing HTTP request.
//
// Header preserves insertion order with case-insensitive names.
// ContentLength is -1 when unknown; a non-nil Body with unknown length
// is sent with chunked transfer coding. GetBody, if set, returns a
// fresh copy of Body for retransmission on 307/308 redirects.
type Request struct {
	Method        string
	URL           *url.URL
	Header        Header
	Body          io.ReadCloser
	GetBody       func() (io.ReadCloser, error)
	Host          string
	ContentLength int64

	ctx context.Context
}

// NewRequest builds a Request for the given method and URL. For
// *bytes.Buffer, *bytes.Reader, and *strings.Reader bodies the content
// length is computed and GetBody is populated so redirects can replay
// the body.
func NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*Request, error) {
	if method == "" {
		method = "GET"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetchx: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetchx: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("fetchx: url %q has no host", rawURL)
	}

	r := &Request{
		Method:        strings.ToUpper(method),
		URL:           u,
		ContentLength: -1,
		ctx:           ctx,
	}
	if body == nil {
		return r, nil
	}

	switch v := body.(type) {
	case *bytes.Buffer:
		buf := v.Bytes()
		r.ContentLength = int64(len(buf))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
	case *bytes.Reader:
		snapshot := *v
		r.ContentLength = int64(v.Len())
		r.GetBody = func() (io.ReadCloser, error) {
			cpy := snapshot
			return io.NopCloser(&cpy), nil
		}
	case *strings.Reader:
		snapshot := *v
		r.ContentLength = int64(v.Len())
		r.GetBody = func() (io.ReadCloser, error) {
			cpy := snapshot
			return io.NopCloser(&cpy), nil
		}
	}
	if rc, ok := body.(io.ReadCloser); ok {
		r.Body = rc
	} else {
		r.Body = io.NopCloser(body)
	}
	return r, nil
}

// Context returns the request's context. If nil, returns Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// poolKey derives the connection pool key for the request target.
func (r *Request) poolKey() (PoolKey, error) {
	scheme := strings.ToLower(r.URL.Scheme)
	host := strings.ToLower(r.URL.Hostname())
	if host == "" {
		return PoolKey{}, fmt.Errorf("fetchx: url %q has no host", r.URL)
	}
	port := defaultPort(scheme)
	if p := r.URL.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return PoolKey{}, fmt.Errorf("fetchx: invalid port %q", p)
		}
		port = n
	}
	return PoolKey{Scheme: scheme, Host: host, Port: port}, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// requestTarget renders the origin-form request-target.
func (r *Request) requestTarget() string {
	target := r.URL.RequestURI()
	if target == "" {
		target = "/"
	}
	return target
}

// hostHeader is the value written as the Host header.
func (r *Request) hostHeader() string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}
