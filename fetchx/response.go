package fetchx

import (
	"io"
	"net/url"
)

// Response represents a received HTTP response.
//
// Body is a lazy, single-pass byte stream; callers must drain or Close
// it so the underlying connection can be reused. History holds the
// redirect chain that led here, oldest first; history entries are
// terminal snapshots whose bodies have already been drained.
type Response struct {
	StatusCode    int
	Reason        string
	Proto         string
	Header        Header
	Body          io.ReadCloser
	ContentLength int64

	// URL is the request URL that produced this response.
	URL *url.URL

	History []*Response
}

// snapshot returns a terminal copy of r for the redirect history. The
// live body is drained and closed; the snapshot carries no body.
func (r *Response) snapshot() *Response {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}
	cp := *r
	cp.Body = nil
	cp.History = nil
	cp.Header = r.Header.Clone()
	return &cp
}

// isRedirect reports whether the status is one the Session follows.
func (r *Response) isRedirect() bool {
	switch r.StatusCode {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}
