package http1

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Request is the wire-level view of an outgoing request. Fields are
// written in slice order. ContentLength -1 with a non-nil Body selects
// chunked transfer coding.
type Request struct {
	Method        string
	Target        string // request-target, absolute-form when proxied
	Host          string
	Fields        []Field
	Body          io.Reader
	ContentLength int64
}

// WriteRequest encodes r onto bw: request line, Host, headers in order,
// framing headers, then the body. It does not flush bw; the transport
// drain does that.
func WriteRequest(bw *bufio.Writer, r *Request) error {
	target := r.Target
	if target == "" {
		target = "/"
	}
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", r.Method, target); err != nil {
		return err
	}
	host := r.Host
	if v := get(r.Fields, "Host"); v != "" {
		host = v
	}
	if host != "" {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", SanitizeHeaderValue(host)); err != nil {
			return err
		}
	}

	chunked := r.Body != nil && r.ContentLength < 0
	if r.Body != nil && !chunked {
		if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", r.ContentLength); err != nil {
			return err
		}
	}
	if chunked {
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}

	for _, f := range r.Fields {
		name := SanitizeHeaderKey(f.Name)
		if name == "" {
			return fmt.Errorf("%w: header name %q", ErrMalformed, f.Name)
		}
		// Framing and Host are computed above.
		if isManagedHeader(name) {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", name, SanitizeHeaderValue(f.Value)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return err
	}

	if r.Body == nil {
		return nil
	}
	if chunked {
		cw := NewChunkedWriter(bw)
		if _, err := io.Copy(cw, r.Body); err != nil {
			return err
		}
		return cw.Close()
	}
	if r.ContentLength > 0 {
		if _, err := io.CopyN(bw, r.Body, r.ContentLength); err != nil {
			return err
		}
	}
	return nil
}

func isManagedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "content-length", "transfer-encoding":
		return true
	}
	return false
}
