package http1

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParsedRequest is a minimal request representation parsed from the
// wire, used by the scripted test server.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Fields        []Field
	ContentLength int64
	Body          io.ReadCloser
}

// Get returns the first value of the named header, case-insensitively.
func (r *ParsedRequest) Get(name string) string { return get(r.Fields, name) }

// ParseRequest reads one request head and wires up its body framing.
func ParseRequest(br *bufio.Reader, maxLine, maxTotal int) (*ParsedRequest, error) {
	line, err := readLine(br, maxLine)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, fmt.Errorf("%w: protocol %q", ErrMalformed, proto)
	}
	fields, err := readFields(br, maxLine, maxTotal)
	if err != nil {
		return nil, err
	}

	chunked := hasChunkedTE(fields)
	if chunked && get(fields, "Content-Length") != "" {
		return nil, fmt.Errorf("%w: both Content-Length and chunked", ErrMalformed)
	}

	pr := &ParsedRequest{
		Method:     method,
		RequestURI: uri,
		Proto:      proto,
		Fields:     fields,
	}
	switch {
	case chunked:
		pr.ContentLength = -1
		pr.Body = NewChunkedReader(br, maxLine)
	case get(fields, "Content-Length") != "":
		cl, err := contentLength(fields)
		if err != nil {
			return nil, err
		}
		pr.ContentLength = cl
		if cl > 0 {
			pr.Body = &lengthBody{lr: &io.LimitedReader{R: br, N: cl}}
		} else {
			pr.Body = io.NopCloser(strings.NewReader(""))
		}
	default:
		pr.Body = io.NopCloser(strings.NewReader(""))
	}
	return pr, nil
}
