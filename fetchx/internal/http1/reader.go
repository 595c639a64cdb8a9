package http1

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Response is a parsed response head plus its lazily framed body.
// Fields preserve wire order, duplicates included. ContentLength is -1
// when the length is not declared. Reusable reports whether the
// connection can carry another request once the body is fully consumed.
type Response struct {
	Proto         string
	StatusCode    int
	Reason        string
	Fields        []Field
	ContentLength int64
	Body          io.ReadCloser
	Reusable      bool
}

// ReadResponse parses a response head from br and wires up body framing
// for the request method that produced it. The body is single-pass: it
// reads from br as the caller consumes it.
func ReadResponse(br *bufio.Reader, method string, maxLine, maxTotal int) (*Response, error) {
	proto, code, reason, err := readStatusLine(br, maxLine)
	if err != nil {
		return nil, err
	}
	fields, err := readFields(br, maxLine, maxTotal)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Proto:         proto,
		StatusCode:    code,
		Reason:        reason,
		Fields:        fields,
		ContentLength: -1,
		Reusable:      true,
	}
	if strings.EqualFold(get(fields, "Connection"), "close") {
		resp.Reusable = false
	}

	switch {
	case noResponseBody(code, method):
		// No body bytes follow, but a declared length (HEAD telling the
		// caller the entity size) is still surfaced.
		resp.Body = io.NopCloser(strings.NewReader(""))
		resp.ContentLength = 0
		if get(fields, "Content-Length") != "" {
			cl, err := contentLength(fields)
			if err != nil {
				return nil, err
			}
			resp.ContentLength = cl
		}
	case hasChunkedTE(fields):
		resp.Body = NewChunkedReader(br, maxLine)
	case get(fields, "Content-Length") != "":
		cl, err := contentLength(fields)
		if err != nil {
			return nil, err
		}
		resp.ContentLength = cl
		if cl == 0 {
			resp.Body = io.NopCloser(strings.NewReader(""))
		} else {
			resp.Body = &lengthBody{lr: &io.LimitedReader{R: br, N: cl}}
		}
	default:
		// Close-delimited: body runs to EOF, connection is spent.
		resp.Body = &closeDelimitedBody{br: br}
		resp.Reusable = false
	}
	return resp, nil
}

func readStatusLine(br *bufio.Reader, maxLine int) (proto string, code int, reason string, err error) {
	line, err := readLine(br, maxLine)
	if err != nil {
		// EOF before any byte means the peer closed an idle
		// connection; pass it through untranslated.
		return "", 0, "", err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("%w: status line %q", ErrMalformed, line)
	}
	proto = parts[0]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return "", 0, "", fmt.Errorf("%w: unsupported protocol %q", ErrMalformed, proto)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return "", 0, "", fmt.Errorf("%w: status code %q", ErrMalformed, parts[1])
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return proto, code, reason, nil
}

func readFields(br *bufio.Reader, maxLine, maxTotal int) ([]Field, error) {
	var fields []Field
	total := 0
	for {
		line, err := readLine(br, maxLine)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if line == "" {
			return fields, nil
		}
		total += len(line)
		if maxTotal > 0 && total > maxTotal {
			return nil, ErrHeaderTooLarge
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}
		name := strings.TrimSpace(line[:i])
		if SanitizeHeaderKey(name) == "" {
			return nil, fmt.Errorf("%w: header name %q", ErrMalformed, name)
		}
		fields = append(fields, Field{
			Name:  CanonicalKey(name),
			Value: strings.TrimSpace(line[i+1:]),
		})
	}
}

// contentLength parses the declared length, rejecting conflicting
// duplicates ("Content-Length: 5, 6" or repeated disagreeing headers).
func contentLength(fields []Field) (int64, error) {
	var declared []string
	for _, v := range values(fields, "Content-Length") {
		for _, part := range strings.Split(v, ",") {
			declared = append(declared, strings.TrimSpace(part))
		}
	}
	if len(declared) == 0 {
		return -1, nil
	}
	first := declared[0]
	for _, d := range declared[1:] {
		if d != first {
			return 0, fmt.Errorf("%w: conflicting Content-Length %v", ErrMalformed, declared)
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: Content-Length %q", ErrMalformed, first)
	}
	return n, nil
}

func noResponseBody(code int, method string) bool {
	if strings.EqualFold(method, "HEAD") {
		return true
	}
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

// lengthBody frames a Content-Length body and drains the remainder on
// Close so the connection can be reused.
type lengthBody struct {
	lr *io.LimitedReader
}

func (b *lengthBody) Read(p []byte) (int, error) {
	n, err := b.lr.Read(p)
	if err == io.EOF && b.lr.N > 0 {
		// The peer closed before the declared boundary.
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *lengthBody) Close() error {
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

// closeDelimitedBody reads until EOF; the EOF is the clean end of body.
type closeDelimitedBody struct {
	br *bufio.Reader
}

func (b *closeDelimitedBody) Read(p []byte) (int, error) { return b.br.Read(p) }

func (b *closeDelimitedBody) Close() error {
	_, err := io.Copy(io.Discard, b.br)
	return err
}
