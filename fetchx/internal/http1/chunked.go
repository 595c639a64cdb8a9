package http1

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// chunkedBody implements io.ReadCloser for Transfer-Encoding: chunked.
type chunkedBody struct {
	br       *bufio.Reader
	remain   int64
	finished bool
	maxLine  int // line limit for chunk header and trailer lines
}

// NewChunkedReader decodes a chunked body from br. Chunk extensions are
// stripped and trailers are read and discarded.
func NewChunkedReader(br *bufio.Reader, maxLine int) io.ReadCloser {
	return &chunkedBody{br: br, remain: -1, maxLine: maxLine}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain == -1 || c.remain == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, err
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, unexpectedEOF(err)
	}
	// Consumed this chunk; expect the CRLF boundary.
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close drains to the terminal chunk so the connection can be reused.
func (c *chunkedBody) Close() error {
	buf := make([]byte, 1024)
	for !c.finished {
		_, err := c.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *chunkedBody) readChunkSize() (int64, error) {
	line, err := readLine(c.br, c.maxLine)
	if err != nil {
		return 0, unexpectedEOF(err)
	}
	// Strip chunk extensions if any: "<hex>;<ext>"
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty chunk size", ErrMalformed)
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid chunk size %q", ErrMalformed, line)
	}
	return n, nil
}

func (c *chunkedBody) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("%w: expected CRLF after chunk, got %q%q", ErrMalformed, b1, b2)
	}
	return nil
}

func (c *chunkedBody) readTrailers() error {
	for {
		line, err := readLine(c.br, c.maxLine)
		if err != nil {
			return unexpectedEOF(err)
		}
		if line == "" {
			return nil
		}
		// Trailer headers are discarded.
	}
}

// unexpectedEOF maps a clean EOF in the middle of a framed body to
// io.ErrUnexpectedEOF so callers can tell it apart from a body that
// ended at its declared boundary.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// chunkedWriter encodes chunked transfer coding onto bw. Close writes
// the terminal zero-length chunk; it does not flush bw.
type chunkedWriter struct {
	bw *bufio.Writer
}

// NewChunkedWriter returns a WriteCloser encoding chunks onto bw.
func NewChunkedWriter(bw *bufio.Writer) io.WriteCloser {
	return &chunkedWriter{bw: bw}
}

func (w *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(w.bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := w.bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprint(w.bw, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *chunkedWriter) Close() error {
	_, err := fmt.Fprint(w.bw, "0\r\n\r\n")
	return err
}
