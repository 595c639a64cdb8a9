// Package fetchxtest provides an in-process HTTP/1.1 origin for
// exercising clients against scripted responses. It speaks the wire
// protocol directly so tests can produce framings and misbehavior that
// net/http servers refuse to emit.
package fetchxtest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"dqx0.com/go/fetch/fetchx/internal/http1"
)

// ReceivedRequest records one request as parsed off the wire, with its
// body fully read.
type ReceivedRequest struct {
	Method string
	Target string
	Proto  string
	Fields []http1.Field
	Body   []byte

	// ConnSeq numbers the connection this request arrived on, starting
	// at 1, so tests can assert pooling and reuse.
	ConnSeq int
}

// Get returns the first value of the named header, case-insensitively.
func (r *ReceivedRequest) Get(name string) string {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Response scripts what the server writes back for one request.
type Response struct {
	Status int
	Reason string
	// Headers are written in order; framing headers are computed from
	// Body and Chunked unless Raw is set.
	Headers [][2]string
	Body    []byte
	// Chunked selects chunked transfer coding instead of Content-Length.
	Chunked bool
	// Close adds Connection: close and drops the connection afterwards.
	Close bool
	// Raw, when non-nil, is written verbatim instead of all the above.
	Raw []byte
	// HangUp drops the connection without writing anything.
	HangUp bool
}

// Server is a scripted HTTP/1.1 origin bound to a loopback port. The
// handler runs once per parsed request; connections are kept alive
// until the script or the client closes them.
type Server struct {
	ln      net.Listener
	handler func(*ReceivedRequest) Response

	dials atomic.Int32

	mu   sync.Mutex
	reqs []*ReceivedRequest

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start launches a server on 127.0.0.1 and registers its shutdown with
// t.Cleanup.
func Start(t testing.TB, handler func(*ReceivedRequest) Response) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{ln: ln, handler: handler}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// URL returns the http base URL of the server.
func (s *Server) URL() string { return "http://" + s.ln.Addr().String() }

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Dials reports how many connections have been accepted.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Requests returns all requests received so far, in arrival order.
func (s *Server) Requests() []*ReceivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ReceivedRequest, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
		s.wg.Wait()
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		seq := int(s.dials.Add(1))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c, seq)
		}()
	}
}

func (s *Server) serveConn(c net.Conn, seq int) {
	defer c.Close()
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)
	for {
		pr, err := http1.ParseRequest(br, 8<<10, 64<<10)
		if err != nil {
			return
		}
		body, err := io.ReadAll(pr.Body)
		if err != nil {
			return
		}
		req := &ReceivedRequest{
			Method:  pr.Method,
			Target:  pr.RequestURI,
			Proto:   pr.Proto,
			Fields:  pr.Fields,
			Body:    body,
			ConnSeq: seq,
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		s.mu.Unlock()

		resp := s.handler(req)
		if resp.HangUp {
			return
		}
		if err := writeResponse(bw, pr.Method, resp); err != nil {
			return
		}
		if err := bw.Flush(); err != nil {
			return
		}
		if resp.Close || strings.EqualFold(req.Get("Connection"), "close") {
			return
		}
	}
}

func writeResponse(bw *bufio.Writer, method string, resp Response) error {
	if resp.Raw != nil {
		_, err := bw.Write(resp.Raw)
		return err
	}
	status := resp.Status
	if status == 0 {
		status = 200
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, resp.Reason); err != nil {
		return err
	}
	for _, h := range resp.Headers {
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", h[0], h[1]); err != nil {
			return err
		}
	}
	noBody := method == "HEAD" || (status >= 100 && status < 200) || status == 204 || status == 304
	switch {
	case noBody:
	case resp.Chunked:
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	default:
		if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", len(resp.Body)); err != nil {
			return err
		}
	}
	if resp.Close {
		if _, err := fmt.Fprint(bw, "Connection: close\r\n"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return err
	}
	if noBody {
		return nil
	}
	if resp.Chunked {
		cw := http1.NewChunkedWriter(bw)
		if len(resp.Body) > 0 {
			if _, err := cw.Write(resp.Body); err != nil {
				return err
			}
		}
		return cw.Close()
	}
	_, err := bw.Write(resp.Body)
	return err
}
