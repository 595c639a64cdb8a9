package fetchx

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dqx0.com/go/fetch/internal/sched"
)

// aLongTimeAgo is a non-zero past deadline used to interrupt pending
// reads and writes on cancellation.
var aLongTimeAgo = time.Unix(1, 0)

type transportState int32

const (
	stateConnecting transportState = iota
	stateOpen
	stateDraining
	stateClosed
)

// Transport owns one live socket to a peer, with buffered reads and
// writes. While idle it belongs exclusively to the Connector; while
// busy it is lent to exactly one in-flight request. At most one
// outstanding read and one outstanding write at a time; concurrent use
// from multiple requests is a caller error.
type Transport struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	key  PoolKey
	peer Address
	// tlsState is the negotiated TLS info, nil for plain connections.
	tlsState *tls.ConnectionState

	state   atomic.Int32
	aborted atomic.Bool
	closed  sync.Once

	loop *sched.Loop

	// idleAt is the idle expiry, owned by the Connector.
	idleAt time.Time
}

// dialTransport opens a connection to addr, TLS-wrapping it when the
// pool key scheme is https. The TLS handshake is delegated to crypto/tls
// with SNI and http/1.1 ALPN defaults.
func dialTransport(ctx context.Context, key PoolKey, addr Address, tlsCfg *tls.Config, timeout time.Duration, loop *sched.Loop) (*Transport, error) {
	t := &Transport{key: key, peer: addr, loop: loop}
	t.state.Store(int32(stateConnecting))

	d := net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if key.Scheme == "https" {
		cfg := tlsCfg
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = key.Host
		}
		if len(cfg.NextProtos) == 0 {
			cfg = cfg.Clone()
			cfg.NextProtos = []string{"http/1.1"}
		}
		td := tls.Dialer{NetDialer: &d, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", addr.String())
		if err == nil {
			cs := conn.(*tls.Conn).ConnectionState()
			t.tlsState = &cs
		}
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr.String())
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, mapContextErr(ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}

	t.conn = conn
	t.br = bufio.NewReader(conn)
	t.bw = bufio.NewWriter(conn)
	t.state.Store(int32(stateOpen))
	return t, nil
}

// Peer returns the resolved address this transport is connected to.
func (t *Transport) Peer() Address { return t.peer }

// TLSState returns the negotiated TLS connection state, or nil.
func (t *Transport) TLSState() *tls.ConnectionState { return t.tlsState }

// Read reads up to len(p) bytes, suspending until data or EOF.
func (t *Transport) Read(p []byte) (int, error) { return t.br.Read(p) }

// Write buffers p for sending; it does not block on the network unless
// the internal buffer overflows. Call Drain to flush.
func (t *Transport) Write(p []byte) (int, error) { return t.bw.Write(p) }

// Drain flushes buffered bytes to the OS send buffer.
func (t *Transport) Drain() error {
	prev := transportState(t.state.Swap(int32(stateDraining)))
	err := t.bw.Flush()
	// Close may have raced the flush; do not resurrect the state.
	t.state.CompareAndSwap(int32(stateDraining), int32(prev))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Close releases the socket. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closed.Do(func() {
		t.state.Store(int32(stateClosed))
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

func (t *Transport) isClosed() bool {
	return transportState(t.state.Load()) == stateClosed
}

// applyDeadline sets read/write deadlines from the request context.
func (t *Transport) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(dl)
	} else {
		_ = t.conn.SetDeadline(time.Time{})
	}
}

// watchCancel interrupts pending I/O when ctx is cancelled by moving
// the socket deadline into the past; the transport is then poisoned
// and must not be pooled again. The returned stop releases the watcher.
func (t *Transport) watchCancel(ctx context.Context) (stop func()) {
	if t.loop == nil || ctx.Done() == nil {
		return func() {}
	}
	return t.loop.WatchCancel(ctx, func() {
		t.aborted.Store(true)
		_ = t.conn.SetDeadline(aLongTimeAgo)
	})
}

// ioError folds a read/write failure into the error taxonomy. Deadline
// hits caused by cancellation or the request deadline are reported as
// such; everything else mid-stream is a transport failure.
func (t *Transport) ioError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return mapContextErr(ctxErr)
		}
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: connection closed mid-stream", ErrTransport)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// alive is the cheap liveness probe run before handing out a pooled
// transport: a zero-deadline peek detects half-closed sockets and
// stray bytes left by the peer.
func (t *Transport) alive() bool {
	if t.isClosed() || t.aborted.Load() {
		return false
	}
	if t.br.Buffered() > 0 {
		// Dirty read buffer: previous response was not fully framed.
		return false
	}
	if err := t.conn.SetReadDeadline(aLongTimeAgo); err != nil {
		return false
	}
	var probe [1]byte
	n, err := t.conn.Read(probe[:])
	_ = t.conn.SetReadDeadline(time.Time{})
	if n > 0 {
		// Unsolicited bytes on an idle connection.
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
