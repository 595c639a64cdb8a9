package fetchx

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/fetch/fetchx/fetchxtest"
	"dqx0.com/go/fetch/fetchx/internal/http1"
	"dqx0.com/go/fetch/internal/sched"
)

func dialTestTransport(t *testing.T, srv *fetchxtest.Server) *Transport {
	t.Helper()
	loop := sched.NewLoop(1, 1)
	t.Cleanup(loop.Close)

	key := serverKey(t, srv)
	tr, err := dialTransport(context.Background(), key, key.addr(), nil, 2*time.Second, loop)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// addr resolves a loopback pool key to a dialable address; the keys in
// these tests always carry an IP literal host.
func (k PoolKey) addr() Address {
	addrs, _ := (&netResolver{}).Resolve(context.Background(), k.Host, k.Port)
	return addrs[0]
}

func TestTransport_RoundTrip(t *testing.T) {
	srv := fetchxtest.Start(t, okHandler)
	tr := dialTestTransport(t, srv)

	require.NoError(t, http1.WriteRequest(tr.bw, &http1.Request{Method: "GET", Target: "/", Host: "x"}))
	require.NoError(t, tr.Drain())
	resp, err := http1.ReadResponse(tr.br, "GET", 8<<10, 64<<10)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))
	assert.True(t, resp.Reusable)
}

func TestTransport_AliveAfterCleanExchange(t *testing.T) {
	srv := fetchxtest.Start(t, okHandler)
	tr := dialTestTransport(t, srv)

	key := serverKey(t, srv)
	exchange(t, tr, key)
	assert.True(t, tr.alive())
}

func TestTransport_NotAliveAfterPeerClose(t *testing.T) {
	srv := fetchxtest.Start(t, func(req *fetchxtest.ReceivedRequest) fetchxtest.Response {
		return fetchxtest.Response{Status: 200, Body: []byte("ok"), Close: true}
	})
	tr := dialTestTransport(t, srv)

	key := serverKey(t, srv)
	require.NoError(t, http1.WriteRequest(tr.bw, &http1.Request{Method: "GET", Target: "/", Host: key.Host}))
	require.NoError(t, tr.Drain())
	resp, err := http1.ReadResponse(tr.br, "GET", 8<<10, 64<<10)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, tr.alive())
}

func TestTransport_NotAliveWithBufferedBytes(t *testing.T) {
	srv := fetchxtest.Start(t, func(req *fetchxtest.ReceivedRequest) fetchxtest.Response {
		return fetchxtest.Response{Status: 200, Body: []byte("leftover")}
	})
	tr := dialTestTransport(t, srv)

	key := serverKey(t, srv)
	require.NoError(t, http1.WriteRequest(tr.bw, &http1.Request{Method: "GET", Target: "/", Host: key.Host}))
	require.NoError(t, tr.Drain())
	resp, err := http1.ReadResponse(tr.br, "GET", 8<<10, 64<<10)
	require.NoError(t, err)

	// Read only part of the body, leaving bytes in the buffer.
	var one [1]byte
	_, _ = resp.Body.Read(one[:])
	time.Sleep(20 * time.Millisecond)
	assert.False(t, tr.alive(), "dirty read buffer must fail the probe")
}

func TestTransport_CloseIdempotent(t *testing.T) {
	srv := fetchxtest.Start(t, okHandler)
	tr := dialTestTransport(t, srv)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.True(t, tr.isClosed())
	assert.False(t, tr.alive())
}

func TestTransport_WatchCancelPoisons(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := fetchxtest.Start(t, func(req *fetchxtest.ReceivedRequest) fetchxtest.Response {
		<-block
		return fetchxtest.Response{Status: 200}
	})
	tr := dialTestTransport(t, srv)
	key := serverKey(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	stop := tr.watchCancel(ctx)
	defer stop()

	require.NoError(t, http1.WriteRequest(tr.bw, &http1.Request{Method: "GET", Target: "/", Host: key.Host}))
	require.NoError(t, tr.Drain())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := http1.ReadResponse(tr.br, "GET", 8<<10, 64<<10)
	require.Error(t, err)
	assert.ErrorIs(t, tr.ioError(ctx, err), ErrCancelled)
	assert.False(t, tr.alive(), "a poisoned transport must not be pooled")
}

func TestTransport_DialFailure(t *testing.T) {
	loop := sched.NewLoop(1, 1)
	defer loop.Close()

	key := PoolKey{Scheme: "http", Host: "192.0.2.1", Port: 81}
	_, err := dialTransport(context.Background(), key, key.addr(), nil, 100*time.Millisecond, loop)
	assert.ErrorIs(t, err, ErrConnect)
}
