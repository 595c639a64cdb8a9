// Package fetchx is an asynchronous HTTP/1.1 client built around an
// explicit connection pool and a cooperative scheduler.
//
// Highlights
//   - Session: default headers, RFC 6265 cookie jar, redirect
//     following with per-hop history, request throttling, per-request
//     deadlines and cancellation.
//   - Connector: bounded pooling keyed by (scheme, host, port) with
//     global and per-host limits, FIFO acquisition under contention,
//     liveness probing before reuse, and idle reaping.
//   - Resolver: DNS results cached with a TTL, concurrent lookups for
//     the same host coalesced into one query.
//   - Transport: one socket per transport, TLS (SNI/ALPN), buffered
//     I/O, cancellation via deadline poisoning.
//   - Observability: plug-in Logger, Metrics, and OpenTelemetry traces.
//
// Quick start:
//
//	s, err := fetchx.NewSession(fetchx.SessionConfig{})
//	if err != nil { log.Fatal(err) }
//	defer s.Close()
//	res, err := s.Get(ctx, "http://example.org/")
//	if err != nil { log.Fatal(err) }
//	defer res.Body.Close()
//	b, _ := io.ReadAll(res.Body)
//	fmt.Println(res.StatusCode, len(b))
package fetchx
