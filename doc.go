// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatchd implements a concurrent HTTP connection dispatcher.
//
// # Server
//
// A [*Dispatcher] accepts connections from a [Listener] and gives each
// connection to a fresh [*Handler] goroutine. Every handler is registered
// in a [*Registry] under a request ID drawn from a monotonic counter owned
// by the shared [*State]. The handler reads one request, optionally sleeps
// as directed by the [SleepHeader], and answers with the current request
// count. A POST whose body is [ExitCommand] sets the [*ShutdownFlag].
//
// Once the flag is set, the dispatcher stops accepting, no further handler
// is registered, and [*Dispatcher.Run] waits until the registry is empty.
// A positive [Config.DrainTimeout] bounds that wait: when it expires, the
// connections of the pending handlers are closed and we wait again.
//
// [ParseEndpoint] parses scheme://host[:port][/path] strings into an
// [Endpoint] or returns an [*EndpointError] wrapping a sentinel error.
//
// # Client
//
// A [*Client] sends requests to a dispatchd server. It builds a dial
// pipeline by chaining [Func] instances with [Compose2] and friends:
//
//   - [ConnectFunc]: dials TCP or UDP endpoints
//   - [ObserveConnFunc]: logs I/O operations
//   - [CancelWatchFunc]: closes the connection when the context is done
//   - [TLSHandshakeFunc]: performs the client TLS handshake
//   - [HTTPConnFunc]: wraps the connection into an [*HTTPConn]
//
// [ResolverFunc] maps host names to addresses using DNS over UDP, TCP, or HTTPS.
//
// # Observability
//
// All components log using [SLogger] (compatible with [log/slog]). By default
// logging is disabled. Span events come in *Start/*Done pairs sharing the
// localAddr, remoteAddr, protocol, and t fields; *Done events additionally
// include t0, err, and errClass. I/O events are emitted at [slog.LevelDebug].
//
// Each accepted connection gets a UUIDv7 span ID from [NewSpanID]. [Metrics]
// optionally exports counters using Prometheus.
package dispatchd
