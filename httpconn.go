//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/httpslog/httpslog.go
//

package dispatchd

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"golang.org/x/net/http2"
)

// HTTPConn is an HTTP transport bound to a single connection.
//
// The caller is responsible for calling [*HTTPConn.Close] when done.
//
// Construct using [NewHTTPConnFunc].
type HTTPConn struct {
	conn      net.Conn
	closeIdle func()
	txp       http.RoundTripper

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

var _ http.RoundTripper = &HTTPConn{}

// RoundTrip implements [http.RoundTripper].
//
// The response body logs httpBodyStreamStart on first read and
// httpBodyStreamDone on close.
func (hc *HTTPConn) RoundTrip(req *http.Request) (*http.Response, error) {
	t0 := hc.TimeNow()
	deadline, _ := req.Context().Deadline()
	hc.Logger.Info(
		"httpRoundTripStart",
		slog.Time("deadline", deadline),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpRequestHeaders", req.Header),
		slog.String("localAddr", safeconn.LocalAddr(hc.conn)),
		slog.String("protocol", safeconn.Network(hc.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(hc.conn)),
		slog.Time("t", t0),
	)

	resp, err := hc.txp.RoundTrip(req)

	var (
		status  int
		headers http.Header
	)
	if resp != nil {
		status = resp.StatusCode
		headers = resp.Header
	}
	hc.Logger.Info(
		"httpRoundTripDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", hc.ErrClassifier.Classify(err)),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpResponseHeaders", headers),
		slog.Int("httpResponseStatusCode", status),
		slog.String("localAddr", safeconn.LocalAddr(hc.conn)),
		slog.String("protocol", safeconn.Network(hc.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(hc.conn)),
		slog.Time("t0", t0),
		slog.Time("t", hc.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	resp.Body = &observedBody{ReadCloser: resp.Body, hc: hc}
	return resp, nil
}

// Close closes idle transport state and the underlying connection.
func (hc *HTTPConn) Close() error {
	hc.closeIdle()
	return hc.conn.Close()
}

// Conn returns the underlying [net.Conn].
func (hc *HTTPConn) Conn() net.Conn {
	return hc.conn
}

// observedBody logs the body streaming span.
type observedBody struct {
	io.ReadCloser
	closeOnce sync.Once
	hc        *HTTPConn
	mu        sync.Mutex
	t0        time.Time
}

func (b *observedBody) Read(buf []byte) (int, error) {
	b.mu.Lock()
	if b.t0.IsZero() {
		b.t0 = b.hc.TimeNow()
		b.hc.Logger.Info(
			"httpBodyStreamStart",
			slog.String("localAddr", safeconn.LocalAddr(b.hc.conn)),
			slog.String("protocol", safeconn.Network(b.hc.conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(b.hc.conn)),
			slog.Time("t", b.t0),
		)
	}
	b.mu.Unlock()
	return b.ReadCloser.Read(buf)
}

func (b *observedBody) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.ReadCloser.Close()
		b.mu.Lock()
		t0 := b.t0
		b.mu.Unlock()
		if t0.IsZero() {
			return
		}
		b.hc.Logger.Info(
			"httpBodyStreamDone",
			slog.Any("err", err),
			slog.String("errClass", b.hc.ErrClassifier.Classify(err)),
			slog.String("localAddr", safeconn.LocalAddr(b.hc.conn)),
			slog.String("protocol", safeconn.Network(b.hc.conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(b.hc.conn)),
			slog.Time("t0", t0),
			slog.Time("t", b.hc.TimeNow()),
		)
	})
	return
}

// NewHTTPConnFunc returns a new [*HTTPConnFunc].
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewHTTPConnFunc(cfg *Config, logger SLogger) *HTTPConnFunc {
	return &HTTPConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// HTTPConnFunc wraps a plaintext or TLS connection into an [*HTTPConn].
//
// A TLS connection that negotiated "h2" uses [http2.Transport]; any other
// connection uses an HTTP/1.1 [http.Transport] with keep-alives disabled.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type HTTPConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewHTTPConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewHTTPConnFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewHTTPConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, *HTTPConn] = &HTTPConnFunc{}

// Call implements [Func]. It never fails.
func (op *HTTPConnFunc) Call(ctx context.Context, conn net.Conn) (*HTTPConn, error) {
	var alpn string
	if cs, ok := conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		alpn = cs.ConnectionState().NegotiatedProtocol
	}

	dialer := sud.NewSingleUseDialer(conn)
	hc := &HTTPConn{
		conn:          conn,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}
	switch alpn {
	case "h2":
		txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		hc.txp, hc.closeIdle = txp, txp.CloseIdleConnections
	default:
		txp := &http.Transport{
			DialContext:       dialer.DialContext,
			DialTLSContext:    dialer.DialContext,
			DisableKeepAlives: true,
		}
		hc.txp, hc.closeIdle = txp, txp.CloseIdleConnections
	}
	return hc, nil
}
