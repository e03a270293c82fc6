// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bassosimone/dispatchd/sockerr"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"golang.org/x/time/rate"
)

// Listener is the transport collaborator used by the [*Dispatcher].
type Listener interface {
	// Listen binds the listening socket.
	Listen(ctx context.Context) error

	// Serve accepts connections and passes them to onConn, polling
	// shouldExit between accepts. It returns nil when shouldExit
	// returns true or the listener is closed, and the accept error
	// otherwise.
	Serve(ctx context.Context, onConn func(net.Conn), shouldExit func() bool) error

	// Addr returns the bound address or nil before Listen.
	Addr() net.Addr

	// Close closes the listening socket, unblocking Serve.
	Close() error
}

// StartupError is returned when the server cannot start listening.
type StartupError struct {
	// Address is the address we tried to bind.
	Address string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *StartupError) Error() string {
	msg := fmt.Sprintf("cannot listen at %s: %s", e.Address, e.Err.Error())
	if hint := sockerr.Explain(e.Err); hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error {
	return e.Err
}

// acceptRetryDelay is how long we back off after a transient accept error.
const acceptRetryDelay = 5 * time.Millisecond

// NewTCPListener returns a new [*TCPListener] bound to all interfaces.
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The scheme argument selects plaintext or TLS.
//
// The port argument is the port to bind; zero lets the kernel pick one.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTCPListener(cfg *Config, scheme Scheme, port uint16, logger SLogger) *TCPListener {
	return &TCPListener{
		AcceptLimiter: cfg.AcceptLimiter,
		Address:       net.JoinHostPort("", strconv.Itoa(int(port))),
		ErrClassifier: cfg.ErrClassifier,
		Listener:      cfg.Listener,
		Logger:        logger,
		Scheme:        scheme,
		TimeNow:       cfg.TimeNow,
		TLSCertFile:   cfg.TLSCertFile,
		TLSKeyFile:    cfg.TLSKeyFile,
	}
}

// TCPListener implements [Listener] using TCP and, for [SchemeHTTPS], TLS.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with method calls.
type TCPListener struct {
	// AcceptLimiter optionally throttles accepts.
	//
	// Set by [NewTCPListener] from [Config.AcceptLimiter].
	AcceptLimiter *rate.Limiter

	// Address is the address to bind.
	//
	// Set by [NewTCPListener] using the user-provided port.
	Address string

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTCPListener] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Listener binds the socket.
	//
	// Set by [NewTCPListener] from [Config.Listener].
	Listener SocketListener

	// Logger is the [SLogger] to use.
	//
	// Set by [NewTCPListener] to the user-provided logger.
	Logger SLogger

	// Scheme selects plaintext or TLS.
	//
	// Set by [NewTCPListener] to the user-provided scheme.
	Scheme Scheme

	// TimeNow is the function to get the current time.
	//
	// Set by [NewTCPListener] from [Config.TimeNow].
	TimeNow func() time.Time

	// TLSCertFile and TLSKeyFile are used with [SchemeHTTPS].
	//
	// Set by [NewTCPListener] from [Config.TLSCertFile] and [Config.TLSKeyFile].
	TLSCertFile, TLSKeyFile string

	mu sync.Mutex
	ln net.Listener
}

var _ Listener = &TCPListener{}

// Listen implements [Listener]. The error is a [*StartupError].
func (l *TCPListener) Listen(ctx context.Context) error {
	t0 := l.TimeNow()
	l.Logger.Info(
		"listenStart",
		slog.String("localAddr", l.Address),
		slog.String("protocol", "tcp"),
		slog.String("scheme", l.Scheme.String()),
		slog.Time("t", t0),
	)
	ln, err := l.listen(ctx)
	l.Logger.Info(
		"listenDone",
		slog.Any("err", err),
		slog.String("errClass", l.ErrClassifier.Classify(err)),
		slog.String("localAddr", listenerAddr(ln)),
		slog.String("protocol", "tcp"),
		slog.String("scheme", l.Scheme.String()),
		slog.Time("t0", t0),
		slog.Time("t", l.TimeNow()),
	)
	if err != nil {
		return &StartupError{Address: l.Address, Err: err}
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

func (l *TCPListener) listen(ctx context.Context) (net.Listener, error) {
	var tlsConfig *tls.Config
	if l.Scheme == SchemeHTTPS {
		cert, err := tls.LoadX509KeyPair(l.TLSCertFile, l.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		}
	}
	ln, err := l.Listener.Listen(ctx, "tcp", l.Address)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

func listenerAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Addr implements [Listener].
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close implements [Listener].
func (l *TCPListener) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Serve implements [Listener].
func (l *TCPListener) Serve(ctx context.Context, onConn func(net.Conn), shouldExit func() bool) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	runtimex.Assert(ln != nil)

	for !shouldExit() {
		if l.AcceptLimiter != nil {
			if err := l.AcceptLimiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		l.logAcceptDone(conn, err)
		switch {
		case err == nil:
			onConn(conn)
		case shouldExit() || errors.Is(err, net.ErrClosed):
			return nil
		case sockerr.IsTemporary(err):
			time.Sleep(acceptRetryDelay)
		default:
			return err
		}
	}
	return nil
}

func (l *TCPListener) logAcceptDone(conn net.Conn, err error) {
	l.Logger.Info(
		"acceptDone",
		slog.Any("err", err),
		slog.String("errClass", l.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", l.TimeNow()),
	)
}
