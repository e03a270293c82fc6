// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// SocketListener abstracts the [*net.ListenConfig] behavior.
//
// By making [*TCPListener] depend on an abstract implementation we
// allow for unit testing and for using alternative listeners.
type SocketListener interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}

// Config holds common configuration for dispatchd operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// AcceptLimiter optionally throttles the accept loop.
	//
	// Set by [NewConfig] to nil (no throttling).
	AcceptLimiter *rate.Limiter

	// After returns a channel that fires after the given duration.
	//
	// Set by [NewConfig] to [time.After].
	After func(d time.Duration) <-chan time.Time

	// Codec reads requests and writes responses.
	//
	// Set by [NewConfig] to [StdlibCodec].
	Codec MessageCodec

	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// DrainTimeout bounds the wait for in-flight handlers before their
	// connections are forcibly closed. Zero means wait forever.
	//
	// Set by [NewConfig] to zero.
	DrainTimeout time.Duration

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Listener binds the server socket.
	//
	// Set by [NewConfig] to [*net.ListenConfig].
	Listener SocketListener

	// MaxSleep clamps the sleep requested through [SleepHeader].
	//
	// Set by [NewConfig] to 60 seconds.
	MaxSleep time.Duration

	// Metrics collects the dispatcher metrics. May be nil.
	//
	// Set by [NewConfig] to nil.
	Metrics *Metrics

	// ServerIdentity is the value of the X-Server response header.
	//
	// Set by [NewConfig] to [DefaultServerIdentity].
	ServerIdentity string

	// SleepSlice is the granularity at which a sleeping handler checks
	// whether shutdown has started.
	//
	// Set by [NewConfig] to 100 milliseconds.
	SleepSlice time.Duration

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// TLSCertFile and TLSKeyFile are the PEM files used by an HTTPS listener.
	//
	// Set by [NewConfig] to empty strings.
	TLSCertFile, TLSKeyFile string
}

// DefaultServerIdentity is the default X-Server response header value.
const DefaultServerIdentity = "dispatchd"

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		AcceptLimiter:  nil,
		After:          time.After,
		Codec:          StdlibCodec{},
		Dialer:         &net.Dialer{},
		DrainTimeout:   0,
		ErrClassifier:  DefaultErrClassifier,
		Listener:       &net.ListenConfig{},
		MaxSleep:       60 * time.Second,
		Metrics:        nil,
		ServerIdentity: DefaultServerIdentity,
		SleepSlice:     100 * time.Millisecond,
		TimeNow:        time.Now,
	}
}
