//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package dispatchd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*net.Dialer] behavior.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectError is returned by [*ConnectFunc] when dialing fails.
//
// The client tries several addresses and joins the failures, so each
// error names the address it refers to.
type ConnectError struct {
	// Address is the address we tried to reach.
	Address netip.AddrPort

	// Network is "tcp" or "udp".
	Network string

	// Err is the dialer error.
	Err error
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s/%s: %s", e.Address, e.Network, e.Err.Error())
}

// Unwrap returns the dialer error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NewConnectFunc returns a new [*ConnectFunc].
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The network argument must be either "tcp" or "udp".
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, network string, logger SLogger) *ConnectFunc {
	runtimex.Assert(network == "tcp" || network == "udp")
	return &ConnectFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Network:       network,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc dials a [netip.AddrPort]. The client uses "tcp" to reach
// the server; the resolver uses "udp" or "tcp" to reach the DNS server.
//
// On failure, the error is a [*ConnectError] and the conn is nil.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// Network is either "tcp" or "udp".
	//
	// Set by [NewConnectFunc] to the user-provided value.
	Network string

	// TimeNow is the function to get the current time.
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[netip.AddrPort, net.Conn] = &ConnectFunc{}

// Call dials the given address.
func (op *ConnectFunc) Call(ctx context.Context, address netip.AddrPort) (net.Conn, error) {
	deadline, _ := ctx.Deadline()
	attrs := []any{
		slog.Time("deadline", deadline),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", address.String()),
	}

	t0 := op.TimeNow()
	op.Logger.Info("connectStart", append(attrs, slog.Time("t", t0))...)

	conn, err := op.Dialer.DialContext(ctx, op.Network, address.String())
	if err != nil {
		conn, err = nil, &ConnectError{Address: address, Network: op.Network, Err: err}
	}

	op.Logger.Info("connectDone", append(attrs,
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)...)
	return conn, err
}
