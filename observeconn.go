//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package dispatchd

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewObserveConnFunc returns a new [*ObserveConnFunc].
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveConnFunc(cfg *Config, logger SLogger) *ObserveConnFunc {
	return &ObserveConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveConnFunc wraps a [net.Conn] to log its I/O at [slog.LevelDebug]
// and its Close at [slog.LevelInfo].
//
// The dispatcher wraps every accepted connection; the client wraps the
// connection it dials.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ObserveConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewObserveConnFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewObserveConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, net.Conn] = &ObserveConnFunc{}

// Call wraps conn. It never fails.
func (op *ObserveConnFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	return op.Wrap(conn), nil
}

// Wrap is like [*ObserveConnFunc.Call] without the context.
func (op *ObserveConnFunc) Wrap(conn net.Conn) net.Conn {
	return &observedConn{
		Conn: conn,
		attrs: []any{
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", safeconn.Network(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		},
		op: op,
	}
}

// observedConn observes a [net.Conn].
type observedConn struct {
	net.Conn
	attrs     []any
	closeonce sync.Once
	op        *ObserveConnFunc
}

func (c *observedConn) event(args ...any) []any {
	return append(append([]any{}, c.attrs...), args...)
}

func (c *observedConn) doneEvent(t0 time.Time, err error, args ...any) []any {
	return c.event(append(args,
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)...)
}

// Close implements [net.Conn].
//
// Subsequent calls return [net.ErrClosed].
func (c *observedConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		t0 := c.op.TimeNow()
		c.op.Logger.Info("closeStart", c.event(slog.Time("t", t0))...)
		err = c.Conn.Close()
		c.op.Logger.Info("closeDone", c.doneEvent(t0, err)...)
	})
	return
}

// Read implements [net.Conn].
func (c *observedConn) Read(buf []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.op.Logger.Debug("readStart", c.event(slog.Int("ioBufferSize", len(buf)), slog.Time("t", t0))...)
	count, err := c.Conn.Read(buf)
	c.op.Logger.Debug("readDone", c.doneEvent(t0, err, slog.Int("ioBytesCount", count))...)
	return count, err
}

// Write implements [net.Conn].
func (c *observedConn) Write(data []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.op.Logger.Debug("writeStart", c.event(slog.Int("ioBufferSize", len(data)), slog.Time("t", t0))...)
	count, err := c.Conn.Write(data)
	c.op.Logger.Debug("writeDone", c.doneEvent(t0, err, slog.Int("ioBytesCount", count))...)
	return count, err
}

// SetDeadline implements [net.Conn].
func (c *observedConn) SetDeadline(t time.Time) error {
	c.op.Logger.Debug("setDeadline", c.event(slog.Time("deadline", t), slog.Time("t", c.op.TimeNow()))...)
	return c.Conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *observedConn) SetReadDeadline(t time.Time) error {
	c.op.Logger.Debug("setReadDeadline", c.event(slog.Time("deadline", t), slog.Time("t", c.op.TimeNow()))...)
	return c.Conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *observedConn) SetWriteDeadline(t time.Time) error {
	c.op.Logger.Debug("setWriteDeadline", c.event(slog.Time("deadline", t), slog.Time("t", c.op.TimeNow()))...)
	return c.Conn.SetWriteDeadline(t)
}
