// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"net"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for the connection to be closed when the
// context is done, so that blocking I/O on it fails immediately.
//
// The dispatcher binds every accepted connection to a context that is
// cancelled when [Config.DrainTimeout] expires. The client binds the
// connection it dials to the caller's context.
//
// Closing the returned connection unregisters the watcher and closes the
// underlying connection, so no goroutine outlives the connection.
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers the watcher using [context.AfterFunc].
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
