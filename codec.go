// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"bufio"
	"net"
	"net/http"
)

// MessageCodec reads HTTP requests from and writes HTTP responses to a connection.
//
// The dispatcher does not parse or serialize HTTP messages itself: it
// delegates to a MessageCodec, which is [StdlibCodec] by default.
type MessageCodec interface {
	// ReadRequest reads exactly one request. The caller reads the body.
	ReadRequest(conn net.Conn) (*http.Request, error)

	// WriteResponse serializes resp to conn.
	WriteResponse(conn net.Conn, resp *http.Response) error
}

// StdlibCodec implements [MessageCodec] using [http.ReadRequest] and
// [*http.Response.Write].
//
// The zero value is ready to use.
type StdlibCodec struct{}

var _ MessageCodec = StdlibCodec{}

// ReadRequest implements [MessageCodec].
func (StdlibCodec) ReadRequest(conn net.Conn) (*http.Request, error) {
	return http.ReadRequest(bufio.NewReader(conn))
}

// WriteResponse implements [MessageCodec].
func (StdlibCodec) WriteResponse(conn net.Conn, resp *http.Response) error {
	bw := bufio.NewWriter(conn)
	if err := resp.Write(bw); err != nil {
		return err
	}
	return bw.Flush()
}
