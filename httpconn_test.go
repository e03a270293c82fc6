// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// funcRoundTripper implements http.RoundTripper using a function.
type funcRoundTripper func(*http.Request) (*http.Response, error)

func (f funcRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// newMockHTTPConn returns an [*HTTPConn] using the given transport.
func newMockHTTPConn(txp funcRoundTripper, logger SLogger) *HTTPConn {
	return &HTTPConn{
		conn:          newMinimalConn(),
		closeIdle:     func() {},
		txp:           txp,
		ErrClassifier: DefaultErrClassifier,
		Logger:        logger,
		TimeNow:       time.Now,
	}
}

// Call selects HTTP/1.1 or HTTP/2 based on ALPN.
func TestHTTPConnFuncCall(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// conn is the connection to wrap.
		conn net.Conn

		// wantH2 indicates whether we expect HTTP/2.
		wantH2 bool
	}{
		{
			name:   "plain connection uses HTTP/1.1",
			conn:   newMinimalConn(),
			wantH2: false,
		},

		{
			name:   "TLS connection with h2 ALPN uses HTTP/2",
			conn:   newMockTLSConn(tls.ConnectionState{NegotiatedProtocol: "h2"}, nil),
			wantH2: true,
		},

		{
			name:   "TLS connection with http/1.1 ALPN uses HTTP/1.1",
			conn:   newMockTLSConn(tls.ConnectionState{NegotiatedProtocol: "http/1.1"}, nil),
			wantH2: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc, err := NewHTTPConnFunc(NewConfig(), DefaultSLogger()).Call(context.Background(), tt.conn)
			require.NoError(t, err)
			require.NotNil(t, hc)

			assert.Equal(t, tt.conn, hc.Conn())
			_, isH2 := hc.txp.(*http2.Transport)
			assert.Equal(t, tt.wantH2, isH2)
		})
	}
}

// Close releases the transport and closes the underlying connection.
func TestHTTPConnClose(t *testing.T) {
	mockedErr := errors.New("mocked error")
	idleClosed := false
	mockConn := newMinimalConn()
	mockConn.CloseFunc = func() error {
		return mockedErr
	}

	hc := newMockHTTPConn(nil, DefaultSLogger())
	hc.conn = mockConn
	hc.closeIdle = func() { idleClosed = true }

	require.ErrorIs(t, hc.Close(), mockedErr)
	assert.True(t, idleClosed)
}

// RoundTrip logs the round trip and the body streaming span.
func TestHTTPConnRoundTrip(t *testing.T) {
	logger, sink := newCapturingLogger()
	hc := newMockHTTPConn(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"text/xml"}},
			Body:       io.NopCloser(strings.NewReader("<ProcessCount>1</ProcessCount>")),
		}, nil
	}, logger)

	req, err := http.NewRequest("GET", "http://127.0.0.1:5080/", nil)
	require.NoError(t, err)

	resp, err := hc.RoundTrip(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "<ProcessCount>1</ProcessCount>", string(data))
	assert.Equal(t, []string{
		"httpRoundTripStart",
		"httpRoundTripDone",
		"httpBodyStreamStart",
		"httpBodyStreamDone",
	}, sink.Messages())
}

// A body closed without reading does not emit body events.
func TestHTTPConnRoundTripUnreadBody(t *testing.T) {
	logger, sink := newCapturingLogger()
	hc := newMockHTTPConn(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}, logger)

	req, err := http.NewRequest("GET", "http://127.0.0.1:5080/", nil)
	require.NoError(t, err)

	resp, err := hc.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, []string{"httpRoundTripStart", "httpRoundTripDone"}, sink.Messages())
}

// RoundTrip propagates errors from the underlying transport.
func TestHTTPConnRoundTripError(t *testing.T) {
	mockedErr := errors.New("mocked error")
	logger, sink := newCapturingLogger()
	hc := newMockHTTPConn(func(req *http.Request) (*http.Response, error) {
		return nil, mockedErr
	}, logger)

	req, err := http.NewRequest("POST", "http://127.0.0.1:5080/", strings.NewReader(ExitCommand))
	require.NoError(t, err)

	resp, err := hc.RoundTrip(req)
	require.ErrorIs(t, err, mockedErr)
	assert.Nil(t, resp)

	record, found := sink.Find("httpRoundTripDone")
	require.True(t, found)
	value, found := recordAttr(record, "httpResponseStatusCode")
	require.True(t, found)
	assert.Equal(t, int64(0), value.Int64())
}

// An HTTP/1.1 round trip works over a real connection.
func TestHTTPConnOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		codec := StdlibCodec{}
		req, err := codec.ReadRequest(server)
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		body := "<ProcessCount>7</ProcessCount>"
		codec.WriteResponse(server, &http.Response{
			StatusCode:    200,
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        http.Header{"Content-Type": []string{"text/xml"}},
			ContentLength: int64(len(body)),
			Body:          io.NopCloser(strings.NewReader(body)),
			Close:         true,
		})
	}()

	hc, err := NewHTTPConnFunc(NewConfig(), DefaultSLogger()).Call(context.Background(), client)
	require.NoError(t, err)
	defer hc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", "http://127.0.0.1:5080/", nil)
	require.NoError(t, err)

	resp, err := hc.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<ProcessCount>7</ProcessCount>", string(data))
}

var _ TLSConn = &tlsstub.FuncTLSConn{}
