// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ErrNoResponse indicates that the server closed the connection without
// responding, which is the expected reaction to [ExitCommand].
var ErrNoResponse = errors.New("server closed the connection without responding")

// ClientRequest describes what to ask the server.
type ClientRequest struct {
	// Exit sends the exit command instead of a plain request.
	Exit bool

	// Sleep, when positive, asks the server to sleep before responding.
	// The server truncates it to whole seconds.
	Sleep time.Duration
}

// ClientResponse is the outcome of a [*Client.Do] call.
type ClientResponse struct {
	// Body is the response body.
	Body []byte

	// Header contains the response headers.
	Header http.Header

	// StatusCode is the HTTP status code.
	StatusCode int
}

// NewClient returns a new [*Client].
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The resolver argument maps host names to addresses; see [NewResolverFunc].
//
// The tlsConfig argument is used for [SchemeHTTPS] endpoints and may be nil,
// in which case we verify the server name using the system roots.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewClient(cfg *Config, resolver Func[string, []netip.Addr], tlsConfig *tls.Config, logger SLogger) *Client {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	return &Client{
		Config:    cfg,
		Logger:    logger,
		Resolver:  resolver,
		TLSConfig: tlsConfig,
	}
}

// Client talks to a dispatchd server using one connection per request.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Do].
type Client struct {
	// Config is the common configuration.
	//
	// Set by [NewClient] to the user-provided config.
	Config *Config

	// Logger is the [SLogger] to use.
	//
	// Set by [NewClient] to the user-provided logger.
	Logger SLogger

	// Resolver maps host names to addresses.
	//
	// Set by [NewClient] to the user-provided resolver.
	Resolver Func[string, []netip.Addr]

	// TLSConfig is cloned for each HTTPS connection.
	//
	// Set by [NewClient] to the user-provided config or an empty one.
	TLSConfig *tls.Config
}

// Do sends a single request to the given endpoint and reads the whole response.
//
// We try the resolved addresses in order and use the first one we can
// connect to. The connection is closed when ctx is done. For exit requests,
// a failed round trip wraps [ErrNoResponse].
func (c *Client) Do(ctx context.Context, ep Endpoint, creq ClientRequest) (*ClientResponse, error) {
	addrs, err := c.Resolver.Call(ctx, ep.Host)
	if err != nil {
		return nil, err
	}

	dialer := c.newDialPipeline(ep)
	var errv []error
	for _, addr := range addrs {
		hc, err := dialer.Call(ctx, netip.AddrPortFrom(addr, ep.EffectivePort()))
		if err != nil {
			errv = append(errv, err)
			continue
		}
		defer hc.Close()
		return c.roundTrip(ctx, hc, ep, creq)
	}
	return nil, errors.Join(errv...)
}

func (c *Client) newDialPipeline(ep Endpoint) Func[netip.AddrPort, *HTTPConn] {
	if ep.Scheme != SchemeHTTPS {
		return newHTTPDialPipeline(c.Config, nil, c.Logger)
	}
	tlsConfig := c.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = ep.Host
	}
	if len(tlsConfig.NextProtos) <= 0 {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}
	return newHTTPDialPipeline(c.Config, tlsConfig, c.Logger)
}

// newHTTPDialPipeline returns the pipeline that dials an address and
// wraps the connection into an [*HTTPConn]. A nil tlsConfig means
// plaintext. The connection is closed when the caller's context is done.
func newHTTPDialPipeline(cfg *Config, tlsConfig *tls.Config, logger SLogger) Func[netip.AddrPort, *HTTPConn] {
	var (
		connect  Func[netip.AddrPort, net.Conn] = NewConnectFunc(cfg, "tcp", logger)
		observe  Func[net.Conn, net.Conn]       = NewObserveConnFunc(cfg, logger)
		watch    Func[net.Conn, net.Conn]       = NewCancelWatchFunc()
		httpConn Func[net.Conn, *HTTPConn]      = NewHTTPConnFunc(cfg, logger)
	)
	if tlsConfig == nil {
		return Compose4(connect, observe, watch, httpConn)
	}

	handshake := NewTLSHandshakeFunc(cfg, tlsConfig, logger)
	secure := FuncAdapter[net.Conn, net.Conn](func(ctx context.Context, conn net.Conn) (net.Conn, error) {
		tconn, err := handshake.Call(ctx, conn)
		if err != nil {
			return nil, err
		}
		return tconn, nil
	})
	return Compose2(Compose3(connect, observe, watch), Compose2[net.Conn, net.Conn, *HTTPConn](secure, httpConn))
}

func (c *Client) roundTrip(ctx context.Context,
	hc *HTTPConn, ep Endpoint, creq ClientRequest) (*ClientResponse, error) {
	method, body := http.MethodGet, io.Reader(http.NoBody)
	if creq.Exit {
		method, body = http.MethodPost, strings.NewReader(ExitCommand)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.String(), body)
	if err != nil {
		return nil, err
	}
	if creq.Sleep > 0 {
		req.Header.Set(SleepHeader, strconv.FormatInt(int64(creq.Sleep/time.Second), 10))
	}

	resp, err := hc.RoundTrip(req)
	if err != nil && creq.Exit {
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.Logger.Info(
		"clientResponse",
		slog.Int("bodyLength", len(data)),
		slog.String("endpoint", ep.String()),
		slog.Int("httpResponseStatusCode", resp.StatusCode),
		slog.Time("t", c.Config.TimeNow()),
	)
	return &ClientResponse{Body: data, Header: resp.Header, StatusCode: resp.StatusCode}, nil
}
