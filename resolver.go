// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// ErrNoAddresses indicates that the DNS response contained no usable A records.
var ErrNoAddresses = errors.New("no IPv4 addresses in DNS response")

// NewResolverFunc returns a new [*ResolverFunc].
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The protocol argument must be "udp", "tcp", or "https". With "https" we
// use [DefaultDNSOverHTTPSURL] and verify the certificate for the server IP;
// use [NewDNSOverHTTPSResolverFunc] to choose the URL and TLS settings.
//
// The server argument is the DNS server address.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolverFunc(cfg *Config, protocol string, server netip.AddrPort, logger SLogger) *ResolverFunc {
	runtimex.Assert(protocol == "udp" || protocol == "tcp" || protocol == "https")
	if protocol == "https" {
		return NewDNSOverHTTPSResolverFunc(cfg, server, DefaultDNSOverHTTPSURL(server), nil, logger)
	}
	return &ResolverFunc{
		Connect:       NewConnectFunc(cfg, protocol, logger),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Observer:      NewObserveConnFunc(cfg, logger),
		Protocol:      protocol,
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

// DefaultDNSOverHTTPSURL returns the conventional DoH URL for a server IP.
func DefaultDNSOverHTTPSURL(server netip.AddrPort) string {
	return "https://" + server.String() + "/dns-query"
}

// NewDNSOverHTTPSResolverFunc returns a [*ResolverFunc] using DNS over HTTPS.
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The server argument is the address we connect to. We never resolve the
// host in the URL, which only provides the TLS server name and the path.
//
// The rawURL argument is the DoH endpoint (e.g., "https://dns.google/dns-query").
//
// The tlsConfig argument may be nil. When its ServerName is empty we use the
// URL host; when its NextProtos is empty we offer "h2" and "http/1.1".
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverHTTPSResolverFunc(cfg *Config, server netip.AddrPort,
	rawURL string, tlsConfig *tls.Config, logger SLogger) *ResolverFunc {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConfig = tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		if u, err := url.Parse(rawURL); err == nil {
			tlsConfig.ServerName = u.Hostname()
		}
	}
	if len(tlsConfig.NextProtos) <= 0 {
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	}
	return &ResolverFunc{
		Connect:       NewConnectFunc(cfg, "tcp", logger),
		DialHTTPS:     newHTTPDialPipeline(cfg, tlsConfig, logger),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Observer:      NewObserveConnFunc(cfg, logger),
		Protocol:      "https",
		Server:        server,
		TimeNow:       cfg.TimeNow,
		URL:           rawURL,
	}
}

// ResolverFunc maps a host name to IPv4 addresses using a single DNS server.
//
// IP literals are returned as-is and "localhost" maps to 127.0.0.1 without
// querying the server. Otherwise, we dial a fresh connection, exchange an
// A query, and close it.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ResolverFunc struct {
	// Connect dials the DNS server.
	//
	// Set by [NewResolverFunc] using [NewConnectFunc].
	Connect Func[netip.AddrPort, net.Conn]

	// DialHTTPS dials the server and wraps the TLS connection into an
	// [*HTTPConn]. Only used when Protocol is "https".
	//
	// Set by [NewDNSOverHTTPSResolverFunc] using its TLS configuration.
	DialHTTPS Func[netip.AddrPort, *HTTPConn]

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewResolverFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewResolverFunc] to the user-provided logger.
	Logger SLogger

	// Observer wraps the DNS connection for I/O logging.
	//
	// Set by [NewResolverFunc] using [NewObserveConnFunc].
	Observer *ObserveConnFunc

	// Protocol is "udp", "tcp", or "https".
	//
	// Set by [NewResolverFunc] to the user-provided value.
	Protocol string

	// Server is the DNS server address.
	//
	// Set by [NewResolverFunc] to the user-provided value.
	Server netip.AddrPort

	// TimeNow is the function to get the current time.
	//
	// Set by [NewResolverFunc] from [Config.TimeNow].
	TimeNow func() time.Time

	// URL is the DoH endpoint. Only used when Protocol is "https".
	//
	// Set by [NewDNSOverHTTPSResolverFunc] to the user-provided value.
	URL string
}

var _ Func[string, []netip.Addr] = &ResolverFunc{}

// Call resolves the given host name.
func (op *ResolverFunc) Call(ctx context.Context, name string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return []netip.Addr{addr}, nil
	}
	if strings.EqualFold(strings.TrimSuffix(name, "."), "localhost") {
		return []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, 1})}, nil
	}

	resp, err := op.lookup(ctx, dnscodec.NewQuery(name, dns.TypeA))
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	for _, record := range records {
		addr, err := netip.ParseAddr(record)
		if err != nil {
			return nil, fmt.Errorf("invalid A record %q: %w", record, err)
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) <= 0 {
		return nil, ErrNoAddresses
	}
	return addrs, nil
}

// lookup dials the server and performs a single exchange.
func (op *ResolverFunc) lookup(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	if op.Protocol == "https" {
		hc, err := op.DialHTTPS.Call(ctx, op.Server)
		if err != nil {
			return nil, err
		}
		defer hc.Close()
		return op.exchange(ctx, hc.Conn(), func(lc *dnsLogContext) (*dnscodec.Response, error) {
			req, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, op.URL, lc.observeQuery)
			if err != nil {
				return nil, err
			}
			httpResp, err := hc.RoundTrip(req)
			if err != nil {
				return nil, err
			}
			defer httpResp.Body.Close()
			return dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.observeResponse)
		})
	}

	conn, err := op.Connect.Call(ctx, op.Server)
	if err != nil {
		return nil, err
	}
	conn = op.Observer.Wrap(conn)
	defer conn.Close()

	return op.exchange(ctx, conn, func(lc *dnsLogContext) (*dnscodec.Response, error) {
		if op.Protocol == "tcp" {
			txp := dnsoverstream.NewTransport(
				dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{}),
				netip.AddrPortFrom(netip.IPv4Unspecified(), 0),
			)
			txp.ObserveRawQuery = lc.observeQuery
			txp.ObserveRawResponse = lc.observeResponse
			return txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(conn), query)
		}
		txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
		txp.ObserveRawQuery = lc.observeQuery
		txp.ObserveRawResponse = lc.observeResponse
		return txp.ExchangeWithConn(ctx, conn, query)
	})
}

// exchange runs do inside a dnsExchangeStart/dnsExchangeDone span.
func (op *ResolverFunc) exchange(ctx context.Context, conn net.Conn,
	do func(lc *dnsLogContext) (*dnscodec.Response, error)) (*dnscodec.Response, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	lc := &dnsLogContext{
		attrs: []any{
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", safeconn.Network(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.String("serverProtocol", op.Protocol),
		},
		logger:  op.Logger,
		t0:      t0,
		timeNow: op.TimeNow,
	}
	op.Logger.Info("dnsExchangeStart", lc.event(slog.Time("deadline", deadline), slog.Time("t", t0))...)

	resp, err := do(lc)

	op.Logger.Info("dnsExchangeDone", lc.event(
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)...)
	return resp, err
}

// dnsLogContext logs the raw messages of a single DNS exchange.
type dnsLogContext struct {
	attrs    []any
	logger   SLogger
	rawQuery []byte
	t0       time.Time
	timeNow  func() time.Time
}

func (lc *dnsLogContext) event(args ...any) []any {
	return append(append([]any{}, lc.attrs...), args...)
}

func (lc *dnsLogContext) observeQuery(rawQuery []byte) {
	lc.rawQuery = rawQuery
	lc.logger.Info("dnsQuery", lc.event(
		slog.Any("dnsRawQuery", rawQuery),
		slog.Time("t", lc.timeNow()),
	)...)
}

func (lc *dnsLogContext) observeResponse(rawResp []byte) {
	lc.logger.Info("dnsResponse", lc.event(
		slog.Any("dnsRawQuery", lc.rawQuery),
		slog.Any("dnsRawResponse", rawResp),
		slog.Time("t0", lc.t0),
		slog.Time("t", lc.timeNow()),
	)...)
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// The DNS transports above always reuse our connection.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("dispatchd: DNS transport must not dial")
}
