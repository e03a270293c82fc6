// SPDX-License-Identifier: GPL-3.0-or-later

// Command dispatchctl sends a single request to a dispatchd server and
// prints the response body.
//
// Usage:
//
//	dispatchctl [flags] <URL>
//
// Use -sleep to ask the server to delay its response and -exit to ask
// it to stop accepting connections. IP literals and localhost are used
// directly; other host names are resolved by sending an A query to the
// -dns-server over udp, tcp, or https (DNS over HTTPS at -dns-url).
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/bassosimone/dispatchd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run runs the client and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("dispatchctl", flag.ContinueOnError)
	fset.SetOutput(stderr)
	dnsProtocol := fset.String("dns-protocol", "udp", "protocol to reach the DNS server: udp, tcp, or https")
	dnsServer := fset.String("dns-server", "", "DNS server address and port (default 8.8.8.8:53, or 8.8.8.8:443 for https)")
	dnsURL := fset.String("dns-url", "", "DNS over HTTPS URL (default https://<dns-server>/dns-query)")
	exit := fset.Bool("exit", false, "ask the server to shut down")
	insecure := fset.Bool("insecure", false, "skip TLS certificate verification")
	sleep := fset.Duration("sleep", 0, "ask the server to sleep before responding")
	timeout := fset.Duration("timeout", 90*time.Second, "overall timeout")
	verbose := fset.Bool("v", false, "log network events to stderr")
	fset.Usage = func() {
		fmt.Fprintf(stderr, "usage: dispatchctl [flags] <URL>\n")
		fset.PrintDefaults()
	}
	if err := fset.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fset.NArg() != 1 {
		fset.Usage()
		return 2
	}

	endpoint, err := dispatchd.ParseEndpoint(fset.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "dispatchctl: %s\n", err)
		return 1
	}
	if *dnsProtocol != "udp" && *dnsProtocol != "tcp" && *dnsProtocol != "https" {
		fmt.Fprintf(stderr, "dispatchctl: -dns-protocol must be udp|tcp|https\n")
		return 2
	}
	if *dnsServer == "" {
		*dnsServer = "8.8.8.8:53"
		if *dnsProtocol == "https" {
			*dnsServer = "8.8.8.8:443"
		}
	}
	server, err := netip.ParseAddrPort(*dnsServer)
	if err != nil {
		fmt.Fprintf(stderr, "dispatchctl: -dns-server: %s\n", err)
		return 2
	}
	if *dnsURL == "" {
		*dnsURL = dispatchd.DefaultDNSOverHTTPSURL(server)
	}
	if u, err := url.Parse(*dnsURL); err != nil || u.Scheme != "https" || u.Host == "" {
		fmt.Fprintf(stderr, "dispatchctl: -dns-url must be an https:// URL\n")
		return 2
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg := dispatchd.NewConfig()
	resolver := dispatchd.NewResolverFunc(cfg, *dnsProtocol, server, logger)
	if *dnsProtocol == "https" {
		resolver = dispatchd.NewDNSOverHTTPSResolverFunc(cfg, server, *dnsURL, nil, logger)
	}
	client := dispatchd.NewClient(cfg, resolver, &tls.Config{InsecureSkipVerify: *insecure}, logger)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	resp, err := client.Do(ctx, endpoint, dispatchd.ClientRequest{Exit: *exit, Sleep: *sleep})
	switch {
	case *exit && errors.Is(err, dispatchd.ErrNoResponse):
		fmt.Fprintf(stdout, "%s is shutting down\n", endpoint)
		return 0
	case err != nil:
		fmt.Fprintf(stderr, "dispatchctl: %s\n", err)
		return 1
	}
	if resp.StatusCode != 200 {
		fmt.Fprintf(stderr, "dispatchctl: unexpected status %d\n", resp.StatusCode)
	}
	fmt.Fprintf(stdout, "%s\n", resp.Body)
	return 0
}
