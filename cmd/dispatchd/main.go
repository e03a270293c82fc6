// SPDX-License-Identifier: GPL-3.0-or-later

// Command dispatchd accepts HTTP or HTTPS connections and serves one
// request per connection, echoing the request ID in the response body.
//
// Usage:
//
//	dispatchd [--type=http|https] [--port=<port_number>]
//
// The default port is 5080 for http and 5443 for https. The server
// stops accepting connections on SIGINT, SIGQUIT, SIGTERM, the exit
// console command, or a POST whose body is "exit", and returns once the
// in-flight requests are done. Further settings come from DISPATCHD_*
// environment variables (see environment).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bassosimone/dispatchd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run runs the server and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args)
	switch {
	case errors.Is(err, errHelp):
		fmt.Fprint(stdout, usage)
		return 0
	case err != nil:
		fmt.Fprintf(stderr, "dispatchd: %s\n%s", err, usage)
		return 1
	}

	env, err := loadEnvironment()
	if err != nil {
		fmt.Fprintf(stderr, "dispatchd: %s\n", err)
		return 1
	}
	logger, err := env.newLogger(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "dispatchd: %s\n", err)
		return 1
	}

	registry := prometheus.NewRegistry()
	cfg := dispatchd.NewConfig()
	cfg.AcceptLimiter = env.newAcceptLimiter()
	cfg.DrainTimeout = env.DrainTimeout
	cfg.MaxSleep = env.MaxSleep
	cfg.Metrics = dispatchd.NewMetrics(registry)
	cfg.TLSCertFile, cfg.TLSKeyFile = env.TLSCert, env.TLSKey

	var metricsServer *http.Server
	var metricsListener net.Listener
	if env.MetricsAddr != "" {
		metricsListener, err = net.Listen("tcp", env.MetricsAddr)
		if err != nil {
			fmt.Fprintf(stderr, "dispatchd: metrics: %s\n", err)
			return 1
		}
		metricsServer = &http.Server{
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	state := dispatchd.NewState(opts.Scheme, opts.Port)
	listener := &announcingListener{
		Listener: dispatchd.NewTCPListener(cfg, opts.Scheme, opts.Port, logger),
		announce: func() {
			fmt.Fprintln(stdout, banner(opts.Scheme, opts.Port))
		},
	}
	dispatcher := dispatchd.NewDispatcher(cfg, state, listener, logger)

	if env.Console {
		go (&console{in: stdin, out: stdout, target: dispatcher}).run()
	}

	group, gctx := errgroup.WithContext(ctx)
	if metricsServer != nil {
		group.Go(func() error {
			if err := metricsServer.Serve(metricsListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		if metricsServer != nil {
			defer metricsServer.Close()
		}
		return dispatcher.Run(gctx)
	})

	if err := group.Wait(); err != nil {
		fmt.Fprintf(stderr, "dispatchd: %s\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Total Processed: %d\n", dispatcher.Status().TotalProcessed)
	return 0
}

// announcingListener prints the banner once the socket is bound.
type announcingListener struct {
	dispatchd.Listener
	announce func()
}

// Listen implements [dispatchd.Listener].
func (l *announcingListener) Listen(ctx context.Context) error {
	if err := l.Listener.Listen(ctx); err != nil {
		return err
	}
	l.announce()
	return nil
}
