// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListener is a [Listener] fed through a channel.
type fakeListener struct {
	closeOnce sync.Once
	closed    chan struct{}
	conns     chan net.Conn
	listenErr error
	serveErr  error
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		closed: make(chan struct{}),
		conns:  make(chan net.Conn),
	}
}

var _ Listener = &fakeListener{}

func (l *fakeListener) Listen(ctx context.Context) error {
	return l.listenErr
}

func (l *fakeListener) Serve(ctx context.Context, onConn func(net.Conn), shouldExit func() bool) error {
	if l.serveErr != nil {
		return l.serveErr
	}
	for !shouldExit() {
		select {
		case conn := <-l.conns:
			onConn(conn)
		case <-l.closed:
			return nil
		}
	}
	return nil
}

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5080}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// dial hands a new connection to the dispatcher and returns the client end.
func (l *fakeListener) dial(t *testing.T) net.Conn {
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	select {
	case l.conns <- server:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not accept")
	}
	return client
}

// dispatcherFixture runs a [*Dispatcher] over a [*fakeListener].
type dispatcherFixture struct {
	cancel     context.CancelFunc
	dispatcher *Dispatcher
	listener   *fakeListener
	metrics    *Metrics
	result     chan error
	sink       *recordSink
	state      *State
}

func newDispatcherFixture(t *testing.T, drainTimeout time.Duration) *dispatcherFixture {
	logger, sink := newCapturingLogger()
	cfg := NewConfig()
	cfg.DrainTimeout = drainTimeout
	cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	state := NewState(SchemeHTTP, 0)
	listener := newFakeListener()
	return &dispatcherFixture{
		dispatcher: NewDispatcher(cfg, state, listener, logger),
		listener:   listener,
		metrics:    cfg.Metrics,
		result:     make(chan error, 1),
		sink:       sink,
		state:      state,
	}
}

func (f *dispatcherFixture) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		f.result <- f.dispatcher.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return f.dispatcher.Phase() == PhaseRunning
	}, 5*time.Second, time.Millisecond)
}

func (f *dispatcherFixture) wait(t *testing.T) error {
	select {
	case err := <-f.result:
		assert.Equal(t, PhaseStopped, f.dispatcher.Phase())
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// roundTrip sends a GET and returns the ProcessCount in the response.
func roundTrip(conn net.Conn) (uint64, error) {
	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: h\r\n\r\n"); err != nil {
		return 0, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	value := strings.TrimSuffix(strings.TrimPrefix(string(body), "<ProcessCount>"), "</ProcessCount>")
	return strconv.ParseUint(value, 10, 64)
}

// Concurrently served connections get unique, gapless, increasing IDs.
func TestDispatcherRequestIDs(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	f.start(t)

	const count = 32
	var (
		clients []net.Conn
		ids     []uint64
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	for range count {
		clients = append(clients, f.listener.dial(t))
	}
	for _, conn := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := roundTrip(conn)
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	slices.Sort(ids)
	for idx, id := range ids {
		assert.Equal(t, uint64(idx+1), id)
	}

	f.dispatcher.Shutdown()
	require.NoError(t, f.wait(t))
	assert.True(t, f.state.Registry.Empty())
	assert.Equal(t, uint64(count), f.dispatcher.Status().TotalProcessed)
	assert.Equal(t, float64(count), testutil.ToFloat64(f.metrics.Accepted))
	assert.Equal(t, float64(count), testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues(OutcomeResponded)))
}

// The exit command stops the dispatcher.
func TestDispatcherExitCommand(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	f.start(t)

	conn := f.listener.dial(t)
	_, err := io.WriteString(conn, "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nexit")
	require.NoError(t, err)

	require.NoError(t, f.wait(t))
	assert.True(t, f.state.Shutdown.IsSet())
	assert.True(t, f.state.Registry.Empty())
	assert.Contains(t, f.sink.Messages(), "drainDone")
}

// Cancelling the context passed to Run starts the shutdown.
func TestDispatcherContextCancel(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	f.start(t)

	f.cancel()

	require.NoError(t, f.wait(t))
	assert.True(t, f.state.Shutdown.IsSet())
}

// No connection is registered once shutdown has started.
func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	f.dispatcher.Shutdown()

	server, client := net.Pipe()
	defer client.Close()
	f.dispatcher.onConnection(server)

	assert.True(t, f.state.Registry.Empty())
	assert.Equal(t, uint64(0), f.state.TotalProcessed())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Rejected))
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

// Without a drain timeout, Run waits for every in-flight handler.
func TestDispatcherDrainWaitsForHandlers(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	f.start(t)

	// the handler blocks reading a request we never send
	conn := f.listener.dial(t)
	require.Eventually(t, func() bool {
		return f.state.Registry.Len() == 1
	}, 5*time.Second, time.Millisecond)

	f.dispatcher.Shutdown()
	require.Eventually(t, func() bool {
		return f.dispatcher.Phase() == PhaseDraining
	}, 5*time.Second, time.Millisecond)
	select {
	case <-f.result:
		t.Fatal("Run returned with a handler in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, f.dispatcher.Status().InFlight)

	conn.Close()
	require.NoError(t, f.wait(t))
	assert.True(t, f.state.Registry.Empty())
}

// With a drain timeout, stuck connections are closed and Run returns.
func TestDispatcherDrainTimeout(t *testing.T) {
	f := newDispatcherFixture(t, 20*time.Millisecond)
	f.start(t)

	f.listener.dial(t)
	require.Eventually(t, func() bool {
		return f.state.Registry.Len() == 1
	}, 5*time.Second, time.Millisecond)

	f.dispatcher.Shutdown()
	require.NoError(t, f.wait(t))

	assert.True(t, f.state.Registry.Empty())
	_, found := f.sink.Find("forceClose")
	assert.True(t, found)
	record, found := f.sink.Find("drainDone")
	require.True(t, found)
	value, _ := recordAttr(record, "forciblyClosed")
	assert.Equal(t, int64(1), value.Int64())
}

// A listen failure is returned without draining.
func TestDispatcherStartupError(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	startupErr := &StartupError{Address: ":5080", Err: errors.New("mocked error")}
	f.listener.listenErr = startupErr

	err := f.dispatcher.Run(context.Background())

	require.ErrorIs(t, err, startupErr)
	assert.Equal(t, PhaseStopped, f.dispatcher.Phase())
	assert.NotContains(t, f.sink.Messages(), "drainStart")
	assert.False(t, f.state.Shutdown.IsSet())
}

// An accept failure is returned after draining.
func TestDispatcherServeError(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	mockedErr := errors.New("mocked error")
	f.listener.serveErr = mockedErr

	err := f.dispatcher.Run(context.Background())

	require.ErrorIs(t, err, mockedErr)
	assert.True(t, f.state.Shutdown.IsSet())
	assert.Contains(t, f.sink.Messages(), "serveFailed")
	assert.Contains(t, f.sink.Messages(), "drainDone")
}

func TestDispatcherRunTwice(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	f.start(t)

	require.ErrorIs(t, f.dispatcher.Run(context.Background()), ErrAlreadyStarted)

	f.dispatcher.Shutdown()
	require.NoError(t, f.wait(t))
	require.ErrorIs(t, f.dispatcher.Run(context.Background()), ErrAlreadyStarted)
}

func TestDispatcherStatus(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	assert.Equal(t, PhaseIdle, f.dispatcher.Status().Phase)

	f.start(t)
	_, err := roundTrip(f.listener.dial(t))
	require.NoError(t, err)

	status := f.dispatcher.Status()
	assert.Equal(t, PhaseRunning, status.Phase)
	assert.Equal(t, "127.0.0.1:5080", status.Addr)
	assert.Equal(t, SchemeHTTP, status.Scheme)
	assert.Equal(t, uint16(5080), status.Port)
	assert.Equal(t, uint64(1), status.TotalProcessed)

	f.dispatcher.Shutdown()
	require.NoError(t, f.wait(t))
	assert.Equal(t, "stopped", f.dispatcher.Status().Phase.String())
}
