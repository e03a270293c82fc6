// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// Phase is the lifecycle phase of a [*Dispatcher].
type Phase int32

const (
	// PhaseIdle means Run has not been called yet.
	PhaseIdle Phase = iota

	// PhaseRunning means the dispatcher is accepting connections.
	PhaseRunning

	// PhaseDraining means the dispatcher waits for in-flight handlers.
	PhaseDraining

	// PhaseStopped is terminal.
	PhaseStopped
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("dispatcher already started")

// Status is a snapshot of the [*Dispatcher] state.
type Status struct {
	// Addr is the bound address or empty before listening.
	Addr string

	// InFlight is the number of registered handlers.
	InFlight int

	// Phase is the dispatcher phase.
	Phase Phase

	// Port is the configured port.
	Port uint16

	// Scheme is the connection scheme.
	Scheme Scheme

	// TotalProcessed is the number of request IDs issued.
	TotalProcessed uint64
}

// NewDispatcher returns a new [*Dispatcher].
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The state argument is the shared server state.
//
// The listener argument is the transport collaborator.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDispatcher(cfg *Config, state *State, listener Listener, logger SLogger) *Dispatcher {
	runtimex.Assert(state != nil && listener != nil)
	return &Dispatcher{
		DrainTimeout:  cfg.DrainTimeout,
		ErrClassifier: cfg.ErrClassifier,
		Handler:       NewHandler(cfg, state, logger),
		Listener:      listener,
		Logger:        logger,
		Metrics:       cfg.Metrics,
		Observer:      NewObserveConnFunc(cfg, logger),
		Watcher:       NewCancelWatchFunc(),
		State:         state,
		TimeNow:       cfg.TimeNow,
	}
}

// Dispatcher owns the accept loop and the shutdown protocol.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Run].
type Dispatcher struct {
	// DrainTimeout bounds the wait for in-flight handlers before their
	// connections are forcibly closed. Zero means wait forever.
	//
	// Set by [NewDispatcher] from [Config.DrainTimeout].
	DrainTimeout time.Duration

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDispatcher] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Handler serves each accepted connection.
	//
	// Set by [NewDispatcher] using [NewHandler].
	Handler *Handler

	// Listener accepts connections.
	//
	// Set by [NewDispatcher] to the user-provided listener.
	Listener Listener

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDispatcher] to the user-provided logger.
	Logger SLogger

	// Metrics records accepted and rejected connections. May be nil.
	//
	// Set by [NewDispatcher] from [Config.Metrics].
	Metrics *Metrics

	// Observer wraps accepted connections for I/O logging.
	//
	// Set by [NewDispatcher] using [NewObserveConnFunc].
	Observer *ObserveConnFunc

	// State is the shared server state.
	//
	// Set by [NewDispatcher] to the user-provided state.
	State *State

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDispatcher] from [Config.TimeNow].
	TimeNow func() time.Time

	// Watcher binds accepted connections to the forced-close context.
	//
	// Set by [NewDispatcher] using [NewCancelWatchFunc].
	Watcher *CancelWatchFunc

	forceCtx    context.Context
	forceCancel context.CancelFunc
	phase       atomic.Int32
}

// Run listens, accepts connections until shutdown, and then waits for
// all the in-flight handlers to finish.
//
// Cancelling ctx sets the shutdown flag. A [*StartupError] means we
// could not listen and did not enter the draining phase. An accept
// error is returned after draining. Otherwise, Run returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseRunning)) {
		return ErrAlreadyStarted
	}
	defer d.phase.Store(int32(PhaseStopped))

	d.forceCtx, d.forceCancel = context.WithCancel(context.Background())
	defer d.forceCancel()

	stopWatch := context.AfterFunc(ctx, func() {
		d.Shutdown()
	})
	defer stopWatch()

	if err := d.Listener.Listen(ctx); err != nil {
		return err
	}

	// Unblock Accept as soon as shutdown starts.
	served := make(chan struct{})
	go func() {
		select {
		case <-d.State.Shutdown.Done():
			d.Listener.Close()
		case <-served:
		}
	}()

	err := d.Listener.Serve(ctx, d.onConnection, d.State.Shutdown.IsSet)
	close(served)
	d.Listener.Close()
	if err != nil {
		d.Logger.Warn(
			"serveFailed",
			slog.Any("err", err),
			slog.String("errClass", d.ErrClassifier.Classify(err)),
			slog.Time("t", d.TimeNow()),
		)
	}

	d.phase.Store(int32(PhaseDraining))
	d.drain()
	return err
}

// onConnection registers the connection and spawns its handler.
func (d *Dispatcher) onConnection(conn net.Conn) {
	var task *Task
	admitted := d.State.Shutdown.RunUnlessSet(func() {
		watched, err := d.Watcher.Call(d.forceCtx, d.Observer.Wrap(conn))
		runtimex.Assert(err == nil)
		task = &Task{
			ID:      d.State.NextID(),
			Conn:    watched,
			SpanID:  NewSpanID(),
			Started: d.TimeNow(),
		}
		d.State.Registry.Insert(task)
	})
	if !admitted {
		d.Metrics.rejected()
		d.Logger.Info(
			"connectionRejected",
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.Time("t", d.TimeNow()),
		)
		conn.Close()
		return
	}
	d.Metrics.accepted()
	go d.Handler.Serve(task)
}

// drain sets the shutdown flag and waits for the registry to empty.
func (d *Dispatcher) drain() {
	d.State.Shutdown.Set()
	t0 := d.TimeNow()
	d.Logger.Info(
		"drainStart",
		slog.Duration("drainTimeout", d.DrainTimeout),
		slog.Int("inFlight", d.State.Registry.Len()),
		slog.Time("t", t0),
	)

	forced := 0
	if d.DrainTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d.DrainTimeout)
		err := d.State.Registry.Wait(ctx)
		cancel()
		if err != nil {
			forced = d.forceClose()
		}
	}
	err := d.State.Registry.Wait(context.Background())
	runtimex.Assert(err == nil)

	d.Logger.Info(
		"drainDone",
		slog.Int("forciblyClosed", forced),
		slog.Time("t0", t0),
		slog.Time("t", d.TimeNow()),
	)
}

// forceClose closes the connections of the registered handlers so that
// any blocking I/O fails, and returns how many handlers were pending.
func (d *Dispatcher) forceClose() int {
	tasks := d.State.Registry.Snapshot()
	for _, task := range tasks {
		d.Logger.Warn(
			"forceClose",
			slog.Uint64("requestID", task.ID),
			slog.String("spanID", task.SpanID),
			slog.Time("started", task.Started),
			slog.Time("t", d.TimeNow()),
		)
	}
	d.forceCancel()
	return len(tasks)
}

// Shutdown sets the shutdown flag. It is idempotent.
func (d *Dispatcher) Shutdown() {
	if d.State.Shutdown.Set() {
		d.Logger.Info("shutdownRequested", slog.Time("t", d.TimeNow()))
	}
}

// Phase returns the current phase.
func (d *Dispatcher) Phase() Phase {
	return Phase(d.phase.Load())
}

// Status returns a snapshot of the dispatcher state.
func (d *Dispatcher) Status() Status {
	var addr string
	if a := d.Listener.Addr(); a != nil {
		addr = a.String()
	}
	return Status{
		Addr:           addr,
		InFlight:       d.State.Registry.Len(),
		Phase:          d.Phase(),
		Port:           d.State.Port(),
		Scheme:         d.State.Scheme(),
		TotalProcessed: d.State.TotalProcessed(),
	}
}
