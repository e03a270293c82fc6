// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// SleepHeader asks the handler to sleep for the given number of seconds
// before responding. The value is clamped to [Config.MaxSleep].
const SleepHeader = "X-Sid-Server-Sleep"

// ExitCommand is the POST body asking the server to shut down.
const ExitCommand = "exit"

// maxRequestBody bounds how much of the request body the handler reads.
const maxRequestBody = 1 << 20

var (
	// ErrShutdownBeforeRead indicates that shutdown started before reading the request.
	ErrShutdownBeforeRead = errors.New("shutdown started before reading the request")

	// ErrShutdownBeforeSend indicates that shutdown started before sending the response.
	ErrShutdownBeforeSend = errors.New("shutdown started before sending the response")

	// ErrHandlerPanic indicates that the handler recovered from a panic.
	ErrHandlerPanic = errors.New("handler panic")
)

// NewHandler returns a new [*Handler] serving connections for state.
//
// The cfg argument contains the common configuration for dispatchd operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewHandler(cfg *Config, state *State, logger SLogger) *Handler {
	runtimex.Assert(state != nil)
	return &Handler{
		After:          cfg.After,
		Codec:          cfg.Codec,
		ErrClassifier:  cfg.ErrClassifier,
		Logger:         logger,
		MaxSleep:       cfg.MaxSleep,
		Metrics:        cfg.Metrics,
		ServerIdentity: cfg.ServerIdentity,
		SleepSlice:     cfg.SleepSlice,
		State:          state,
		TimeNow:        cfg.TimeNow,
	}
}

// Handler performs exactly one request/response exchange per [*Task].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Serve].
type Handler struct {
	// After is used to implement the interruptible sleep.
	//
	// Set by [NewHandler] from [Config.After].
	After func(d time.Duration) <-chan time.Time

	// Codec reads the request and writes the response.
	//
	// Set by [NewHandler] from [Config.Codec].
	Codec MessageCodec

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewHandler] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewHandler] to the user-provided logger.
	Logger SLogger

	// MaxSleep clamps the requested sleep.
	//
	// Set by [NewHandler] from [Config.MaxSleep].
	MaxSleep time.Duration

	// Metrics records the handler outcome. May be nil.
	//
	// Set by [NewHandler] from [Config.Metrics].
	Metrics *Metrics

	// ServerIdentity is the X-Server header value.
	//
	// Set by [NewHandler] from [Config.ServerIdentity].
	ServerIdentity string

	// SleepSlice is the sleep granularity.
	//
	// Set by [NewHandler] from [Config.SleepSlice].
	SleepSlice time.Duration

	// State is the shared server state.
	//
	// Set by [NewHandler] to the user-provided state.
	State *State

	// TimeNow is the function to get the current time.
	//
	// Set by [NewHandler] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Serve serves the task's connection and then closes it and removes
// the task from the registry. Failures are logged and never propagated.
func (h *Handler) Serve(task *Task) {
	t0 := h.TimeNow()
	h.logHandlerStart(task, t0)

	outcome, err := OutcomeFailed, error(nil)
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		task.Conn.Close()
		h.logHandlerDone(task, t0, outcome, err)
		h.Metrics.finished(outcome)
		h.State.Registry.Remove(task.ID)
	}()

	outcome, err = h.serve(task)
}

func (h *Handler) serve(task *Task) (string, error) {
	// 1. bail out if shutdown started before we read anything
	if h.State.Shutdown.IsSet() {
		return OutcomeAbortedBeforeRead, ErrShutdownBeforeRead
	}

	// 2. read the request
	req, err := h.Codec.ReadRequest(task.Conn)
	if err != nil {
		return OutcomeReadFailed, err
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
	req.Body.Close()
	if err != nil {
		return OutcomeReadFailed, err
	}
	h.logRequestReceived(task, req, len(body))

	// 3. handle the out-of-band shutdown instruction
	if req.Method == http.MethodPost && string(body) == ExitCommand {
		first := h.State.Shutdown.Set()
		h.Logger.Info(
			"exitCommand",
			slog.Bool("firstShutdownRequest", first),
			slog.Uint64("requestID", task.ID),
			slog.String("spanID", task.SpanID),
			slog.Time("t", h.TimeNow()),
		)
		return OutcomeExitCommand, nil
	}

	// 4. honor the sleep request
	if d, ok := h.sleepDuration(req.Header); ok {
		h.sleep(task, d)
	}

	// 5. check again before sending
	if h.State.Shutdown.IsSet() {
		return OutcomeAbortedBeforeSend, ErrShutdownBeforeSend
	}

	// 6. send the response
	if err := h.respond(task); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeResponded, nil
}

// sleepDuration returns the clamped sleep requested through [SleepHeader].
func (h *Handler) sleepDuration(header http.Header) (time.Duration, bool) {
	value := header.Get(SleepHeader)
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil || seconds == 0 {
		return 0, false
	}
	if seconds > uint64(h.MaxSleep/time.Second) {
		return h.MaxSleep, true
	}
	return time.Duration(seconds) * time.Second, true
}

// sleep sleeps for d in slices, returning false if shutdown interrupted it.
func (h *Handler) sleep(task *Task, d time.Duration) bool {
	t0 := h.TimeNow()
	h.Logger.Info(
		"sleepStart",
		slog.Duration("duration", d),
		slog.Uint64("requestID", task.ID),
		slog.String("spanID", task.SpanID),
		slog.Time("t", t0),
	)
	h.Metrics.slept(d.Seconds())

	completed := h.sleepSliced(d)

	h.Logger.Info(
		"sleepDone",
		slog.Duration("duration", d),
		slog.Bool("interrupted", !completed),
		slog.Uint64("requestID", task.ID),
		slog.String("spanID", task.SpanID),
		slog.Time("t0", t0),
		slog.Time("t", h.TimeNow()),
	)
	return completed
}

func (h *Handler) sleepSliced(d time.Duration) bool {
	runtimex.Assert(h.SleepSlice > 0)
	for d > 0 {
		if h.State.Shutdown.IsSet() {
			return false
		}
		slice := min(d, h.SleepSlice)
		select {
		case <-h.After(slice):
		case <-h.State.Shutdown.Done():
			return false
		}
		d -= slice
	}
	return true
}

// newResponse builds the response reporting the given request ID.
func (h *Handler) newResponse(id uint64) *http.Response {
	body := "<ProcessCount>" + strconv.FormatUint(id, 10) + "</ProcessCount>"
	header := http.Header{}
	header.Set("Date", h.TimeNow().UTC().Format(http.TimeFormat))
	header.Set("Content-Type", "text/xml")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("X-Server", h.ServerIdentity)
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
}

func (h *Handler) respond(task *Task) error {
	resp := h.newResponse(task.ID)
	t0 := h.TimeNow()
	h.Logger.Info(
		"responseStart",
		slog.Int64("httpContentLength", resp.ContentLength),
		slog.Any("httpResponseHeaders", resp.Header),
		slog.Int("httpResponseStatusCode", resp.StatusCode),
		slog.Uint64("requestID", task.ID),
		slog.String("spanID", task.SpanID),
		slog.Time("t", t0),
	)
	err := h.Codec.WriteResponse(task.Conn, resp)
	h.Logger.Info(
		"responseDone",
		slog.Any("err", err),
		slog.String("errClass", h.ErrClassifier.Classify(err)),
		slog.Uint64("requestID", task.ID),
		slog.String("spanID", task.SpanID),
		slog.Time("t0", t0),
		slog.Time("t", h.TimeNow()),
	)
	return err
}

func (h *Handler) logHandlerStart(task *Task, t0 time.Time) {
	h.Logger.Info(
		"handlerStart",
		slog.String("localAddr", safeconn.LocalAddr(task.Conn)),
		slog.String("protocol", safeconn.Network(task.Conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(task.Conn)),
		slog.Uint64("requestID", task.ID),
		slog.String("spanID", task.SpanID),
		slog.Time("t", t0),
	)
}

func (h *Handler) logRequestReceived(task *Task, req *http.Request, bodyLength int) {
	h.Logger.Info(
		"requestReceived",
		slog.Int("httpBodyLength", bodyLength),
		slog.String("httpMethod", req.Method),
		slog.Any("httpRequestHeaders", req.Header),
		slog.String("httpUrl", req.URL.String()),
		slog.Uint64("requestID", task.ID),
		slog.String("spanID", task.SpanID),
		slog.Time("t", h.TimeNow()),
	)
}

func (h *Handler) logHandlerDone(task *Task, t0 time.Time, outcome string, err error) {
	args := []any{
		slog.Any("err", err),
		slog.String("errClass", h.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(task.Conn)),
		slog.String("outcome", outcome),
		slog.String("protocol", safeconn.Network(task.Conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(task.Conn)),
		slog.Uint64("requestID", task.ID),
		slog.String("spanID", task.SpanID),
		slog.Time("t0", t0),
		slog.Time("t", h.TimeNow()),
	}
	if err != nil && !errors.Is(err, ErrShutdownBeforeRead) && !errors.Is(err, ErrShutdownBeforeSend) {
		h.Logger.Warn("handlerDone", args...)
		return
	}
	h.Logger.Info("handlerDone", args...)
}

