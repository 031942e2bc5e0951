// Package server implements the request-serving runtime: a single process
// that binds a platform-assigned port, runs at most a fixed number of
// requests at once, queues the rest, and drains on SIGTERM.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/telemetry"
)

const (
	defaultAddr    = ":8080"
	defaultWorkers = 8
	defaultGrace   = 10 * time.Second
)

// Config controls Runtime behavior.
type Config struct {
	// Addr is the listen address. Empty means ":8080".
	Addr string
	// Workers is the number of worker slots.
	Workers int
	// RequestTimeout of 0 means requests are never cut off by the runtime.
	RequestTimeout time.Duration
	// MaxQueue bounds requests waiting for a slot. 0 means unbounded.
	MaxQueue          int
	ShutdownGrace     time.Duration
	ReadHeaderTimeout time.Duration
	// Unpooled paths are served without taking a worker slot.
	Unpooled []string
}

// Runtime owns the listening socket, the worker pool and the lifecycle state.
type Runtime struct {
	cfg      Config
	pool     *Pool
	srv      *http.Server
	logger   *zap.Logger
	unpooled map[string]struct{}

	state atomic.Int32

	startMu  sync.Mutex
	listener net.Listener
	serveErr chan error
	served   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

// New builds a Runtime around handler. Nothing is bound until Start.
func New(cfg Config, handler http.Handler, logger *zap.Logger) *Runtime {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{
		cfg:      cfg,
		pool:     NewPool(cfg.Workers, cfg.MaxQueue),
		logger:   logger,
		unpooled: make(map[string]struct{}, len(cfg.Unpooled)),
		serveErr: make(chan error, 1),
		served:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, p := range cfg.Unpooled {
		rt.unpooled[p] = struct{}{}
	}
	rt.srv = &http.Server{
		Handler:           rt.dispatch(handler),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
	rt.state.Store(int32(StateStarting))
	return rt
}

// State reports the current lifecycle phase.
func (rt *Runtime) State() State {
	return State(rt.state.Load())
}

// Stats reports worker slot usage.
func (rt *Runtime) Stats() PoolStats {
	return rt.pool.Stats()
}

// Addr returns the bound address, or nil before Start succeeds.
func (rt *Runtime) Addr() net.Addr {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()
	if rt.listener == nil {
		return nil
	}
	return rt.listener.Addr()
}

// Start binds the listening socket and begins serving in the background.
// A bind failure returns *BindError and leaves nothing running.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()
	if rt.State() != StateStarting {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", rt.cfg.Addr)
	if err != nil {
		rt.state.Store(int32(StateStopped))
		rt.shutdownOnce.Do(func() { close(rt.stopped) })
		close(rt.served)
		return &BindError{Addr: rt.cfg.Addr, Err: err}
	}
	rt.listener = ln
	rt.state.Store(int32(StateAccepting))

	go func() {
		defer close(rt.served)
		if err := rt.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.serveErr <- fmt.Errorf("serve: %w", err)
		}
	}()

	rt.logger.Info("accepting connections",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", rt.cfg.Workers),
		zap.Duration("request_timeout", rt.cfg.RequestTimeout),
		zap.Int("max_queue", rt.cfg.MaxQueue),
	)
	return nil
}

// Run starts the runtime and blocks until ctx ends, a termination signal
// arrives, or serving fails, then drains. A drain that overruns its grace
// period is logged and does not fail Run.
func (rt *Runtime) Run(ctx context.Context) error {
	// Registered before binding so an early SIGTERM still drains cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := rt.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case sig := <-sigCh:
		rt.logger.Info("termination signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		rt.logger.Info("context canceled, shutting down")
	case serveErr = <-rt.serveErr:
		rt.logger.Error("http server error", zap.Error(serveErr))
	}

	// Later signals are noted but never restart the drain.
	go func() {
		for {
			select {
			case sig := <-sigCh:
				rt.logger.Warn("shutdown already in progress", zap.String("signal", sig.String()))
			case <-rt.stopped:
				return
			}
		}
	}()

	err := rt.Shutdown(rt.cfg.ShutdownGrace)
	var timeoutErr *ShutdownTimeoutError
	if err != nil && !errors.As(err, &timeoutErr) {
		return err
	}
	return serveErr
}

// Shutdown stops accepting, gives in-flight requests up to grace to finish,
// then force-closes whatever remains. It is safe to call more than once and
// from several goroutines; every caller gets the first call's result.
func (rt *Runtime) Shutdown(grace time.Duration) error {
	rt.shutdownOnce.Do(func() {
		rt.shutdownErr = rt.shutdown(grace)
		close(rt.stopped)
	})
	<-rt.stopped
	return rt.shutdownErr
}

func (rt *Runtime) shutdown(grace time.Duration) error {
	rt.startMu.Lock()
	started := rt.listener != nil
	rt.startMu.Unlock()
	if !started {
		rt.state.Store(int32(StateStopped))
		return nil
	}

	rt.state.Store(int32(StateDraining))
	rt.pool.Drain()
	stats := rt.pool.Stats()
	rt.logger.Info("draining",
		zap.Duration("grace", grace),
		zap.Int("busy", stats.Busy),
		zap.Int("queued", stats.Queued),
	)

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var result error
	err := rt.srv.Shutdown(ctx)
	if err == nil {
		err = rt.pool.WaitIdle(ctx)
	}
	if err != nil {
		if closeErr := rt.srv.Close(); closeErr != nil {
			rt.logger.Warn("force close failed", zap.Error(closeErr))
		}
		abandoned := rt.pool.Abandon()
		result = &ShutdownTimeoutError{Grace: grace, Abandoned: abandoned}
		rt.logger.Warn("shutdown grace elapsed", zap.Error(result))
	}

	<-rt.served
	rt.state.Store(int32(StateStopped))
	rt.logger.Info("stopped")
	return result
}

// dispatch admits each request into a worker slot before it reaches next.
func (rt *Runtime) dispatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := WithRequestID(r.Context(), reqID)
		ctx = context.WithValue(ctx, arrivedKey{}, time.Now())
		r = r.WithContext(ctx)

		if _, ok := rt.unpooled[r.URL.Path]; ok {
			rt.handleOne(w, r, next)
			return
		}

		release, err := rt.pool.Acquire(ctx, reqID)
		if err != nil {
			rt.reject(w, r, err)
			return
		}
		defer release()
		rt.handleOne(w, r, next)
	})
}

// handleOne runs next inside a slot. Panics become a 500 for this request only.
func (rt *Runtime) handleOne(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if rt.cfg.RequestTimeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), rt.cfg.RequestTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	tw := &trackingWriter{ResponseWriter: w}

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
			telemetry.ObserveRequestOutcome("aborted")
			panic(rec)
		}
		telemetry.ObserveHandlerError()
		telemetry.ObserveRequestOutcome("completed")
		rt.logger.Error("panic recovered",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Any("panic", rec),
			zap.Stack("stack"),
		)
		if !tw.wrote {
			writeStatus(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}
	}()

	next.ServeHTTP(tw, r)

	if err := r.Context().Err(); err != nil && !tw.wrote {
		if errors.Is(err, context.DeadlineExceeded) {
			telemetry.ObserveRequestOutcome("timed_out")
			writeStatus(w, http.StatusGatewayTimeout, "request timed out")
			return
		}
		telemetry.ObserveRequestOutcome("aborted")
		return
	}
	telemetry.ObserveRequestOutcome("completed")
}

func (rt *Runtime) reject(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFrom(r.Context())
	switch {
	case errors.Is(err, ErrDraining):
		telemetry.ObserveRequestOutcome("rejected")
		rt.logger.Info("request refused while draining", zap.String("request_id", reqID))
		w.Header().Set("Connection", "close")
		writeStatus(w, http.StatusServiceUnavailable, "server is shutting down")
	case errors.Is(err, ErrBacklogFull):
		telemetry.ObserveRequestOutcome("rejected")
		rt.logger.Warn("request refused, backlog full", zap.String("request_id", reqID))
		w.Header().Set("Retry-After", "1")
		writeStatus(w, http.StatusServiceUnavailable, "server is overloaded")
	default:
		// The client went away while queued.
		telemetry.ObserveRequestOutcome("aborted")
		rt.logger.Debug("request abandoned while queued", zap.String("request_id", reqID), zap.Error(err))
	}
}

// trackingWriter notes whether the handler wrote anything.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wrote = true
	n, err := tw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (tw *trackingWriter) Flush() {
	tw.wrote = true
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
