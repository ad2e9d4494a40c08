// Package server owns the inbound TCP listener and the accept loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"host-smuggler/internal/config"
	"host-smuggler/internal/metrics"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ConnHandler serves one accepted connection. Serve must return once ctx is
// canceled.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// Listener accepts inbound connections and serves each on its own goroutine.
type Listener struct {
	bind          string
	proxyProtocol bool
	headerTimeout time.Duration
	grace         time.Duration
	limiter       *rate.Limiter
	handler       ConnHandler
	logger        *slog.Logger
	metrics       *metrics.Metrics

	// ctx is handed to every connection; cancel force-closes them.
	ctx        context.Context
	cancel     context.CancelFunc
	// acceptCtx bounds waits on the accept limiter.
	acceptCtx  context.Context
	stopAccept context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	loop    chan struct{} // closed when the accept loop exits
	closing *atomic.Bool

	conns  sync.WaitGroup
	active *atomic.Int64
}

// New creates a Listener. The metrics parameter is optional.
func New(cfg *config.Config, h ConnHandler, logger *slog.Logger, m *metrics.Metrics) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	acceptCtx, stopAccept := context.WithCancel(ctx)

	var limiter *rate.Limiter
	if cfg.Server.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.AcceptRate), max(1, cfg.Server.AcceptBurst))
	}

	return &Listener{
		bind:          cfg.Server.Bind,
		proxyProtocol: cfg.Server.ProxyProtocol,
		headerTimeout: cfg.Smuggle.HeaderTimeout(),
		grace:         cfg.Server.ShutdownGrace(),
		limiter:       limiter,
		handler:       h,
		logger:        logger.With("component", "listener"),
		metrics:       m,
		ctx:           ctx,
		cancel:        cancel,
		acceptCtx:     acceptCtx,
		stopAccept:    stopAccept,
		closing:       atomic.NewBool(false),
		active:        atomic.NewInt64(0),
	}
}

// Start binds the configured address and runs the accept loop in the
// background. A bind failure is returned to the caller.
func (l *Listener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.bind)
	if err != nil {
		return fmt.Errorf("bind %s: %w", l.bind, err)
	}
	wrapped, loop, ok := l.register(ln)
	if !ok {
		return nil
	}
	go func() {
		defer close(loop)
		l.acceptLoop(wrapped)
	}()
	return nil
}

// Serve accepts connections on ln until the listener is shut down.
func (l *Listener) Serve(ln net.Listener) {
	wrapped, loop, ok := l.register(ln)
	if !ok {
		return
	}
	defer close(loop)
	l.acceptLoop(wrapped)
}

// register wraps ln for PROXY protocol when enabled and records it so
// Shutdown can close it. It reports false if Shutdown already ran.
func (l *Listener) register(ln net.Listener) (net.Listener, chan struct{}, bool) {
	if l.proxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: l.headerTimeout}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing.Load() {
		_ = ln.Close()
		return nil, nil, false
	}
	l.ln, l.loop = ln, make(chan struct{})

	l.logger.Info("listening",
		"addr", ln.Addr().String(),
		"proxy_protocol", l.proxyProtocol,
	)
	return ln, l.loop, true
}

func (l *Listener) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		if l.limiter != nil {
			if err := l.limiter.Wait(l.acceptCtx); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			l.logger.Warn("accept error; retrying", "err", err, "delay", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		l.track(conn)
	}
}

func (l *Listener) track(conn net.Conn) {
	l.conns.Add(1)
	if l.metrics != nil {
		l.metrics.ConnectionsActive.Inc()
	}
	l.active.Inc()

	go func() {
		defer func() {
			if l.metrics != nil {
				l.metrics.ConnectionsActive.Dec()
			}
			l.active.Dec()
			l.conns.Done()
		}()
		l.handler.Serve(l.ctx, conn)
	}()
}

// Shutdown stops accepting, waits for in-flight connections to finish for up
// to the configured grace period (or until ctx is done, if sooner), then
// force-closes whatever is left and waits for those handlers to return.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing.Store(true)
	ln, loop := l.ln, l.loop
	l.mu.Unlock()

	l.stopAccept()

	if ln != nil {
		_ = ln.Close()
	}
	if loop != nil {
		<-loop
	}

	drained := make(chan struct{})
	go func() {
		l.conns.Wait()
		close(drained)
	}()

	var grace <-chan time.Time
	if l.grace > 0 {
		t := time.NewTimer(l.grace)
		defer t.Stop()
		grace = t.C
	}

	l.logger.Info("draining connections", "active", l.Active(), "grace", l.grace)
	select {
	case <-drained:
		l.cancel()
		return nil
	case <-grace:
	case <-ctx.Done():
	}

	l.logger.Warn("closing remaining connections", "active", l.Active())
	l.cancel()
	<-drained
	return nil
}

// Active returns the number of connections currently being served.
func (l *Listener) Active() int64 {
	return l.active.Load()
}

// Addr returns the bound address, or nil before the listener is registered.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}
