// Package pump relays bytes between a client connection and its upstream
// connection once the request head has been forwarded.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"host-smuggler/internal/config"
	"host-smuggler/internal/metrics"
)

// ErrStreamIO wraps read or write failures on either leg of a relay.
var ErrStreamIO = errors.New("stream i/o error")

// Stats reports how many bytes were relayed in each direction.
type Stats struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// Pump copies bytes in both directions between two connections.
type Pump struct {
	idle    time.Duration
	pool    *bufferPool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Pump from cfg.Relay. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Pump {
	size := cfg.Relay.BufferBytes
	if size <= 0 {
		size = 32 * 1024
	}
	return &Pump{
		idle:    cfg.Relay.IdleTimeout(),
		pool:    newBufferPool(size),
		logger:  logger.With("component", "pump"),
		metrics: m,
	}
}

type direction struct {
	name    string
	src     net.Conn
	dst     net.Conn
	counter prometheus.Counter
	n       int64
}

// Run relays until both directions have finished. A clean EOF on one side
// half-closes the other side's write half and starts the idle timer on the
// remaining direction; any other error tears down both legs at once. Both
// connections are closed when Run returns.
func (p *Pump) Run(ctx context.Context, client, upstream net.Conn) (Stats, error) {
	var (
		wg         sync.WaitGroup
		closeOnce  sync.Once
		errMu      sync.Mutex
		firstErr   error
		halfClosed = atomic.NewBool(false)
	)

	teardown := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(ctx, teardown)
	defer stop()

	dirs := [2]*direction{
		{name: metrics.DirectionUpstream, src: client, dst: upstream},
		{name: metrics.DirectionDownstream, src: upstream, dst: client},
	}
	if p.metrics != nil {
		for _, d := range dirs {
			d.counter = p.metrics.BytesTotal.WithLabelValues(d.name)
		}
	}

	wg.Add(len(dirs))
	for i, d := range dirs {
		d := d
		other := dirs[1-i]
		go func() {
			defer wg.Done()

			err := p.copy(d, halfClosed)
			switch {
			case err == nil:
				p.logger.Debug("copy end", "direction", d.name, "bytes", d.n)
				closeWrite(d.dst)
				halfClosed.Store(true)
				if p.idle > 0 {
					// Bounds the remaining direction whether it is blocked
					// reading its source or writing to a peer that stopped reading.
					deadline := time.Now().Add(p.idle)
					_ = other.src.SetReadDeadline(deadline)
					_ = other.dst.SetWriteDeadline(deadline)
				}
			case errors.Is(err, os.ErrDeadlineExceeded) && halfClosed.Load():
				p.logger.Debug("idle timeout after half-close", "direction", d.name, "bytes", d.n)
				teardown()
			default:
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %s: %w", ErrStreamIO, d.name, err)
				}
				errMu.Unlock()
				teardown()
			}
		}()
	}
	wg.Wait()
	teardown()

	stats := Stats{ClientToUpstream: dirs[0].n, UpstreamToClient: dirs[1].n}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, firstErr
}

// copy moves bytes from d.src to d.dst until EOF or error. After a
// half-close every successful read pushes the read and write idle deadlines
// forward, so either side stalling for the idle period ends the relay.
func (p *Pump) copy(d *direction, halfClosed *atomic.Bool) error {
	buf := p.pool.Get()
	defer p.pool.Put(buf)

	for {
		n, rerr := d.src.Read(*buf)
		if n > 0 {
			if p.idle > 0 && halfClosed.Load() {
				deadline := time.Now().Add(p.idle)
				_ = d.src.SetReadDeadline(deadline)
				_ = d.dst.SetWriteDeadline(deadline)
			}
			if err := WriteFull(d.dst, (*buf)[:n]); err != nil {
				return err
			}
			d.n += int64(n)
			if d.counter != nil {
				d.counter.Add(float64(n))
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// Buffer returns a relay-sized buffer from the pump's pool. Callers must
// hand it back with Release.
func (p *Pump) Buffer() *[]byte {
	return p.pool.Get()
}

// Release returns a buffer obtained from Buffer to the pool.
func (p *Pump) Release(b *[]byte) {
	p.pool.Put(b)
}

// WriteFull writes all of b to w, retrying short writes until the buffer is
// flushed or a write fails.
func WriteFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		b = b[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite shuts down the write half of c when the underlying transport
// supports it, unwrapping PROXY-protocol and similar wrappers.
func closeWrite(c net.Conn) {
	for c != nil {
		if cw, ok := c.(closeWriter); ok {
			_ = cw.CloseWrite()
			return
		}
		switch w := c.(type) {
		case interface{ Raw() net.Conn }:
			c = w.Raw()
		case interface{ NetConn() net.Conn }:
			c = w.NetConn()
		default:
			return
		}
	}
}
