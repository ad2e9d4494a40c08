// Package client opens connections to the fixed upstream destination.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"host-smuggler/internal/config"
	"host-smuggler/internal/metrics"
)

// ErrUpstreamUnreachable wraps every dial failure: refusal, DNS failure or timeout.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// Connector dials a fresh upstream connection for each inbound connection.
// Connections are never pooled or reused.
type Connector struct {
	dialer  *net.Dialer
	addr    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewConnector creates a Connector for cfg.Upstream.
// The metrics parameter is optional; pass nil to disable connect metrics.
func NewConnector(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Connector {
	return &Connector{
		dialer: &net.Dialer{
			KeepAlive: 30 * time.Second,
		},
		addr:    cfg.Upstream.Addr(),
		timeout: cfg.Upstream.ConnectTimeout(),
		logger:  logger.With("component", "upstream_connector"),
		metrics: m,
	}
}

// Addr returns the upstream host:port.
func (c *Connector) Addr() string {
	return c.addr
}

// Dial connects to the upstream. The connect timeout covers name resolution
// and the TCP handshake; ctx can cut it shorter.
func (c *Connector) Dial(ctx context.Context) (net.Conn, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	duration := time.Since(start)

	if err != nil {
		c.observe("error", duration)
		c.logger.Debug("upstream dial failed",
			"addr", c.addr,
			"duration_ms", duration.Milliseconds(),
			"err", err,
		)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUpstreamUnreachable, c.addr, err)
	}

	c.observe("ok", duration)
	return conn, nil
}

func (c *Connector) observe(result string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.UpstreamConnectDuration.WithLabelValues(result).Observe(d.Seconds())
	}
}
