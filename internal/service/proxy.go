// Package service implements the per-connection proxy logic: read the first
// request head, rename the smuggle header to Host, connect upstream, forward
// the head and hand the connection pair to the pump.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"host-smuggler/internal/client"
	"host-smuggler/internal/config"
	"host-smuggler/internal/httphead"
	"host-smuggler/internal/metrics"
	"host-smuggler/internal/model"
	"host-smuggler/internal/pump"
)

// State is the lifecycle stage of one inbound connection.
type State int

const (
	StateAccepted State = iota
	StateParsingHead
	StateConnecting
	StateForwardingHead
	StatePumping
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateAccepted:       "accepted",
	StateParsingHead:    "parsing_head",
	StateConnecting:     "connecting",
	StateForwardingHead: "forwarding_head",
	StatePumping:        "pumping",
	StateClosed:         "closed",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Result labels for logs and the connections_total metric.
const (
	ResultOK                  = "ok"
	ResultClientClosed        = "client_closed"
	ResultHeaderTimeout       = "header_timeout"
	ResultMalformedRequest    = "malformed_request"
	ResultUpstreamUnreachable = "upstream_unreachable"
	ResultStreamIO            = "stream_io_error"
	ResultCanceled            = "canceled"
)

var (
	errClientClosed  = errors.New("client closed before sending a request")
	errHeaderTimeout = errors.New("timed out waiting for request head")
)

const errorWriteDeadline = 5 * time.Second

// Handler serves inbound connections. It is safe for concurrent use; all
// per-connection state lives in a session.
type Handler struct {
	header        string
	maxHead       int
	headerTimeout time.Duration
	connector     *client.Connector
	pump          *pump.Pump
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewHandler creates a Handler. The metrics parameter is optional.
func NewHandler(cfg *config.Config, c *client.Connector, p *pump.Pump, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		header:        cfg.Smuggle.Header,
		maxHead:       cfg.Smuggle.MaxHeaderBytes,
		headerTimeout: cfg.Smuggle.HeaderTimeout(),
		connector:     c,
		pump:          p,
		logger:        logger.With("component", "connection_handler"),
		metrics:       m,
	}
}

// Serve handles conn until both legs are closed. It never returns an error:
// failures are logged and counted, and only affect this connection.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	start := time.Now()
	s := &session{
		h:      h,
		id:     uuid.NewString(),
		client: conn,
		state:  StateAccepted,
	}
	s.logger = h.logger.With("conn_id", s.id, "remote_addr", conn.RemoteAddr().String())

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	result, err := s.run(ctx)
	_ = conn.Close()

	duration := time.Since(start)
	if h.metrics != nil {
		h.metrics.ConnectionsTotal.WithLabelValues(result).Inc()
		h.metrics.ConnectionDuration.WithLabelValues(result).Observe(duration.Seconds())
	}

	attrs := []any{
		"result", result,
		"state", s.state.String(),
		"duration_ms", duration.Milliseconds(),
	}
	if s.head != nil {
		attrs = append(attrs, "method", s.head.Method, "target", s.head.Target, "rewritten", s.rewritten)
	}
	switch {
	case err == nil:
		s.logger.Debug("connection closed", attrs...)
	case isNetworkNoise(err) || result == ResultClientClosed || result == ResultCanceled:
		s.logger.Debug("connection ended", append(attrs, "err", err)...)
	default:
		s.logger.Warn("connection failed", append(attrs, "err", err)...)
	}
}

type session struct {
	h         *Handler
	id        string
	client    net.Conn
	logger    *slog.Logger
	state     State
	head      *model.RequestHead
	rewritten bool
}

func (s *session) enter(st State) {
	s.logger.Debug("state change", "from", s.state.String(), "to", st.String())
	s.state = st
}

// run drives the state machine and returns the result label.
func (s *session) run(ctx context.Context) (string, error) {
	s.enter(StateParsingHead)
	parser := httphead.NewParser(s.h.maxHead)
	head, err := s.readHead(parser)
	if err != nil {
		switch {
		case errors.Is(err, errClientClosed):
			s.enter(StateClosed)
			return ResultClientClosed, nil
		case errors.Is(err, errHeaderTimeout):
			s.enter(StateFailed)
			s.writeError(408, "Request Timeout", "timed out reading request head")
			return ResultHeaderTimeout, err
		case errors.Is(err, httphead.ErrMalformedRequest):
			s.enter(StateFailed)
			s.writeError(400, "Bad Request", err.Error())
			return ResultMalformedRequest, err
		default:
			s.enter(StateFailed)
			return classifyIOError(ctx), err
		}
	}
	s.head = head

	s.rewritten = httphead.Rewrite(head, s.h.header)
	if s.h.metrics != nil {
		s.h.metrics.HeadRewrites.WithLabelValues(
			metrics.NormalizeMethod(head.Method),
			strconv.FormatBool(s.rewritten),
		).Inc()
	}
	if s.rewritten {
		host, _ := head.Get(httphead.HostHeader)
		s.logger.Debug("smuggle header renamed", "header", s.h.header, "host", host)
	}

	s.enter(StateConnecting)
	upstream, err := s.h.connector.Dial(ctx)
	if err != nil {
		s.enter(StateFailed)
		if ctx.Err() != nil {
			return ResultCanceled, err
		}
		s.writeError(502, "Bad Gateway", "upstream unreachable")
		return ResultUpstreamUnreachable, err
	}

	s.enter(StateForwardingHead)
	out, rest := head.Bytes(), parser.Buffered()
	if err := s.forward(ctx, upstream, out, rest); err != nil {
		_ = upstream.Close()
		s.enter(StateFailed)
		return classifyIOError(ctx), fmt.Errorf("%w: forward head: %w", pump.ErrStreamIO, err)
	}

	s.enter(StatePumping)
	stats, err := s.h.pump.Run(ctx, s.client, upstream)
	s.logger.Debug("relay finished",
		"bytes_up", stats.ClientToUpstream+int64(len(out)+len(rest)),
		"bytes_down", stats.UpstreamToClient,
	)
	if err != nil {
		s.enter(StateFailed)
		return classifyIOError(ctx), err
	}
	s.enter(StateClosed)
	return ResultOK, nil
}

// readHead reads from the client until the parser yields a complete head.
func (s *session) readHead(p *httphead.Parser) (*model.RequestHead, error) {
	if s.h.headerTimeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(s.h.headerTimeout))
	}
	buf := s.h.pump.Buffer()
	defer s.h.pump.Release(buf)
	for {
		n, rerr := s.client.Read(*buf)
		if n > 0 {
			head, err := p.Feed((*buf)[:n])
			if err == nil {
				return head, nil
			}
			if !errors.Is(err, httphead.ErrNeedMoreData) {
				return nil, err
			}
		}
		if rerr == nil {
			continue
		}
		switch {
		case errors.Is(rerr, io.EOF) && p.Len() == 0:
			return nil, errClientClosed
		case errors.Is(rerr, io.EOF):
			return nil, fmt.Errorf("%w: connection closed after %d bytes of head", httphead.ErrMalformedRequest, p.Len())
		case errors.Is(rerr, os.ErrDeadlineExceeded) && p.Len() == 0:
			return nil, fmt.Errorf("%w: no data", errHeaderTimeout)
		case errors.Is(rerr, os.ErrDeadlineExceeded):
			return nil, fmt.Errorf("%w: %d bytes buffered", errHeaderTimeout, p.Len())
		default:
			return nil, fmt.Errorf("%w: read head: %w", pump.ErrStreamIO, rerr)
		}
	}
}

// forward writes the head and any bytes that arrived with it upstream. The
// writes are bounded by the header timeout and abandoned when ctx is done.
func (s *session) forward(ctx context.Context, upstream net.Conn, head, rest []byte) error {
	if err := s.client.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stop()

	if s.h.headerTimeout > 0 {
		if err := upstream.SetWriteDeadline(time.Now().Add(s.h.headerTimeout)); err != nil {
			return err
		}
	}
	if err := pump.WriteFull(upstream, head); err != nil {
		return err
	}
	if err := pump.WriteFull(upstream, rest); err != nil {
		return err
	}
	return upstream.SetWriteDeadline(time.Time{})
}

// writeError sends a minimal HTTP/1.1 error response. Delivery is best effort.
func (s *session) writeError(code int, status, reason string) {
	body := fmt.Sprintf("%d %s: %s\nerror id: %s\n", code, status, reason, s.id)
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n%s", code, status, len(body), body)

	_ = s.client.SetWriteDeadline(time.Now().Add(errorWriteDeadline))
	if err := pump.WriteFull(s.client, []byte(resp)); err != nil {
		s.logger.Debug("error response not delivered", "status", code, "err", err)
	}
}

func classifyIOError(ctx context.Context) string {
	if ctx.Err() != nil {
		return ResultCanceled
	}
	return ResultStreamIO
}

// isNetworkNoise reports errors that are a normal part of peers going away.
func isNetworkNoise(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
