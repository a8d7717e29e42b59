// Package server implements the fast protocol server engine: the RPC
// handler registry, one connection supervisor per accepted transport.Stream,
// and coordinated graceful shutdown (spec.md §4.3).
// file: internal/server/server.go
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fastproto/fastrpc/internal/ferrors"
	"github.com/fastproto/fastrpc/internal/logging"
	"github.com/fastproto/fastrpc/internal/metrics"
	"github.com/fastproto/fastrpc/internal/transport"
	"github.com/fastproto/fastrpc/internal/wire"
)

// Server holds the handler registry and shared configuration; it is safe
// for concurrent use across any number of simultaneously served
// connections. It does not own a listener — SPEC_FULL.md §2 explicitly
// leaves transport/listening to the caller.
type Server struct {
	logger          logging.Logger
	crcMode         wire.CRCMode
	maxDataLen      uint32
	shutdownTimeout time.Duration
	metrics         *metrics.Collector

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	connsMu sync.Mutex
	conns   map[string]*connection
	closing atomic.Bool
}

// NewServer builds a Server. crcMode/maxDataLen configure every accepted
// connection's codec; shutdownTimeout bounds Close's drain wait;
// nRecentRequests sizes the introspection ring buffer.
func NewServer(logger logging.Logger, crcMode wire.CRCMode, maxDataLen uint32, shutdownTimeout time.Duration, nRecentRequests int) *Server {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &Server{
		logger:          logger.WithField("component", "fastrpc_server"),
		crcMode:         crcMode,
		maxDataLen:      maxDataLen,
		shutdownTimeout: shutdownTimeout,
		metrics:         metrics.NewCollector(nRecentRequests),
		handlers:        make(map[string]Handler),
		conns:           make(map[string]*connection),
	}
}

// Metrics returns the server's introspection collector.
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// RegisterRPCMethod inserts handler into the dispatch table under method.
// Registering the same name twice is an error (spec.md §4.3).
func (s *Server) RegisterRPCMethod(method string, handler Handler) error {
	if method == "" {
		return ferrors.New("cannot register an RPC method with an empty name")
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, exists := s.handlers[method]; exists {
		return ferrors.New(fmt.Sprintf("RPC method %q is already registered", method))
	}
	s.handlers[method] = handler
	return nil
}

func (s *Server) lookupHandler(method string) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// Serve runs the per-connection decode/dispatch loop over stream until the
// stream ends, the connection is closed by graceful shutdown, or ctx is
// cancelled. It blocks for the connection's lifetime; callers typically
// invoke it in its own goroutine per accepted stream.
func (s *Server) Serve(ctx context.Context, stream transport.Stream) {
	if s.closing.Load() {
		_ = stream.Close()
		return
	}

	id := uuid.NewString()
	conn := newConnection(id, stream, s)

	s.connsMu.Lock()
	s.conns[id] = conn
	s.connsMu.Unlock()

	conn.serve(ctx)

	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
}

// Close initiates graceful shutdown (spec.md §4.3): every open connection
// stops accepting new requests and is given until shutdownTimeout to drain
// its in-flight handlers before being forced closed. Safe to call once;
// subsequent calls are no-ops.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.connsMu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.beginDrain()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, drainCtx := errgroup.WithContext(ctx)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.waitDrained(drainCtx)
			c.finish()
			return nil
		})
	}
	return g.Wait()
}
