// Package client implements the fast protocol client engine: msgid
// allocation, the pending/aborted request tables, inbound message routing,
// fatal-error fan-out, and per-request timeout (spec.md §4.2).
// file: internal/client/client.go
package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastproto/fastrpc/internal/ferrors"
	"github.com/fastproto/fastrpc/internal/logging"
	"github.com/fastproto/fastrpc/internal/message"
	"github.com/fastproto/fastrpc/internal/metrics"
	"github.com/fastproto/fastrpc/internal/transport"
	"github.com/fastproto/fastrpc/internal/wire"
)

// Client is one fast-protocol client engine instance, driving a single
// transport.Stream. Construction parameters mirror spec.md §4.2's public
// contract: a logger, a stream, and a recent-requests retention size.
type Client struct {
	logger  logging.Logger
	stream  transport.Stream
	encoder *wire.Encoder
	decoder *wire.Decoder
	metrics *metrics.Collector

	mu        sync.Mutex
	nextMsgid uint32
	pending   map[uint32]*Request
	aborted   map[uint32]*Request // msgid -> request awaiting its server END
	detached  bool
	fatalErr  error

	fatalCount uint64

	errorHandlerMu sync.Mutex
	errorHandler   func(error)
	errorFired     bool

	readDone chan struct{}
}

// NewClient builds a Client over stream, using crcMode/maxDataLen for the
// frame codec and retaining up to nRecentRequests completed requests for
// introspection. It starts the background read loop immediately.
func NewClient(logger logging.Logger, stream transport.Stream, crcMode wire.CRCMode, maxDataLen uint32, nRecentRequests int) *Client {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	c := &Client{
		logger:   logger.WithField("component", "fastrpc_client"),
		stream:   stream,
		encoder:  wire.NewEncoder(crcMode),
		decoder:  wire.NewDecoder(crcMode, maxDataLen),
		metrics:  metrics.NewCollector(nRecentRequests),
		pending:  make(map[uint32]*Request),
		aborted:  make(map[uint32]*Request),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Metrics returns the client's introspection collector (spec.md §6's
// introspection snapshot).
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// allocateMsgidLocked implements spec.md §4.2's allocator: monotonic,
// starting at 0, incremented before use, wrapping to 1 when it would reach
// MsgidMax. Caller holds c.mu.
func (c *Client) allocateMsgidLocked() uint32 {
	c.nextMsgid++
	if c.nextMsgid == message.MsgidMax {
		c.nextMsgid = 1
	}
	return c.nextMsgid
}

// RPC allocates a msgid, records the request as pending, emits a DATA
// frame, and returns the new Request. If the client is already detached or
// has hit a fatal engine error, the returned Request fails asynchronously
// with a TransportError, matching spec.md §4.2.
func (c *Client) RPC(ctx context.Context, method string, args []interface{}, timeout time.Duration) *Request {
	c.mu.Lock()
	if c.detached || c.fatalErr != nil {
		c.mu.Unlock()
		req := newRequest(c, 0, method, args)
		go req.deliverTerminal(ferrors.NewTransportError("client is detached from its transport", c.fatalErr))
		return req
	}
	msgid := c.allocateMsgidLocked()
	req := newRequest(c, msgid, method, args)
	c.pending[msgid] = req
	c.mu.Unlock()

	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { c.onRequestTimeout(req) })
	}

	c.metrics.Start(msgid, method)

	argValues := make([]interface{}, len(args))
	copy(argValues, args)
	msg := message.Message{
		Msgid:  msgid,
		Status: message.StatusData,
		Data: message.Data{
			M: message.Meta{Name: method},
			D: argValues,
		},
	}

	frame, err := c.encoder.Encode(msg)
	if err != nil {
		c.abortRequest(req, ferrors.NewEncodeError("failed to encode rpc request", err))
		return req
	}

	writeCtx := ctx
	if writeCtx == nil {
		writeCtx = context.Background()
	}
	if err := c.stream.Write(writeCtx, frame); err != nil {
		c.abortRequest(req, ferrors.NewTransportError("failed to write rpc frame", err))
	}
	return req
}

// abortRequest moves req from pending to the aborted table and delivers the
// terminal asynchronously. cause defaults to a plain RequestAbortedError
// when nil (the local, caller-initiated abort path); timeouts and encode
// failures pass their own cause.
func (c *Client) abortRequest(req *Request, cause error) {
	c.mu.Lock()
	if _, ok := c.pending[req.Msgid]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, req.Msgid)
	c.aborted[req.Msgid] = req
	c.mu.Unlock()

	if req.timer != nil {
		req.timer.Stop()
	}
	req.setState(StateAborted)

	if cause == nil {
		cause = ferrors.NewAbortedError(nil)
	}
	go req.deliverTerminal(cause)
}

func (c *Client) onRequestTimeout(req *Request) {
	cause := ferrors.NewTimeoutError(fmt.Sprintf("request %d (%s) timed out", req.Msgid, req.Method))
	c.abortRequest(req, cause)
}

// Detach stops reading/writing the transport and fails every pending
// request with TransportError('client detached from transport'). Idempotent.
func (c *Client) Detach() {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	pendingReqs := make([]*Request, 0, len(c.pending))
	for _, r := range c.pending {
		pendingReqs = append(pendingReqs, r)
	}
	c.pending = make(map[uint32]*Request)
	c.mu.Unlock()

	_ = c.stream.Close()

	for _, r := range pendingReqs {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.setState(StateCompletedErr)
		go r.deliverTerminal(ferrors.NewTransportError("client detached from transport", nil))
	}
}

// OnError registers the engine-level error handler, which fires exactly
// once on the first fatal error (spec.md §4.2's fatal-error fan-out).
func (c *Client) OnError(handler func(error)) {
	c.errorHandlerMu.Lock()
	defer c.errorHandlerMu.Unlock()
	c.errorHandler = handler
}

func (c *Client) fireErrorHandlerOnce(err error) {
	c.errorHandlerMu.Lock()
	handler := c.errorHandler
	already := c.errorFired
	c.errorFired = true
	c.errorHandlerMu.Unlock()

	if !already && handler != nil {
		handler(err)
	}
}

// readLoop feeds stream bytes to the decoder and routes decoded messages
// until the stream ends or a fatal error occurs.
func (c *Client) readLoop() {
	defer close(c.readDone)
	ctx := context.Background()

	for {
		chunk, err := c.stream.Read(ctx)
		if len(chunk) > 0 {
			msgs, decErr := c.decoder.Feed(chunk)
			for _, m := range msgs {
				c.routeMessage(m)
			}
			if decErr != nil {
				c.handleFatal(decErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF || transport.IsClosedError(err) {
				c.handleTransportEnd()
				return
			}
			c.handleFatal(ferrors.NewTransportError("stream read failed", err))
			return
		}
	}
}

// routeMessage implements spec.md §4.2's inbound routing algorithm.
func (c *Client) routeMessage(m message.Message) {
	c.mu.Lock()
	if abortedReq, isAborted := c.aborted[m.Msgid]; isAborted {
		if m.Status == message.StatusEnd {
			delete(c.aborted, m.Msgid)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		abortedReq.incrementIgnored()
		return
	}

	req, isPending := c.pending[m.Msgid]
	if !isPending {
		c.mu.Unlock()
		c.handleFatal(ferrors.NewProtocolError(ferrors.CodeUnknownMsgid,
			fmt.Sprintf("fast protocol: received message with unknown msgid %d", m.Msgid), nil))
		return
	}

	switch m.Status {
	case message.StatusData:
		c.mu.Unlock()
		for _, v := range m.Values() {
			req.push(Event{Data: v})
		}

	case message.StatusEnd:
		delete(c.pending, m.Msgid)
		c.mu.Unlock()
		for _, v := range m.Values() {
			req.push(Event{Data: v})
		}
		if req.timer != nil {
			req.timer.Stop()
		}
		req.setState(StateCompletedOK)
		req.deliverSuccess()
		c.metrics.Done(m.Msgid, metrics.OutcomeOK, "")

	case message.StatusError:
		delete(c.pending, m.Msgid)
		c.mu.Unlock()
		name, msg, info, ctxMap, aseErrors := m.ErrorShape()
		serverErr := ferrors.NewServerError(name, msg, info, ctxMap, aseErrors)
		if req.timer != nil {
			req.timer.Stop()
		}
		req.setState(StateCompletedErr)
		req.deliverTerminal(serverErr)
		c.metrics.Done(m.Msgid, metrics.OutcomeError, serverErr.Error())
	}
}

// handleTransportEnd implements spec.md §4.2's transport-end handling:
// benign if no request is pending, otherwise a fatal protocol error.
func (c *Client) handleTransportEnd() {
	c.mu.Lock()
	pendingCount := len(c.pending)
	c.mu.Unlock()

	if pendingCount == 0 {
		c.logger.Debug("transport ended with no requests pending")
		return
	}
	c.handleFatal(ferrors.NewProtocolError(ferrors.CodeIncompleteMessage,
		"unexpected end of transport stream", nil))
}

// handleFatal implements the fatal-error fan-out: first fatal error fires
// the engine's error handler once and aborts every pending request;
// subsequent fatals are only logged and counted.
func (c *Client) handleFatal(err error) {
	c.mu.Lock()
	alreadyFatal := c.fatalErr != nil
	if !alreadyFatal {
		c.fatalErr = err
	}
	pendingReqs := make([]*Request, 0, len(c.pending))
	for _, r := range c.pending {
		pendingReqs = append(pendingReqs, r)
	}
	c.pending = make(map[uint32]*Request)
	c.mu.Unlock()

	if alreadyFatal {
		atomic.AddUint64(&c.fatalCount, 1)
		c.logger.Warn("additional fatal engine error after first", "error", err)
		return
	}

	c.logger.Error("fatal engine error", "error", err)
	c.fireErrorHandlerOnce(err)

	for _, r := range pendingReqs {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.setState(StateCompletedErr)
		go r.deliverTerminal(ferrors.NewAbortedError(err))
	}
}
