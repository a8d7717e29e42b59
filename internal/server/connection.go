// file: internal/server/connection.go
package server

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fastproto/fastrpc/internal/ferrors"
	"github.com/fastproto/fastrpc/internal/fsm"
	"github.com/fastproto/fastrpc/internal/logging"
	"github.com/fastproto/fastrpc/internal/message"
	"github.com/fastproto/fastrpc/internal/metrics"
	"github.com/fastproto/fastrpc/internal/transport"
	"github.com/fastproto/fastrpc/internal/wire"
)

const (
	connStateAccepting fsm.State = "accepting"
	connStateDraining  fsm.State = "draining"
	connStateClosed    fsm.State = "closed"

	connEventBeginDrain fsm.Event = "begin_drain"
	connEventClose      fsm.Event = "close"
)

// connection is one accepted transport.Stream: its decode loop, its request
// table, and the supervisor FSM from SPEC_FULL.md §4.3.1 (Accepting ->
// Draining -> Closed).
type connection struct {
	id      string
	stream  transport.Stream
	encoder *wire.Encoder
	decoder *wire.Decoder
	logger  logging.Logger
	metrics *metrics.Collector
	server  *Server

	supervisor fsm.FSM

	writeMu sync.Mutex

	reqMu    sync.Mutex
	requests map[uint32]*RPCContext
	wg       sync.WaitGroup

	cancel     context.CancelFunc
	finishOnce sync.Once
	done       chan struct{}
}

func newConnection(id string, stream transport.Stream, srv *Server) *connection {
	logger := srv.logger.WithField("connId", id)
	c := &connection{
		id:       id,
		stream:   stream,
		encoder:  wire.NewEncoder(srv.crcMode),
		decoder:  wire.NewDecoder(srv.crcMode, srv.maxDataLen),
		logger:   logger,
		metrics:  srv.metrics,
		server:   srv,
		requests: make(map[uint32]*RPCContext),
		done:     make(chan struct{}),
	}

	c.supervisor = fsm.NewFSM(connStateAccepting, logger)
	c.supervisor.AddTransition(fsm.Transition{From: []fsm.State{connStateAccepting}, To: connStateDraining, Event: connEventBeginDrain})
	c.supervisor.AddTransition(fsm.Transition{From: []fsm.State{connStateAccepting, connStateDraining}, To: connStateClosed, Event: connEventClose})
	if err := c.supervisor.Build(); err != nil {
		logger.Error("failed to build connection supervisor FSM", "error", err)
	}

	return c
}

// serve runs the decode loop until the stream ends, the supervisor is
// closed, or ctx is cancelled. It always returns after the connection has
// reached the Closed state.
func (c *connection) serve(parent context.Context) {
	c.logger.Info("conn-create")
	connCtx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	defer c.finish()

	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		chunk, err := c.stream.Read(connCtx)
		if len(chunk) > 0 {
			msgs, decErr := c.decoder.Feed(chunk)
			for _, m := range msgs {
				if !c.dispatch(connCtx, m) {
					return
				}
			}
			if decErr != nil {
				c.logger.Warn("decode failure, closing connection", "error", decErr)
				return
			}
		}
		if err != nil {
			switch {
			case err == io.EOF, transport.IsClosedError(err):
				// peer or supervisor closed the stream; nothing to log.
			case connCtx.Err() != nil:
				c.logger.Debug("read interrupted by shutdown", "error", err)
			default:
				c.logger.Warn("transport read failure, closing connection", "error", err)
			}
			return
		}

		if c.supervisor.CurrentState() == connStateDraining && c.activeCount() == 0 {
			return
		}
	}
}

// dispatch implements spec.md §4.3's decoder-output handling. It returns
// false when the connection must be closed (a protocol violation), true
// otherwise.
func (c *connection) dispatch(ctx context.Context, m message.Message) bool {
	if m.Status != message.StatusData {
		c.logger.Warn("client sent a non-DATA frame, closing connection", "status", m.Status.String())
		return false
	}

	method := m.Data.M.Name
	handler, registered := c.server.lookupHandler(method)
	if method == "" || !registered {
		c.sendError(m.Msgid, method, ferrors.New(fmt.Sprintf("unsupported RPC method: %s", method)))
		return true
	}

	c.reqMu.Lock()
	if _, dup := c.requests[m.Msgid]; dup {
		c.reqMu.Unlock()
		c.logger.Warn("reused msgid on connection, closing connection", "msgid", m.Msgid)
		return false
	}
	rc := newRPCContext(c.id, m.Msgid, method, m.Values(), c, c.logger)
	c.requests[m.Msgid] = rc
	c.reqMu.Unlock()

	c.metrics.Start(m.Msgid, method)
	c.logger.Debug("rpc-start", "msgid", m.Msgid, "method", method)

	c.wg.Add(1)
	go c.runHandler(ctx, handler, rc)
	return true
}

func (c *connection) runHandler(ctx context.Context, handler Handler, rc *RPCContext) {
	defer c.wg.Done()
	err := handler(ctx, rc)
	if !rc.isTerminal() {
		if err != nil {
			rc.Fail(err)
		} else {
			rc.End()
		}
	}
}

func (c *connection) activeCount() int {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return len(c.requests)
}

func (c *connection) removeRequest(msgid uint32) {
	c.reqMu.Lock()
	delete(c.requests, msgid)
	c.reqMu.Unlock()
}

func (c *connection) sendData(msgid uint32, method string, values []interface{}) {
	msg := message.Message{
		Msgid:  msgid,
		Status: message.StatusData,
		Data:   message.Data{M: message.Meta{Name: method}, D: values},
	}
	c.write(msg)
}

func (c *connection) sendEnd(msgid uint32, method string, values []interface{}) {
	if values == nil {
		values = []interface{}{}
	}
	msg := message.Message{
		Msgid:  msgid,
		Status: message.StatusEnd,
		Data:   message.Data{M: message.Meta{Name: method}, D: values},
	}
	c.write(msg)
	c.removeRequest(msgid)
	c.metrics.Done(msgid, metrics.OutcomeOK, "")
	c.logger.Debug("rpc-done", "msgid", msgid, "method", method)
}

func (c *connection) sendError(msgid uint32, method string, err error) {
	msg := message.Message{
		Msgid:  msgid,
		Status: message.StatusError,
		Data:   message.Data{M: message.Meta{Name: method}, D: errShapeFromErr(err)},
	}
	c.write(msg)
	c.removeRequest(msgid)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	c.metrics.Done(msgid, metrics.OutcomeError, errMsg)
	c.logger.Debug("rpc-done", "msgid", msgid, "method", method, "error", errMsg)
}

func (c *connection) write(m message.Message) {
	frame, err := c.encoder.Encode(m)
	if err != nil {
		c.logger.Error("failed to encode outbound frame", "msgid", m.Msgid, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.stream.Write(context.Background(), frame); err != nil {
		c.logger.Warn("failed to write outbound frame", "msgid", m.Msgid, "error", err)
	}
}

// beginDrain moves the connection into Draining: the decode loop will exit
// once its request map empties, per spec.md §4.3's graceful shutdown.
func (c *connection) beginDrain() {
	_ = c.supervisor.Transition(context.Background(), connEventBeginDrain, nil)
}

// finish closes the stream (unblocking any in-progress Read) and marks the
// supervisor Closed, emitting conn-destroy. Safe to call more than once —
// from the decode loop's own exit and from Close()'s forced-drain path —
// only the first call has any effect.
func (c *connection) finish() {
	c.finishOnce.Do(func() {
		_ = c.supervisor.Transition(context.Background(), connEventClose, nil)
		_ = c.stream.Close()
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.logger.Info("conn-destroy")
	})
}

// waitDrained blocks until every in-flight handler on this connection has
// returned, or ctx is done first.
func (c *connection) waitDrained(ctx context.Context) {
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}
}
