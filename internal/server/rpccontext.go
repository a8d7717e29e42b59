// file: internal/server/rpccontext.go
package server

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/fastproto/fastrpc/internal/ferrors"
	"github.com/fastproto/fastrpc/internal/logging"
)

// Handler is the signature registered via Server.RegisterRPCMethod. A
// handler drives its RPCContext to exactly one terminal: calling End or
// Fail itself, or returning a non-nil error (treated as an implicit Fail)
// or nil (treated as an implicit End) if it never calls either.
type Handler func(ctx context.Context, rc *RPCContext) error

const (
	requestStateRunning = "running"
	requestStateEnded   = "ended"
	requestStateFailed  = "failed"

	requestTriggerEnd  = "end"
	requestTriggerFail = "fail"
)

// RPCContext is the server_request entity from spec.md §3/§4.3: identity,
// args, and the write/end/fail operations a handler drives. Its lifecycle
// is guarded by a qmuntal/stateless machine (Running -> Ended / Failed),
// grounded on the teacher's connection-manager use of the same library for
// request lifecycle, retargeted to this protocol's End/Fail triggers.
type RPCContext struct {
	connID string
	reqID  uint32
	method string
	args   []interface{}

	logger logging.Logger
	conn   *connection

	mu sync.Mutex
	sm *stateless.StateMachine
}

func newRPCContext(connID string, reqID uint32, method string, args []interface{}, conn *connection, logger logging.Logger) *RPCContext {
	rc := &RPCContext{
		connID: connID,
		reqID:  reqID,
		method: method,
		args:   args,
		logger: logger,
		conn:   conn,
	}
	rc.sm = stateless.NewStateMachine(requestStateRunning)
	rc.sm.Configure(requestStateRunning).
		Permit(requestTriggerEnd, requestStateEnded).
		Permit(requestTriggerFail, requestStateFailed)
	rc.sm.Configure(requestStateEnded)
	rc.sm.Configure(requestStateFailed)
	return rc
}

// ConnectionID returns the owning connection's id.
func (rc *RPCContext) ConnectionID() string { return rc.connID }

// RequestID returns the msgid this context was created for.
func (rc *RPCContext) RequestID() uint32 { return rc.reqID }

// MethodName returns the RPC method name the client requested.
func (rc *RPCContext) MethodName() string { return rc.method }

// Argv returns the client-supplied argument sequence.
func (rc *RPCContext) Argv() []interface{} { return rc.args }

func (rc *RPCContext) canFire(trigger stateless.Trigger) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ok, _ := rc.sm.CanFire(trigger)
	return ok
}

// Write sends one data item right away as its own single-item DATA frame;
// nothing is buffered or batched. A no-op,
// diagnostically logged, once the request has reached a terminal state
// (spec.md §4.3: "calls after termination are no-ops with a diagnostic
// log").
func (rc *RPCContext) Write(v interface{}) {
	if !rc.canFire(requestTriggerEnd) {
		rc.logger.Warn("write() after request terminal, ignored", "connId", rc.connID, "reqId", rc.reqID)
		return
	}
	rc.conn.sendData(rc.reqID, rc.method, []interface{}{v})
}

// End emits one END frame carrying v (an empty d when v is empty) and
// transitions the request to its terminal Ended state.
func (rc *RPCContext) End(v ...interface{}) {
	rc.mu.Lock()
	err := rc.sm.Fire(requestTriggerEnd)
	rc.mu.Unlock()
	if err != nil {
		rc.logger.Warn("end() after request terminal, ignored", "connId", rc.connID, "reqId", rc.reqID)
		return
	}
	rc.conn.sendEnd(rc.reqID, rc.method, v)
}

// Fail emits one ERROR frame built from err's wire shape and transitions
// the request to its terminal Failed state.
func (rc *RPCContext) Fail(err error) {
	rc.mu.Lock()
	fireErr := rc.sm.Fire(requestTriggerFail)
	rc.mu.Unlock()
	if fireErr != nil {
		rc.logger.Warn("fail() after request terminal, ignored", "connId", rc.connID, "reqId", rc.reqID, "error", err)
		return
	}
	rc.conn.sendError(rc.reqID, rc.method, err)
}

// isTerminal reports whether End or Fail has already run, used by the
// connection to decide whether a handler that returned without calling
// either still needs an implicit terminal emitted.
func (rc *RPCContext) isTerminal() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.sm.MustState() != requestStateRunning
}

// errShapeFromErr extracts a {name,message,info?,context?} mapping from a
// fastrpc error, or falls back to a generic wrapping for a plain error.
func errShapeFromErr(err error) map[string]interface{} {
	if err == nil {
		return map[string]interface{}{"name": "FastError", "message": "handler failed"}
	}
	shape := ferrors.WireData(err)
	return shape
}
