// file: internal/client/request.go
package client

import (
	"context"
	"sync"
	"time"

	"github.com/fastproto/fastrpc/internal/ferrors"
)

// State is the client request entity's lifecycle position (spec.md §3).
type State int

const (
	StatePending State = iota
	StateAborted
	StateCompletedOK
	StateCompletedErr
)

// String renders the state the way it appears in log fields.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAborted:
		return "aborted"
	case StateCompletedOK:
		return "completed_ok"
	case StateCompletedErr:
		return "completed_err"
	default:
		return "unknown"
	}
}

// Event is one item of a request stream: either a delivered data value, or
// the single terminal (Done true; Err nil on success, non-nil on failure).
type Event struct {
	Data interface{}
	Done bool
	Err  error
}

// Request is the client request entity from spec.md §3: identity, args,
// lifecycle state, delivery counters, and the request stream itself.
type Request struct {
	Msgid  uint32
	Method string
	Args   []interface{}

	client *Client
	timer  *time.Timer

	mu          sync.Mutex
	state       State
	ndata       int
	nignored    int
	lastMessage interface{}
	err         error

	queue  []Event
	notify chan struct{}

	terminalOnce sync.Once
}

func newRequest(c *Client, msgid uint32, method string, args []interface{}) *Request {
	return &Request{
		Msgid:  msgid,
		Method: method,
		Args:   args,
		client: c,
		state:  StatePending,
		notify: make(chan struct{}, 1),
	}
}

// Recv blocks until the next event is available or ctx is done. Once a Done
// event has been returned, every subsequent Recv call returns the same
// terminal event again with ok=true — callers should stop calling Recv
// after observing Done.
func (r *Request) Recv(ctx context.Context) (Event, bool) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			ev := r.queue[0]
			if !ev.Done {
				r.queue = r.queue[1:]
			}
			r.mu.Unlock()
			return ev, true
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-r.notify:
		}
	}
}

// State returns the request's current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Abort moves a still-pending request to the aborted table and
// asynchronously delivers a RequestAbortedError terminal (spec.md §4.2).
// A no-op if the request already reached a terminal state.
func (r *Request) Abort() {
	r.client.abortRequest(r, nil)
}

func (r *Request) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Request) push(ev Event) {
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	if ev.Data != nil {
		r.ndata++
	}
	r.lastMessage = ev
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Request) incrementIgnored() {
	r.mu.Lock()
	r.nignored++
	r.mu.Unlock()
}

// deliverSuccess delivers the single successful terminal (END received).
// Only the first call has any effect — a request stream emits exactly one
// terminal event (spec.md §3's invariant).
func (r *Request) deliverSuccess() {
	r.terminalOnce.Do(func() {
		r.push(Event{Done: true})
	})
}

// deliverTerminal wraps cause as a FastRequestError (spec.md §7's
// RequestError, which always wraps a deeper cause and always carries
// rpcMsgid/rpcMethod) and delivers it as the single terminal event.
func (r *Request) deliverTerminal(cause error) {
	r.terminalOnce.Do(func() {
		wrapped := ferrors.NewRequestError(r.Msgid, r.Method, cause)
		r.mu.Lock()
		r.err = wrapped
		r.mu.Unlock()
		r.push(Event{Err: wrapped, Done: true})
	})
}

// Err returns the request's terminal error, or nil if it completed
// successfully or has not yet terminated.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
