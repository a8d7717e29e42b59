// Package fsm wraps github.com/looplab/fsm behind a small builder interface:
// define transitions, Build() once, then drive the machine with Transition.
// internal/server's connection supervisor is the primary consumer — one
// instance per connection, driving Accepting -> Draining -> Closed per
// SPEC_FULL.md §4.3.1 — but the wrapper itself stays state-vocabulary
// agnostic so internal/mcp-style session machines could reuse it too.
// file: internal/fsm/fsm.go
package fsm

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fastproto/fastrpc/internal/logging"
	lfsm "github.com/looplab/fsm"
)

// State names a node in the machine, e.g. the connection supervisor's
// "accepting"/"draining"/"closed".
type State string

// Event names a trigger that may move the machine between states.
type Event string

// TransitionAction runs after a transition lands in To. data is whatever was
// passed to Transition.
type TransitionAction func(ctx context.Context, event Event, data interface{}) error

// GuardCondition runs before a transition is allowed to fire; returning
// false cancels it. data is whatever was passed to Transition.
type GuardCondition func(ctx context.Context, event Event, data interface{}) bool

// Transition declares that Event moves the machine from any state in From to
// To, optionally gated by Condition and followed by Action.
type Transition struct {
	From      []State
	To        State
	Event     Event
	Action    TransitionAction
	Condition GuardCondition
}

// FSM is the builder/driver interface: accumulate transitions, Build once,
// then drive the machine.
type FSM interface {
	// AddTransition records a transition. Call Build after the last one.
	AddTransition(transition Transition) FSM
	// Build compiles the recorded transitions into the underlying machine.
	// Must be called exactly once, after all AddTransition calls.
	Build() error
	// CurrentState returns the machine's current state.
	CurrentState() State
	// CanTransition reports whether event is defined for the current state.
	// It does not evaluate guard conditions.
	CanTransition(event Event) bool
	// Transition fires event, running its guard (if any) and then its
	// action (if any) on success.
	Transition(ctx context.Context, event Event, data interface{}) error
	// SetState forces the current state without running any transition.
	SetState(state State) error
	// Reset forces the state back to the machine's initial state.
	Reset() error
}

// loopFSM implements FSM over a github.com/looplab/fsm.FSM instance.
type loopFSM struct {
	initialState State
	logger       logging.Logger
	transitions  []Transition
	fsm          *lfsm.FSM // nil until Build succeeds.
	buildErr     error
	mu           sync.RWMutex

	// callbackMap and eventDescMap only hold intermediate state during Build.
	callbackMap  lfsm.Callbacks
	eventDescMap map[string]lfsm.EventDesc
}

// NewFSM returns a builder seeded at initialState. Call AddTransition for
// each edge, then Build.
func NewFSM(initialState State, logger logging.Logger) FSM {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &loopFSM{
		initialState: initialState,
		logger:       logger.WithField("component", "fsm_wrapper"),
		transitions:  make([]Transition, 0),
	}
}

// AddTransition records t for the next Build call.
func (l *loopFSM) AddTransition(t Transition) FSM {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fsm != nil {
		l.logger.Error("AddTransition called after Build")
		if l.buildErr == nil {
			l.buildErr = errors.New("cannot AddTransition after Build")
		}
		return l
	}
	if len(t.From) == 0 {
		l.logger.Error("transition missing From states", "event", t.Event, "to", t.To)
		if l.buildErr == nil {
			l.buildErr = errors.New("transition definition missing 'From' states")
		}
		return l
	}
	l.transitions = append(l.transitions, t)
	l.logger.Debug("recorded transition", "event", t.Event, "from", t.From, "to", t.To)
	return l
}

// Build compiles the recorded transitions into a looplab/fsm.FSM. Every
// transition sharing an Event name must agree on its Dst — looplab/fsm
// allows only one destination per event, not one per (event, source) pair —
// so a conflicting Dst fails the build rather than silently picking one.
func (l *loopFSM) Build() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fsm != nil {
		l.logger.Warn("Build called again on an already-built FSM")
		return l.buildErr
	}
	if l.buildErr != nil {
		l.logger.Error("Build called with invalid configuration", "error", l.buildErr)
		return l.buildErr
	}
	if len(l.transitions) == 0 {
		l.logger.Warn("building FSM with no transitions")
	}

	l.logger.Info("building FSM", "initialState", l.initialState, "transitions", len(l.transitions))

	l.callbackMap = make(lfsm.Callbacks)
	l.eventDescMap = make(map[string]lfsm.EventDesc)
	processedEvents := make(map[Event]struct{})

	for i, t := range l.transitions {
		eventName := string(t.Event)
		toStateStr := string(t.To)
		fromStatesStr := make([]string, len(t.From))
		for j, s := range t.From {
			fromStatesStr[j] = string(s)
		}

		desc, exists := l.eventDescMap[eventName]
		if !exists {
			desc = lfsm.EventDesc{Name: eventName, Dst: toStateStr}
		} else if desc.Dst != toStateStr {
			err := errors.Newf("conflicting destinations ('%s' and '%s') for the same event ('%s'): define separate events or use guards", desc.Dst, toStateStr, eventName)
			l.logger.Error("invalid FSM configuration", "error", err)
			l.buildErr = err
			return l.buildErr
		}
		desc.Src = append(desc.Src, fromStatesStr...)
		l.eventDescMap[eventName] = desc

		if _, alreadyProcessed := processedEvents[t.Event]; !alreadyProcessed {
			if t.Condition != nil {
				callbackName := "before_" + eventName
				if _, cbExists := l.callbackMap[callbackName]; cbExists {
					l.logger.Warn("overwriting existing guard callback for event", "event", eventName)
				}
				l.callbackMap[callbackName] = l.createGuardCallback(t)
			}
			if t.Action != nil {
				enterCallbackName := "enter_" + toStateStr
				l.callbackMap[enterCallbackName] = l.createActionCallback(i, l.callbackMap[enterCallbackName])
			}
			processedEvents[t.Event] = struct{}{}
		} else if t.Action != nil {
			enterCallbackName := "enter_" + toStateStr
			l.callbackMap[enterCallbackName] = l.createActionCallback(i, l.callbackMap[enterCallbackName])
		}
	}

	finalEvents := make([]lfsm.EventDesc, 0, len(l.eventDescMap))
	for _, desc := range l.eventDescMap {
		uniqueSrc := make(map[string]struct{})
		dedupedSrc := make([]string, 0, len(desc.Src))
		for _, s := range desc.Src {
			if _, exists := uniqueSrc[s]; !exists {
				uniqueSrc[s] = struct{}{}
				dedupedSrc = append(dedupedSrc, s)
			}
		}
		desc.Src = dedupedSrc
		finalEvents = append(finalEvents, desc)
	}

	l.fsm = lfsm.NewFSM(string(l.initialState), finalEvents, l.callbackMap)
	l.logger.Info("FSM built")
	return nil
}

// createGuardCallback builds the "before_<event>" callback for t. looplab
// fires before_<event> for every source state, so this re-checks that the
// actual source is one t declared before evaluating t.Condition.
func (l *loopFSM) createGuardCallback(t Transition) lfsm.Callback {
	return func(ctx context.Context, e *lfsm.Event) {
		isRelevantSource := false
		for _, srcState := range t.From {
			if e.Src == string(srcState) {
				isRelevantSource = true
				break
			}
		}
		if !isRelevantSource {
			return
		}

		var eventData interface{}
		if len(e.Args) > 0 {
			eventData = e.Args[0]
		}

		l.logger.Debug("checking guard", "event", t.Event, "from", e.Src, "to", t.To)
		if !t.Condition(ctx, t.Event, eventData) {
			l.logger.Debug("guard failed, cancelling transition", "event", t.Event, "from", e.Src)
			e.Cancel(errors.Newf("guard condition for event '%s' from state '%s' failed", t.Event, e.Src))
			return
		}
		l.logger.Debug("guard passed", "event", t.Event, "from", e.Src)
	}
}

// createActionCallback builds the "enter_<state>" callback for the
// transition at transitionIndex, chaining to nextCallback so multiple
// transitions entering the same state each still run their own action.
func (l *loopFSM) createActionCallback(transitionIndex int, nextCallback lfsm.Callback) lfsm.Callback {
	return func(ctx context.Context, e *lfsm.Event) {
		var matched *Transition
		l.mu.RLock()
		t := l.transitions[transitionIndex]
		if string(t.Event) == e.Event {
			for _, fromState := range t.From {
				if string(fromState) == e.Src {
					matched = &t
					break
				}
			}
		}
		l.mu.RUnlock()

		if matched != nil && matched.Action != nil {
			var eventData interface{}
			if len(e.Args) > 0 {
				eventData = e.Args[0]
			}
			l.logger.Debug("running transition action", "event", matched.Event, "to", matched.To, "from", e.Src)
			if err := matched.Action(ctx, matched.Event, eventData); err != nil {
				l.logger.Error("transition action failed", "event", matched.Event, "to", matched.To, "error", err)
			}
		}

		if nextCallback != nil {
			nextCallback(ctx, e)
		}
	}
}

// CurrentState returns the machine's current state.
func (l *loopFSM) CurrentState() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fsm == nil {
		l.logger.Error("CurrentState called before Build")
		return ""
	}
	return State(l.fsm.Current())
}

// CanTransition reports whether event is defined for the current state.
func (l *loopFSM) CanTransition(event Event) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fsm == nil {
		l.logger.Error("CanTransition called before Build")
		return false
	}
	return l.fsm.Can(string(event))
}

// Transition fires event against the underlying machine, translating
// looplab/fsm's error taxonomy (no-transition, guard cancellation,
// concurrent-event) into wrapped errors for the caller.
func (l *loopFSM) Transition(ctx context.Context, event Event, data interface{}) error {
	l.mu.RLock()
	if l.fsm == nil {
		l.mu.RUnlock()
		l.logger.Error("Transition called before Build")
		return l.buildErr
	}
	fsmInstance := l.fsm
	l.mu.RUnlock()

	l.logger.Debug("attempting transition", "event", event, "from", l.CurrentState())
	args := []interface{}{}
	if data != nil {
		args = append(args, data)
	}

	err := fsmInstance.Event(ctx, string(event), args...)
	if err != nil {
		errMsg := err.Error()
		switch {
		case errors.Is(err, &lfsm.NoTransitionError{}), errors.Is(err, &lfsm.InvalidEventError{}), errors.Is(err, &lfsm.UnknownEventError{}):
			l.logger.Warn("transition not applicable for current state", "event", event, "from", l.CurrentState(), "error", errMsg)
			return errors.Wrap(err, "transition not possible")
		case errors.Is(err, &lfsm.CanceledError{}), strings.Contains(errMsg, "guard condition"):
			l.logger.Info("transition cancelled by guard", "event", event, "from", l.CurrentState())
			return errors.Wrap(err, "transition cancelled by guard condition")
		case errors.Is(err, &lfsm.InTransitionError{}):
			l.logger.Error("concurrent transition attempt", "event", event, "error", errMsg)
			return errors.Wrap(err, "FSM concurrency error")
		default:
			l.logger.Error("transition failed", "event", event, "from", l.CurrentState(), "error", err)
			return errors.Wrapf(err, "failed to transition on event '%s' from state '%s'", event, l.CurrentState())
		}
	}

	l.logger.Debug("transition succeeded", "event", event, "new_state", l.CurrentState())
	return nil
}

// SetState forces the current state without running any transition's guard
// or action. internal/server does not call this directly today, but tests
// use it to set up mid-lifecycle fixtures cheaply.
func (l *loopFSM) SetState(state State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fsm == nil {
		l.logger.Error("SetState called before Build")
		return l.buildErr
	}
	l.logger.Warn("forcing FSM state", "target", state)
	l.fsm.SetState(string(state))
	return nil
}

// Reset forces the state back to the machine's initial state. It does not
// re-run any entry action, only moves the current-state marker.
func (l *loopFSM) Reset() error {
	l.logger.Info("resetting FSM to initial state", "initialState", l.initialState)
	return l.SetState(l.initialState)
}
