// file: internal/fsm/fsm_test.go
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/fastproto/fastrpc/internal/logging"
	lfsm "github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These mirror internal/server's connection supervisor vocabulary
// (connStateAccepting/connStateDraining/connStateClosed and
// connEventBeginDrain/connEventClose) without importing the unexported
// constants from package server, plus a forceClose/reopen pair this
// wrapper's test suite uses to exercise guards, actions, and Reset.
const (
	connStateAccepting State = "accepting"
	connStateDraining  State = "draining"
	connStateClosed    State = "closed"

	connEventBeginDrain Event = "begin_drain"
	connEventClose      Event = "close"
	connEventForceClose Event = "force_close"
	connEventReopen     Event = "reopen"
)

// buildConnSupervisor builds the same Accepting -> Draining -> Closed shape
// internal/server wires on each connection (SPEC_FULL.md §4.3.1).
func buildConnSupervisor(t *testing.T) FSM {
	t.Helper()
	logger := logging.GetNoopLogger()
	builder := NewFSM(connStateAccepting, logger)

	builder.AddTransition(Transition{From: []State{connStateAccepting}, Event: connEventBeginDrain, To: connStateDraining})
	builder.AddTransition(Transition{From: []State{connStateAccepting, connStateDraining}, Event: connEventClose, To: connStateClosed})
	builder.AddTransition(Transition{From: []State{connStateClosed}, Event: connEventReopen, To: connStateAccepting})

	require.NoError(t, builder.Build(), "failed to build connection supervisor FSM")
	return builder
}

func TestFSM_NewFSM_ReturnsValidBuilder(t *testing.T) {
	builder := NewFSM(connStateAccepting, logging.GetNoopLogger())
	require.NotNil(t, builder, "NewFSM should return a non-nil instance")
}

func TestFSM_Build_CalledTwice_ReturnsNoError(t *testing.T) {
	builder := NewFSM(connStateAccepting, logging.GetNoopLogger())
	require.NoError(t, builder.Build())
	require.NoError(t, builder.Build(), "calling Build twice should be idempotent, not an error")
}

func TestFSM_BasicTransitions_Succeeds(t *testing.T) {
	sup := buildConnSupervisor(t)
	ctx := context.Background()

	assert.Equal(t, connStateAccepting, sup.CurrentState())

	require.NoError(t, sup.Transition(ctx, connEventBeginDrain, nil))
	assert.Equal(t, connStateDraining, sup.CurrentState())

	require.NoError(t, sup.Transition(ctx, connEventClose, nil))
	assert.Equal(t, connStateClosed, sup.CurrentState())
}

func TestFSM_InvalidTransition_ReturnsError(t *testing.T) {
	sup := buildConnSupervisor(t)
	ctx := context.Background()

	assert.False(t, sup.CanTransition(connEventReopen), "reopen is only valid from closed")
	err := sup.Transition(ctx, connEventReopen, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inappropriate in current state")
	assert.Equal(t, connStateAccepting, sup.CurrentState())
}

func TestFSM_TransitionWithAction_ExecutesAction(t *testing.T) {
	builder := NewFSM(connStateAccepting, logging.GetNoopLogger())
	var drainReason atomic.Value

	action := func(_ context.Context, event Event, data interface{}) error {
		assert.Equal(t, connEventBeginDrain, event)
		drainReason.Store(data.(string))
		return nil
	}

	builder.AddTransition(Transition{From: []State{connStateAccepting}, Event: connEventBeginDrain, To: connStateDraining, Action: action})
	require.NoError(t, builder.Build())

	ctx := context.Background()
	require.NoError(t, builder.Transition(ctx, connEventBeginDrain, "server shutdown"))
	assert.Equal(t, connStateDraining, builder.CurrentState())
	assert.Equal(t, "server shutdown", drainReason.Load())
}

func TestFSM_TransitionWithFailingAction_LogsError(t *testing.T) {
	builder := NewFSM(connStateAccepting, logging.GetNoopLogger())
	actionExecuted := atomic.Bool{}

	action := func(_ context.Context, _ Event, _ interface{}) error {
		actionExecuted.Store(true)
		return fmt.Errorf("failed to flush pending requests")
	}

	builder.AddTransition(Transition{From: []State{connStateAccepting}, Event: connEventBeginDrain, To: connStateDraining, Action: action})
	require.NoError(t, builder.Build())

	ctx := context.Background()
	err := builder.Transition(ctx, connEventBeginDrain, nil)

	require.NoError(t, err, "the transition itself succeeds even when its action fails")
	assert.Equal(t, connStateDraining, builder.CurrentState())
	assert.True(t, actionExecuted.Load())
	// TODO: Add mock logger assertion if capturing logs is implemented.
}

// TestFSM_TransitionWithGuard_AllowsAndBlocks exercises a guard gating a
// forced close on whether drain has actually finished — a hypothetical
// extension of the real connection supervisor, which today always allows
// connEventClose unconditionally.
func TestFSM_TransitionWithGuard_AllowsAndBlocks(t *testing.T) {
	builder := NewFSM(connStateDraining, logging.GetNoopLogger())
	drainComplete := true

	guard := func(_ context.Context, event Event, data interface{}) bool {
		require.Equal(t, connEventForceClose, event)
		require.Equal(t, "operator requested", data.(string))
		return drainComplete
	}

	builder.AddTransition(Transition{From: []State{connStateDraining}, Event: connEventForceClose, To: connStateClosed, Condition: guard})
	require.NoError(t, builder.Build())

	ctx := context.Background()

	drainComplete = true
	assert.True(t, builder.CanTransition(connEventForceClose))
	require.NoError(t, builder.Transition(ctx, connEventForceClose, "operator requested"))
	assert.Equal(t, connStateClosed, builder.CurrentState())

	require.NoError(t, builder.SetState(connStateDraining))
	require.Equal(t, connStateDraining, builder.CurrentState())

	drainComplete = false
	assert.True(t, builder.CanTransition(connEventForceClose), "CanTransition ignores guards")
	err := builder.Transition(ctx, connEventForceClose, "operator requested")
	require.Error(t, err)
	var canceledErr lfsm.CanceledError
	require.True(t, errors.As(err, &canceledErr), "error should wrap a CanceledError when the guard blocks")
	assert.Equal(t, connStateDraining, builder.CurrentState())
}

func TestFSM_Reset_RestoresInitialState(t *testing.T) {
	sup := buildConnSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.Transition(ctx, connEventBeginDrain, nil))
	require.NoError(t, sup.Transition(ctx, connEventClose, nil))
	require.Equal(t, connStateClosed, sup.CurrentState())

	require.NoError(t, sup.Reset())

	assert.Equal(t, connStateAccepting, sup.CurrentState())
	assert.True(t, sup.CanTransition(connEventBeginDrain))
	assert.False(t, sup.CanTransition(connEventReopen), "reopen is only valid from closed, not from the reset-to initial state")

	require.NoError(t, sup.Transition(ctx, connEventBeginDrain, nil))
	assert.Equal(t, connStateDraining, sup.CurrentState())
}

func TestFSM_Build_Fails_When_ConflictingDestinations(t *testing.T) {
	builder := NewFSM(connStateAccepting, logging.GetNoopLogger())

	builder.AddTransition(Transition{From: []State{connStateAccepting}, Event: connEventClose, To: connStateClosed})
	builder.AddTransition(Transition{From: []State{connStateAccepting}, Event: connEventClose, To: connStateDraining})

	err := builder.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting destinations")
}

func TestFSM_Build_Fails_When_MissingFromState(t *testing.T) {
	builder := NewFSM(connStateAccepting, logging.GetNoopLogger())

	builder.AddTransition(Transition{Event: connEventClose, To: connStateClosed})

	err := builder.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing 'From' states")
}
