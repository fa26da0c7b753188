package cachestream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ConnectionState enumerates the lifecycle states of a StreamManager.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateShutdown
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions encodes the table in the connection state machine: the
// set of states each state may transition to. SHUTDOWN is terminal — it has
// no outgoing edges.
var legalTransitions = map[ConnectionState]map[ConnectionState]bool{
	StateDisconnected: {StateConnecting: true, StateShutdown: true},
	StateConnecting:   {StateConnected: true, StateFailed: true, StateShutdown: true},
	StateConnected:    {StateReconnecting: true, StateFailed: true, StateShutdown: true},
	StateReconnecting: {StateConnected: true, StateFailed: true, StateShutdown: true},
	StateFailed:       {StateConnecting: true, StateShutdown: true},
	StateShutdown:     {},
}

// jobHandle bundles the cancellation and completion signal for one of the
// two long-running tasks a StateMachine owns (the stream task and the
// processor task).
type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StateMachine holds the atomic connection state and the mutex that
// serializes the multi-step lifecycle operations (start, stop, cleanup) that
// compose several transitions. Reads of the current state never block;
// composed operations must hold stateLock.
type StateMachine struct {
	state atomic.Int32

	stateLock sync.Mutex

	streamJob    *jobHandle
	processorJob *jobHandle
}

// NewStateMachine constructs a StateMachine starting in DISCONNECTED.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{}
	sm.state.Store(int32(StateDisconnected))
	return sm
}

// Current returns the current state without acquiring stateLock.
func (sm *StateMachine) Current() ConnectionState {
	return ConnectionState(sm.state.Load())
}

// Lock acquires stateLock for the duration of a composed lifecycle
// operation. Callers must defer sm.Unlock().
func (sm *StateMachine) Lock() {
	sm.stateLock.Lock()
}

// Unlock releases stateLock.
func (sm *StateMachine) Unlock() {
	sm.stateLock.Unlock()
}

// TransitionTo attempts to move from expected to next. If expected is -1,
// the transition is unconditional (the current state is read instead of
// compared). Either way, the (from, to) pair must appear in the legal
// transition table or the call fails and logs a warning. Safe to call
// without holding stateLock for a single-step transition; composed
// multi-step operations (start/stop/cleanup) must hold it.
func (sm *StateMachine) TransitionTo(expected, next ConnectionState) bool {
	var from ConnectionState
	if expected == ConnectionState(-1) {
		from = sm.Current()
	} else {
		from = expected
	}

	if !legalTransitions[from][next] {
		slog.Warn("rejected illegal state transition", "from", from, "to", next)
		return false
	}

	if expected == ConnectionState(-1) {
		sm.state.Store(int32(next))
		return true
	}

	return sm.state.CompareAndSwap(int32(expected), int32(next))
}

// SetStreamJob registers the stream task's cancellation and completion
// handle. Must be called while holding stateLock.
func (sm *StateMachine) SetStreamJob(cancel context.CancelFunc, done chan struct{}) {
	sm.streamJob = &jobHandle{cancel: cancel, done: done}
}

// SetProcessorJob registers the processor task's cancellation and
// completion handle. Must be called while holding stateLock.
func (sm *StateMachine) SetProcessorJob(cancel context.CancelFunc, done chan struct{}) {
	sm.processorJob = &jobHandle{cancel: cancel, done: done}
}

// CancelJobs requests both the stream task and the processor task to stop
// and waits for both to finish. Must be called while holding stateLock.
func (sm *StateMachine) CancelJobs() {
	jobs := []*jobHandle{sm.streamJob, sm.processorJob}
	sm.streamJob = nil
	sm.processorJob = nil

	for _, job := range jobs {
		if job == nil {
			continue
		}
		job.cancel()
	}
	for _, job := range jobs {
		if job == nil {
			continue
		}
		<-job.done
	}
}

// ClearJobsUnsafe drops references to both tasks without waiting for them to
// finish. This is the emergency path used when a setup error occurs before
// stateLock can safely be held long enough to join — e.g. the processor task
// failed to launch and there is nothing meaningful to wait for.
func (sm *StateMachine) ClearJobsUnsafe() {
	if sm.streamJob != nil {
		sm.streamJob.cancel()
		sm.streamJob = nil
	}
	if sm.processorJob != nil {
		sm.processorJob.cancel()
		sm.processorJob = nil
	}
}

// ErrIllegalTransition is returned by callers that want to surface a failed
// CAS transition as an error rather than just logging it.
func ErrIllegalTransition(from, to ConnectionState) error {
	return fmt.Errorf("illegal state transition from %s to %s", from, to)
}
