package models

import (
	"fmt"
	"time"
)

// StrategyState represents the current state of a strategy run
type StrategyState string

const (
	// StateWaiting means no entry has been taken yet
	StateWaiting StrategyState = "waiting"
	// StatePlaced means entry orders have been submitted to the broker
	StatePlaced StrategyState = "placed"
	// StateExecuted means every leg has a recorded fill
	StateExecuted StrategyState = "executed"
	// StateSquaredOff means the position was closed by the strategy
	StateSquaredOff StrategyState = "squared_off"
	// StateStopped means the run was shut down explicitly
	StateStopped StrategyState = "stopped"
)

// StateTransition defines a valid state transition
type StateTransition struct {
	From        StrategyState
	To          StrategyState
	Condition   string
	Description string
}

// Transition conditions.
const (
	ConditionEntrySignal = "entry_signal"
	ConditionEntryRetry  = "entry_retry"
	ConditionLegsFilled  = "legs_filled"
	ConditionExitSignal  = "exit_signal"
	ConditionShutdown    = "shutdown"
)

// ValidTransitions enumerates every allowed transition. The lifecycle is
// monotonic except that a placed entry may be retried back to waiting.
var ValidTransitions = []StateTransition{
	{StateWaiting, StatePlaced, ConditionEntrySignal, "Entry orders submitted"},
	{StatePlaced, StateWaiting, ConditionEntryRetry, "Entry rejected or abandoned, eligible to retry"},
	{StatePlaced, StateExecuted, ConditionLegsFilled, "Every leg has a recorded fill"},
	{StateExecuted, StateSquaredOff, ConditionExitSignal, "Profit target or stop loss reached"},

	{StateWaiting, StateStopped, ConditionShutdown, "Shutdown before entry"},
	{StatePlaced, StateStopped, ConditionShutdown, "Shutdown with entry pending"},
	{StateExecuted, StateStopped, ConditionShutdown, "Shutdown with open position"},
	{StateSquaredOff, StateStopped, ConditionShutdown, "Shutdown after square off"},
}

// StateMachine manages strategy state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[StrategyState]int
	currentState    StrategyState
	previousState   StrategyState
}

// NewStateMachine creates a new state machine in the waiting state
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateWaiting,
		previousState:   StateWaiting,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[StrategyState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() StrategyState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() StrategyState {
	return sm.previousState
}

// IsValidTransition checks if a transition is valid from the current state
func (sm *StateMachine) IsValidTransition(to StrategyState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to &&
			transition.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to StrategyState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++

	return nil
}

// GetTransitionCount returns how many times the machine entered a state
func (sm *StateMachine) GetTransitionCount(state StrategyState) int {
	return sm.transitionCount[state]
}

// InPosition reports whether the run currently holds (or is acquiring)
// market exposure
func (sm *StateMachine) InPosition() bool {
	return sm.currentState == StatePlaced || sm.currentState == StateExecuted
}

// Terminal reports whether the run has finished
func (sm *StateMachine) Terminal() bool {
	return sm.currentState == StateSquaredOff || sm.currentState == StateStopped
}

// Reset returns the machine to the waiting state for a fresh run
func (sm *StateMachine) Reset() {
	sm.currentState = StateWaiting
	sm.previousState = StateWaiting
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[StrategyState]int)
}
