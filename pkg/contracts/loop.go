package contracts

import (
	"fmt"
	"time"
)

// LoopState is the lifecycle state of a Loop.
type LoopState string

const (
	LoopCreated LoopState = "CREATED"
	LoopActive  LoopState = "ACTIVE"
	LoopPaused  LoopState = "PAUSED"
	LoopClosed  LoopState = "CLOSED"
)

// LoopTransition names a loop state-machine transition.
type LoopTransition string

const (
	TransitionActivate LoopTransition = "ACTIVATE"
	TransitionStop     LoopTransition = "STOP"
	TransitionResume   LoopTransition = "RESUME"
	TransitionClose    LoopTransition = "CLOSE"
)

// NextLoopState validates a transition and returns the resulting state.
// CREATED -> ACTIVE, ACTIVE <-> PAUSED, any -> CLOSED. CLOSED is
// terminal.
func NextLoopState(current LoopState, t LoopTransition) (LoopState, error) {
	switch {
	case current == LoopCreated && t == TransitionActivate:
		return LoopActive, nil
	case current == LoopActive && t == TransitionStop:
		return LoopPaused, nil
	case current == LoopPaused && t == TransitionResume:
		return LoopActive, nil
	case t == TransitionClose && current != LoopClosed:
		return LoopClosed, nil
	}
	return current, fmt.Errorf("%s via %s: %w", current, t, ErrInvalidTransition)
}

// LoopBudgets are the hard ceilings for a loop. Zero means unlimited.
// The governor never auto-extends a budget; crossing one raises
// BUDGET_EXHAUSTED and demands a human Decision.
type LoopBudgets struct {
	MaxIterations uint32        `json:"max_iterations" yaml:"max_iterations"`
	MaxOracleRuns uint32        `json:"max_oracle_runs" yaml:"max_oracle_runs"`
	MaxWallclock  time.Duration `json:"max_wallclock" yaml:"max_wallclock"`
}

// LoopConsumed are the monotonic consumption counters of a loop.
type LoopConsumed struct {
	Iterations uint32        `json:"iterations"`
	OracleRuns uint32        `json:"oracle_runs"`
	Wallclock  time.Duration `json:"wallclock"`
}

// Loop is a bounded workflow instance: the unit of governed agent work.
type Loop struct {
	ID           string       `json:"id"`
	Goal         string       `json:"goal"`
	State        LoopState    `json:"state"`
	Budgets      LoopBudgets  `json:"budgets"`
	Consumed     LoopConsumed `json:"consumed"`
	DirectiveRef string       `json:"directive_ref,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CreatedBy    ActorID      `json:"created_by"`
}

// StopTrigger is a stop-the-line condition blocking autonomous
// progression until a binding Decision resumes or closes the loop.
type StopTrigger string

const (
	TriggerBudgetExhausted  StopTrigger = "BUDGET_EXHAUSTED"
	TriggerRepeatedFailure  StopTrigger = "REPEATED_FAILURE"
	TriggerOracleTamper     StopTrigger = "ORACLE_TAMPER"
	TriggerOracleGap        StopTrigger = "ORACLE_GAP"
	TriggerOracleFlake      StopTrigger = "ORACLE_FLAKE"
	TriggerOracleEnvMismatch StopTrigger = "ORACLE_ENV_MISMATCH"
	TriggerHumanStop        StopTrigger = "HUMAN_STOP"
)
