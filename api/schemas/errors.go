package schemas

import "errors"

// Error taxonomy for the agent pipeline. Callers discriminate with
// errors.Is; components wrap these with fmt.Errorf("...: %w", ...) to add
// detail without losing identity.
var (
	// Cycle-entry gates. All recoverable by waiting or reconfiguring.
	ErrAgentDisabled     = errors.New("agent is disabled or kill switch is set")
	ErrAgentPaused       = errors.New("agent is paused")
	ErrDailyLimitReached = errors.New("daily decision limit reached")
	ErrCycleInProgress   = errors.New("an analysis cycle is already running")

	// Decision-id misuse.
	ErrNotFound     = errors.New("decision not found")
	ErrInvalidState = errors.New("decision is not in a valid state for this operation")

	// Execution-stage failures.
	ErrSandboxFailed       = errors.New("sandbox validation failed")
	ErrForbiddenPath       = errors.New("bundle touches a forbidden path")
	ErrDeployFailed        = errors.New("deployment failed")
	ErrRollbackUnavailable = errors.New("no backup available for rollback")
)
