// Package errors provides structured error handling for the narrative engine.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Reasoning agent errors
	CodeAgentUnavailable   Code = "AGENT_UNAVAILABLE"
	CodeAgentTimeout       Code = "AGENT_TIMEOUT"
	CodeAgentSchemaInvalid Code = "AGENT_SCHEMA_INVALID"

	// Turn pipeline errors
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeIntentRejected    Code = "INTENT_REJECTED"
	CodeTurnInputEmpty    Code = "TURN_INPUT_EMPTY"
	CodeTurnInProgress    Code = "TURN_IN_PROGRESS"
	CodeConstraintViolate Code = "CONSTRAINT_VIOLATION"
	CodeCommitFailed      Code = "COMMIT_FAILED"

	// Ledger errors
	CodeCausalConflict     Code = "CAUSAL_CONFLICT"
	CodeDependencyCycle    Code = "DEPENDENCY_CYCLE"
	CodeDependencyPending  Code = "DEPENDENCY_PENDING"
	CodeSeedStatusConflict Code = "SEED_STATUS_CONFLICT"

	// Session errors
	CodeSessionEmptyCampaignID Code = "SESSION_EMPTY_CAMPAIGN_ID"
	CodeSessionNotActive       Code = "SESSION_NOT_ACTIVE"

	// Storage errors
	CodeNotFound            Code = "NOT_FOUND"
	CodeActiveSessionExists Code = "ACTIVE_SESSION_EXISTS"
)

// Retryable reports whether the caller may reasonably retry the failed operation.
func (c Code) Retryable() bool {
	switch c {
	case CodeAgentUnavailable, CodeAgentTimeout, CodeTurnInProgress, CodeCommitFailed:
		return true
	default:
		return false
	}
}

// UserFacing reports whether the code maps to an in-voice message instead of
// a system error.
func (c Code) UserFacing() bool {
	switch c {
	case CodeIntentRejected, CodeValidationFailed, CodeConstraintViolate,
		CodeCausalConflict, CodeTurnInputEmpty:
		return true
	default:
		return false
	}
}
