package enums

import "fmt"

// SagaStatus is the derived workflow state of one file's processing saga.
type SagaStatus string

const (
	SagaStarted                    SagaStatus = "started"
	SagaAwaitingValidation         SagaStatus = "awaiting-validation"
	SagaAwaitingProcessingBranches SagaStatus = "awaiting-processing-branches"
	SagaPartiallyCompleted         SagaStatus = "partially-completed"
	SagaCompleted                  SagaStatus = "completed"
	SagaFailed                     SagaStatus = "failed"
	SagaTimedOut                   SagaStatus = "timed-out"
)

// SagaStatuses lists every saga status in lifecycle order.
var SagaStatuses = []SagaStatus{
	SagaStarted,
	SagaAwaitingValidation,
	SagaAwaitingProcessingBranches,
	SagaPartiallyCompleted,
	SagaCompleted,
	SagaFailed,
	SagaTimedOut,
}

// TerminalSagaStatuses never transition again.
var TerminalSagaStatuses = []SagaStatus{SagaCompleted, SagaFailed, SagaTimedOut}

func (s SagaStatus) IsValid() bool {
	for _, candidate := range SagaStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s SagaStatus) IsTerminal() bool {
	for _, candidate := range TerminalSagaStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseSagaStatus converts raw input into SagaStatus.
func ParseSagaStatus(value string) (SagaStatus, error) {
	for _, candidate := range SagaStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid saga status %q", value)
}

// ComparisonStatus is the result of checking the saga against the projection's completion signal.
type ComparisonStatus string

const (
	ComparisonPending  ComparisonStatus = "pending"
	ComparisonMatch    ComparisonStatus = "match"
	ComparisonMismatch ComparisonStatus = "mismatch"
)

func (c ComparisonStatus) IsValid() bool {
	switch c {
	case ComparisonPending, ComparisonMatch, ComparisonMismatch:
		return true
	}
	return false
}
