package domain

import "errors"

type ClaimStatus string

const (
	StatusIntake     ClaimStatus = "INTAKE"
	StatusProcessing ClaimStatus = "PROCESSING"
	StatusFlagged    ClaimStatus = "FLAGGED"
	StatusApproved   ClaimStatus = "APPROVED"
	StatusDenied     ClaimStatus = "DENIED"
)

type State string

const (
	StateExtract     State = "EXTRACT"
	StateSummarize   State = "SUMMARIZE"
	StateRoute       State = "ROUTE"
	StateFraudCheck  State = "FRAUD_CHECK"
	StateAdjudicate  State = "ADJUDICATE"
	StateEvaluate    State = "EVALUATE"
	StateHumanReview State = "HUMAN_REVIEW"
	StateFinalize    State = "FINALIZE"
	StateRejected    State = "REJECTED"
	StateError       State = "ERROR"
	StateCancelled   State = "CANCELLED"
)

// Closing reports whether entering the state ends the pipeline once its step runs.
func (s State) Closing() bool {
	switch s {
	case StateFinalize, StateRejected, StateError, StateCancelled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateExtract, StateSummarize, StateRoute, StateFraudCheck, StateAdjudicate,
		StateEvaluate, StateHumanReview, StateFinalize, StateRejected, StateError, StateCancelled:
		return true
	}
	return false
}

// Step is the ledger name of a unit of work. Every state has a step of the
// same name; RESUME and CANCEL record out-of-band transitions.
type Step string

const (
	StepResume Step = "RESUME"
	StepCancel Step = "CANCEL"
)

func (s State) Step() Step {
	return Step(s)
}

type StepStatus string

const (
	StepStarted   StepStatus = "STARTED"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepRetrying  StepStatus = "RETRYING"
	StepCancelled StepStatus = "CANCELLED"
)

type ErrorCategory string

const (
	CategoryTransient    ErrorCategory = "TRANSIENT"
	CategoryThrottle     ErrorCategory = "THROTTLE"
	CategoryInvalidInput ErrorCategory = "INVALID_INPUT"
	CategoryAccessDenied ErrorCategory = "ACCESS_DENIED"
	CategoryInternal     ErrorCategory = "INTERNAL"
)

type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "APPROVE"
	ReviewDeny    ReviewDecision = "DENY"
	ReviewFlagged ReviewDecision = "FLAGGED"
)

func (d ReviewDecision) Valid() bool {
	switch d {
	case ReviewApprove, ReviewDeny, ReviewFlagged:
		return true
	}
	return false
}

// StatusFor maps a workflow state to the externally visible claim status.
func StatusFor(state State, review ReviewDecision) ClaimStatus {
	switch state {
	case StateExtract, StateSummarize, StateRoute, StateFraudCheck, StateAdjudicate, StateEvaluate:
		return StatusProcessing
	case StateHumanReview, StateError, StateCancelled:
		return StatusFlagged
	case StateRejected:
		return StatusDenied
	case StateFinalize:
		if review == ReviewFlagged {
			return StatusFlagged
		}
		return StatusApproved
	}
	return ""
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
