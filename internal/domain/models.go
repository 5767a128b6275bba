package domain

import (
	"encoding/json"
	"time"
)

type DocumentType string

const (
	DocumentIntakeForm     DocumentType = "INTAKE_FORM"
	DocumentPhoto          DocumentType = "PHOTO"
	DocumentOfficialReport DocumentType = "OFFICIAL_REPORT"
	DocumentEstimate       DocumentType = "ESTIMATE"
	DocumentAudioStatement DocumentType = "AUDIO_STATEMENT"
)

type AgentID string

const (
	AgentSummarization AgentID = "SUMMARIZATION"
	AgentFraud         AgentID = "FRAUD"
	AgentAdjudication  AgentID = "ADJUDICATION"
)

type AgentDecision string

const (
	DecisionContinue AgentDecision = "CONTINUE"
	DecisionStop     AgentDecision = "STOP"
	DecisionHITL     AgentDecision = "HITL"
	DecisionApprove  AgentDecision = "APPROVE"
	DecisionDeny     AgentDecision = "DENY"
	DecisionBlocked  AgentDecision = "BLOCKED"
)

// AgentResultJSONSchema is the contract every scoring agent response must satisfy.
const AgentResultJSONSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["agent", "decision", "confidence", "rationale"],
  "properties": {
    "agent": {"enum": ["SUMMARIZATION", "FRAUD", "ADJUDICATION"]},
    "decision": {"enum": ["CONTINUE", "STOP", "HITL", "APPROVE", "DENY", "BLOCKED"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"},
    "evidence": {"type": "array", "items": {"type": "string"}},
    "findings": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "summary": {"type": "string"},
        "risk_score": {"type": "number", "minimum": 0, "maximum": 1},
        "fraud_score": {"type": "number", "minimum": 0, "maximum": 1},
        "payout_amount": {"type": ["number", "null"], "minimum": 0},
        "denial_reason": {"type": ["string", "null"]}
      }
    }
  }
}`

type Document struct {
	ID        string       `json:"id"`
	Type      DocumentType `json:"type"`
	Locator   string       `json:"locator"`
	MIMEType  string       `json:"mime_type,omitempty"`
	PageCount int          `json:"page_count,omitempty"`
}

type Claim struct {
	ID             string                   `json:"claim_id"`
	Amount         float64                  `json:"amount"`
	Jurisdiction   string                   `json:"jurisdiction"`
	Description    string                   `json:"description"`
	Documents      []Document               `json:"documents"`
	Status         ClaimStatus              `json:"status"`
	State          State                    `json:"state"`
	Outputs        map[Step]json.RawMessage `json:"outputs,omitempty"`
	ReviewReasons  []string                 `json:"review_reasons,omitempty"`
	ReviewDecision ReviewDecision           `json:"review_decision,omitempty"`
	Quarantine     *Quarantine              `json:"quarantine,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	ClosedAt       *time.Time               `json:"closed_at,omitempty"`
}

// Closed reports whether the claim has reached a state it will never leave.
func (c Claim) Closed() bool {
	return c.ClosedAt != nil
}

// Quarantine records the failure that moved a claim to ERROR.
type Quarantine struct {
	Step     Step          `json:"step"`
	Category ErrorCategory `json:"category"`
	Reason   string        `json:"reason"`
}

type DocumentExtract struct {
	ClaimID     string    `json:"claim_id"`
	DocumentID  string    `json:"document_id"`
	TextLocator string    `json:"text_locator"`
	Extractor   string    `json:"extractor"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
}

type Findings struct {
	Summary      string   `json:"summary,omitempty"`
	RiskScore    *float64 `json:"risk_score,omitempty"`
	FraudScore   *float64 `json:"fraud_score,omitempty"`
	PayoutAmount *float64 `json:"payout_amount,omitempty"`
	DenialReason *string  `json:"denial_reason,omitempty"`
}

type AgentResult struct {
	Agent      AgentID       `json:"agent"`
	Decision   AgentDecision `json:"decision"`
	Confidence float64       `json:"confidence"`
	Rationale  string        `json:"rationale"`
	Evidence   []string      `json:"evidence,omitempty"`
	Findings   Findings      `json:"findings,omitempty"`
}

// Score returns the fraud score, falling back to the risk score and then to
// the agent confidence when the findings carry neither.
func (r AgentResult) Score() float64 {
	if r.Findings.FraudScore != nil {
		return *r.Findings.FraudScore
	}
	if r.Findings.RiskScore != nil {
		return *r.Findings.RiskScore
	}
	return r.Confidence
}

// StepOutput is what a completed step leaves behind in the claim and in the
// idempotency store.
type StepOutput struct {
	Next       State             `json:"next"`
	Result     *AgentResult      `json:"result,omitempty"`
	Extracts   []DocumentExtract `json:"extracts,omitempty"`
	SummaryRef string            `json:"summary_ref,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Failure    *Quarantine       `json:"failure,omitempty"`
}

type StepRecord struct {
	ID            string         `json:"id"`
	ClaimID       string         `json:"claim_id"`
	Step          Step           `json:"step"`
	Attempt       int            `json:"attempt"`
	Status        StepStatus     `json:"status"`
	ErrorCategory *ErrorCategory `json:"error_category,omitempty"`
	BackoffMS     int64          `json:"backoff_ms,omitempty"`
	Detail        string         `json:"detail,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

type IdempotencyEntry struct {
	Fingerprint string          `json:"fingerprint"`
	ClaimID     string          `json:"claim_id"`
	Step        Step            `json:"step"`
	Response    json.RawMessage `json:"response"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the entry may be replaced at instant now.
func (e IdempotencyEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Suspension is a parked HUMAN_REVIEW step waiting for its continuation token.
type Suspension struct {
	Token      string          `json:"continuation_token"`
	ClaimID    string          `json:"claim_id"`
	SummaryRef string          `json:"summary_ref,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
	ConsumedAt *time.Time      `json:"consumed_at,omitempty"`
}

func (s Suspension) Consumed() bool {
	return s.ConsumedAt != nil
}

type FailureEvent struct {
	ClaimID  string        `json:"claim_id"`
	Step     Step          `json:"step"`
	Category ErrorCategory `json:"category"`
	Occurred time.Time     `json:"occurred_at"`
}

type DecisionEvent struct {
	ClaimID      string      `json:"claim_id"`
	Status       ClaimStatus `json:"status"`
	PayoutAmount *float64    `json:"payout_amount,omitempty"`
	Occurred     time.Time   `json:"occurred_at"`
}

type ValidationResult struct {
	FailedRules []string `json:"failed_rules"`
}

// AuditRecord is the per-claim ledger view handed to auditors.
type AuditRecord struct {
	ClaimID string       `json:"claim_id"`
	Status  ClaimStatus  `json:"status"`
	State   State        `json:"state"`
	Steps   []StepRecord `json:"steps"`
}
