package domain

import (
	"strings"

	"github.com/google/uuid"
)

func ValidateClaim(c Claim) ValidationResult {
	failed := make([]string, 0)

	id, err := uuid.Parse(c.ID)
	if err != nil {
		failed = append(failed, "claim.id_uuid")
	} else if id.Version() != 4 {
		failed = append(failed, "claim.id_uuid_v4")
	}
	if c.Amount < 0 {
		failed = append(failed, "claim.amount_non_negative")
	}
	if strings.TrimSpace(c.Jurisdiction) == "" {
		failed = append(failed, "claim.jurisdiction_required")
	}
	seen := make(map[string]struct{}, len(c.Documents))
	for _, d := range c.Documents {
		if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Locator) == "" {
			failed = append(failed, "document.id_and_locator_required")
			continue
		}
		if _, dup := seen[d.ID]; dup {
			failed = append(failed, "document.id_unique")
		}
		seen[d.ID] = struct{}{}
		switch d.Type {
		case DocumentIntakeForm, DocumentPhoto, DocumentOfficialReport, DocumentEstimate, DocumentAudioStatement:
		default:
			failed = append(failed, "document.type_known")
		}
		if d.PageCount < 0 {
			failed = append(failed, "document.page_count_non_negative")
		}
	}

	return ValidationResult{FailedRules: failed}
}

// ValidateAgentResult checks the value ranges and the pairing between the
// decision and the optional findings.
func ValidateAgentResult(r AgentResult) ValidationResult {
	failed := make([]string, 0)

	switch r.Agent {
	case AgentSummarization, AgentFraud, AgentAdjudication:
	default:
		failed = append(failed, "result.agent_known")
	}
	switch r.Decision {
	case DecisionContinue, DecisionStop, DecisionHITL, DecisionApprove, DecisionDeny, DecisionBlocked:
	default:
		failed = append(failed, "result.decision_known")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		failed = append(failed, "result.confidence_range")
	}
	if outOfUnit(r.Findings.RiskScore) || outOfUnit(r.Findings.FraudScore) {
		failed = append(failed, "result.score_range")
	}
	if r.Findings.PayoutAmount != nil {
		if r.Decision != DecisionApprove {
			failed = append(failed, "result.payout_requires_approve")
		}
		if *r.Findings.PayoutAmount < 0 {
			failed = append(failed, "result.payout_non_negative")
		}
	}
	if r.Findings.DenialReason != nil && r.Decision != DecisionDeny && r.Decision != DecisionStop {
		failed = append(failed, "result.denial_reason_requires_deny_or_stop")
	}

	return ValidationResult{FailedRules: failed}
}

func outOfUnit(v *float64) bool {
	return v != nil && (*v < 0 || *v > 1)
}

func ValidationPassed(r ValidationResult) bool {
	return len(r.FailedRules) == 0
}
