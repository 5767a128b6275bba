package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"claim-orchestrator/internal/domain"
)

const BASE_SYSTEM = `You are an insurance claim {{ROLE}} engine.
You must output ONLY valid JSON and nothing else.
No markdown. No comments. No extra keys.
The "agent" field must be {{AGENT}}.`

const STRICT_SYSTEM = `You are an insurance claim {{ROLE}} engine.
Your previous answer could not be parsed or broke the result contract.
Return exactly one JSON object that matches the schema. No prose before or after it.
No markdown fences. No extra keys. The "agent" field must be {{AGENT}}.
Only APPROVE may carry findings.payout_amount. Only DENY or STOP may carry findings.denial_reason.`

const BASE_USER_TEMPLATE = `Assess the claim below and return an agent result.

Rules:
- Output JSON only.
- Use the schema keys exactly.
- confidence and every score must be a number between 0 and 1.
- Numbers must be plain numbers, no currency symbols.
- {{DECISION_RULE}}

Schema (JSON Schema):
{{JSON_SCHEMA}}

Claim context:
{{CLAIM_CONTEXT}}

Return JSON only.`

var roles = map[domain.AgentID]string{
	domain.AgentSummarization: "summarization",
	domain.AgentFraud:         "fraud screening",
	domain.AgentAdjudication:  "adjudication",
}

var decisionRules = map[domain.AgentID]string{
	domain.AgentSummarization: `decision is CONTINUE unless the documents are unusable (HITL). Put the narrative in findings.summary.`,
	domain.AgentFraud:         `decision is CONTINUE, HITL, STOP or BLOCKED. Put the fraud probability in findings.fraud_score.`,
	domain.AgentAdjudication:  `decision is APPROVE with findings.payout_amount, DENY with findings.denial_reason, or HITL when unsure.`,
}

// Input is the claim context handed to an agent.
type Input struct {
	ClaimID      string                   `json:"claim_id"`
	Amount       float64                  `json:"amount"`
	Jurisdiction string                   `json:"jurisdiction"`
	Description  string                   `json:"description,omitempty"`
	Summary      string                   `json:"summary,omitempty"`
	Extracts     []domain.DocumentExtract `json:"extracts,omitempty"`
	Prior        []domain.AgentResult     `json:"prior_results,omitempty"`
}

func RenderTemplate(tpl string, vars map[string]string) string {
	rendered := tpl
	for k, v := range vars {
		rendered = strings.ReplaceAll(rendered, "{{"+k+"}}", v)
	}
	return rendered
}

func BuildSystemPrompt(agent domain.AgentID, strict bool) string {
	tpl := BASE_SYSTEM
	if strict {
		tpl = STRICT_SYSTEM
	}
	return RenderTemplate(tpl, map[string]string{
		"ROLE":  roles[agent],
		"AGENT": string(agent),
	})
}

func BuildUserPrompt(agent domain.AgentID, in Input) (string, error) {
	rule, ok := decisionRules[agent]
	if !ok {
		return "", fmt.Errorf("unknown agent %q", agent)
	}
	ctxJSON, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", err
	}
	return RenderTemplate(BASE_USER_TEMPLATE, map[string]string{
		"DECISION_RULE": rule,
		"JSON_SCHEMA":   domain.AgentResultJSONSchema,
		"CLAIM_CONTEXT": string(ctxJSON),
	}), nil
}
