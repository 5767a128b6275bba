package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	taggedJSON = regexp.MustCompile(`(?s)<json>\s*(\{.*?\})\s*</json>`)
)

// Validator turns raw agent replies into AgentResults. Every rejection is an
// INTERNAL error; nothing is ever defaulted.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("agent_result.json", strings.NewReader(domain.AgentResultJSONSchema)); err != nil {
		return nil, fmt.Errorf("add agent result schema: %w", err)
	}
	schema, err := compiler.Compile("agent_result.json")
	if err != nil {
		return nil, fmt.Errorf("compile agent result schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(agent domain.AgentID, raw string) (domain.AgentResult, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return domain.AgentResult{}, classify.Wrap(domain.CategoryInternal, "extract agent result", err)
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.AgentResult{}, classify.Wrap(domain.CategoryInternal, "parse agent result", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return domain.AgentResult{}, classify.Wrap(domain.CategoryInternal, "agent result schema", err)
	}

	var res domain.AgentResult
	if err := strictDecode(payload, &res); err != nil {
		return domain.AgentResult{}, classify.Wrap(domain.CategoryInternal, "decode agent result", err)
	}
	if res.Agent != agent {
		return domain.AgentResult{}, classify.Errorf(domain.CategoryInternal, "agent result from %q, expected %q", res.Agent, agent)
	}
	if vr := domain.ValidateAgentResult(res); !domain.ValidationPassed(vr) {
		return domain.AgentResult{}, classify.Errorf(domain.CategoryInternal, "agent result failed rules %v", vr.FailedRules)
	}
	return res, nil
}

// extractJSON pulls a single JSON object out of model text: a fenced block,
// a <json> tag, or the span from the first '{' to the last '}'.
func extractJSON(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty model output")
	}
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		return []byte(m[1]), nil
	}
	if m := taggedJSON.FindStringSubmatch(trimmed); m != nil {
		return []byte(m[1]), nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	return []byte(trimmed[start : end+1]), nil
}

func strictDecode(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
