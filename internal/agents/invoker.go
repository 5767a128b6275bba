// Package agents talks to the scoring and adjudication models and turns their
// replies into validated AgentResults.
package agents

import (
	"context"
	"time"
)

// Invoker sends one prompt to a model and returns its raw text reply. Errors
// carry a classify category when the transport can tell what went wrong.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
	Name() string
}

type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Timeout      time.Duration
}
