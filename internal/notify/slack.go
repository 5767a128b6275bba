package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts review requests to a reviewer channel.
type Slack struct {
	api     slackPoster
	channel string
}

func NewSlack(token, channel string) *Slack {
	return &Slack{api: slack.New(token), channel: channel}
}

func (s *Slack) NotifyReview(ctx context.Context, req ReviewRequest) error {
	text := fmt.Sprintf("Claim %s needs review.\nSummary: %s\nResume with token `%s` at %s",
		req.ClaimID, orNone(req.SummaryRef), req.ContinuationToken, req.CallbackURL)
	return s.post(ctx, text)
}

func (s *Slack) NotifyExpired(ctx context.Context, alert ExpiryAlert) error {
	return s.post(ctx, fmt.Sprintf(":warning: Claim %s was denied by default: %s", alert.ClaimID, alert.Reason))
}

func (s *Slack) post(ctx context.Context, text string) error {
	if _, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
