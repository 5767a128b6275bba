package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"claim-orchestrator/internal/domain"
)

const maxDetailRunes = 60

type ReplayOptions struct {
	*RootOptions
	ClaimID string
}

func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print a claim's step ledger in order",
		Long: `Print every ledger row recorded for a claim, oldest first, with the
claim's current status.

Examples:
  claimctl replay --claim 0b6c3c0e-8d8a-4a55-9f59-5d2b3f4c1a10
  claimctl replay --claim 0b6c3c0e-8d8a-4a55-9f59-5d2b3f4c1a10 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				return runReplay(ctx, opts, b, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ClaimID, "claim", "", "claim id (required)")
	_ = cmd.MarkFlagRequired("claim")
	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, b Backend, cmd *cobra.Command) error {
	rec, err := b.Ledger(ctx, opts.ClaimID)
	if errors.Is(err, domain.ErrNotFound) {
		return WrapExitError(ExitFailure, "claim not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load ledger", err)
	}

	out := opts.formatter(cmd)
	out.VerboseLog("loaded %d ledger rows for %s", len(rec.Steps), rec.ClaimID)
	if out.JSON() {
		return out.Success(rec)
	}
	return writeLedgerText(cmd.OutOrStdout(), rec)
}

func writeLedgerText(w io.Writer, rec domain.AuditRecord) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim:  %s\n", rec.ClaimID)
	fmt.Fprintf(&sb, "Status: %s (%s)\n", rec.Status, rec.State)
	fmt.Fprintf(&sb, "Steps:  %d\n\n", len(rec.Steps))

	row := func(seq, step, attempt, status, category, backoff, started, detail string) {
		line := fmt.Sprintf("%-4s %-13s %-8s %-10s %-14s %-8s %-21s %s", seq, step, attempt, status, category, backoff, started, detail)
		sb.WriteString(strings.TrimRight(line, " "))
		sb.WriteByte('\n')
	}
	row("SEQ", "STEP", "ATTEMPT", "STATUS", "CATEGORY", "BACKOFF", "STARTED", "DETAIL")
	for i, s := range rec.Steps {
		category := "-"
		if s.ErrorCategory != nil {
			category = string(*s.ErrorCategory)
		}
		backoff := "-"
		if s.BackoffMS > 0 {
			backoff = (time.Duration(s.BackoffMS) * time.Millisecond).String()
		}
		row(fmt.Sprint(i+1), string(s.Step), fmt.Sprint(s.Attempt), string(s.Status), category, backoff,
			s.StartedAt.UTC().Format(time.RFC3339), truncate(s.Detail))
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= maxDetailRunes {
		return s
	}
	return string([]rune(s)[:maxDetailRunes-3]) + "..."
}
