package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"claim-orchestrator/internal/domain"
)

type ExpireOptions struct {
	*RootOptions
	ClaimID string
}

func NewExpireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExpireOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Force-expire a claim's open review (default deny)",
		Long: `Consume the claim's outstanding continuation token and apply the
default-deny path, as the review sweep would once the review window lapses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				err := b.ExpireSuspension(ctx, opts.ClaimID)
				if errors.Is(err, domain.ErrNotFound) {
					return WrapExitError(ExitFailure, "nothing to expire", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "expire failed", err)
				}
				out := opts.formatter(cmd)
				if out.JSON() {
					return out.Success(map[string]string{"claim_id": opts.ClaimID, "decision": string(domain.ReviewDeny)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Review for claim %s expired; default deny applied.\n", opts.ClaimID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.ClaimID, "claim", "", "claim id (required)")
	_ = cmd.MarkFlagRequired("claim")
	return cmd
}

func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sweep",
		Short:         "Expire every review older than the review window",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				expired, err := b.SweepSuspensions(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "sweep failed", err)
				}
				out := rootOpts.formatter(cmd)
				if out.JSON() {
					if expired == nil {
						expired = []string{}
					}
					return out.Success(map[string]any{"expired": expired})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d review(s).\n", len(expired))
				for _, id := range expired {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
				return nil
			})
		},
	}
}

func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail stale STARTED steps and re-dispatch idle claims",
		Long: `Mark steps whose STARTED row outlived the liveness timeout as failed
(TRANSIENT) and dispatch a fresh run for every open claim left idle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				rec, err := b.RecoverStale(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "recovery failed", err)
				}
				out := rootOpts.formatter(cmd)
				if out.JSON() {
					return out.Success(rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d stale step(s); re-dispatched %d claim(s).\n", rec.Expired, len(rec.Redispatched))
				for _, id := range rec.Redispatched {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
				return nil
			})
		},
	}
}
