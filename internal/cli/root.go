package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/engine"
)

// Backend is what the operator commands act on.
type Backend interface {
	Ledger(ctx context.Context, claimID string) (domain.AuditRecord, error)
	ExpireSuspension(ctx context.Context, claimID string) error
	SweepSuspensions(ctx context.Context) ([]string, error)
	RecoverStale(ctx context.Context) (engine.Recovery, error)
}

// Opener connects to a backend. The returned func releases it.
type Opener func(ctx context.Context) (Backend, func() error, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	open    Opener
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "claimctl",
		Short: "Operate the claim orchestration engine",
		Long:  "Inspect claim ledgers and run review-expiry and stale-step maintenance by hand.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewExpireCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))

	return cmd
}

// withBackend opens the backend for the duration of fn.
func (o *RootOptions) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, closeFn, err := o.open(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer func() { _ = closeFn() }()
	return fn(ctx, b)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
