package main

import (
	"context"
	"fmt"
	"strconv"

	"vibe/internal/ledger"

	"github.com/spf13/cobra"
)

// creditStore is the ledger surface the credits commands need.
type creditStore interface {
	Status(ctx context.Context, identity string, tier ledger.Tier) (ledger.Usage, error)
	Grant(ctx context.Context, identity string, points int) error
	Adjust(ctx context.Context, identity string, op ledger.AdjustOp, amount int) error
	List(ctx context.Context, identity string) ([]ledger.Record, error)
}

func newCreditsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and change credit balances",
	}
	run := func(fn func(cmd *cobra.Command, credits creditStore, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app, err := opts.open()
			if err != nil {
				return err
			}
			defer closeApp(app)
			return fn(cmd, app.Ledger, args)
		}
	}

	var plan string
	status := &cobra.Command{
		Use:   "status <identity>",
		Short: "Show the windows that apply to an identity",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, credits creditStore, args []string) error {
			return creditStatus(cmd, credits, args[0], ledger.ParseTier(plan))
		}),
	}
	status.Flags().StringVar(&plan, "plan", "free", "plan of the identity (free or pro)")

	grant := &cobra.Command{
		Use:   "grant <identity> <points>",
		Short: "Reset every window of an identity to the given balance",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, credits creditStore, args []string) error {
			points, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			if err := credits.Grant(cmd.Context(), args[0], points); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "granted %d to %s\n", points, args[0])
			return err
		}),
	}

	adjust := &cobra.Command{
		Use:   "adjust <identity> <set|add|subtract> <amount>",
		Short: "Change the remaining balance of every window of an identity",
		Args:  cobra.ExactArgs(3),
		RunE: run(func(cmd *cobra.Command, credits creditStore, args []string) error {
			op, err := ledger.ParseAdjustOp(args[1])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			if err := credits.Adjust(cmd.Context(), args[0], op, amount); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d for %s\n", op, amount, args[0])
			return err
		}),
	}

	list := &cobra.Command{
		Use:   "list [identity]",
		Short: "List stored windows",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(cmd *cobra.Command, credits creditStore, args []string) error {
			identity := ""
			if len(args) == 1 {
				identity = args[0]
			}
			records, err := credits.List(cmd.Context(), identity)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderRecords(records))
			return err
		}),
	}

	cmd.AddCommand(status, grant, adjust, list)
	return cmd
}

func creditStatus(cmd *cobra.Command, credits creditStore, identity string, tier ledger.Tier) error {
	usage, err := credits.Status(cmd.Context(), identity, tier)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), renderUsage(identity, usage))
	return err
}

func parseAmount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("amount must be a non-negative integer, got %q", s)
	}
	return n, nil
}
