package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dm-finder/internal/config"
	"github.com/sells-group/dm-finder/internal/credits"
	"github.com/sells-group/dm-finder/internal/model"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and grant user credits",
}

// -- credits balance --

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's live credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		balance, err := env.Ledger.Refresh(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %d credits\n", args[0], balance)
		return nil
	},
}

// -- credits grant --

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id>",
	Short: "Grant credits as a topup, monthly allowance or adjustment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		amount, _ := cmd.Flags().GetInt("amount")
		plan, _ := cmd.Flags().GetString("plan")
		periodEnd, _ := cmd.Flags().GetString("period-end")
		reason, _ := cmd.Flags().GetString("reason")

		entry, err := grantCredits(ctx, env.Ledger, args[0], kind, amount, plan, periodEnd, reason)
		if err != nil {
			return err
		}
		balance, err := env.Ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Granted %d credits (%s) to %s; balance %d\n",
			entry.Delta, entry.EventType, args[0], balance)
		return nil
	},
}

func grantCredits(ctx context.Context, l *credits.Ledger, user, kind string, amount int, plan, periodEnd, reason string) (*model.LedgerEntry, error) {
	switch kind {
	case "topup":
		return l.GrantTopup(ctx, user, amount, reason)
	case "adjustment":
		return l.Credit(ctx, user, amount, reason, nil)
	case "monthly":
		end, err := time.Parse(time.DateOnly, periodEnd)
		if err != nil {
			return nil, eris.Wrap(err, "--period-end must be YYYY-MM-DD")
		}
		return l.GrantMonthly(ctx, user, plan, end)
	default:
		return nil, eris.Errorf("unknown grant kind %q (topup, monthly, adjustment)", kind)
	}
}

// -- credits ledger --

var creditsLedgerCmd = &cobra.Command{
	Use:   "ledger <user-id>",
	Short: "Show a user's recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := env.Store.ListLedger(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "credits ledger")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No ledger entries found.")
			return nil
		}
		formatLedger(os.Stdout, entries)
		return nil
	},
}

func formatLedger(w io.Writer, entries []model.LedgerEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CREATED\tTYPE\tDELTA\tSOURCE\tJOB\tEXPIRES")
	_, _ = fmt.Fprintln(tw, "-------\t----\t-----\t------\t---\t-------")
	for _, e := range entries {
		job, expires := "-", "-"
		if e.JobID != "" {
			job = e.JobID
		}
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.UTC().Format(time.DateOnly)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%+d\t%s\t%s\t%s\n",
			e.CreatedAt.UTC().Format(time.DateTime),
			e.EventType,
			e.Delta,
			e.Source,
			job,
			expires,
		)
	}
	_ = tw.Flush()
}

func init() {
	creditsGrantCmd.Flags().String("kind", "topup", "grant kind: topup, monthly or adjustment")
	creditsGrantCmd.Flags().Int("amount", 0, "credits to grant (topup, adjustment)")
	creditsGrantCmd.Flags().String("plan", "", "plan name (monthly)")
	creditsGrantCmd.Flags().String("period-end", "", "allowance expiry as YYYY-MM-DD (monthly)")
	creditsGrantCmd.Flags().String("reason", "cli", "ledger source")

	creditsLedgerCmd.Flags().Int("limit", 50, "maximum entries to show")

	creditsCmd.AddCommand(creditsBalanceCmd, creditsGrantCmd, creditsLedgerCmd)
	rootCmd.AddCommand(creditsCmd)
}
