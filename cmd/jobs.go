package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dm-finder/internal/config"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel discovery jobs",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		user, _ := cmd.Flags().GetString("user")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.JobFilter{UserID: user, Limit: limit}
		if status != "" {
			st, ok := model.ParseJobStatus(status)
			if !ok {
				return eris.Errorf("unknown status %q", status)
			}
			filter.Status = st
		}

		jobs, err := env.Store.ListJobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's counters and costs as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orch.Job(ctx, args[0])
		if err != nil {
			return err
		}
		job.Rows = nil

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a queued or processing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orch.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Cancellation requested for %s\n", args[0])
		return nil
	},
}

func formatJobsList(w io.Writer, jobs []model.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSUPPORT\tUSER\tSTATUS\tPROGRESS\tCONTACTS\tCREDITS\tSTOP\tCREATED")
	_, _ = fmt.Fprintln(tw, "--\t-------\t----\t------\t--------\t--------\t-------\t----\t-------")
	for _, j := range jobs {
		stop := "-"
		if j.StopReason != nil {
			stop = string(*j.StopReason)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\t%s\n",
			j.ID,
			j.SupportID,
			j.UserID,
			j.Status,
			j.ProcessedCompanies, j.TotalCompanies,
			j.DecisionMakersFound,
			j.CreditsSpent,
			stop,
			j.CreatedAt.UTC().Format(time.DateTime),
		)
	}
	_ = tw.Flush()
}

func init() {
	jobsListCmd.Flags().String("user", "", "filter by user ID")
	jobsListCmd.Flags().String("status", "", "filter by status (queued, processing, completed, failed, cancelled)")
	jobsListCmd.Flags().Int("limit", 50, "maximum jobs to list")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}
