package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/config"
	"github.com/sells-group/dm-finder/internal/export"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export job results and summaries",
}

// -- export csv --

var exportCSVCmd = &cobra.Command{
	Use:   "csv <job-id>",
	Short: "Write a job's results as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		out, _ := cmd.Flags().GetString("out")
		trace, _ := cmd.Flags().GetBool("trace")
		confidence, _ := cmd.Flags().GetString("confidence")

		job, err := env.Orch.Job(ctx, args[0])
		if err != nil {
			return err
		}
		filter := store.ResultFilter{}
		if confidence != "" {
			filter.Confidence = model.ParseConfidence(confidence)
		}
		results, err := export.AllResults(ctx, env.Store, job.ID, filter)
		if err != nil {
			return err
		}

		return withOutput(out, func(w io.Writer) error {
			return export.WriteResultsCSV(w, job, results, export.ResultOptions{Trace: trace})
		})
	},
}

// -- export jobs --

var exportJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Write a CSV summary of jobs with usage and costs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		out, _ := cmd.Flags().GetString("out")
		user, _ := cmd.Flags().GetString("user")

		filter := store.JobFilter{UserID: user, Limit: 500}
		var jobs []model.Job
		for {
			page, err := env.Store.ListJobs(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "export jobs")
			}
			jobs = append(jobs, page...)
			if len(page) < filter.Limit {
				break
			}
			filter.Offset += len(page)
		}

		return withOutput(out, func(w io.Writer) error {
			return export.WriteJobsCSV(w, jobs)
		})
	},
}

// -- export salesforce --

var exportSalesforceCmd = &cobra.Command{
	Use:   "salesforce <job-id>",
	Short: "Create Salesforce contacts from a job's results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")

		sf, err := initSalesforce()
		if err != nil {
			return err
		}

		job, err := env.Orch.Job(ctx, args[0])
		if err != nil {
			return err
		}
		results, err := export.AllResults(ctx, env.Store, job.ID, store.ResultFilter{})
		if err != nil {
			return err
		}

		sum, err := export.PushSalesforce(ctx, sf, results, all)
		if err != nil {
			return err
		}
		zap.L().Info("salesforce push complete",
			zap.String("job_id", job.ID),
			zap.Int("selected", sum.Selected),
			zap.Int("created", sum.Created),
			zap.Int("failed", sum.Failed),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

// withOutput runs write against path, or stdout when path is empty.
func withOutput(path string, write func(io.Writer) error) error {
	if path == "" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}

func init() {
	exportCSVCmd.Flags().String("out", "", "output path (default stdout)")
	exportCSVCmd.Flags().Bool("trace", false, "include search queries and LLM traces")
	exportCSVCmd.Flags().String("confidence", "", "only results with this confidence (high, medium, low)")

	exportJobsCmd.Flags().String("out", "", "output path (default stdout)")
	exportJobsCmd.Flags().String("user", "", "only jobs of this user")

	exportSalesforceCmd.Flags().Bool("all", false, "include low-confidence results")

	exportCmd.AddCommand(exportCSVCmd, exportJobsCmd, exportSalesforceCmd)
	rootCmd.AddCommand(exportCmd)
}
