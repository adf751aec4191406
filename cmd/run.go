package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/config"
	"github.com/sells-group/dm-finder/internal/export"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/orchestrator"
	"github.com/sells-group/dm-finder/internal/rowsource"
	"github.com/sells-group/dm-finder/internal/store"
	"github.com/sells-group/dm-finder/pkg/notion"
)

var (
	runFile          string
	runNotionDB      string
	runUser          string
	runNameCol       string
	runWebsiteCol    string
	runLocationCol   string
	runIndustryCol   string
	runAddressCol    string
	runPlatforms     []string
	runMaxTotal      int
	runMaxPerCompany int
	runDeep          bool
	runTitles        []string
	runGrant         int
	runOut           string
	runTrace         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run discovery for a company list in the foreground",
	Long: `Loads a CSV, XLSX or Notion company list, submits it as a job for --user
and processes it in this process. Results are written as CSV to --out and the
final job summary is printed as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if (runFile == "") == (runNotionDB == "") {
			return eris.New("exactly one of --file or --notion-db is required")
		}

		env, err := initEnv(ctx, config.ModeRun, true)
		if err != nil {
			return err
		}
		defer env.Close()

		table, filename, err := loadTable(ctx)
		if err != nil {
			return err
		}

		if runGrant > 0 {
			if _, err := env.Ledger.GrantTopup(ctx, runUser, runGrant, "cli"); err != nil {
				return eris.Wrap(err, "grant credits")
			}
		}

		opts, err := runOptions()
		if err != nil {
			return err
		}

		job, err := env.Orch.Submit(ctx, orchestrator.Submission{
			UserID:   runUser,
			Filename: filename,
			Mapping:  runMapping(table.Header),
			Records:  table.Records,
			Options:  opts,
		})
		if err != nil {
			return err
		}
		zap.L().Info("job submitted",
			zap.String("job_id", job.ID),
			zap.String("support_id", job.SupportID),
			zap.Int("companies", job.TotalCompanies),
		)

		if err := env.Orch.Run(ctx, job.ID); err != nil {
			return err
		}

		final, err := env.Orch.Job(ctx, job.ID)
		if err != nil {
			return err
		}

		if runOut != "" {
			if err := writeResults(ctx, env.Store, final, runOut, runTrace); err != nil {
				return err
			}
			zap.L().Info("results written", zap.String("path", runOut))
		}

		final.Rows = nil
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

func loadTable(ctx context.Context) (*rowsource.Table, string, error) {
	if runNotionDB != "" {
		if cfg.Notion.Token == "" {
			return nil, "", eris.New("notion.token is required for --notion-db")
		}
		t, err := rowsource.ReadNotion(ctx, notion.NewClient(cfg.Notion.Token), runNotionDB)
		return t, "notion:" + runNotionDB, err
	}
	t, err := rowsource.Load(ctx, runFile)
	return t, filepath.Base(runFile), err
}

// runMapping starts from the suggested mapping and applies column flags.
func runMapping(header []string) model.ColumnMapping {
	m := rowsource.SuggestMapping(header)
	for dst, src := range map[*string]string{
		&m.CompanyName: runNameCol,
		&m.Website:     runWebsiteCol,
		&m.Location:    runLocationCol,
		&m.Industry:    runIndustryCol,
		&m.Address:     runAddressCol,
	} {
		if src != "" {
			*dst = src
		}
	}
	return m
}

func runOptions() (model.JobOptions, error) {
	opts := model.JobOptions{
		MaxContactsTotal:      runMaxTotal,
		MaxContactsPerCompany: runMaxPerCompany,
		DeepSearch:            runDeep,
		TitleFilter:           runTitles,
	}
	for _, p := range runPlatforms {
		pl, ok := model.ParsePlatform(strings.TrimSpace(p))
		if !ok {
			return opts, eris.Errorf("unknown platform %q", p)
		}
		opts.Platforms = append(opts.Platforms, pl)
	}
	return opts, nil
}

func writeResults(ctx context.Context, st store.Store, job *model.Job, path string, trace bool) error {
	results, err := export.AllResults(ctx, st, job.ID, store.ResultFilter{})
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := export.WriteResultsCSV(f, job, results, export.ResultOptions{Trace: trace}); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFile, "file", "", "company list (.csv or .xlsx)")
	f.StringVar(&runNotionDB, "notion-db", "", "Notion database ID to read companies from")
	f.StringVar(&runUser, "user", "local", "user ID that owns the job and pays credits")
	f.StringVar(&runNameCol, "name-col", "", "column holding the company name")
	f.StringVar(&runWebsiteCol, "website-col", "", "column holding the company website")
	f.StringVar(&runLocationCol, "location-col", "", "column holding the company location")
	f.StringVar(&runIndustryCol, "industry-col", "", "column holding the company industry")
	f.StringVar(&runAddressCol, "address-col", "", "column holding the company address")
	f.StringSliceVar(&runPlatforms, "platforms", nil, "platforms to search (default linkedin)")
	f.IntVar(&runMaxTotal, "max-total", 0, "maximum contacts for the job (default from config)")
	f.IntVar(&runMaxPerCompany, "max-per-company", 0, "maximum contacts per company (default from config)")
	f.BoolVar(&runDeep, "deep", false, "enable deep search")
	f.StringSliceVar(&runTitles, "titles", nil, "preferred job titles")
	f.IntVar(&runGrant, "grant", 0, "top up the user with this many credits before running")
	f.StringVar(&runOut, "out", "", "write results CSV to this path")
	f.BoolVar(&runTrace, "trace", false, "include search queries and LLM traces in the CSV")
	rootCmd.AddCommand(runCmd)
}
