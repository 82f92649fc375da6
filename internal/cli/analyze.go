package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andywolf/issuelens/internal/config"
	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
	"github.com/andywolf/issuelens/internal/logging"
	"github.com/andywolf/issuelens/internal/observability"
	"github.com/andywolf/issuelens/internal/pipeline"
	"github.com/andywolf/issuelens/internal/security"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [issue-url]",
	Short: "Analyze a GitHub issue and write a report",
	Long: `Run the full analysis pipeline for one issue in this process.

The issue can be given as a URL or with --repo and --issue. Artifacts are
written under --output-dir in a folder named after the repository, issue
and start time. The report markdown is printed to stdout.

Examples:
  issuelens analyze https://github.com/acme/widget/issues/42
  issuelens analyze --repo acme/widget --issue 42 --mode structured
  issuelens analyze --repo acme/widget --issue 42 --stream --trace-log trace.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().String("repo", "", "Repository as owner/repo")
	analyzeCmd.Flags().Int("issue", 0, "Issue number")
	analyzeCmd.Flags().String("lang", "", "Report language (default from config)")
	analyzeCmd.Flags().String("model", "", "Model id (default from config)")
	analyzeCmd.Flags().String("mode", "", "Generation mode: markdown or structured")
	analyzeCmd.Flags().String("api-type", "", "Provider API: responses or chat")
	analyzeCmd.Flags().String("output-dir", "", "Base directory for run artifacts")
	analyzeCmd.Flags().String("skills-dir", "", "Directory whose skills/<name>.md files override the built-in skills")
	analyzeCmd.Flags().Bool("stream", false, "Print the report to stdout as it is generated")
	analyzeCmd.Flags().String("trace-log", "", "Append trace events to this JSONL file")
	analyzeCmd.Flags().Bool("json", false, "Print the result as JSON instead of markdown")
	analyzeCmd.Flags().Bool("quiet", false, "Do not print the stage table")
}

type analyzeFlags struct {
	url       string
	repo      string
	issue     int
	lang      string
	model     string
	mode      string
	apiType   string
	outputDir string
	skillsDir string
	stream    bool
	traceLog  string
	json      bool
	quiet     bool
}

func readAnalyzeFlags(cmd *cobra.Command, args []string) analyzeFlags {
	f := analyzeFlags{}
	if len(args) > 0 {
		f.url = args[0]
	}
	flags := cmd.Flags()
	f.repo, _ = flags.GetString("repo")
	f.issue, _ = flags.GetInt("issue")
	f.lang, _ = flags.GetString("lang")
	f.model, _ = flags.GetString("model")
	f.mode, _ = flags.GetString("mode")
	f.apiType, _ = flags.GetString("api-type")
	f.outputDir, _ = flags.GetString("output-dir")
	f.skillsDir, _ = flags.GetString("skills-dir")
	f.stream, _ = flags.GetBool("stream")
	f.traceLog, _ = flags.GetString("trace-log")
	f.json, _ = flags.GetBool("json")
	f.quiet, _ = flags.GetBool("quiet")
	return f
}

// analyzeOptions merges flags over configuration.
func analyzeOptions(cfg *config.Config, f analyzeFlags) (pipeline.Options, error) {
	if f.url == "" && (f.repo == "" || f.issue <= 0) {
		return pipeline.Options{}, errors.New("provide an issue URL or --repo and --issue")
	}

	mode, err := pipeline.ParseMode(pick(f.mode, cfg.Analysis.Mode))
	if err != nil {
		return pipeline.Options{}, err
	}
	provider := providerSettings(cfg)
	if f.apiType != "" {
		provider.APIType = llm.APIType(f.apiType)
		if provider.APIType != llm.APIResponses && provider.APIType != llm.APIChat {
			return pipeline.Options{}, fmt.Errorf("unsupported api type %q (want responses or chat)", f.apiType)
		}
	}
	if provider.APIKey == "" {
		return pipeline.Options{}, errors.New("a provider API key is required: set OPENAI_API_KEY or provider.api_key")
	}
	if cfg.GitHub.Token == "" && cfg.GitHub.AppID == "" {
		return pipeline.Options{}, errors.New("GitHub credentials are required: set GITHUB_TOKEN or configure a GitHub App")
	}

	return pipeline.Options{
		Reference: github.ReferenceInput{
			IssueURL:    f.url,
			Repository:  f.repo,
			IssueNumber: f.issue,
		},
		OutputDir: pick(f.outputDir, cfg.Analysis.OutputDir),
		Language:  pick(f.lang, cfg.Analysis.Language),
		Model:     pick(f.model, cfg.Analysis.Model),
		Mode:      mode,
		Budgets:   budgets(cfg),
		Provider:  provider,
	}, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := logging.New("analyze")
	f := readAnalyzeFlags(cmd, args)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	opts, err := analyzeOptions(cfg, f)
	if err != nil {
		return err
	}
	analyzer, err := buildAnalyzer(cfg, f.skillsDir)
	if err != nil {
		return err
	}
	exporter, err := buildExporter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopExporter(exporter, logger)

	var rec events.Recorder
	sinks := []events.Func{rec.Record, func(ev events.TraceEvent) {
		logger.Debug("analyze trace", "stage", ev.Stage, "status", string(ev.Status))
	}}
	if f.traceLog != "" {
		sink, err := events.NewFileSink(f.traceLog)
		if err != nil {
			return err
		}
		defer sink.Close()
		sinks = append(sinks, func(ev events.TraceEvent) {
			if err := sink.WriteOne(ev); err != nil {
				logger.Warn("failed to write trace log", "path", sink.Path(), "error", err)
			}
		})
	}

	run := observability.Run{
		ID:          uuid.NewString(),
		IssueURL:    opts.Reference.IssueURL,
		Repository:  opts.Reference.Repository,
		IssueNumber: opts.Reference.IssueNumber,
		Model:       opts.Model,
		Mode:        string(opts.Mode),
	}
	sinks = append(sinks, observability.Observe(exporter, run))
	opts.Trace = events.Fanout(sinks...)

	out := cmd.OutOrStdout()
	if f.stream && !f.json {
		opts.ReportDelta = func(delta string) { fmt.Fprint(out, delta) }
	}

	res, runErr := analyzer.Run(ctx, opts)

	outcome := observability.Outcome{Status: "completed"}
	if runErr != nil {
		outcome = observability.Outcome{Status: "failed", Message: security.ScrubError(runErr)}
	}
	exporter.EndRun(run, outcome)

	if !f.quiet {
		fmt.Fprintln(cmd.ErrOrStderr())
		renderTrace(cmd.ErrOrStderr(), rec.Events())
	}
	if runErr != nil {
		return describeRunError(runErr)
	}

	return printResult(out, res, f)
}

func printResult(out io.Writer, res *pipeline.Result, f analyzeFlags) error {
	if f.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if f.stream {
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, strings.TrimRight(res.ReportMarkdown, "\n"))
	}
	fmt.Fprintf(out, "\nArtifacts written to %s\n", res.OutputDir)
	return nil
}

// describeRunError renders provider failures with their status and hint.
func describeRunError(err error) error {
	if d, ok := llm.DescribeError(err); ok {
		return fmt.Errorf("analysis failed (status %d): %s", d.Status, security.Scrub(d.Message))
	}
	return fmt.Errorf("analysis failed: %s", security.ScrubError(err))
}

func stopExporter(exp observability.Exporter, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exp.Stop(ctx); err != nil {
		logger.Warn("failed to stop trace exporter", "error", err)
	}
}

func pick(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
