package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andywolf/issuelens/internal/cloud/gcp"
	"github.com/andywolf/issuelens/internal/config"
	"github.com/andywolf/issuelens/internal/evidence"
	"github.com/andywolf/issuelens/internal/github"
	"github.com/andywolf/issuelens/internal/llm"
	"github.com/andywolf/issuelens/internal/logging"
	"github.com/andywolf/issuelens/internal/observability"
	"github.com/andywolf/issuelens/internal/pipeline"
	"github.com/andywolf/issuelens/internal/server"
	"github.com/andywolf/issuelens/internal/skills"
)

func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	if !cfg.NeedsSecrets() {
		return cfg.ResolveSecrets(ctx, nil)
	}
	resolver := gcp.NewResolver(cfg.Cloud.Project)
	defer func() {
		if err := resolver.Close(); err != nil {
			logging.New("cli").Warn("failed to close secret manager client", "error", err)
		}
	}()
	return cfg.ResolveSecrets(ctx, resolver)
}

// githubFallback returns the credentials used when a run carries no token
// of its own: the configured token, or a GitHub App installation.
func githubFallback(cfg *config.Config) (github.TokenSource, error) {
	if cfg.GitHub.Token != "" {
		return github.StaticToken(cfg.GitHub.Token), nil
	}
	if cfg.GitHub.AppID == "" {
		return nil, nil
	}
	var opts []github.AppTokenOption
	if cfg.GitHub.APIURL != "" {
		opts = append(opts, github.WithAppBaseURL(cfg.GitHub.APIURL))
	}
	src, err := github.NewAppTokenSource(github.AppCredentials{
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKeyPEM:  []byte(cfg.GitHub.PrivateKey),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("GitHub App credentials: %w", err)
	}
	return src, nil
}

func buildAnalyzer(cfg *config.Config, skillsDir string) (*pipeline.Analyzer, error) {
	fallback, err := githubFallback(cfg)
	if err != nil {
		return nil, err
	}
	lib, err := skills.NewLibrary(skillsDir)
	if err != nil {
		return nil, err
	}
	return pipeline.New(
		pipeline.WithHostFactory(pipeline.GitHubHosts(cfg.GitHub.APIURL, fallback)),
		pipeline.WithProviderFactory(pipeline.OpenAIProviders()),
		pipeline.WithSkills(lib),
		pipeline.WithLogger(logging.New("pipeline")),
	), nil
}

// buildExporter combines the configured trace exporters. A Langfuse endpoint
// that fails its connectivity check is still used; the failure is logged.
func buildExporter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (observability.Exporter, error) {
	var exps []observability.Exporter

	if cfg.Langfuse.Enabled() {
		lf := observability.NewLangfuseExporter(observability.LangfuseConfig{
			PublicKey: cfg.Langfuse.PublicKey,
			SecretKey: cfg.Langfuse.SecretKey,
			BaseURL:   cfg.Langfuse.BaseURL,
		}, observability.WithLangfuseLogger(logging.New("langfuse")))
		if err := lf.Ping(ctx); err != nil {
			logger.Warn("langfuse connectivity check failed", "base_url", lf.BaseURL(), "error", err)
		} else {
			logger.Info("langfuse trace export enabled", "base_url", lf.BaseURL())
		}
		exps = append(exps, lf)
	}

	if cfg.Cloud.TraceLogging {
		project := cfg.Cloud.Project
		if project == "" {
			p, err := gcp.ProjectID(ctx)
			if err != nil {
				return nil, fmt.Errorf("cloud trace logging: %w", err)
			}
			project = p
		}
		cl, err := observability.NewCloudLoggingExporter(ctx, project, cfg.Cloud.LogID)
		if err != nil {
			return nil, err
		}
		logger.Info("cloud logging trace export enabled", "project", project, "log_id", cfg.Cloud.LogID)
		exps = append(exps, cl)
	}

	return observability.Combine(exps...), nil
}

func providerSettings(cfg *config.Config) pipeline.ProviderSettings {
	return pipeline.ProviderSettings{
		APIType:      llm.APIType(cfg.Provider.APIType),
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		Organization: cfg.Provider.Organization,
		Project:      cfg.Provider.Project,
		Name:         cfg.Provider.Name,
		MaxRetries:   cfg.Provider.MaxRetries,
		Timeout:      cfg.ProviderTimeout(),
	}
}

func budgets(cfg *config.Config) evidence.Budgets {
	return evidence.Budgets{
		MaxQueries:      cfg.Analysis.MaxQueries,
		MaxFiles:        cfg.Analysis.MaxFiles,
		ResultsPerQuery: cfg.Analysis.ResultsPerQuery,
		MaxCharsPerFile: cfg.Analysis.MaxCharsPerFile,
	}
}

func serverDefaults(cfg *config.Config) server.Defaults {
	return server.Defaults{
		Language:    cfg.Analysis.Language,
		Model:       cfg.Analysis.Model,
		Mode:        pipeline.Mode(cfg.Analysis.Mode),
		OutputDir:   cfg.Analysis.OutputDir,
		Budgets:     budgets(cfg),
		Provider:    providerSettings(cfg),
		GitHubToken: cfg.GitHub.Token,
		GitHubApp:   cfg.GitHub.AppID != "",
	}
}
