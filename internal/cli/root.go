// Package cli implements the issuelens command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andywolf/issuelens/internal/config"
	"github.com/andywolf/issuelens/internal/logging"
	"github.com/andywolf/issuelens/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "issuelens",
	Short: "IssueLens - grounded analysis reports for GitHub issues",
	Long: `IssueLens reads a GitHub issue, searches the repository for the code it
touches, and asks a language model for an evidence-backed analysis and an
implementation plan. Every run writes its artifacts and a stage trace to disk.

Examples:
  issuelens analyze https://github.com/acme/widget/issues/42
  issuelens analyze --repo acme/widget --issue 42 --stream
  issuelens serve --addr :8080`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
}

// Execute runs the root command with ctx, which is cancelled on SIGINT or
// SIGTERM by the caller.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .issuelens.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".issuelens")
	}

	if err := config.BindEnv(viper.GetViper()); err != nil {
		fmt.Fprintln(os.Stderr, "Error binding environment:", err)
		os.Exit(1)
	}

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func initLogging() error {
	levelName := viper.GetString("logging.level")
	if viper.GetBool("verbose") {
		levelName = "debug"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	format := viper.GetString("logging.format")
	if format == "" {
		format = "text"
	}
	logging.Init(level, format)
	return nil
}

// loadConfig loads and validates configuration, resolving secret references
// through Secret Manager when any are set.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := resolveSecrets(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
