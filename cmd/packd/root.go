package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	accountID  string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "packd",
	Short: "Danish procurement security pack generator",
	Long: `packd collects security evidence from GitHub and Microsoft Entra ID,
maps it to a fixed control catalogue and exports signed evidence packs
for public procurement questionnaires.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.Version = version
}

// addAccountFlag registers the required --account flag on cmd.
func addAccountFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
}

// loadConfig loads configuration and joins any validation errors. extra
// runs additional checks on a loaded config.
func loadConfig(extra func(*config.Config) []error) (*config.Config, error) {
	cfg, errs := config.Load(configPath)
	if cfg != nil && extra != nil {
		errs = append(errs, extra(cfg)...)
	}
	if len(errs) > 0 {
		return nil, configError(errs)
	}
	return cfg, nil
}

func configError(errs []error) error {
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// cliLogger logs to stderr so command output on stdout stays parseable.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if debugMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
