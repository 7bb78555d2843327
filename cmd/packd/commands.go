package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/api"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/auth"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/config"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
)

var (
	exportOut string
	tokenTTL  string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one evidence collection for an account",
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, _ []string) error {
		summary, err := a.service.Collect(ctx, accountID)
		if err != nil {
			return err
		}
		return writeJSON(out, summary)
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Build a signed pack from the latest run",
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, _ []string) error {
		pack, err := a.service.Export(ctx, accountID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(exportOut, pack.Bytes, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", exportOut, err)
		}
		return writeJSON(out, map[string]any{
			"export_id": pack.ID,
			"run_id":    pack.RunID,
			"mode":      pack.Manifest.Mode,
			"integrity": pack.Check.Status,
			"file":      exportOut,
		})
	}),
}

var verifyCmd = &cobra.Command{
	Use:   "verify EXPORT_ID",
	Short: "Verify a stored pack",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		res, err := a.service.Verify(ctx, accountID, args[0])
		if err != nil {
			return err
		}
		if err := writeJSON(out, res); err != nil {
			return err
		}
		if !res.Verified {
			return fmt.Errorf("export %s did not verify", args[0])
		}
		return nil
	}),
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API session token for an account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig((*config.Config).ValidateServe)
		if err != nil {
			return err
		}
		return issueToken(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{collectCmd, exportCmd, verifyCmd, tokenCmd} {
		addAccountFlag(cmd)
		rootCmd.AddCommand(cmd)
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", api.PackFilename, "where to write the pack")
	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "", "token lifetime, overriding SESSION_TTL (e.g. 1h)")
}

// withApp loads configuration, wires the app and runs fn with a request id
// so audit events from the CLI can be correlated.
func withApp(fn func(ctx context.Context, a *app, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if !exportstore.ValidAccountID(accountID) {
			return fmt.Errorf("invalid --account %q: %w", accountID, auth.ErrInvalidAccount)
		}
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		ctx := middleware.WithRequestID(cmd.Context(), "cli-"+uuid.NewString())
		a, err := newApp(ctx, cfg, cliLogger())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd.OutOrStdout(), args)
	}
}

func issueToken(out io.Writer, cfg *config.Config) error {
	sessionCfg := auth.SessionConfig{Secret: cfg.SessionSecret, TTL: cfg.SessionTTL}
	if tokenTTL != "" {
		ttl, err := parseTTL(tokenTTL)
		if err != nil {
			return err
		}
		sessionCfg.TTL = ttl
	}
	token, err := auth.NewSessionService(sessionCfg).IssueToken(accountID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTTL(s string) (time.Duration, error) {
	ttl, err := time.ParseDuration(s)
	if err != nil || ttl <= 0 {
		return 0, fmt.Errorf("invalid --ttl %q: must be a positive duration", s)
	}
	return ttl, nil
}
