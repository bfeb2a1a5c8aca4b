package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"veritor/internal/config"
	"veritor/internal/logging"
	"veritor/internal/server"
	"veritor/internal/store"
	"veritor/internal/uq"
)

var (
	cfgPath string
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "veritor",
	Short: "veritor - calibrated question answering engine",
	Long: `veritor answers questions over a hybrid evidence pack and only
accepts an answer when its calibrated confidence clears a conformal
threshold; otherwise it refines with verified tools or abstains.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.Init(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP answer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		srv, err := server.New(*cfg)
		if err != nil {
			return err
		}
		defer srv.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go srv.Approvals().Run(ctx, time.Minute)
		go srv.RunDocScanner(ctx)
		go srv.RunRetention(ctx, time.Hour)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case err := <-errCh:
			return err
		}
	},
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Import calibration artifacts and recompute the accept threshold",
	Long: `Reads a JSON file of calibration artifacts (an array of
{s, accepted, correct} rows), imports them for a domain, and recomputes
the conformal accept threshold and score quantiles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		domain, _ := cmd.Flags().GetString("domain")
		runID, _ := cmd.Flags().GetString("run-id")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		if domain == "" {
			domain = "default"
		}
		if runID == "" {
			runID = fmt.Sprintf("cli-%d", time.Now().Unix())
		}

		raw, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		var items []store.CPArtifact
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("parse artifacts: %w", err)
		}
		if len(items) == 0 {
			return fmt.Errorf("no artifacts in %s", file)
		}

		index, err := store.NewIndexStore(cfg.IndexDBPath())
		if err != nil {
			return err
		}
		defer index.Close()
		cp := store.NewCPStore(index.DB())

		inserted, err := cp.AddArtifacts(runID, domain, items)
		if err != nil {
			return err
		}
		tau, err := cp.ComputeThreshold(domain, cfg.Decision.CPTargetMis, cfg.Decision.CPMinAccepts)
		if err != nil {
			return err
		}
		scores, _ := cp.RecentScores(domain, 500)
		quantiles := uq.QuantilesFromScores(scores, uq.DefaultQuantileBuckets)
		stats, _ := cp.DomainStats(domain)

		ref := store.CPReference{
			Domain:    domain,
			RunID:     runID,
			TargetMis: cfg.Decision.CPTargetMis,
			Tau:       tau,
			Stats:     stats[domain],
			Quantiles: quantiles,
			Updated:   float64(time.Now().Unix()),
		}
		if err := cp.UpsertReference(ref); err != nil {
			return err
		}

		out := map[string]any{
			"inserted":  inserted,
			"domain":    domain,
			"run_id":    runID,
			"tau":       tau,
			"quantiles": quantiles,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var keysCmd = &cobra.Command{
	Use:   "issue-key",
	Short: "Issue a workspace API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		workspace, _ := cmd.Flags().GetString("workspace")
		role, _ := cmd.Flags().GetString("role")
		label, _ := cmd.Flags().GetString("label")
		if workspace == "" {
			workspace = "default"
		}

		index, err := store.NewIndexStore(cfg.IndexDBPath())
		if err != nil {
			return err
		}
		defer index.Close()
		if _, err := index.EnsureWorkspace(workspace, workspace, ""); err != nil {
			return err
		}
		token, err := index.IssueAPIKey(workspace, role, label, cfg.Auth.APIKeyPrefix)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config YAML")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd.Flags().String("addr", "", "listen address override")

	calibrateCmd.Flags().String("file", "", "JSON file of calibration artifacts")
	calibrateCmd.Flags().String("domain", "default", "calibration domain")
	calibrateCmd.Flags().String("run-id", "", "calibration run id")

	keysCmd.Flags().String("workspace", "default", "workspace slug")
	keysCmd.Flags().String("role", "writer", "key role (reader, writer, admin)")
	keysCmd.Flags().String("label", "", "key label")

	rootCmd.AddCommand(serveCmd, calibrateCmd, keysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
