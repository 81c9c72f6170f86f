package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"campaign_engine/internal/config"
	"campaign_engine/internal/logging"
	"campaign_engine/internal/model"
	"campaign_engine/internal/worker"
	"campaign_engine/internal/worker/standard"
)

var (
	configPath string
	workerURL  string
	timeout    time.Duration
	verbose    bool
	log        = zap.NewNop()

	targetURL   string
	profile     string
	pollEvery   time.Duration
	scrolling   bool
	navigation  bool
	proxyRef    string
	fingerprint string
)

// rootCmd talks to the worker directly, bypassing the orchestrator.
var rootCmd = &cobra.Command{
	Use:           "probe",
	Short:         "Poke the browser-automation worker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run one liveness probe",
	RunE:  runHealth,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start one session and poll it to the end",
	Long: `Start one session on the worker without a callback URL and poll
GET /sessions/{id} until it reaches a terminal state.`,
	RunE: runSession,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "orchestrator config file (worker section is used)")
	rootCmd.PersistentFlags().StringVar(&workerURL, "worker", "", "worker base URL, overrides the config")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log worker requests")

	sessionCmd.Flags().StringVarP(&targetURL, "url", "u", "", "target URL")
	sessionCmd.Flags().StringVarP(&profile, "profile", "p", string(model.ProfileCasual), "behavior profile")
	sessionCmd.Flags().DurationVar(&pollEvery, "poll", time.Second, "poll interval")
	sessionCmd.Flags().BoolVar(&scrolling, "scroll", true, "natural scrolling")
	sessionCmd.Flags().BoolVar(&navigation, "navigate", false, "internal navigation")
	sessionCmd.Flags().StringVar(&proxyRef, "proxy", "direct", "proxy reference")
	sessionCmd.Flags().StringVar(&fingerprint, "fingerprint", "", "fingerprint reference")
	_ = sessionCmd.MarkFlagRequired("url")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() (*standard.Client, error) {
	var cfg config.WorkerConfig
	if configPath != "" {
		full, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = full.Worker
	}
	if workerURL != "" {
		cfg.BaseURL = workerURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8080"
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(config.LogConfig{Level: level, Development: true})
	if err != nil {
		return nil, err
	}
	log = logger
	return standard.New(cfg, logger), nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	started := time.Now()
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "live (%s)\n", time.Since(started).Round(time.Millisecond))
	return nil
}

func runSession(cmd *cobra.Command, _ []string) error {
	p := model.Profile(profile)
	if !p.Valid() {
		return fmt.Errorf("unknown profile %q", profile)
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	id, err := client.StartSession(ctx, worker.StartRequest{
		TargetURL: targetURL,
		Profile:   p,
		Identity:  model.Identity{ProxyRef: proxyRef, FingerprintRef: fingerprint},
		Features: model.Features{
			NaturalScrolling:   scrolling,
			InternalNavigation: navigation,
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s accepted\n", id)

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("session %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
		st, err := client.GetSession(ctx, id)
		if err != nil {
			log.Warn("poll failed", zap.String("sessionId", id), zap.Error(err))
			continue
		}
		if !st.Terminal() {
			continue
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st.Result())
	}
}
