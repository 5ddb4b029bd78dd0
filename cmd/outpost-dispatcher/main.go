package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeroechelon/outpost-dispatcher/internal/config"
	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/internal/services"
	"github.com/zeroechelon/outpost-dispatcher/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "outpost-dispatcher",
	Short: "Outpost - multi-tenant dispatch control plane for LLM agent workers",
	Long: `Outpost accepts coding-task submissions naming an LLM agent, launches
the agent on a container orchestrator, tracks its lifecycle, streams its
logs and status back to callers, and keeps a warm pool of pre-provisioned
workers to amortize cold starts.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Outpost dispatcher version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides OUTPOST_LOG_LEVEL")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	serveCmd.Flags().String("listen", ":8480", "Address for the health/metrics endpoint")
	healthCmd.Flags().String("addr", "http://127.0.0.1:8480", "Base URL of a running dispatcher")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func initLogging(cmd *cobra.Command, cfg config.Config) {
	level := cfg.LogLevel
	if flagLevel, _ := cmd.Flags().GetString("log-level"); flagLevel != "" {
		level = flagLevel
	}
	logJSON := cfg.LogJSON
	if set, _ := cmd.Flags().GetBool("log-json"); set {
		logJSON = true
	}

	obslog.Init(obslog.Config{
		Level:      level,
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch control plane",
	Long: `Start the dispatcher: wires the repositories, warm pool, lifecycle
loop, and autoscaler, and exposes /healthz, /readyz, and /metrics on the
listen address. The dispatch API surface itself is mounted by the
transport layer in front of this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		initLogging(cmd, cfg)
		listen, _ := cmd.Flags().GetString("listen")

		logger := obslog.WithComponent("main")
		logger.Info().
			Str("version", Version).
			Str("cluster", cfg.ClusterHandle).
			Str("dataDir", cfg.DataDir).
			Msg("starting outpost dispatcher")

		reg, err := services.Get(cfg)
		if err != nil {
			return fmt.Errorf("failed to wire services: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("kvstore", true, "")
		metrics.RegisterComponent("runtime", true, "")
		metrics.RegisterComponent("eventbus", true, "")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		reg.Lifecycle.Start(ctx)
		reg.Autoscaler.Start()

		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		mux.HandleFunc("/livez", metrics.LivenessHandler())
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/pool", func(w http.ResponseWriter, r *http.Request) {
			health, err := reg.Dispatcher.GetPoolHealth(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(health)
		})

		srv := &http.Server{Addr: listen, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("listen", listen).Msg("health/metrics endpoint up")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("health endpoint failed")
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()

		reg.Autoscaler.Stop()
		reg.Lifecycle.DrainPool(drainCtx)
		reg.Streamer.StopAll()
		_ = srv.Shutdown(drainCtx)
		services.Reset()

		logger.Info().Msg("dispatcher stopped")
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(addr + "/healthz")
		if err != nil {
			return fmt.Errorf("dispatcher unreachable at %s: %w", addr, err)
		}
		defer resp.Body.Close()

		var health metrics.HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("failed to decode health response: %w", err)
		}

		fmt.Printf("Status:  %s\n", health.Status)
		fmt.Printf("Version: %s\n", health.Version)
		fmt.Printf("Uptime:  %s\n", health.Uptime)
		for name, state := range health.Components {
			fmt.Printf("  %-10s %s\n", name, state)
		}
		if health.Status != "healthy" {
			os.Exit(1)
		}
		return nil
	},
}
