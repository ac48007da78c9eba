package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nghyane/dreamina-mux/internal/api"
	"github.com/nghyane/dreamina-mux/internal/bootstrap"
	"github.com/nghyane/dreamina-mux/internal/config"
	"github.com/nghyane/dreamina-mux/internal/logging"
	log "github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/pool"
	"github.com/nghyane/dreamina-mux/internal/provisioner"
	"github.com/nghyane/dreamina-mux/internal/proxy"
	"github.com/nghyane/dreamina-mux/internal/scheduler"
	"github.com/nghyane/dreamina-mux/internal/store"
	"github.com/nghyane/dreamina-mux/internal/usage"
	"github.com/nghyane/dreamina-mux/internal/watcher"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dreamina-mux server",
	Long: `Start the account-pool proxy server.

Loads the configuration, opens the account database, and starts the HTTP
server together with the background maintenance jobs.`,
	Run: func(c *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	logging.SetupBaseLogger()

	result, err := bootstrap.Bootstrap(cfgFile)
	if err != nil {
		log.Fatalf("Failed to bootstrap: %v", err)
	}
	cfg := result.Config

	if servePort != 0 && servePort != cfg.Port {
		cfg.Port = servePort
	}

	logging.SetLevel(cfg.LogLevel)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	if cfg.Usage.DSN != "" {
		initUsageBackend(cfg)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open account database: %v", err)
	}

	prov := provisioner.NewClient(cfg)
	selector := pool.NewSelector(st, cfg)
	dispatcher := proxy.NewDispatcher(cfg, selector, prov)

	sched := scheduler.New(cfg, st, prov)
	sched.Start()

	var w *watcher.Watcher
	if result.ConfigFilePath != "" {
		if w, err = watcher.New(cfg, result.ConfigFilePath); err != nil {
			log.WithError(err).Warn("config watcher disabled")
		} else if err = w.Start(); err != nil {
			log.WithError(err).Warn("config watcher disabled")
			w = nil
		}
	}

	server := api.New(cfg, st, prov, dispatcher)

	errChan := make(chan error, 1)
	go func() { errChan <- server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %s, shutting down", sig)
	case err := <-errChan:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown incomplete")
	}

	sched.Stop()
	if w != nil {
		w.Stop()
	}
	if err := usage.Shutdown(); err != nil {
		log.WithError(err).Warn("usage backend shutdown failed")
	}
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("account database close failed")
	}
	log.Info("shutdown complete")
}

func initUsageBackend(cfg *config.Config) {
	var flushInterval time.Duration
	if cfg.Usage.FlushInterval != "" {
		if d, parseErr := time.ParseDuration(cfg.Usage.FlushInterval); parseErr == nil {
			flushInterval = d
		}
	}
	backendCfg := usage.BackendConfig{
		DSN:           cfg.Usage.DSN,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: flushInterval,
		RetentionDays: cfg.Usage.RetentionDays,
	}
	if initErr := usage.Initialize(backendCfg); initErr != nil {
		log.Warnf("Failed to initialize usage backend: %v", initErr)
	} else {
		log.Infof("Usage backend initialized: %s", cfg.Usage.DSN)
	}
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
