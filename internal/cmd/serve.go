package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldglass/vagent/internal/actuator"
	"github.com/fieldglass/vagent/internal/config"
	"github.com/fieldglass/vagent/internal/events"
	"github.com/fieldglass/vagent/internal/gateway"
	"github.com/fieldglass/vagent/internal/orchestrator"
	"github.com/fieldglass/vagent/internal/session"
	"github.com/fieldglass/vagent/internal/telemetry"
	"github.com/fieldglass/vagent/internal/vlm"
	"github.com/fieldglass/vagent/internal/vlmproc"
)

var serveNoAgent bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the always-on gateway supervisor",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(settingsPath())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("root") || cfg.Gateway.RootDir == "" {
		cfg.Gateway.RootDir = rootDir
	}
	applyEnvOverrides(&cfg)

	if f, err := openLogFile(cfg.Gateway.RootDir); err == nil {
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	} else {
		log.Printf("[serve] not logging to file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.Setup(ctx, telemetry.Config{
		MetricsEnabled:   cfg.Telemetry.MetricsEnabled,
		LogExportEnabled: cfg.Telemetry.LogExportEnabled,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	bus := events.New()
	store := events.NewStore()
	bus.OnDrop = func(string) { metrics.RecordEventDropped(context.Background()) }

	sess, err := session.New(store, session.Config{DSN: cfg.Session.MySQLDSN})
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}
	defer sess.Close()

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	mgr := vlmproc.NewManager(newVLMClient)
	mgr.OnStateChange = func(st vlmproc.State) {
		store.SetVLMStatus(string(st))
		if st == vlmproc.StateCrashed {
			store.SetStatus(store.Snapshot().Status, "crash")
			metrics.RecordCrash(context.Background())
		}
		bus.Publish(events.Event{Kind: events.KindStatus, Payload: store.Snapshot()})
	}

	act, err := actuator.New(actuator.Config{
		Headless: cfg.Actuator.Headless,
		Width:    cfg.Actuator.Width,
		Height:   cfg.Actuator.Height,
		StartURL: cfg.Actuator.StartURL,
	})
	if err != nil {
		return fmt.Errorf("launching actuator: %w", err)
	}
	defer act.Close()

	oc := orchestratorConfig(cfg)
	oc.Metrics = metrics
	orch := orchestrator.New(act, mgr, bus, store, oc)

	sup, err := gateway.New(gateway.Deps{
		Settings: cfg,
		Bus:      bus,
		Store:    store,
		Session:  sess,
		Orch:     orch,
		VLMMgr:   mgr,
		Catalog:  catalog,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	if err := sup.AcquireSingleInstance(); err != nil {
		return err
	}
	defer sup.ReleaseSingleInstance()

	log.Printf("[serve] api key at %s", filepath.Join(cfg.Gateway.RootDir, "config", "secrets", "api_key"))

	if cfg.VLM.DefaultModel != "" {
		// Warm-up can take up to two minutes; don't hold the HTTP surface
		// hostage to it.
		go func() {
			if err := sup.EnsureModelReady(ctx, cfg.VLM.DefaultModel); err != nil {
				log.Printf("[serve] default model %s not ready: %v", cfg.VLM.DefaultModel, err)
			}
		}()
	}
	if !serveNoAgent {
		if res := sup.AgentStart(ctx); res.Status != "ok" {
			log.Printf("[serve] agent worker not started: %s", res.Reason)
		}
	}

	go mgr.IdleLoop(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx) }()
	go func() { errCh <- sup.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Printf("[serve] shutting down")
		mgr.Shutdown()
		return nil
	case err := <-errCh:
		mgr.Shutdown()
		return err
	}
}

// newVLMClient is the factory the lifecycle manager calls once per
// STARTING -> READY transition. Transient chat failures are retried inside
// the client; only process-level faults reach the crash path.
func newVLMClient(host string, port int) (vlm.Client, error) {
	client, err := vlm.NewOpenAIClient(vlm.Config{
		BaseURL: fmt.Sprintf("http://%s:%d", host, port),
	})
	if err != nil {
		return nil, err
	}
	return vlm.WithRetry(client, vlm.DefaultRetryConfig()), nil
}

// openLogFile appends to <root>/logs/vagent.log, creating the directory on
// first run.
func openLogFile(root string) (*os.File, error) {
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "vagent.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// loadCatalog reads models.toml, resolving a relative catalog path against
// the state root. A missing file yields an empty catalog; a malformed one
// is a config error.
func loadCatalog(cfg config.Settings) (*vlmproc.Catalog, error) {
	path := cfg.VLM.CatalogPath
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Gateway.RootDir, path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("[serve] no model catalog at %s", path)
		return &vlmproc.Catalog{}, nil
	}
	return vlmproc.LoadCatalog(path)
}

func orchestratorConfig(cfg config.Settings) orchestrator.Config {
	oc := orchestrator.Config{
		MaxIterations:       cfg.Orchestrator.MaxIterations,
		ConfidenceThreshold: cfg.Orchestrator.ConfidenceThreshold,
		HistoryTurns:        cfg.Orchestrator.HistoryTurns,
		PostActionDelay:     cfg.Orchestrator.PostActionDelay,
		VLMTimeout:          cfg.Orchestrator.VLMTimeout,
	}
	if cfg.Orchestrator.SystemPromptFile != "" {
		if data, err := os.ReadFile(cfg.Orchestrator.SystemPromptFile); err == nil {
			oc.SystemPrompt = string(data)
		} else {
			log.Printf("[serve] system prompt file unreadable, using default: %v", err)
		}
	}
	return oc
}

// applyEnvOverrides layers the bare HOST/PORT environment variables on top of
// the file (viper already handles the VAGENT_-prefixed forms).
func applyEnvOverrides(cfg *config.Settings) {
	if host := os.Getenv("HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			cfg.Gateway.Port = p
		}
	}
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoAgent, "no-agent", false, "Start the gateway without spawning the agent worker")
	rootCmd.AddCommand(serveCmd)
}
