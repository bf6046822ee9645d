package cmd

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldglass/vagent/internal/actuator"
	"github.com/fieldglass/vagent/internal/config"
	"github.com/fieldglass/vagent/internal/events"
	"github.com/fieldglass/vagent/internal/orchestrator"
	"github.com/fieldglass/vagent/internal/vlmproc"
)

var (
	agentTask  string
	agentModel string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the orchestration loop directly, without the gateway",
	RunE:  requireSubcommand,
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single task in the foreground and exit",
	RunE:  runAgentRun,
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	if agentTask == "" {
		return fmt.Errorf("--task is required")
	}

	cfg, err := config.Load(settingsPath())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("root") || cfg.Gateway.RootDir == "" {
		cfg.Gateway.RootDir = rootDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	modelID := agentModel
	if modelID == "" {
		modelID = cfg.VLM.DefaultModel
	}
	desc, ok := catalog.Find(modelID)
	if !ok {
		return fmt.Errorf("unknown model id %q (is it in models.toml?)", modelID)
	}

	mgr := vlmproc.NewManager(newVLMClient)
	defer mgr.Shutdown()
	if err := mgr.EnsureReady(ctx, *desc); err != nil {
		return fmt.Errorf("starting VLM: %w", err)
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

	bus := events.New()
	store := events.NewStore()
	orch := orchestrator.New(act, mgr, bus, store, orchestratorConfig(cfg))

	go orch.Run(ctx)
	go printEvents(ctx, bus)

	task, err := orch.Submit(agentTask)
	if err != nil {
		return err
	}
	log.Printf("[agent] task %s submitted: %q", task.ID, agentTask)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = orch.Stop()
			return nil
		case <-ticker.C:
			t, ok := orch.CurrentTask()
			if !ok {
				continue
			}
			switch t.State {
			case orchestrator.TaskDone:
				log.Printf("[agent] done after %d iterations: %s", t.IterationsUsed, t.Details)
				return nil
			case orchestrator.TaskAborted, orchestrator.TaskError:
				return fmt.Errorf("task %s: %s", t.State, t.Details)
			}
		}
	}
}

// printEvents mirrors the live event stream to the terminal, one line per
// thought/status/action.
func printEvents(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(0)
	defer sub.Unsubscribe()
	done := ctx.Done()
	for {
		if !sub.Wait(done) {
			return
		}
		for _, e := range sub.Drain() {
			switch e.Kind {
			case events.KindThought:
				log.Printf("[agent] thought: %v", e.Payload)
			case events.KindStatus:
				if snap, ok := e.Payload.(events.Snapshot); ok {
					if snap.Details != "" {
						log.Printf("[agent] status: %s (%s)", snap.Status, snap.Details)
					} else {
						log.Printf("[agent] status: %s", snap.Status)
					}
				}
			case events.KindAction:
				log.Printf("[agent] action: %+v", e.Payload)
			}
		}
	}
}

func init() {
	agentRunCmd.Flags().StringVar(&agentTask, "task", "", "Natural-language command to execute (required)")
	agentRunCmd.Flags().StringVar(&agentModel, "model", "", "Model id from models.toml (default: vlm.default_model)")
	_ = agentRunCmd.MarkFlagRequired("task")

	agentCmd.AddCommand(agentRunCmd)
	rootCmd.AddCommand(agentCmd)
}
