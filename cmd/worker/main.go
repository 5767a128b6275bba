package main

import (
	"context"
	"log"
	"time"

	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"claim-orchestrator/internal/app"
	"claim-orchestrator/internal/config"
	"claim-orchestrator/internal/schedule"
	appTemporal "claim-orchestrator/internal/temporal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Dispatcher != "temporal" {
		log.Fatalf("worker requires DISPATCHER=temporal, got %q", cfg.Dispatcher)
	}
	cfg.Log.Service = "claim-worker"

	ctx := context.Background()
	buildCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	a, err := app.Build(buildCtx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	defer a.Close(ctx)

	sched := schedule.New(a.Engine, a.Logger)
	if err := sched.Add(schedule.JobSweep, cfg.Policy.SweepSchedule); err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}
	if err := sched.Add(schedule.JobRecover, cfg.Policy.RecoverSchedule); err != nil {
		log.Fatalf("schedule recovery: %v", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	w := worker.New(a.Temporal, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(appTemporal.ClaimWorkflow, workflow.RegisterOptions{Name: appTemporal.ClaimWorkflowName})
	w.RegisterActivity(&appTemporal.Activities{Engine: a.Engine})

	a.Logger.Info("worker running", "task_queue", cfg.TemporalTaskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("worker stopped with error: %v", err)
	}
}
