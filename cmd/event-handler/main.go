package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"claim-orchestrator/internal/app"
	"claim-orchestrator/internal/config"
	"claim-orchestrator/internal/events"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Log.Service = "claim-event-handler"

	buildCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	a, err := app.Build(buildCtx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	defer a.Close(context.Background())
	if a.Minio == nil {
		log.Fatalf("event-handler requires MinIO credentials (MINIO_ACCESS_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := events.NewMinioIntakeEventSource(a.Minio, cfg.MinioBucket)
	handle := app.NewIntakeHandler(a.Blobs, a.Engine, a.Logger)

	a.Logger.Info("listening for intake objects", "bucket", cfg.MinioBucket, "prefix", events.IntakePrefix)
	err = source.Run(ctx, func(parent context.Context, ev events.IntakeEvent) error {
		hctx, cancel := context.WithTimeout(parent, 15*time.Second)
		defer cancel()
		return handle(hctx, ev)
	})
	if err != nil {
		log.Fatalf("event-handler stopped with error: %v", err)
	}
}
