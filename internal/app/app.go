// Package app assembles the engine and its collaborators from config. Every
// binary builds through here so they agree on wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"claim-orchestrator/internal/agents"
	"claim-orchestrator/internal/config"
	"claim-orchestrator/internal/engine"
	"claim-orchestrator/internal/events"
	"claim-orchestrator/internal/extract"
	"claim-orchestrator/internal/logger"
	"claim-orchestrator/internal/notify"
	"claim-orchestrator/internal/storage"
	"claim-orchestrator/internal/suspend"
	appTemporal "claim-orchestrator/internal/temporal"
	"claim-orchestrator/internal/tracer"

	"github.com/minio/minio-go/v7"
)

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    storage.Store
	Blobs    *storage.MinioStore
	Minio    *minio.Client
	Engine   *engine.Engine
	Temporal client.Client

	local   *engine.GoDispatcher
	closers []func(context.Context) error
}

// Build wires the application. The caller owns the result and must Close it.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &App{Config: cfg, Logger: log}
	a.closers = append(a.closers, func(context.Context) error { return closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	if err := a.build(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	store, err := storage.Open(ctx, cfg.StoreDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	deps := engine.Deps{Store: store, Logger: a.Logger}

	if cfg.MinioAccessKey != "" {
		mc, err := storage.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return fmt.Errorf("init minio client: %w", err)
		}
		blobs, err := storage.NewMinioStore(ctx, mc, cfg.MinioBucket)
		if err != nil {
			return fmt.Errorf("init minio store: %w", err)
		}
		a.Minio, a.Blobs = mc, blobs
		deps.Blobs = blobs
		deps.Events = events.NewPublisher(blobs, a.Logger)
	} else {
		a.Logger.Warn("MINIO_ACCESS_KEY not set; summaries, events and audit exports are not persisted")
	}

	runner, err := a.agentRunner(ctx)
	if err != nil {
		return err
	}
	deps.Agents = runner
	deps.Extractor = a.extractor()
	deps.Gateway = suspend.NewGateway(store, a.notifier(), cfg.ResumeCallbackURL, a.Logger)

	a.Engine = engine.New(deps, EngineConfig(cfg.Policy))

	switch cfg.Dispatcher {
	case "temporal":
		tc, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
			Logger:    tlog.NewStructuredLogger(a.Logger),
		})
		if err != nil {
			return fmt.Errorf("dial temporal: %w", err)
		}
		a.Temporal = tc
		a.closers = append(a.closers, func(context.Context) error { tc.Close(); return nil })
		a.Engine.SetDispatcher(appTemporal.NewDispatcher(tc, cfg.TemporalTaskQueue, cfg.WorkflowIDPrefix, a.Logger))
	default:
		a.local = engine.NewGoDispatcher(a.Engine, 4, a.Logger)
		a.Engine.SetDispatcher(a.local)
	}
	return nil
}

// EngineConfig maps the loaded policy onto the engine's thresholds.
func EngineConfig(p config.Policy) engine.Config {
	return engine.Config{
		AmountThreshold:      p.AmountThreshold,
		FraudThreshold:       p.FraudThreshold,
		MinConfidence:        p.MinConfidence,
		ExtractMinConfidence: p.ExtractMinConfidence,
		StepTimeout:          p.StepTimeout,
		LivenessTimeout:      p.LivenessTimeout,
		MaxReviewWait:        p.MaxReviewWait,
	}
}

func (a *App) agentRunner(ctx context.Context) (*agents.Runner, error) {
	cfg := a.Config
	var (
		inner agents.Invoker
		model string
	)
	switch cfg.AgentProvider {
	case "bedrock":
		b, err := agents.NewBedrockInvoker(ctx, cfg.BedrockRegion, cfg.BedrockModel)
		if err != nil {
			return nil, fmt.Errorf("init bedrock invoker: %w", err)
		}
		inner, model = b, cfg.BedrockModel
	case "openai", "":
		inner, model = agents.NewHTTPInvoker(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), cfg.OpenAIModel
	default:
		return nil, fmt.Errorf("unknown AGENT_PROVIDER %q", cfg.AgentProvider)
	}

	validator, err := agents.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("init result validator: %w", err)
	}
	guarded := agents.NewGuarded(inner, agents.GuardConfig{
		MaxFailures:       uint32(max(cfg.BreakerMaxFailure, 0)),
		RequestsPerSecond: cfg.AgentRPS,
	}, a.Logger)
	return agents.NewRunner(guarded, validator, model, time.Duration(cfg.AgentTimeoutSec)*time.Second, a.Logger), nil
}

func (a *App) extractor() extract.Extractor {
	cfg := a.Config
	if cfg.ExtractionURL == "" {
		a.Logger.Warn("EXTRACTION_URL not set; document locators are used as extracted text")
		return extract.Passthrough{}
	}
	return extract.NewHTTPExtractor(cfg.ExtractionURL, time.Duration(cfg.ExtractPollMillis)*time.Millisecond, cfg.ExtractMaxPolls)
}

func (a *App) notifier() notify.Notifier {
	cfg := a.Config
	multi := notify.Multi{notify.LogNotifier{Logger: a.Logger}}
	if cfg.ReviewWebhookURL != "" || cfg.SupervisorWebhookURL != "" {
		multi = append(multi, notify.NewWebhook(cfg.ReviewWebhookURL, cfg.SupervisorWebhookURL, 10*time.Second))
	}
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		multi = append(multi, notify.NewSlack(cfg.SlackToken, cfg.SlackChannel))
	}
	return multi
}

// Close waits for local runs to drain, then releases resources in reverse
// order of acquisition.
func (a *App) Close(ctx context.Context) error {
	if a.local != nil {
		a.local.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
