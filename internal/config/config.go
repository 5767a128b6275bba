package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPPort        = "8080"
	defaultTemporalAddress = "localhost:7233"
	defaultTemporalNS      = "default"
	defaultTaskQueue       = "claim-orchestration-task-queue"
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultAgentTimeout    = 60
	defaultMinioEndpoint   = "localhost:9000"
	defaultMinioBucket     = "claims"
)

type LogConfig struct {
	Level   string
	Format  string
	Output  string
	Service string
}

type TracerConfig struct {
	Enabled  bool
	Exporter string
}

// Policy holds the routing thresholds and timers. Defaults apply to anything
// the policy file leaves out.
type Policy struct {
	AmountThreshold      float64       `yaml:"amount_threshold"`
	FraudThreshold       float64       `yaml:"fraud_threshold"`
	MinConfidence        float64       `yaml:"min_confidence"`
	ExtractMinConfidence float64       `yaml:"extract_min_confidence"`
	StepTimeout          time.Duration `yaml:"step_timeout"`
	LivenessTimeout      time.Duration `yaml:"liveness_timeout"`
	MaxReviewWait        time.Duration `yaml:"max_review_wait"`
	SweepSchedule        string        `yaml:"sweep_schedule"`
	RecoverSchedule      string        `yaml:"recover_schedule"`
}

func DefaultPolicy() Policy {
	return Policy{
		AmountThreshold:      10000,
		FraudThreshold:       0.70,
		MinConfidence:        0.6,
		ExtractMinConfidence: 0.5,
		StepTimeout:          60 * time.Second,
		LivenessTimeout:      10 * time.Minute,
		MaxReviewWait:        72 * time.Hour,
		SweepSchedule:        "*/15 * * * *",
		RecoverSchedule:      "*/5 * * * *",
	}
}

type Config struct {
	HTTPPort          string
	StoreDriver       string
	DatabaseDSN       string
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
	WorkflowIDPrefix  string
	Dispatcher        string

	AgentProvider     string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	AgentTimeoutSec   int
	BedrockRegion     string
	BedrockModel      string
	AgentRPS          float64
	BreakerMaxFailure int

	ExtractionURL     string
	ExtractPollMillis int
	ExtractMaxPolls   int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	ResumeCallbackURL    string
	ReviewWebhookURL     string
	SupervisorWebhookURL string
	SlackToken           string
	SlackChannel         string

	Log    LogConfig
	Tracer TracerConfig
	Policy Policy
}

func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          getenv("HTTP_PORT", defaultHTTPPort),
		StoreDriver:       getenv("STORE_DRIVER", "postgres"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		TemporalAddress:   getenv("TEMPORAL_ADDRESS", defaultTemporalAddress),
		TemporalNamespace: getenv("TEMPORAL_NAMESPACE", defaultTemporalNS),
		TemporalTaskQueue: getenv("TEMPORAL_TASK_QUEUE", defaultTaskQueue),
		WorkflowIDPrefix:  getenv("WORKFLOW_ID_PREFIX", "claim"),
		Dispatcher:        getenv("DISPATCHER", "temporal"),

		AgentProvider:     getenv("AGENT_PROVIDER", "openai"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getenv("OPENAI_MODEL", defaultOpenAIModel),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		AgentTimeoutSec:   getenvInt("AGENT_TIMEOUT_SEC", defaultAgentTimeout),
		BedrockRegion:     getenv("AWS_REGION", "us-east-1"),
		BedrockModel:      os.Getenv("BEDROCK_MODEL_ID"),
		AgentRPS:          getenvFloat("AGENT_RPS", 0),
		BreakerMaxFailure: getenvInt("AGENT_BREAKER_FAILURES", 5),

		ExtractionURL:     os.Getenv("EXTRACTION_URL"),
		ExtractPollMillis: getenvInt("EXTRACTION_POLL_MS", 2000),
		ExtractMaxPolls:   getenvInt("EXTRACTION_MAX_POLLS", 30),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", defaultMinioEndpoint),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getenv("MINIO_BUCKET", defaultMinioBucket),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		ResumeCallbackURL:    getenv("RESUME_CALLBACK_URL", "http://localhost:8080/v1/resume"),
		ReviewWebhookURL:     os.Getenv("REVIEW_WEBHOOK_URL"),
		SupervisorWebhookURL: os.Getenv("SUPERVISOR_WEBHOOK_URL"),
		SlackToken:           os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:         os.Getenv("SLACK_REVIEW_CHANNEL"),

		Log: LogConfig{
			Level:   getenv("LOG_LEVEL", "info"),
			Format:  getenv("LOG_FORMAT", "json"),
			Output:  getenv("LOG_OUTPUT", "stdout"),
			Service: getenv("SERVICE_NAME", "claim-orchestrator"),
		},
		Tracer: TracerConfig{
			Enabled:  getenvBool("TRACING_ENABLED", false),
			Exporter: getenv("TRACING_EXPORTER", "stdout"),
		},
	}

	policy, err := LoadPolicy(os.Getenv("POLICY_FILE"))
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy

	switch cfg.StoreDriver {
	case "postgres", "sqlite":
		if cfg.DatabaseDSN == "" {
			return Config{}, fmt.Errorf("DATABASE_DSN is required for STORE_DRIVER=%s", cfg.StoreDriver)
		}
	case "memory":
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	switch cfg.Dispatcher {
	case "temporal", "local":
	default:
		return Config{}, fmt.Errorf("unknown DISPATCHER %q", cfg.Dispatcher)
	}

	return cfg, nil
}

// LoadPolicy reads the YAML policy file at path over the defaults. An empty
// path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if policy.FraudThreshold < 0 || policy.FraudThreshold > 1 || policy.MinConfidence < 0 || policy.MinConfidence > 1 {
		return Policy{}, fmt.Errorf("policy thresholds must be within [0,1]")
	}
	return policy, nil
}

func getenv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
