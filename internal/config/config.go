// Package config provides hierarchical configuration loading for Switchyard.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the Switchyard engine.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Queue     Queue     `yaml:"queue"`
	Pipeline  Pipeline  `yaml:"pipeline"`
	Repair    Repair    `yaml:"repair"`
	Tracer    Tracer    `yaml:"tracer"`
	Store     Store     `yaml:"store"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	LiteLLM   LiteLLM   `yaml:"litellm"`
	NATS      NATS      `yaml:"nats"`
	Postgres  Postgres  `yaml:"postgres"`
	Cache     Cache     `yaml:"cache"`
	OTEL      OTEL      `yaml:"otel"`
	Breaker   Breaker   `yaml:"breaker"`
	Learning  Learning  `yaml:"learning"`
	Session   Session   `yaml:"session"`
	Workspace Workspace `yaml:"workspace"`
	Policy    Policy    `yaml:"policy"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`      // comma-separated, also the WebSocket origin allowlist
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`   // default: 10 MiB, images are inline
	RateLimit       float64       `yaml:"rate_limit"`       // requests per second per client, 0 disables
	RateBurst       int           `yaml:"rate_burst"`       // default: 20
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`  // default: 24h
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Queue holds admission controller configuration.
type Queue struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`  // Concurrency ceiling (default: 4)
	CeilingEnabled bool          `yaml:"ceiling_enabled"` // false disables the ceiling entirely
	PollInterval   time.Duration `yaml:"poll_interval"`   // Capacity poll interval (default: 500ms)
}

// Pipeline holds per-task pipeline configuration.
type Pipeline struct {
	FastPathMaxChars      int                 `yaml:"fast_path_max_chars"`     // default: 500
	DeliberationMinChars  int                 `yaml:"deliberation_min_chars"`  // default: 800
	CollaborationKeywords []string            `yaml:"collaboration_keywords"`  // triggers deliberation with length
	ComplexIntents        []string            `yaml:"complex_intents"`         // always deliberate
	ToolRequirements      map[string]string   `yaml:"tool_requirements"`       // intent -> required tool
	Directives            map[string][]string `yaml:"directives"`              // intent -> hidden directives
	MaxDirectives         int                 `yaml:"max_directives"`          // default: 3
	CharsPerToken         int                 `yaml:"chars_per_token"`         // default: 4
	ContextReserveChars   int                 `yaml:"context_reserve_chars"`   // default: 2048
	StreamMinInterval     time.Duration       `yaml:"stream_min_interval"`     // default: 250ms
	HistoryTurns          int                 `yaml:"history_turns"`           // default: 10
	DefaultIntent         string              `yaml:"default_intent"`          // fallback worker intent
	DeliberationPanelSize int                 `yaml:"deliberation_panel_size"` // default: 3
}

// Repair holds self-repair loop configuration.
type Repair struct {
	MaxAttempts          int     `yaml:"max_attempts"`           // N repair attempts after the first (default: 5)
	MaxErrorRepeats      int     `yaml:"max_error_repeats"`      // identical verdicts before stopping (default: 3)
	FingerprintWindow    int     `yaml:"fingerprint_window"`     // recent verdicts considered (default: 6)
	CostCeiling          float64 `yaml:"cost_ceiling"`           // USD per loop (default: 1.0)
	ApprovalToken        string  `yaml:"approval_token"`         // default: APPROVED
	FeedbackPreviewChars int     `yaml:"feedback_preview_chars"` // default: 300
	Model                string  `yaml:"model"`                  // model name passed to the cost estimator
}

// Tracer holds request tracer configuration.
type Tracer struct {
	SnapshotPath      string        `yaml:"snapshot_path"`
	PromptPreviewLen  int           `yaml:"prompt_preview_len"` // default: 200
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`  // default: 60s
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"` // default: 5m
	Debounce          time.Duration `yaml:"debounce"`           // default: 1s
	RetentionDays     int           `yaml:"retention_days"`     // default: 30
	RetentionSchedule string        `yaml:"retention_schedule"` // cron spec (default: "@daily")
}

// Store holds task store configuration.
type Store struct {
	SnapshotPath     string        `yaml:"snapshot_path"`
	MaxTasks         int           `yaml:"max_tasks"`          // default: 1000
	MaxSnapshotBytes int64         `yaml:"max_snapshot_bytes"` // default: 50 MiB
	Debounce         time.Duration `yaml:"debounce"`           // default: 1s
}

// Dispatch holds the routing file used to build the dispatch table.
type Dispatch struct {
	RoutesFile string `yaml:"routes_file"`
	Watch      bool   `yaml:"watch"` // reload on file change
}

// LiteLLM holds the OpenAI-compatible proxy used by the default worker backends.
type LiteLLM struct {
	URL            string             `yaml:"url"`
	MasterKey      string             `yaml:"master_key"`
	Timeout        time.Duration      `yaml:"timeout"`
	ClassifyModel  string             `yaml:"classify_model"`
	GenerateModel  string             `yaml:"generate_model"`
	ReviewModel    string             `yaml:"review_model"`
	VisionModel    string             `yaml:"vision_model"`
	TranslateModel string             `yaml:"translate_model"`
	PricePer1K     map[string]float64 `yaml:"price_per_1k"` // model -> USD per 1k tokens
	CampaignSteps  int                `yaml:"campaign_steps"`
}

// NATS holds NATS configuration. An empty URL disables the event bus.
type NATS struct {
	URL string `yaml:"url"`
}

// Postgres holds PostgreSQL configuration for knowledge capture and feedback.
// An empty DSN disables the learning store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// Cache holds classification cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
	TTL         time.Duration `yaml:"ttl"`
}

// OTEL holds OpenTelemetry exporter configuration. An empty endpoint keeps no-op providers.
type OTEL struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Learning holds knowledge capture configuration.
type Learning struct {
	ExcludedIntents []string `yaml:"excluded_intents"`
}

// Session holds the in-memory session history configuration.
type Session struct {
	MaxSessions int `yaml:"max_sessions"`
	MaxTurns    int `yaml:"max_turns"`
}

// Workspace is the directory reviewers may read referenced files from.
// An empty root disables file access.
type Workspace struct {
	Root         string `yaml:"root"`
	MaxFileBytes int64  `yaml:"max_file_bytes"` // default: 256 KiB
}

// Policy holds the admission rules evaluated before a task is queued.
// Rules are evaluated in order and the first match denies.
type Policy struct {
	Rules            []PolicyRule `yaml:"rules"`
	DenyIntents      []string     `yaml:"deny_intents"`       // forced intents refused at admission
	BlockRoleMarkers bool         `yaml:"block_role_markers"` // refuse "system:" style injection lines
	MaxPromptChars   int          `yaml:"max_prompt_chars"`   // 0 disables
}

// PolicyRule denies prompts matching Pattern (RE2 syntax).
type PolicyRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			MaxBodyBytes:    10 << 20,
			RateLimit:       10,
			RateBurst:       20,
			IdempotencyTTL:  24 * time.Hour,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "switchyard",
		},
		Queue: Queue{
			MaxConcurrent:  4,
			CeilingEnabled: true,
			PollInterval:   500 * time.Millisecond,
		},
		Pipeline: Pipeline{
			FastPathMaxChars:      500,
			DeliberationMinChars:  800,
			CollaborationKeywords: []string{"debate", "discuss", "brainstorm", "compare perspectives", "pros and cons"},
			ComplexIntents:        []string{"complex"},
			ToolRequirements:      map[string]string{"browse": "browser", "search": "web_search"},
			Directives: map[string][]string{
				"code": {"Return complete, runnable code.", "Prefer the standard library of the target language."},
			},
			MaxDirectives:         3,
			CharsPerToken:         4,
			ContextReserveChars:   2048,
			StreamMinInterval:     250 * time.Millisecond,
			HistoryTurns:          10,
			DefaultIntent:         "chat",
			DeliberationPanelSize: 3,
		},
		Repair: Repair{
			MaxAttempts:          5,
			MaxErrorRepeats:      3,
			FingerprintWindow:    6,
			CostCeiling:          1.0,
			ApprovalToken:        "APPROVED",
			FeedbackPreviewChars: 300,
			Model:                "openai/gpt-4o-mini",
		},
		Tracer: Tracer{
			SnapshotPath:      "data/traces.json",
			PromptPreviewLen:  200,
			WatchdogInterval:  60 * time.Second,
			InactivityTimeout: 5 * time.Minute,
			Debounce:          time.Second,
			RetentionDays:     30,
			RetentionSchedule: "@daily",
		},
		Store: Store{
			SnapshotPath:     "data/tasks.json",
			MaxTasks:         1000,
			MaxSnapshotBytes: 50 << 20,
			Debounce:         time.Second,
		},
		Dispatch: Dispatch{
			RoutesFile: "routes.yaml",
			Watch:      true,
		},
		LiteLLM: LiteLLM{
			URL:            "http://localhost:4000",
			Timeout:        120 * time.Second,
			ClassifyModel:  "openai/gpt-4o-mini",
			GenerateModel:  "openai/gpt-4o",
			ReviewModel:    "openai/gpt-4o-mini",
			VisionModel:    "openai/gpt-4o",
			TranslateModel: "openai/gpt-4o-mini",
			CampaignSteps:  6,
			PricePer1K: map[string]float64{
				"openai/gpt-4o":      0.005,
				"openai/gpt-4o-mini": 0.0006,
			},
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Cache: Cache{
			L1MaxSizeMB: 16,
			L2Bucket:    "SWITCHYARD_INTENTS",
			L2TTL:       24 * time.Hour,
			TTL:         time.Hour,
		},
		OTEL: OTEL{
			Insecure:    true,
			ServiceName: "switchyard",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Learning: Learning{
			ExcludedIntents: []string{"help", "chat"},
		},
		Session: Session{
			MaxSessions: 1024,
			MaxTurns:    40,
		},
		Workspace: Workspace{
			MaxFileBytes: 256 << 10,
		},
		Policy: Policy{
			BlockRoleMarkers: true,
			MaxPromptChars:   100000,
		},
	}
}
