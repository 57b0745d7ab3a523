package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "switchyard.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("SWITCHYARD_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SWITCHYARD_PORT")
	setString(&cfg.Server.CORSOrigin, "SWITCHYARD_CORS_ORIGIN")
	setInt64(&cfg.Server.MaxBodyBytes, "SWITCHYARD_MAX_BODY_BYTES")
	setFloat64(&cfg.Server.RateLimit, "SWITCHYARD_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "SWITCHYARD_RATE_BURST")
	setDuration(&cfg.Server.ShutdownTimeout, "SWITCHYARD_SHUTDOWN_TIMEOUT")
	setString(&cfg.Logging.Level, "SWITCHYARD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SWITCHYARD_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SWITCHYARD_LOG_ASYNC")

	// Queue
	setInt(&cfg.Queue.MaxConcurrent, "SWITCHYARD_QUEUE_MAX_CONCURRENT")
	setBool(&cfg.Queue.CeilingEnabled, "SWITCHYARD_QUEUE_CEILING_ENABLED")
	setDuration(&cfg.Queue.PollInterval, "SWITCHYARD_QUEUE_POLL_INTERVAL")

	// Pipeline
	setInt(&cfg.Pipeline.FastPathMaxChars, "SWITCHYARD_FAST_PATH_MAX_CHARS")
	setInt(&cfg.Pipeline.DeliberationMinChars, "SWITCHYARD_DELIBERATION_MIN_CHARS")
	setList(&cfg.Pipeline.CollaborationKeywords, "SWITCHYARD_COLLABORATION_KEYWORDS")
	setList(&cfg.Pipeline.ComplexIntents, "SWITCHYARD_COMPLEX_INTENTS")
	setDuration(&cfg.Pipeline.StreamMinInterval, "SWITCHYARD_STREAM_MIN_INTERVAL")
	setString(&cfg.Pipeline.DefaultIntent, "SWITCHYARD_DEFAULT_INTENT")

	// Repair
	setInt(&cfg.Repair.MaxAttempts, "SWITCHYARD_REPAIR_MAX_ATTEMPTS")
	setInt(&cfg.Repair.MaxErrorRepeats, "SWITCHYARD_REPAIR_MAX_ERROR_REPEATS")
	setFloat64(&cfg.Repair.CostCeiling, "SWITCHYARD_REPAIR_COST_CEILING")
	setString(&cfg.Repair.ApprovalToken, "SWITCHYARD_REPAIR_APPROVAL_TOKEN")

	// Tracer
	setString(&cfg.Tracer.SnapshotPath, "SWITCHYARD_TRACE_SNAPSHOT")
	setDuration(&cfg.Tracer.WatchdogInterval, "SWITCHYARD_WATCHDOG_INTERVAL")
	setDuration(&cfg.Tracer.InactivityTimeout, "SWITCHYARD_WATCHDOG_TIMEOUT")
	setInt(&cfg.Tracer.RetentionDays, "SWITCHYARD_TRACE_RETENTION_DAYS")
	setString(&cfg.Tracer.RetentionSchedule, "SWITCHYARD_TRACE_RETENTION_SCHEDULE")

	// Store
	setString(&cfg.Store.SnapshotPath, "SWITCHYARD_TASK_SNAPSHOT")
	setInt(&cfg.Store.MaxTasks, "SWITCHYARD_MAX_TASKS")
	setInt64(&cfg.Store.MaxSnapshotBytes, "SWITCHYARD_MAX_SNAPSHOT_BYTES")

	// Dispatch
	setString(&cfg.Dispatch.RoutesFile, "SWITCHYARD_ROUTES_FILE")
	setBool(&cfg.Dispatch.Watch, "SWITCHYARD_ROUTES_WATCH")

	// Backends
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SWITCHYARD_PG_MAX_CONNS")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "SWITCHYARD_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SWITCHYARD_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "SWITCHYARD_CACHE_L2_TTL")

	setString(&cfg.Workspace.Root, "SWITCHYARD_WORKSPACE_ROOT")

	setList(&cfg.Policy.DenyIntents, "SWITCHYARD_POLICY_DENY_INTENTS")
	setBool(&cfg.Policy.BlockRoleMarkers, "SWITCHYARD_POLICY_BLOCK_ROLE_MARKERS")
	setInt(&cfg.Policy.MaxPromptChars, "SWITCHYARD_POLICY_MAX_PROMPT_CHARS")

	setInt(&cfg.Breaker.MaxFailures, "SWITCHYARD_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SWITCHYARD_BREAKER_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		return errors.New("server.max_body_bytes must be >= 1")
	}
	if cfg.Queue.CeilingEnabled && cfg.Queue.MaxConcurrent < 1 {
		return errors.New("queue.max_concurrent must be >= 1 when the ceiling is enabled")
	}
	if cfg.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be > 0")
	}
	if cfg.Store.MaxTasks < 1 {
		return errors.New("store.max_tasks must be >= 1")
	}
	if cfg.Store.SnapshotPath == "" {
		return errors.New("store.snapshot_path is required")
	}
	if cfg.Tracer.SnapshotPath == "" {
		return errors.New("tracer.snapshot_path is required")
	}
	if cfg.Tracer.InactivityTimeout <= 0 {
		return errors.New("tracer.inactivity_timeout must be > 0")
	}
	if cfg.Tracer.WatchdogInterval <= 0 {
		return errors.New("tracer.watchdog_interval must be > 0")
	}
	if cfg.Repair.MaxAttempts < 0 {
		return errors.New("repair.max_attempts must be >= 0")
	}
	if cfg.Repair.MaxErrorRepeats < 1 {
		return errors.New("repair.max_error_repeats must be >= 1")
	}
	if cfg.Repair.FingerprintWindow > 0 && cfg.Repair.FingerprintWindow < cfg.Repair.MaxErrorRepeats {
		return errors.New("repair.fingerprint_window must be >= repair.max_error_repeats")
	}
	if cfg.Repair.ApprovalToken == "" {
		return errors.New("repair.approval_token is required")
	}
	for i, r := range cfg.Policy.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("policy.rules[%d].pattern is required", i)
		}
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList parses a comma-separated env value into dst.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
