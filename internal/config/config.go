// Package config loads and validates helvault's YAML configuration: global
// runtime settings and the per-source poll/auth/pagination/resilience
// descriptors. Env var substitution (${VAR} or $VAR) is applied to the raw
// document before parsing, mirroring the teacher's singleton + env-override
// pattern (internal/config/config.go in the source lineage).
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/ocx/helvault/internal/herrors"
)

// Config is the root document (helvault.yaml).
type Config struct {
	Global  GlobalConfig            `yaml:"global"`
	Sources map[string]SourceConfig `yaml:"sources"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel              string             `yaml:"log_level"`
	MaxConcurrentSources  int                `yaml:"max_concurrent_sources"`
	State                 StateConfig        `yaml:"state"`
	Degradation           DegradationConfig  `yaml:"degradation"`
	Backpressure          BackpressureConfig `yaml:"backpressure"`
	LoadShedding          LoadSheddingConfig `yaml:"load_shedding"`
	Reload                ReloadConfig       `yaml:"reload"`
	Health                HealthConfig       `yaml:"health"`
	Metrics               MetricsConfig      `yaml:"metrics"`
	API                   APIConfig          `yaml:"api"`
	Audit                 AuditConfig        `yaml:"audit"`
	Hooks                 HooksConfig        `yaml:"hooks"`
	Output                OutputConfig       `yaml:"output"`
}

// OutputConfig selects and configures the event sink destination.
type OutputConfig struct {
	Destination string            `yaml:"destination"` // stdout|file|pubsub
	File        *FileOutputConfig `yaml:"file"`
	PubSub      *PubSubOutputConfig `yaml:"pubsub"`
}

// FileOutputConfig configures the rotating-file sink.
type FileOutputConfig struct {
	Path          string `yaml:"path"`
	Rotation      string `yaml:"rotation"` // none|size_bytes|daily
	SizeBytes     int64  `yaml:"size_bytes"`
}

// PubSubOutputConfig configures the Pub/Sub fan-out sink.
type PubSubOutputConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// StateConfig selects the state store backend.
type StateConfig struct {
	Backend string `yaml:"backend"` // memory|sqlite|redis|postgres
	Path    string `yaml:"path"`
	URL     string `yaml:"url"`
}

// DegradationConfig controls graceful fallback on state store errors.
type DegradationConfig struct {
	StateStoreFallback string `yaml:"state_store_fallback"` // "memory" or empty
}

// BackpressureConfig governs the event sink's overflow behavior.
type BackpressureConfig struct {
	Enabled     bool               `yaml:"enabled"`
	Detection   DetectionConfig    `yaml:"detection"`
	Strategy    string             `yaml:"strategy"` // block|drop|disk_buffer
	DropPolicy  string             `yaml:"drop_policy"` // oldest_first|newest_first|random
	DiskBuffer  *DiskBufferConfig  `yaml:"disk_buffer"`
	MaxQueueAgeSecs int            `yaml:"max_queue_age_secs"`
}

// DetectionConfig sizes the sink's in-memory queue.
type DetectionConfig struct {
	EventQueueSize     int `yaml:"event_queue_size"`
	MemoryThresholdMB  int `yaml:"memory_threshold_mb"`
	StdoutBufferSize   int `yaml:"stdout_buffer_size"`
}

// DiskBufferConfig configures the disk-spill overflow strategy.
type DiskBufferConfig struct {
	Path           string `yaml:"path"`
	MaxSizeMB      int    `yaml:"max_size_mb"`
	SegmentSizeMB  int    `yaml:"segment_size_mb"`
}

// LoadSheddingConfig optionally skips low-priority ticks.
type LoadSheddingConfig struct {
	SkipPriorityBelow *int `yaml:"skip_priority_below"`
}

// ReloadConfig controls what a SIGHUP reload clears.
type ReloadConfig struct {
	RestartSourcesOnSighup bool `yaml:"restart_sources_on_sighup"`
}

// HealthConfig exposes the /healthz /readyz /startupz probes.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// MetricsConfig exposes the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// APIConfig toggles the admin /api/v1 surface.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuditConfig controls the credential/config audit log.
type AuditConfig struct {
	Enabled              bool `yaml:"enabled"`
	LogCredentialAccess  bool `yaml:"log_credential_access"`
	LogConfigChanges     bool `yaml:"log_config_changes"`
	RedactSecrets        bool `yaml:"redact_secrets"`
}

// HooksConfig configures the sandboxed JS hook runtime.
type HooksConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	TimeoutSecs   int    `yaml:"timeout_secs"`
	AllowNetwork  bool   `yaml:"allow_network"`
	AllowFS       bool   `yaml:"allow_fs"`
	MemoryLimitMB *int   `yaml:"memory_limit_mb"`
}

// SourceConfig is one entry under `sources:`.
type SourceConfig struct {
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method"`
	Body         string            `yaml:"body"`
	Headers      map[string]string `yaml:"headers"`
	Schedule     ScheduleConfig    `yaml:"schedule"`
	Auth         AuthConfig        `yaml:"auth"`
	Pagination   PaginationConfig  `yaml:"pagination"`
	Resilience   ResilienceConfig  `yaml:"resilience"`
	Dedupe       DedupeConfig      `yaml:"dedupe"`
	OnParseError string            `yaml:"on_parse_error"` // fail|skip
	HookScript   string            `yaml:"hook_script"`
	Priority     int               `yaml:"priority"` // compared against global.load_shedding.skip_priority_below
}

// ScheduleConfig sets the per-source poll interval.
type ScheduleConfig struct {
	IntervalSecs int `yaml:"interval_secs"`
	JitterSecs   int `yaml:"jitter_secs"`
}

// AuthConfig is the tagged union of supported credential schemes. Exactly
// one should be populated per source; Type selects which.
type AuthConfig struct {
	Type string `yaml:"type"` // none|bearer|api_key|basic|oauth2|google_service_account|dpop|login_cookie|hook

	// Bearer
	TokenEnv  string `yaml:"token_env"`
	TokenFile string `yaml:"token_file"`

	// ApiKey
	Header  string `yaml:"header"`
	KeyEnv  string `yaml:"key_env"`
	KeyFile string `yaml:"key_file"`

	// Basic
	UserEnv      string `yaml:"user_env"`
	PasswordEnv  string `yaml:"password_env"`
	UserFile     string `yaml:"user_file"`
	PasswordFile string `yaml:"password_file"`

	// OAuth2 refresh
	TokenURL         string `yaml:"token_url"`
	ClientIDEnv      string `yaml:"client_id_env"`
	ClientSecretEnv  string `yaml:"client_secret_env"`
	RefreshTokenEnv  string `yaml:"refresh_token_env"`

	// GoogleServiceAccount
	ClientEmailEnv string   `yaml:"client_email_env"`
	PrivateKeyEnv  string   `yaml:"private_key_env"`
	PrivateKeyFile string   `yaml:"private_key_file"`
	Scopes         []string `yaml:"scopes"`
	Subject        string   `yaml:"subject"`

	// DPoP (layered on top of Bearer/OAuth2/GSA token acquisition)
	DPoPEnabled bool `yaml:"dpop_enabled"`

	// LoginCookie
	LoginURL      string `yaml:"login_url"`
	CredentialEnv string `yaml:"credential_env"`
	BodyKey       string `yaml:"body_key"`

	// Hook
	HookScript string `yaml:"hook_script"`
}

// PaginationConfig is the tagged union of pagination strategies.
type PaginationConfig struct {
	Strategy string `yaml:"strategy"` // link_header|cursor|page_offset
	MaxPages int    `yaml:"max_pages"`

	// LinkHeader
	Rel string `yaml:"rel"`

	// Cursor
	CursorParam string `yaml:"cursor_param"`
	CursorPath  string `yaml:"cursor_path"`

	// PageOffset
	PageParam  string `yaml:"page_param"`
	LimitParam string `yaml:"limit_param"`
	Limit      int    `yaml:"limit"`
}

// ResilienceConfig bundles timeouts, retries, circuit breaker, rate limit, TLS.
type ResilienceConfig struct {
	TimeoutSecs    int                  `yaml:"timeout_secs"`
	Timeouts       *TimeoutsConfig      `yaml:"timeouts"`
	Retries        *RetryConfig         `yaml:"retries"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      *RateLimitConfig     `yaml:"rate_limit"`
	TLS            *TLSConfig           `yaml:"tls"`
}

// TimeoutsConfig splits the legacy single timeout into its parts.
type TimeoutsConfig struct {
	ConnectSecs int `yaml:"connect"`
	RequestSecs int `yaml:"request"`
	ReadSecs    int `yaml:"read"`
	IdleSecs    int `yaml:"idle"`
}

// RetryConfig governs exponential backoff.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	InitialBackoffSecs float64 `yaml:"initial_backoff_secs"`
	MaxBackoffSecs     float64 `yaml:"max_backoff_secs"`
	Multiplier         float64 `yaml:"multiplier"`
}

// CircuitBreakerConfig governs the per-source failure gate.
type CircuitBreakerConfig struct {
	Enabled              bool `yaml:"enabled"`
	FailureThreshold     int  `yaml:"failure_threshold"`
	SuccessThreshold     int  `yaml:"success_threshold"`
	HalfOpenTimeoutSecs  int  `yaml:"half_open_timeout_secs"`
}

// RateLimitConfig governs the client-side token bucket.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	BurstSize            int     `yaml:"burst_size"`
	RespectHeaders       bool    `yaml:"respect_headers"`
}

// TLSConfig configures custom CA / mTLS / minimum version.
type TLSConfig struct {
	CABundlePath   string `yaml:"ca_bundle_path"`
	CAOnly         bool   `yaml:"ca_only"`
	ClientCertPath string `yaml:"client_cert_path"`
	ClientKeyPath  string `yaml:"client_key_path"`
	MinVersion     string `yaml:"min_version"` // "1.2"|"1.3"
}

// DedupeConfig configures per-source dedupe.
type DedupeConfig struct {
	IDPath   string `yaml:"id_path"`
	Capacity int    `yaml:"capacity"`
}

// applyDefaults fills in zero-value fields with their documented defaults.
func applyDefaults(c *Config) {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.Health.Address == "" {
		c.Global.Health.Address = "0.0.0.0"
	}
	if c.Global.Health.Port == 0 {
		c.Global.Health.Port = 8080
	}
	if c.Global.Metrics.Address == "" {
		c.Global.Metrics.Address = "0.0.0.0"
	}
	if c.Global.Metrics.Port == 0 {
		c.Global.Metrics.Port = 9090
	}
	for id, src := range c.Sources {
		if src.Method == "" {
			src.Method = "get"
		}
		if src.Schedule.IntervalSecs == 0 {
			src.Schedule.IntervalSecs = 60
		}
		if src.Pagination.MaxPages == 0 {
			src.Pagination.MaxPages = 100
		}
		if src.Pagination.Rel == "" {
			src.Pagination.Rel = "next"
		}
		if src.Resilience.TimeoutSecs == 0 {
			src.Resilience.TimeoutSecs = 30
		}
		if src.Resilience.Retries != nil {
			if src.Resilience.Retries.MaxAttempts == 0 {
				src.Resilience.Retries.MaxAttempts = 3
			}
			if src.Resilience.Retries.InitialBackoffSecs == 0 {
				src.Resilience.Retries.InitialBackoffSecs = 1
			}
			if src.Resilience.Retries.Multiplier == 0 {
				src.Resilience.Retries.Multiplier = 2.0
			}
		}
		if src.Dedupe.IDPath == "" {
			src.Dedupe.IDPath = "id"
		}
		if src.OnParseError == "" {
			src.OnParseError = "fail"
		}
		c.Sources[id] = src
	}
}

// validate rejects configs missing required fields or using unknown enum
// values, matching the ConfigError kind from SPEC_FULL.md §7.
func validate(c *Config) error {
	if len(c.Sources) == 0 {
		return &herrors.ConfigError{Field: "sources", Msg: "must have at least one source"}
	}
	for id, src := range c.Sources {
		if src.URL == "" {
			return &herrors.ConfigError{Field: fmt.Sprintf("sources.%s.url", id), Msg: "required"}
		}
		switch src.Method {
		case "get", "post":
		default:
			return &herrors.ConfigError{Field: fmt.Sprintf("sources.%s.method", id), Msg: "must be get or post"}
		}
		switch src.Pagination.Strategy {
		case "link_header", "cursor", "page_offset", "":
		default:
			return &herrors.ConfigError{Field: fmt.Sprintf("sources.%s.pagination.strategy", id), Msg: "unknown strategy"}
		}
		switch src.OnParseError {
		case "fail", "skip":
		default:
			return &herrors.ConfigError{Field: fmt.Sprintf("sources.%s.on_parse_error", id), Msg: "must be fail or skip"}
		}
	}
	return nil
}

// expandEnvVars performs naive ${VAR} / $VAR substitution over the raw YAML
// text, mirroring the env-expansion pass the original implementation runs
// before parsing.
func expandEnvVars(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '$' || i+1 >= len(runes) {
			out.WriteRune(c)
			continue
		}
		if runes[i+1] == '{' {
			j := i + 2
			for j < len(runes) && runes[j] != '}' {
				j++
			}
			name := string(runes[i+2 : j])
			out.WriteString(os.Getenv(name))
			if j < len(runes) {
				i = j
			} else {
				i = j - 1
			}
			continue
		}
		j := i + 1
		for j < len(runes) && (isAlnum(runes[j]) || runes[j] == '_') {
			j++
		}
		if j == i+1 {
			out.WriteRune(c)
			continue
		}
		name := string(runes[i+1 : j])
		out.WriteString(os.Getenv(name))
		i = j - 1
	}
	return out.String()
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Load reads, expands, strictly decodes, defaults, and validates the config
// file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := expandEnvVars(string(raw))
	var c Config
	if err := yaml.UnmarshalStrict([]byte(expanded), &c); err != nil {
		return nil, &herrors.ConfigError{Field: "<root>", Msg: err.Error()}
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

var (
	once       sync.Once
	singleton  *Config
	singleErr  error
)

// Get returns the process-wide config singleton, loading it from
// HELVAULT_CONFIG_PATH (default "./helvault.yaml") on first call. Grounded
// on the teacher's internal/config/config.go Get()/sync.Once pattern.
func Get() (*Config, error) {
	once.Do(func() {
		path := os.Getenv("HELVAULT_CONFIG_PATH")
		if path == "" {
			path = "./helvault.yaml"
		}
		singleton, singleErr = Load(path)
	})
	return singleton, singleErr
}
