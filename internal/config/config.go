// Package config loads gateway runtime configuration from a TOML file and
// environment variables, exposing typed structs and accessors for every
// section, in the style of the teacher's viper/mapstructure-backed loader.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Security modes, mirroring the teacher's sandbox mode enum.
const (
	SecurityModeStandard = "standard"
	SecurityModeStrict   = "strict"
	SecurityModeDanger   = "danger"
)

// Config is the full runtime configuration for the gateway daemon.
type Config struct {
	DataDir    string `mapstructure:"-"`
	Storage    StorageConfig                `mapstructure:"storage"`
	Security   SecurityConfig               `mapstructure:"security"`
	Providers  map[string]ProviderConfig    `mapstructure:"providers"`
	Router     RouterConfig                 `mapstructure:"router"`
	Costs      CostsConfig                  `mapstructure:"costs"`
	Compressor CompressorConfig             `mapstructure:"compressor"`
	Cache      CacheConfig                  `mapstructure:"cache"`
	Batcher    BatcherConfig                `mapstructure:"batcher"`
	Health     HealthConfig                 `mapstructure:"health"`
	Approval   ApprovalConfig               `mapstructure:"approval"`
	Execution  ExecutionConfig              `mapstructure:"execution"`
	Trust      TrustConfig                  `mapstructure:"trust"`
	Rollout    RolloutConfig                `mapstructure:"rollout"`
	GC         GCConfig                     `mapstructure:"gc"`
	Auth       AuthConfig                   `mapstructure:"auth"`
	Credential CredentialConfig             `mapstructure:"credential"`
	Notify     NotifyConfig                 `mapstructure:"notify"`
}

// StorageConfig configures the relational repository backend.
type StorageConfig struct {
	DriverDSN string `mapstructure:"driver_dsn"`
}

// SecurityConfig controls sandboxed execution behavior.
type SecurityConfig struct {
	Workspace      string        `mapstructure:"-"`
	Mode           string        `mapstructure:"mode"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// AllowedCommands is the cmd allowlist spec §4.11 requires of the
	// sandboxed executor: the first token of a dangerous_command/
	// network_call/external_api action body. Empty means unrestricted.
	AllowedCommands []string `mapstructure:"allowed_commands"`
}

// ModelConfig mirrors the spec §3 Model Config entity.
type ModelConfig struct {
	ModelID         string       `mapstructure:"model_id"`
	DisplayName     string       `mapstructure:"display_name"`
	ContextWindow   int          `mapstructure:"context_window"`
	CostPer1kInput  float64      `mapstructure:"cost_per_1k_input"`
	CostPer1kOutput float64      `mapstructure:"cost_per_1k_output"`
	IsLocal         bool         `mapstructure:"is_local"`
	Capabilities    Capabilities `mapstructure:"capabilities"`
}

// Capabilities is the closed capability record for a Model Config.
type Capabilities struct {
	CodeGeneration  bool   `mapstructure:"code_generation"`
	CodeExplanation bool   `mapstructure:"code_explanation"`
	Reasoning       bool   `mapstructure:"reasoning"`
	Creativity      bool   `mapstructure:"creativity"`
	Speed           string `mapstructure:"speed"`   // fast|medium|slow
	Quality         string `mapstructure:"quality"` // basic|good|excellent
}

// ProviderConfig configures one registered LLM provider.
type ProviderConfig struct {
	// Kind selects the adapter variant: anthropic | openai_compatible | ollama_compatible.
	Kind           string                 `mapstructure:"kind"`
	BaseURL        string                 `mapstructure:"base_url"`
	APIKeyCredID   string                 `mapstructure:"api_key_credential_id"`
	Models         map[string]ModelConfig `mapstructure:"models"`
	RequestTimeout time.Duration          `mapstructure:"request_timeout"`
}

// RouterConfig configures complexity-based candidate selection.
type RouterConfig struct {
	RoutingRules struct {
		Simple   []string `mapstructure:"simple"`
		Moderate []string `mapstructure:"moderate"`
		Complex  []string `mapstructure:"complex"`
	} `mapstructure:"routing_rules"`
	FallbackChain       []string `mapstructure:"fallback_chain"`
	MaxLatencyMs        int      `mapstructure:"max_latency_ms"`
	AutoDetectComplexity bool    `mapstructure:"auto_detect_complexity"`
}

// CostsConfig configures budgets and alert thresholds.
type CostsConfig struct {
	DailyLimit       *float64 `mapstructure:"daily_limit"`
	WeeklyLimit      *float64 `mapstructure:"weekly_limit"`
	MonthlyLimit     *float64 `mapstructure:"monthly_limit"`
	AlertThresholds  []int    `mapstructure:"alert_thresholds"`
	CharsPerToken    int      `mapstructure:"chars_per_token"`
}

// CompressorConfig configures the context compressor (C5).
type CompressorConfig struct {
	MaxContextTokens int      `mapstructure:"max_context_tokens"`
	WindowSize       int      `mapstructure:"window_size"`
	SummarizeOld     bool     `mapstructure:"summarize_old"`
	MaxSummaryTokens int      `mapstructure:"max_summary_tokens"`
	CharsPerToken    int      `mapstructure:"chars_per_token"`
	PriorityRoles    []string `mapstructure:"priority_roles"`
	MinTurnLength    int      `mapstructure:"min_turn_length"`
}

// CacheConfig configures the dedup + prompt cache (C6).
type CacheConfig struct {
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
	SweepPeriod time.Duration `mapstructure:"sweep_period"`
}

// BatcherConfig configures the request batcher (C7).
type BatcherConfig struct {
	MaxBatchSize        int           `mapstructure:"max_batch_size"`
	MaxWait              time.Duration `mapstructure:"max_wait"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
}

// HealthConfig configures the health cache (C4).
type HealthConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// ApprovalConfig configures the approval queue (C10).
type ApprovalConfig struct {
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	SweepPeriod  time.Duration `mapstructure:"sweep_period"`
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// ExecutionConfig configures the execution/undo manager (C11).
type ExecutionConfig struct {
	UndoWindow time.Duration `mapstructure:"undo_window"`
}

// TrustConfig configures the trust monitor (C12).
type TrustConfig struct {
	RefreshPeriod  time.Duration `mapstructure:"refresh_period"`
	WindowHours    int           `mapstructure:"window_hours"`
	SustainWindow  time.Duration `mapstructure:"sustain_window"`
}

// RolloutConfig configures the rollout controller (C13).
type RolloutConfig struct {
	PhaseUserCaps       [4]int `mapstructure:"phase_user_caps"`
	PhaseCleanDaysReq   [4]int `mapstructure:"phase_clean_days_required"`
}

// GCConfig configures the GC scheduler (C14).
type GCConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MemoryThreshold float64       `mapstructure:"memory_threshold"`
}

// AuthConfig configures device pairing and session tokens (C2).
type AuthConfig struct {
	HMACSecretCredentialID string        `mapstructure:"hmac_secret_credential_id"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL        time.Duration `mapstructure:"refresh_token_ttl"`
	PairingChallengeTTL    time.Duration `mapstructure:"pairing_challenge_ttl"`
	MaxDevicesPerOwner     int           `mapstructure:"max_devices_per_owner"`
}

// CredentialConfig configures the credential store's KDF (C1).
type CredentialConfig struct {
	// KeychainSeedEnv names the environment variable holding the master
	// passphrase used to derive the credential store's AEAD key. No OS
	// keychain is consulted.
	KeychainSeedEnv string `mapstructure:"keychain_seed_env"`
}

// NotifyConfig configures the collaborator notification adapter.
type NotifyConfig struct {
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
}

var defaultConfig = Config{
	Storage: StorageConfig{DriverDSN: "gateway.db"},
	Security: SecurityConfig{
		Mode:           SecurityModeStandard,
		CommandTimeout: 5 * time.Minute,
	},
	Router: RouterConfig{
		MaxLatencyMs:         60_000,
		AutoDetectComplexity: true,
	},
	Costs: CostsConfig{
		AlertThresholds: []int{50, 75, 90},
		CharsPerToken:   4,
	},
	Compressor: CompressorConfig{
		MaxContextTokens: 8000,
		WindowSize:       10,
		SummarizeOld:     true,
		MaxSummaryTokens: 500,
		CharsPerToken:    4,
		PriorityRoles:    []string{"system", "user", "assistant"},
		MinTurnLength:    0,
	},
	Cache: CacheConfig{
		DefaultTTL:  30 * time.Second,
		MaxEntries:  1000,
		SweepPeriod: 60 * time.Second,
	},
	Batcher: BatcherConfig{
		MaxBatchSize:         10,
		MaxWait:              100 * time.Millisecond,
		MaxConcurrentBatches: 5,
	},
	Health: HealthConfig{
		TTL: 30 * time.Second,
	},
	Approval: ApprovalConfig{
		DefaultTTL:     5 * time.Minute,
		SweepPeriod:    15 * time.Second,
		AuditRetention: 90 * 24 * time.Hour,
	},
	Execution: ExecutionConfig{
		UndoWindow: 30 * time.Second,
	},
	Trust: TrustConfig{
		RefreshPeriod: 5 * time.Minute,
		WindowHours:   24,
		SustainWindow: time.Hour,
	},
	Rollout: RolloutConfig{
		PhaseUserCaps:     [4]int{1, 5, 15, 0},
		PhaseCleanDaysReq: [4]int{7, 14, 30, 0},
	},
	GC: GCConfig{
		Interval:        5 * time.Minute,
		MemoryThreshold: 0.6,
	},
	Auth: AuthConfig{
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		PairingChallengeTTL: 5 * time.Minute,
		MaxDevicesPerOwner:  10,
	},
	Credential: CredentialConfig{
		KeychainSeedEnv: "GATEWAY_MASTER_PASSPHRASE",
	},
}

// HomeDir returns the gateway home directory, honoring GATEWAY_HOME.
func HomeDir() (string, error) {
	if dir := os.Getenv("GATEWAY_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".gateway"), nil
}

// Load merges hardcoded defaults and config.toml, in that order.
func Load() (*Config, error) {
	dataDir, err := HomeDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filepath.Join(dataDir, "config.toml"))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.Security.Workspace = filepath.Join(dataDir, "workspace")
	if cfg.Storage.DriverDSN == "" || cfg.Storage.DriverDSN == defaultConfig.Storage.DriverDSN {
		cfg.Storage.DriverDSN = filepath.Join(dataDir, defaultConfig.Storage.DriverDSN)
	}
	return &cfg, nil
}

// Write renders cfg to w as TOML, reflecting its actual field values rather
// than the hardcoded defaults.
func Write(cfg *Config, w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}
	if cfg == nil {
		return errors.New("config is required")
	}

	var asMap map[string]any
	if err := mapstructure.Decode(cfg, &asMap); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	v := viper.New()
	if err := v.MergeConfigMap(asMap); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	v.SetConfigType("toml")

	var buf bytes.Buffer
	if err := v.WriteConfigTo(&buf); err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver_dsn", defaultConfig.Storage.DriverDSN)
	v.SetDefault("security.mode", defaultConfig.Security.Mode)
	v.SetDefault("security.command_timeout", defaultConfig.Security.CommandTimeout)
	v.SetDefault("security.allowed_commands", defaultConfig.Security.AllowedCommands)
	v.SetDefault("router.max_latency_ms", defaultConfig.Router.MaxLatencyMs)
	v.SetDefault("router.auto_detect_complexity", defaultConfig.Router.AutoDetectComplexity)
	v.SetDefault("costs.alert_thresholds", defaultConfig.Costs.AlertThresholds)
	v.SetDefault("costs.chars_per_token", defaultConfig.Costs.CharsPerToken)
	v.SetDefault("compressor.max_context_tokens", defaultConfig.Compressor.MaxContextTokens)
	v.SetDefault("compressor.window_size", defaultConfig.Compressor.WindowSize)
	v.SetDefault("compressor.summarize_old", defaultConfig.Compressor.SummarizeOld)
	v.SetDefault("compressor.max_summary_tokens", defaultConfig.Compressor.MaxSummaryTokens)
	v.SetDefault("compressor.chars_per_token", defaultConfig.Compressor.CharsPerToken)
	v.SetDefault("compressor.priority_roles", defaultConfig.Compressor.PriorityRoles)
	v.SetDefault("cache.default_ttl", defaultConfig.Cache.DefaultTTL)
	v.SetDefault("cache.max_entries", defaultConfig.Cache.MaxEntries)
	v.SetDefault("cache.sweep_period", defaultConfig.Cache.SweepPeriod)
	v.SetDefault("batcher.max_batch_size", defaultConfig.Batcher.MaxBatchSize)
	v.SetDefault("batcher.max_wait", defaultConfig.Batcher.MaxWait)
	v.SetDefault("batcher.max_concurrent_batches", defaultConfig.Batcher.MaxConcurrentBatches)
	v.SetDefault("health.ttl", defaultConfig.Health.TTL)
	v.SetDefault("approval.default_ttl", defaultConfig.Approval.DefaultTTL)
	v.SetDefault("approval.sweep_period", defaultConfig.Approval.SweepPeriod)
	v.SetDefault("approval.audit_retention", defaultConfig.Approval.AuditRetention)
	v.SetDefault("execution.undo_window", defaultConfig.Execution.UndoWindow)
	v.SetDefault("trust.refresh_period", defaultConfig.Trust.RefreshPeriod)
	v.SetDefault("trust.window_hours", defaultConfig.Trust.WindowHours)
	v.SetDefault("trust.sustain_window", defaultConfig.Trust.SustainWindow)
	v.SetDefault("rollout.phase_user_caps", defaultConfig.Rollout.PhaseUserCaps[:])
	v.SetDefault("rollout.phase_clean_days_required", defaultConfig.Rollout.PhaseCleanDaysReq[:])
	v.SetDefault("gc.interval", defaultConfig.GC.Interval)
	v.SetDefault("gc.memory_threshold", defaultConfig.GC.MemoryThreshold)
	v.SetDefault("auth.access_token_ttl", defaultConfig.Auth.AccessTokenTTL)
	v.SetDefault("auth.refresh_token_ttl", defaultConfig.Auth.RefreshTokenTTL)
	v.SetDefault("auth.pairing_challenge_ttl", defaultConfig.Auth.PairingChallengeTTL)
	v.SetDefault("auth.max_devices_per_owner", defaultConfig.Auth.MaxDevicesPerOwner)
	v.SetDefault("credential.keychain_seed_env", defaultConfig.Credential.KeychainSeedEnv)
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
