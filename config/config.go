package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config represents runtime configuration for the payday service.
type Config struct {
	Port        string
	DatabaseURL string
	Environment string

	PlatformAccountID uuid.UUID
	FeeBps            int64

	Provider ProviderConfig
	Webhook  WebhookConfig
	Auth     AuthConfig
	Recon    ReconConfig

	OTLPEndpoint string
	OTLPInsecure bool
}

// ProviderConfig selects and tunes the payment provider integration.
type ProviderConfig struct {
	Name              string
	PaystackSecretKey string
	PaystackBaseURL   string
	Timeout           time.Duration
	RequestsPerMinute int
}

// WebhookConfig governs inbound provider webhook verification.
type WebhookConfig struct {
	Secret    string
	NoncePath string
	Window    time.Duration
}

// AuthConfig captures bearer token verification settings.
type AuthConfig struct {
	Secret         string
	Issuer         string
	Audience       string
	MaxSkewSeconds int
}

// ReconConfig schedules the nightly reconciliation run.
type ReconConfig struct {
	OutputDir            string
	RunHour              int
	RunMinute            int
	Window               time.Duration
	StaleConfirmationAge time.Duration
}

// fileConfig mirrors the optional TOML file. Environment variables win over
// file values so deployments can override without editing the file.
type fileConfig struct {
	Port              string `toml:"port"`
	DatabaseURL       string `toml:"database_url"`
	Environment       string `toml:"environment"`
	PlatformAccountID string `toml:"platform_account_id"`
	FeeBps            int64  `toml:"fee_bps"`

	Provider struct {
		Name              string `toml:"name"`
		PaystackBaseURL   string `toml:"paystack_base_url"`
		TimeoutSeconds    int    `toml:"timeout_seconds"`
		RequestsPerMinute int    `toml:"requests_per_minute"`
	} `toml:"provider"`

	Webhook struct {
		NoncePath     string `toml:"nonce_path"`
		WindowSeconds int    `toml:"window_seconds"`
	} `toml:"webhook"`

	Auth struct {
		Issuer         string `toml:"issuer"`
		Audience       string `toml:"audience"`
		MaxSkewSeconds int    `toml:"max_skew_seconds"`
	} `toml:"auth"`

	Recon struct {
		OutputDir                 string `toml:"output_dir"`
		RunHour                   int    `toml:"run_hour"`
		RunMinute                 int    `toml:"run_minute"`
		WindowHours               int    `toml:"window_hours"`
		StaleConfirmationAgeHours int    `toml:"stale_confirmation_age_hours"`
	} `toml:"recon"`
}

// Load reads configuration from the optional TOML file named by
// PAYDAY_CONFIG_FILE and then applies environment variables on top.
// Secrets only ever come from the environment.
func Load() (*Config, error) {
	var file fileConfig
	if path := strings.TrimSpace(os.Getenv("PAYDAY_CONFIG_FILE")); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:        normalizePort(getEnvDefault("PAYDAY_PORT", defaultString(file.Port, "8080"))),
		DatabaseURL: getEnvDefault("PAYDAY_DB_URL", file.DatabaseURL),
		Environment: getEnvDefault("PAYDAY_ENV", defaultString(file.Environment, "development")),
		FeeBps:      int64(parseIntEnv("PAYDAY_FEE_BPS", defaultInt(int(file.FeeBps), 1200))),
		Provider: ProviderConfig{
			Name:              getEnvDefault("PAYDAY_PROVIDER", defaultString(file.Provider.Name, "paystack")),
			PaystackSecretKey: os.Getenv("PAYDAY_PAYSTACK_SECRET_KEY"),
			PaystackBaseURL:   getEnvDefault("PAYDAY_PAYSTACK_BASE_URL", file.Provider.PaystackBaseURL),
			Timeout:           time.Duration(parseIntEnv("PAYDAY_PROVIDER_TIMEOUT_SECONDS", defaultInt(file.Provider.TimeoutSeconds, 15))) * time.Second,
			RequestsPerMinute: parseIntEnv("PAYDAY_PROVIDER_RATE_LIMIT_PER_MINUTE", defaultInt(file.Provider.RequestsPerMinute, 60)),
		},
		Webhook: WebhookConfig{
			Secret:    os.Getenv("PAYDAY_WEBHOOK_SECRET"),
			NoncePath: getEnvDefault("PAYDAY_WEBHOOK_NONCE_PATH", defaultString(file.Webhook.NoncePath, "payday-data/webhook-nonces")),
			Window:    time.Duration(parseIntEnv("PAYDAY_WEBHOOK_WINDOW_SECONDS", defaultInt(file.Webhook.WindowSeconds, 300))) * time.Second,
		},
		Auth: AuthConfig{
			Secret:         os.Getenv("PAYDAY_AUTH_JWT_SECRET"),
			Issuer:         getEnvDefault("PAYDAY_AUTH_JWT_ISSUER", defaultString(file.Auth.Issuer, "payday")),
			Audience:       getEnvDefault("PAYDAY_AUTH_JWT_AUDIENCE", file.Auth.Audience),
			MaxSkewSeconds: parseIntEnv("PAYDAY_AUTH_JWT_MAX_SKEW_SECONDS", defaultInt(file.Auth.MaxSkewSeconds, 60)),
		},
		Recon: ReconConfig{
			OutputDir:            getEnvDefault("PAYDAY_RECON_OUTPUT_DIR", defaultString(file.Recon.OutputDir, "payday-data/recon")),
			RunHour:              parseIntEnv("PAYDAY_RECON_RUN_HOUR", defaultInt(file.Recon.RunHour, 1)),
			RunMinute:            parseIntEnv("PAYDAY_RECON_RUN_MINUTE", defaultInt(file.Recon.RunMinute, 5)),
			Window:               time.Duration(parseIntEnv("PAYDAY_RECON_WINDOW_HOURS", defaultInt(file.Recon.WindowHours, 24))) * time.Hour,
			StaleConfirmationAge: time.Duration(parseIntEnv("PAYDAY_RECON_STALE_CONFIRMATION_HOURS", defaultInt(file.Recon.StaleConfirmationAgeHours, 72))) * time.Hour,
		},
		OTLPEndpoint: os.Getenv("PAYDAY_OTLP_ENDPOINT"),
		OTLPInsecure: parseBoolEnv("PAYDAY_OTLP_INSECURE", false),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: PAYDAY_DB_URL is required")
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("config: PAYDAY_AUTH_JWT_SECRET is required")
	}
	if cfg.FeeBps <= 0 || cfg.FeeBps >= 10_000 {
		return nil, fmt.Errorf("config: fee basis points must be between 1 and 9999")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 {
		return nil, fmt.Errorf("config: recon run hour must be between 0 and 23")
	}
	if cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return nil, fmt.Errorf("config: recon run minute must be between 0 and 59")
	}
	if platform := getEnvDefault("PAYDAY_PLATFORM_ACCOUNT_ID", file.PlatformAccountID); strings.TrimSpace(platform) != "" {
		id, err := uuid.Parse(strings.TrimSpace(platform))
		if err != nil {
			return nil, fmt.Errorf("config: invalid platform account id: %w", err)
		}
		cfg.PlatformAccountID = id
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func normalizePort(port string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(port), ":")
	if trimmed == "" {
		return "8080"
	}
	return trimmed
}

func parseIntEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

func parseBoolEnv(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return value
}

func defaultString(value, def string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return def
}

func defaultInt(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}
