package billingcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing control plane.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	AdminKey            string
	StripeWebhookSecret string
	StripeAPIKey        string // optional; checkout verification is disabled without it
	FounderTotalSlots   int
	FounderSlotsActive  bool
	PublicStatus        bool
	PublicMetrics       bool
}

// BillingDir returns the directory for the billing ledger database.
func (c *Config) BillingDir() string {
	return filepath.Join(c.DataDir, "billing")
}

// LoadConfig loads billing control plane configuration from environment
// variables. A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("RG_PORT", 8880)
	if err != nil {
		return nil, err
	}
	totalSlots, err := envOrDefaultInt("RG_FOUNDER_TOTAL_SLOTS", 100)
	if err != nil {
		return nil, err
	}
	slotsActive, err := envOrDefaultBool("RG_FOUNDER_SLOTS_ACTIVE", true)
	if err != nil {
		return nil, err
	}
	publicStatus, err := envOrDefaultBool("RG_PUBLIC_STATUS", false)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("RG_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("RG_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("RG_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("RG_ADMIN_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		FounderTotalSlots:   totalSlots,
		FounderSlotsActive:  slotsActive,
		PublicStatus:        publicStatus,
		PublicMetrics:       publicMetrics,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "RG_ADMIN_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("RG_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.FounderTotalSlots < 0 {
		return fmt.Errorf("RG_FOUNDER_TOTAL_SLOTS must not be negative, got %d", c.FounderTotalSlots)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
