package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"sellergate.org/internal/authz"
)

// Config is the process configuration, loaded once at startup from the
// environment. The workflow knobs are handed to the engine as an
// authz.Config value; nothing reads the environment after Load.
type Config struct {
	Addr          string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Workflow authz.Config
}

// Load reads configuration from SG_* environment variables, applying
// defaults where unset.
func Load() (Config, error) {
	cfg := Config{
		Addr:          envOr("SG_ADDR", ":8080"),
		PostgresDSN:   os.Getenv("SG_PG_DSN"),
		RedisAddr:     os.Getenv("SG_REDIS_ADDR"),
		RedisPassword: os.Getenv("SG_REDIS_PASSWORD"),
		Workflow:      authz.DefaultConfig(),
	}

	var err error
	if cfg.RedisDB, err = envInt("SG_REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.Workflow.FeatureEnabled, err = envBool("SG_FEATURE_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.Workflow.SellerProductLimit, err = envInt("SG_SELLER_PRODUCT_LIMIT", authz.DefaultSellerProductLimit); err != nil {
		return Config{}, err
	}
	if cfg.Workflow.CooldownDays, err = envInt("SG_COOLDOWN_DAYS", authz.DefaultCooldownDays); err != nil {
		return Config{}, err
	}

	if cfg.Workflow.SellerProductLimit < 1 {
		return Config{}, fmt.Errorf("SG_SELLER_PRODUCT_LIMIT must be >= 1")
	}
	if cfg.Workflow.CooldownDays < 1 {
		return Config{}, fmt.Errorf("SG_COOLDOWN_DAYS must be >= 1")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return v, nil
}
