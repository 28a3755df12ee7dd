package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyCompatFromEnv reads environment variables used by older pensieve
// deployments that are not represented by dedicated CLI flags.
func (c *Config) ApplyCompatFromEnv() error {
	if c == nil {
		return nil
	}

	var err error
	hours := 0
	if err = applyIntEnv("JWT_EXPIRATION_HOURS", &hours); err != nil {
		return err
	}
	if hours > 0 {
		c.TokenTTL = time.Duration(hours) * time.Hour
	}
	if err = applyDurationEnv("PENSIEVE_ACCESS_TOKEN_EXPIRE", &c.TokenTTL); err != nil {
		return err
	}
	applyStringEnv("DATABASE_NAME", &c.DBName)
	applyStringEnv("JWT_ALGORITHM", &c.JWTAlgorithm)
	if err = applyBoolEnv("PENSIEVE_DB_MIGRATE_AT_START", &c.DatastoreMigrateAtStart); err != nil {
		return err
	}
	if raw := strings.TrimSpace(os.Getenv("PENSIEVE_MAX_BODY_SIZE")); raw != "" {
		size, parseErr := ParseMemorySize(raw)
		if parseErr != nil {
			return fmt.Errorf("invalid PENSIEVE_MAX_BODY_SIZE: %w", parseErr)
		}
		c.MaxBodySize = size
	}
	return nil
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyIntEnv(key string, dest *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// parseDuration accepts positive Go durations such as 30s or 24h.
func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}

// ParseMemorySize parses byte sizes such as 512, 64K, 10MB.
func ParseMemorySize(raw string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "KB"), strings.HasSuffix(v, "K"):
		multiplier = 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "KB"), "K")
	case strings.HasSuffix(v, "MB"), strings.HasSuffix(v, "M"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "MB"), "M")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}
