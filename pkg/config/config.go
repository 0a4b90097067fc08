// Package config loads server configuration from environment variables and
// per-tenant trust profiles from YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port                   string
	LogLevel               string
	DatabaseURL            string
	RedisURL               string
	ForensicLogPath        string
	ProfilesDir            string
	DriftPValueThreshold   float64
	ContaminationThreshold float64
	RateLimitRPS           int
	RateLimitBurst         int
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	forensicPath := os.Getenv("FORENSIC_LOG_PATH")
	if forensicPath == "" {
		forensicPath = "runtime_forensics.log"
	}

	profilesDir := os.Getenv("TENANT_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Port:                   port,
		LogLevel:               logLevel,
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		ForensicLogPath:        forensicPath,
		ProfilesDir:            profilesDir,
		DriftPValueThreshold:   envFloat("DRIFT_PVALUE_THRESHOLD", 0.10),
		ContaminationThreshold: envFloat("CONTAMINATION_THRESHOLD", 0.10),
		RateLimitRPS:           envInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:         envInt("RATE_LIMIT_BURST", 40),
	}
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
