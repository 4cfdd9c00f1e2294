// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads process settings from the environment and per-tenant
// settings from a hot-reloadable YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings are the process-wide settings read at start.
type Settings struct {
	Port             string
	DatabaseURL      string
	RedisURL         string
	TenantConfigPath string

	JWTSecret    string
	JWTSecretARN string
	AWSRegion    string

	SpoolDir string

	ArchiveBackend string // none, s3, gcs, azure
	ArchiveBucket  string
	ArchivePrefix  string
	ArchiveAccount string

	AgentRuntime    string // bedrock, http
	AgentRuntimeURL string
	BedrockModel    string

	RuntimeDeadline    time.Duration
	SweepInterval      time.Duration
	ReplayInterval     time.Duration
	SessionTTL         time.Duration
	AggregationWorkers int
}

// FromEnv reads Settings from environment variables, applying defaults.
func FromEnv() (*Settings, error) {
	s := &Settings{
		Port:             getEnv("PORT", "8090"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		TenantConfigPath: getEnv("TENANT_CONFIG_PATH", "/etc/meterd/tenants.yaml"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTSecretARN:     os.Getenv("JWT_SECRET_ARN"),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		SpoolDir:         getEnv("SPOOL_DIR", "/var/lib/meterd/spool"),
		ArchiveBackend:   getEnv("ARCHIVE_BACKEND", "none"),
		ArchiveBucket:    os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:    getEnv("ARCHIVE_PREFIX", "audit-archive"),
		ArchiveAccount:   os.Getenv("ARCHIVE_ACCOUNT"),
		AgentRuntime:     getEnv("AGENT_RUNTIME", "http"),
		AgentRuntimeURL:  os.Getenv("AGENT_RUNTIME_URL"),
		BedrockModel:     getEnv("BEDROCK_MODEL", "anthropic.claude-3-5-sonnet-20240620-v1:0"),
	}

	var err error
	if s.RuntimeDeadline, err = getDuration("RUNTIME_DEADLINE", 30*time.Second); err != nil {
		return nil, err
	}
	if s.SweepInterval, err = getDuration("RETENTION_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if s.ReplayInterval, err = getDuration("SPOOL_REPLAY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if s.SessionTTL, err = getDuration("SESSION_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if s.AggregationWorkers, err = getInt("AGGREGATION_WORKERS", 4); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the process cannot start with.
func (s *Settings) Validate() error {
	if s.JWTSecret == "" && s.JWTSecretARN == "" {
		return fmt.Errorf("one of JWT_SECRET or JWT_SECRET_ARN is required")
	}
	if s.RuntimeDeadline <= 0 {
		return fmt.Errorf("RUNTIME_DEADLINE must be positive")
	}
	if s.SweepInterval <= 0 || s.ReplayInterval <= 0 {
		return fmt.Errorf("sweep and replay intervals must be positive")
	}
	if s.AggregationWorkers < 1 {
		return fmt.Errorf("AGGREGATION_WORKERS must be at least 1")
	}
	switch s.ArchiveBackend {
	case "none", "s3", "gcs", "azure":
	default:
		return fmt.Errorf("ARCHIVE_BACKEND %q is not one of none, s3, gcs, azure", s.ArchiveBackend)
	}
	if s.ArchiveBackend != "none" && s.ArchiveBucket == "" {
		return fmt.Errorf("ARCHIVE_BUCKET is required for archive backend %s", s.ArchiveBackend)
	}
	switch s.AgentRuntime {
	case "bedrock":
	case "http":
		if s.AgentRuntimeURL == "" {
			return fmt.Errorf("AGENT_RUNTIME_URL is required for the http agent runtime")
		}
	default:
		return fmt.Errorf("AGENT_RUNTIME %q is not one of bedrock, http", s.AgentRuntime)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
