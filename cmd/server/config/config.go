// Package config reads coordinator server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds listen addresses for the admin and health endpoints.
type ServerConfig struct {
	AdminAddr  string
	HealthAddr string
}

// LockConfig selects the lock store backend.
type LockConfig struct {
	// Backend is "postgres", "redis" or "memory".
	Backend  string
	RedisURL string
}

// CoordinatorConfig holds saga execution settings.
type CoordinatorConfig struct {
	// Participants maps participant ids to gRPC targets.
	Participants map[string]string
	// DatabaseDSN is the Postgres DSN; empty selects the in-memory store.
	DatabaseDSN string
}

// LoadServer reads listen addresses, with defaults suitable for local runs.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		AdminAddr:  strings.TrimSpace(os.Getenv("ADMIN_ADDR")),
		HealthAddr: strings.TrimSpace(os.Getenv("HEALTH_ADDR")),
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":8080"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":50051"
	}
	return cfg, nil
}

// LoadLock reads the lock backend selection.
func LoadLock() (LockConfig, error) {
	cfg := LockConfig{
		Backend:  strings.TrimSpace(os.Getenv("LOCK_BACKEND")),
		RedisURL: strings.TrimSpace(os.Getenv("REDIS_URL")),
	}
	if cfg.Backend == "" {
		cfg.Backend = "postgres"
	}
	switch cfg.Backend {
	case "postgres", "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return cfg, fmt.Errorf("REDIS_URL is required when LOCK_BACKEND=redis")
		}
	default:
		return cfg, fmt.Errorf("LOCK_BACKEND must be postgres, redis or memory, got %q", cfg.Backend)
	}
	return cfg, nil
}

// LoadCoordinator reads participant targets and the database DSN.
func LoadCoordinator() (CoordinatorConfig, error) {
	participants, err := ParseParticipantTargets(os.Getenv("PARTICIPANT_TARGETS"))
	if err != nil {
		return CoordinatorConfig{}, err
	}
	return CoordinatorConfig{
		Participants: participants,
		DatabaseDSN:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}, nil
}

// ParseParticipantTargets parses "id=host:port,id2=host:port" pairs.
func ParseParticipantTargets(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	targets := make(map[string]string)
	if raw == "" {
		return targets, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, target, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		target = strings.TrimSpace(target)
		if !ok || id == "" || target == "" {
			return nil, fmt.Errorf("PARTICIPANT_TARGETS entry %q must be id=target", pair)
		}
		if _, dup := targets[id]; dup {
			return nil, fmt.Errorf("PARTICIPANT_TARGETS repeats participant %q", id)
		}
		targets[id] = target
	}
	return targets, nil
}

// OptionalDuration reads an env duration, nil when unset.
func OptionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

// OptionalInt reads an env int, nil when unset.
func OptionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}
