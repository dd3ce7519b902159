// Package config loads server configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bideasy/auctiond/internal/pool"
)

// Config is the full server configuration.
type Config struct {
	TCPAddr  string `yaml:"tcp_addr"`
	HTTPAddr string `yaml:"http_addr"` // WebSocket + admin endpoints
	UDPAddr  string `yaml:"udp_addr"`  // "" disables the UDP notifier
	NATSURL  string `yaml:"nats_url"`  // "" disables the NATS bridge

	// MaxConns caps accepted TCP connections at the listener, before
	// admission-pool arbitration.
	MaxConns int `yaml:"max_conns"`

	Pool pool.Config `yaml:"pool"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Default returns the configuration the server runs with when no file or
// environment overrides are present.
func Default() Config {
	return Config{
		TCPAddr:       ":5000",
		HTTPAddr:      ":8080",
		UDPAddr:       ":5003",
		NATSURL:       "",
		MaxConns:      512,
		Pool:          pool.DefaultConfig(),
		ShutdownGrace: 30 * time.Second,
	}
}

// Load reads the YAML file at path (skipped when path is empty) and then
// applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.TCPAddr = getEnv("AUCTIOND_TCP_ADDR", cfg.TCPAddr)
	cfg.HTTPAddr = getEnv("AUCTIOND_HTTP_ADDR", cfg.HTTPAddr)
	cfg.UDPAddr = getEnv("AUCTIOND_UDP_ADDR", cfg.UDPAddr)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.MaxConns = getEnvAsInt("AUCTIOND_MAX_CONNS", cfg.MaxConns)
	cfg.Pool.CoreWorkers = getEnvAsInt("AUCTIOND_POOL_CORE", cfg.Pool.CoreWorkers)
	cfg.Pool.MaxWorkers = getEnvAsInt("AUCTIOND_POOL_MAX", cfg.Pool.MaxWorkers)
	cfg.Pool.QueueCapacity = getEnvAsInt("AUCTIOND_POOL_QUEUE", cfg.Pool.QueueCapacity)
	cfg.Pool.PerSourceLimit = getEnvAsInt("AUCTIOND_POOL_PER_SOURCE", cfg.Pool.PerSourceLimit)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
