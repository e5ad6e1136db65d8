// Package config holds node configuration loaded from environment
// variables. Config-file parsing belongs to the outer tooling; the core
// only consumes the resolved values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/wavs-labs/wavs/pkg/types"
)

// ChainConfig describes one configured chain.
type ChainConfig struct {
	// WSEndpoints are tried in order by the stream client.
	WSEndpoints []string `json:"ws_endpoints"`
	// HTTPEndpoint serves queries and transaction submission.
	HTTPEndpoint string `json:"http_endpoint"`
	// ChainID for EVM transaction signing.
	ChainID int64 `json:"chain_id,omitempty"`
}

// Config is the resolved node configuration.
type Config struct {
	Port         string
	LogDirective string
	LogJSON      bool
	DataDir      string

	// Mnemonic is the operator seed phrase. Fatal if unset when a
	// submission subsystem starts.
	Mnemonic string

	Chains map[types.ChainName]ChainConfig

	// Engine
	EngineWorkers  int
	EngineMaxQueue int // 0 = unbounded

	// Submission
	GasMultiplier float64
	GasMax        uint64
	SubmitRetries int

	// Aggregator
	MaxEnvelopeBytes int
	IngestRatePerSec float64
	IngestBurst      int
	DedupWindow      time.Duration

	// Telemetry
	OTLPEndpoint     string
	TelemetryEnabled bool
	TelemetryInsecure bool

	// Admin API
	JWTSecret string
	DevMode   bool
}

// Load resolves configuration from the environment with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envOr("WAVS_PORT", "8000"),
		LogDirective:     envOr("WAVS_LOG", "info"),
		LogJSON:          os.Getenv("WAVS_LOG_JSON") == "true",
		DataDir:          envOr("WAVS_DATA_DIR", "/var/wavs"),
		Mnemonic:         os.Getenv("WAVS_MNEMONIC"),
		EngineWorkers:    envInt("WAVS_ENGINE_WORKERS", runtime.NumCPU()),
		EngineMaxQueue:   envInt("WAVS_ENGINE_MAX_QUEUE", 0),
		GasMultiplier:    envFloat("WAVS_GAS_MULTIPLIER", 1.2),
		GasMax:           uint64(envInt("WAVS_GAS_MAX", 5_000_000)),
		SubmitRetries:    envInt("WAVS_SUBMIT_RETRIES", 3),
		MaxEnvelopeBytes: envInt("WAVS_MAX_ENVELOPE_BYTES", 1<<20),
		IngestRatePerSec: envFloat("WAVS_INGEST_RATE", 50),
		IngestBurst:      envInt("WAVS_INGEST_BURST", 100),
		DedupWindow:      envDuration("WAVS_DEDUP_WINDOW", 15*time.Minute),
		OTLPEndpoint:     envOr("WAVS_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("WAVS_TELEMETRY") != "false",
		TelemetryInsecure: os.Getenv("WAVS_TELEMETRY_INSECURE") == "true",
		JWTSecret:        os.Getenv("WAVS_JWT_SECRET"),
		DevMode:          os.Getenv("WAVS_DEV_MODE") == "true",
		Chains:           map[types.ChainName]ChainConfig{},
	}

	if raw := os.Getenv("WAVS_CHAINS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Chains); err != nil {
			return nil, fmt.Errorf("parse WAVS_CHAINS: %w", err)
		}
	}
	for name, chain := range cfg.Chains {
		if len(chain.WSEndpoints) == 0 && chain.HTTPEndpoint == "" {
			return nil, fmt.Errorf("chain %s has no endpoints", name)
		}
	}
	if cfg.EngineWorkers < 1 {
		cfg.EngineWorkers = 1
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
