// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Base Sepolia USDC, the default settlement asset.
const defaultTokenAddress = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string

	// SecretKey encrypts session signing keys at rest. Exactly 32 bytes,
	// hex-encoded in the environment. Optional: without it the store refuses
	// writes but the process still serves read-only endpoints.
	SecretKey []byte

	BundlerURL    string
	BundlerAPIKey string
	PolicyID      string

	ResourceBase string

	SessionDuration time.Duration
	SweepInterval   time.Duration

	TokenAddress  common.Address
	TokenDecimals uint8

	ValidationModuleAddress common.Address
	TimeRangeModuleAddress  common.Address
}

// HasBundlerCredentials returns true when the bundler endpoint and API key are
// both configured. The composition root uses this to decide whether session
// issuance and transfers are available at startup.
func (c *Config) HasBundlerCredentials() bool {
	return c.BundlerURL != "" && c.BundlerAPIKey != ""
}

// Load reads configuration from environment variables and returns a validated
// Config. Required: AGENTPAY_BUNDLER_URL, AGENTPAY_BUNDLER_API_KEY,
// AGENTPAY_VALIDATION_MODULE, AGENTPAY_TIMERANGE_MODULE. Optional with
// defaults: AGENTPAY_LISTEN_ADDR (127.0.0.1:8080), AGENTPAY_DB_PATH
// (agentpay.db), AGENTPAY_SESSION_DURATION (1h), AGENTPAY_SWEEP_INTERVAL (5m),
// AGENTPAY_TOKEN_ADDRESS (Base Sepolia USDC), AGENTPAY_TOKEN_DECIMALS (6).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      "127.0.0.1:8080",
		DBPath:          "agentpay.db",
		SessionDuration: time.Hour,
		SweepInterval:   5 * time.Minute,
		TokenAddress:    common.HexToAddress(defaultTokenAddress),
		TokenDecimals:   6,
	}

	if v, ok := os.LookupEnv("AGENTPAY_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("AGENTPAY_DB_PATH"); ok {
		cfg.DBPath = v
	}

	if v, ok := os.LookupEnv("AGENTPAY_SECRET_KEY"); ok && v != "" {
		key, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
		if err != nil {
			return nil, fmt.Errorf("AGENTPAY_SECRET_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("AGENTPAY_SECRET_KEY must be 32 bytes, got %d", len(key))
		}
		cfg.SecretKey = key
	}

	cfg.BundlerURL = os.Getenv("AGENTPAY_BUNDLER_URL")
	cfg.BundlerAPIKey = os.Getenv("AGENTPAY_BUNDLER_API_KEY")
	cfg.PolicyID = os.Getenv("AGENTPAY_POLICY_ID")
	cfg.ResourceBase = os.Getenv("AGENTPAY_RESOURCE_BASE")

	if v, ok := os.LookupEnv("AGENTPAY_SESSION_DURATION"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("AGENTPAY_SESSION_DURATION has invalid duration %q: %w", v, err)
		}
		cfg.SessionDuration = parsed
	}

	if v, ok := os.LookupEnv("AGENTPAY_SWEEP_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("AGENTPAY_SWEEP_INTERVAL has invalid duration %q: %w", v, err)
		}
		cfg.SweepInterval = parsed
	}

	if v, ok := os.LookupEnv("AGENTPAY_TOKEN_ADDRESS"); ok {
		addr, err := parseAddress("AGENTPAY_TOKEN_ADDRESS", v)
		if err != nil {
			return nil, err
		}
		cfg.TokenAddress = addr
	}

	if v, ok := os.LookupEnv("AGENTPAY_TOKEN_DECIMALS"); ok {
		decimals, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("AGENTPAY_TOKEN_DECIMALS has invalid value %q: %w", v, err)
		}
		cfg.TokenDecimals = uint8(decimals)
	}

	validationModule, err := parseAddress("AGENTPAY_VALIDATION_MODULE", os.Getenv("AGENTPAY_VALIDATION_MODULE"))
	if err != nil {
		return nil, err
	}
	cfg.ValidationModuleAddress = validationModule

	timeRangeModule, err := parseAddress("AGENTPAY_TIMERANGE_MODULE", os.Getenv("AGENTPAY_TIMERANGE_MODULE"))
	if err != nil {
		return nil, err
	}
	cfg.TimeRangeModuleAddress = timeRangeModule

	return cfg, nil
}

// parseAddress validates a 0x-prefixed 20-byte hex address from the environment.
func parseAddress(name, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, fmt.Errorf("%s is required", name)
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s has invalid address %q", name, value)
	}
	return common.HexToAddress(value), nil
}
