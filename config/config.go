package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Network describes one supported settlement network: an EVM chain carrying
// a single stable-coin token contract.
type Network struct {
	Name          string
	RPCURL        string
	TokenContract string
	TokenDecimals int32
	ChainID       int64
}

type Config struct {
	AppPort         string
	DatabaseDSN     string
	Mnemonic        string
	Networks        []Network
	PollInterval    time.Duration
	FundingWindow   time.Duration
	ConfirmAttempts int
	ConfirmBackoff  time.Duration
}

func Load() Config {
	cfg := Config{
		AppPort:         getEnv("APP_PORT", "8080"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=settlement port=5432 sslmode=disable"),
		Mnemonic:        getEnv("CUSTODY_MNEMONIC", ""),
		PollInterval:    getEnvDurationSeconds("POLL_INTERVAL_SECONDS", 15),
		FundingWindow:   getEnvDurationSeconds("FUNDING_WINDOW_SECONDS", 3600),
		ConfirmAttempts: getEnvInt("CONFIRM_ATTEMPTS", 30),
		ConfirmBackoff:  getEnvDurationSeconds("CONFIRM_BACKOFF_SECONDS", 5),
	}
	for _, name := range strings.Split(getEnv("NETWORKS", "ethereum"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := strings.ToUpper(name)
		cfg.Networks = append(cfg.Networks, Network{
			Name:          name,
			RPCURL:        getEnv(prefix+"_RPC_URL", ""),
			TokenContract: getEnv(prefix+"_TOKEN_CONTRACT", ""),
			TokenDecimals: int32(getEnvInt(prefix+"_TOKEN_DECIMALS", 6)),
			ChainID:       int64(getEnvInt(prefix+"_CHAIN_ID", 1)),
		})
	}
	log.Printf("config loaded: port=%s networks=%d poll=%s window=%s",
		cfg.AppPort, len(cfg.Networks), cfg.PollInterval, cfg.FundingWindow)
	return cfg
}

// Network returns the configuration for name.
func (c Config) Network(name string) (Network, error) {
	for _, n := range c.Networks {
		if n.Name == name {
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("unsupported network %q", name)
}

func getEnv(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDurationSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}
