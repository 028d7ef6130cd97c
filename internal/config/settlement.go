package config

import (
	"os"
	"time"
)

// ProviderConfig configures the external payment provider client.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func LoadProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		Name:    getEnv("PROVIDER_NAME", "paystream"),
		BaseURL: getEnv("PROVIDER_BASE_URL", "http://localhost:9090"),
		APIKey:  getEnv("PROVIDER_API_KEY", ""),
		Timeout: getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second),
	}
}

// SettlementConfig configures the settlement orchestrator.
type SettlementConfig struct {
	EventQueue string
}

func LoadSettlementConfig() *SettlementConfig {
	return &SettlementConfig{
		EventQueue: getEnv("SETTLEMENT_EVENT_QUEUE", "settlement_events"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
