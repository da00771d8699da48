// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port        string
	DatabaseURL string

	// レジャー接続設定
	LedgerRPCURL string
	LedgerPayer  string

	// 支払い監視設定
	PollInterval      time.Duration
	MaxWait           time.Duration
	MaxGatewayRetries int

	// クレデンシャル発行設定
	AuthorizedBuyers []string
	CredentialMode   string

	// Cloud KMS設定（未設定の場合はKMSボールト無効）
	KMSKeyName         string
	GoogleCloudProject string

	LogLevel string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LedgerRPCURL:       getEnv("LEDGER_RPC_URL", "http://127.0.0.1:7545"),
		LedgerPayer:        os.Getenv("LEDGER_PAYER"),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 2*time.Second),
		MaxWait:            getEnvDuration("MAX_WAIT", 90*time.Second),
		MaxGatewayRetries:  getEnvInt("MAX_GATEWAY_RETRIES", 3),
		AuthorizedBuyers:   getEnvList("AUTHORIZED_BUYERS"),
		CredentialMode:     getEnv("CREDENTIAL_MODE", "tx"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "access-credential-service"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数をリストとして読み込む。
func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
