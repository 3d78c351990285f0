// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"qkd-mail-crypto/internal/domain"
)

// 鍵ストアの種類
const (
	KeyStoreMemory   = "memory"
	KeyStoreDatabase = "database"
)

// データベースドライバ
const (
	DBDriverMySQL  = "mysql"
	DBDriverSQLite = "sqlite"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port     string
	LogLevel string

	LocalSAEID        string
	PeerSAEID         string
	DefaultTier       string
	EngineFallback    bool
	EngineMaxParallel int

	KeyStore     string
	DBDriver     string
	DatabaseURL  string
	KMSKeyName   string
	LocalSealKey string

	KMURL          string
	KMTimeout      time.Duration
	KMMaxRetries   int
	KMRateLimit    float64
	KMPoolSize     int
	KMAutoGenerate bool
	KMToken        string
	KMCAFile       string
	KMClientCert   string
	KMClientKey    string

	// SAETokens は鍵配送APIを呼び出すSAEごとのBearerトークン。
	SAETokens       map[string]string
	TLSCertFile     string
	TLSKeyFile      string
	TLSClientCAFile string

	KeyTTL           time.Duration
	KeySweepInterval time.Duration

	OtelEnabled        bool
	OtelEndpoint       string
	OtelServiceName    string
	OtelSamplingRate   float64
	GoogleCloudProject string

	MigrationsDir string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		LocalSAEID:        getEnv("LOCAL_SAE_ID", "SAE_A"),
		PeerSAEID:         getEnv("PEER_SAE_ID", "SAE_B"),
		DefaultTier:       getEnv("DEFAULT_TIER", "quantum_aided"),
		EngineFallback:    getEnvBool("ENGINE_FALLBACK", false),
		EngineMaxParallel: getEnvInt("ENGINE_MAX_PARALLEL", 8),

		KeyStore:     getEnv("KEY_STORE", KeyStoreMemory),
		DBDriver:     getEnv("DB_DRIVER", DBDriverMySQL),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		KMSKeyName:   os.Getenv("KMS_KEY_NAME"),
		LocalSealKey: os.Getenv("LOCAL_SEAL_KEY"),

		KMURL:          os.Getenv("KM_URL"),
		KMTimeout:      getEnvDuration("KM_TIMEOUT", 5*time.Second),
		KMMaxRetries:   getEnvInt("KM_MAX_RETRIES", 3),
		KMRateLimit:    getEnvFloat("KM_RATE_LIMIT", 50),
		KMPoolSize:     getEnvInt("KM_POOL_SIZE", 1000),
		KMAutoGenerate: getEnvBool("KM_AUTO_GENERATE", true),
		KMToken:        os.Getenv("KM_TOKEN"),
		KMCAFile:       os.Getenv("KM_CA_FILE"),
		KMClientCert:   os.Getenv("KM_CLIENT_CERT_FILE"),
		KMClientKey:    os.Getenv("KM_CLIENT_KEY_FILE"),

		SAETokens:       getEnvMap("SAE_TOKENS"),
		TLSCertFile:     os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:      os.Getenv("TLS_KEY_FILE"),
		TLSClientCAFile: os.Getenv("TLS_CLIENT_CA_FILE"),

		KeyTTL:           getEnvDuration("KEY_TTL", 24*time.Hour),
		KeySweepInterval: getEnvDuration("KEY_SWEEP_INTERVAL", 10*time.Minute),

		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "qkd-mail-crypto"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),

		MigrationsDir: os.Getenv("MIGRATIONS_DIR"),
	}
}

// Validate は設定の組み合わせを検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.LocalSAEID == "" {
		errs = append(errs, errors.New("LOCAL_SAE_ID is required"))
	}
	switch c.KeyStore {
	case KeyStoreMemory:
	case KeyStoreDatabase:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when KEY_STORE=database"))
		}
		if c.KMSKeyName == "" && c.LocalSealKey == "" {
			errs = append(errs, errors.New("KMS_KEY_NAME or LOCAL_SEAL_KEY is required when KEY_STORE=database"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown KEY_STORE %q", c.KeyStore))
	}
	if c.DBDriver != DBDriverMySQL && c.DBDriver != DBDriverSQLite {
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}
	if c.LocalSealKey != "" {
		if key, err := hex.DecodeString(c.LocalSealKey); err != nil || len(key) != 32 {
			errs = append(errs, errors.New("LOCAL_SEAL_KEY must be 32 bytes hex encoded"))
		}
	}
	if _, err := domain.ParseSecurityTier(c.DefaultTier); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIER: %w", err))
	}
	if c.EngineMaxParallel < 0 {
		errs = append(errs, errors.New("ENGINE_MAX_PARALLEL must not be negative"))
	}
	if c.KMRateLimit <= 0 {
		errs = append(errs, errors.New("KM_RATE_LIMIT must be positive"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if c.TLSClientCAFile != "" && c.TLSCertFile == "" {
		errs = append(errs, errors.New("TLS_CLIENT_CA_FILE requires TLS_CERT_FILE"))
	}
	if (c.KMClientCert == "") != (c.KMClientKey == "") {
		errs = append(errs, errors.New("KM_CLIENT_CERT_FILE and KM_CLIENT_KEY_FILE must be set together"))
	}
	for id, token := range c.SAETokens {
		if id == "" || token == "" {
			errs = append(errs, errors.New("SAE_TOKENS entries must be SAE_ID=token"))
			break
		}
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLING_RATE must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultVal
	}
}

// getEnvMap は "KEY=value,KEY=value" 形式の環境変数を読み込む。
func getEnvMap(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	m := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}
