// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はクライアントとモックサーバーで共有するアプリケーション設定を表す。
type Config struct {
	// リモート推論サービス
	APIBaseURL  string
	HTTPTimeout time.Duration

	// 鍵ペア・セッションの永続化先
	StoreDriver string
	DatabaseURL string
	BadgerPath  string
	KMSKeyName  string

	// 暗号方式
	CipherScheme    string
	PaillierKeyBits int

	// 前処理（推論モデルの学習時統計と一致させる必要がある）
	TargetSize        int
	NormalizationMean float64
	NormalizationStd  float64

	// モックサーバー
	Port                string
	ServerDBDriver      string
	ServerDatabaseURL   string
	EmotionAnalysisDays int
	ServerTimezone      string
	ModelSeed           uint64

	// ロギング・トレーシング
	LogLevel           string
	GoogleCloudProject string
	OtelEnabled        bool
	OtelEndpoint       string
	OtelInsecure       bool
	OtelServiceName    string
	OtelSamplingRate   float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8000"),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 120*time.Second),

		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", "fhe-emotion.db"),
		BadgerPath:  getEnv("BADGER_PATH", "fhe-emotion-badger"),
		KMSKeyName:  os.Getenv("KMS_KEY_NAME"),

		CipherScheme:    getEnv("CIPHER_SCHEME", "stub"),
		PaillierKeyBits: getEnvInt("PAILLIER_KEY_BITS", 1024),

		TargetSize:        getEnvInt("TARGET_SIZE", 48),
		NormalizationMean: getEnvFloat("NORMALIZATION_MEAN", 0.507),
		NormalizationStd:  getEnvFloat("NORMALIZATION_STD", 0.255),

		Port:                getEnv("PORT", "8000"),
		ServerDBDriver:      getEnv("SERVER_DB_DRIVER", "sqlite"),
		ServerDatabaseURL:   getEnv("SERVER_DATABASE_URL", "fhe-emotion-server.db"),
		EmotionAnalysisDays: getEnvInt("EMOTION_ANALYSIS_DAYS", 10),
		ServerTimezone:      getEnv("SERVER_TIMEZONE", "Asia/Seoul"),
		ModelSeed:           uint64(getEnvInt("MODEL_SEED", 2013)),

		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:       getEnvBool("OTEL_INSECURE", false),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "fhe-emotion-client"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
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

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
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

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
