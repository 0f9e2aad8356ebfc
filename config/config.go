package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type ProviderConfig struct {
	Kind         string
	BaseURL      string
	APIKey       string
	ClientId     string
	ClientSecret string
	TokenURL     string
	Cost         int64
}

type Config struct {
	DevMode  bool
	HostPort string
	// "dynamo" or "memory"
	StoreBackend string

	DynamoDBEndpoint string
	DynamoDBTable    string
	RedisEndpoint    string

	SQSEndpoint         string
	SQSLayerRepairQueue string

	S3Endpoint      string
	S3Bucket        string
	S3PublicBaseURL string

	// base64, decoded by main
	JWTSecret     string
	AllowedOrigin string

	GenerationPollInterval    time.Duration
	GenerationMaxPollAttempts int
	Providers                 []ProviderConfig

	JanitorInterval time.Duration
}

func Load() Config {
	return Config{
		DevMode:      getenv("DEV_MODE", "false") == "true",
		HostPort:     getenv("HOST_PORT", "8080"),
		StoreBackend: getenv("STORE_BACKEND", "dynamo"),

		DynamoDBEndpoint: getenv("DYNAMODB_ENDPOINT", "http://localhost:8000"),
		DynamoDBTable:    getenv("DYNAMODB_TABLE", "Cosketch"),
		RedisEndpoint:    getenv("REDIS_ENDPOINT", "localhost:6379"),

		SQSEndpoint:         getenv("SQS_ENDPOINT", "http://localhost:9324"),
		SQSLayerRepairQueue: getenv("SQS_LAYER_REPAIR_QUEUE", "LayerRepairQueue"),

		S3Endpoint:      getenv("S3_ENDPOINT", "http://localhost:4566"),
		S3Bucket:        getenv("S3_BUCKET", "cosketch-artifacts"),
		S3PublicBaseURL: getenv("S3_PUBLIC_BASE_URL", ""),

		JWTSecret:     getenv("JWT_SECRET", ""),
		AllowedOrigin: getenv("ALLOWED_ORIGIN", "*"),

		GenerationPollInterval:    time.Duration(getenvInt("GENERATION_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		GenerationMaxPollAttempts: getenvInt("GENERATION_MAX_POLL_ATTEMPTS", 180),
		Providers:                 loadProviders(getenv("PROVIDERS", "")),

		JanitorInterval: time.Duration(getenvInt("JANITOR_INTERVAL_SECONDS", 30)) * time.Second,
	}
}

// loadProviders parses "kind=baseURL,kind2=baseURL2" and pulls each kind's
// credentials and cost from PROVIDER_<KIND>_* variables.
const defaultProviderCost = 1

func loadProviders(list string) []ProviderConfig {
	var providers []ProviderConfig
	for _, entry := range strings.Split(list, ",") {
		kind, baseURL, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || kind == "" || baseURL == "" {
			continue
		}
		prefix := "PROVIDER_" + envName(kind) + "_"
		providers = append(providers, ProviderConfig{
			Kind:         kind,
			BaseURL:      baseURL,
			APIKey:       getenv(prefix+"API_KEY", ""),
			ClientId:     getenv(prefix+"CLIENT_ID", ""),
			ClientSecret: getenv(prefix+"CLIENT_SECRET", ""),
			TokenURL:     getenv(prefix+"TOKEN_URL", ""),
			Cost:         int64(providerCost(getenvInt(prefix+"COST", defaultProviderCost))),
		})
	}
	return providers
}

// providerCost rejects negative costs, which would credit tokens on settlement.
func providerCost(cost int) int {
	if cost < 0 {
		return defaultProviderCost
	}
	return cost
}

func envName(kind string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(kind))
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
