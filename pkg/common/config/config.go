package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Collections names the document-store collections the gateway reads and writes.
type Collections struct {
	Patients string
	Trials   string
	Matches  string
	Summary  string
	Metrics  string
}

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Document store
	DocStoreBackend    string
	DocStoreBaseURL    string
	DocStoreAPIKey     string
	DocStoreDatabaseID string
	DocStoreTimeout    time.Duration

	// Database (postgres document-store backend)
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string
	EventsTopic  string

	// Clinical-trial agent API
	AgentBaseURL       string
	AgentAPIKey        string
	AgentTimeout       time.Duration
	AgentRetryAttempts int

	// Identity
	IdentityBaseURL string
	IdentityAPIKey  string
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string

	// LLM
	LLMAPIKey    string
	LLMBaseURL   string
	LLMModelName string
	LLMTimeout   time.Duration

	Collections  Collections
	SyncPlanPath string

	// Gateway specific
	GatewayRateLimitRPS   int
	GatewayRateLimitBurst int
}

// Load reads the environment once. The returned value is handed to
// constructors; nothing in the process holds on to a global copy.
func Load() Config {
	return Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 120*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		DocStoreBackend:    strings.ToLower(getEnv("DOCSTORE_BACKEND", "http")),
		DocStoreBaseURL:    strings.TrimRight(getEnv("DOCSTORE_BASE_URL", "http://localhost:8090"), "/"),
		DocStoreAPIKey:     getEnv("DOCSTORE_API_KEY", ""),
		DocStoreDatabaseID: getEnv("DOCSTORE_DATABASE_ID", "trialbridge"),
		DocStoreTimeout:    getDuration("DOCSTORE_TIMEOUT", 15*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "trialbridge"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "trialbridge"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		DedupTTL:      getDuration("DEDUP_TTL", 5*time.Minute),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "trialbridge-portal"),
		EventsTopic:  getEnv("EVENTS_TOPIC", "portal-events"),

		AgentBaseURL:       strings.TrimRight(getEnv("AGENT_BASE_URL", "http://localhost:8000"), "/"),
		AgentAPIKey:        getEnv("AGENT_API_KEY", ""),
		AgentTimeout:       getDuration("AGENT_TIMEOUT", 60*time.Second),
		AgentRetryAttempts: getIntEnv("AGENT_RETRY_ATTEMPTS", 1),

		IdentityBaseURL: strings.TrimRight(getEnv("IDENTITY_BASE_URL", ""), "/"),
		IdentityAPIKey:  getEnv("IDENTITY_API_KEY", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTIssuer:       getEnv("JWT_ISSUER", "trialbridge"),
		JWTAudience:     getEnv("JWT_AUDIENCE", "trialbridge-portal"),

		LLMAPIKey:    getEnv("LLM_API_KEY", ""),
		LLMBaseURL:   getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModelName: getEnv("LLM_MODEL_NAME", "gpt-4o-mini"),
		LLMTimeout:   getDuration("LLM_TIMEOUT", 90*time.Second),

		Collections: Collections{
			Patients: getEnv("COLLECTION_PATIENTS", "patient_info_collection"),
			Trials:   getEnv("COLLECTION_TRIALS", "trial_info"),
			Matches:  getEnv("COLLECTION_MATCHES", "match_info"),
			Summary:  getEnv("COLLECTION_SUMMARIES", "summaries"),
			Metrics:  getEnv("COLLECTION_METRICS", "processing_metrics"),
		},
		SyncPlanPath: getEnv("SYNC_PLAN_PATH", ""),

		GatewayRateLimitRPS:   getIntEnv("GATEWAY_RATE_LIMIT_RPS", 50),
		GatewayRateLimitBurst: getIntEnv("GATEWAY_RATE_LIMIT_BURST", 100),
	}
}

// RedisAddr returns an empty string when redis is not configured.
func (c Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
