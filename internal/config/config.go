package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	Env           string
	LogConfig     string
	MongoURL      string
	MongoDB       string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	CORSOrigin    string
	// Realtime fan-out
	HeartbeatInterval  time.Duration
	StaleAfter         time.Duration
	DownstreamTimeout  time.Duration
	GatedActions       []string
	RateLimitPerMinute int
	RateLimitBurst     int
	// Search and object storage
	MeiliURL       string
	MeiliMasterKey string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	EscalationTo []string
	// Redis backs refresh sessions and the cross-instance broadcast bus
	RedisURL string
	// Bootstrap administrator, hashed and upserted on startup
	AdminEmployeeID string
	AdminPassword   string
	// Tracing is off unless an OTLP collector endpoint is set
	OTLPEndpoint string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	heartbeat := time.Duration(getenvInt("LOANOPS_HEARTBEAT_SECONDS", 25)) * time.Second
	return Config{
		Addr:               getenv("API_ADDR", ":8080"),
		Env:                getenv("LOANOPS_ENV", "development"),
		LogConfig:          getenv("LOANOPS_LOG_CONFIG", "<root>=INFO"),
		MongoURL:           getenv("MONGO_URL", "mongodb://localhost:27017/loanops"),
		MongoDB:            getenv("MONGO_DB", "loanops"),
		DatabaseURL:        getenv("DATABASE_URL", ""),
		MigrationsDir:      getenv("LOANOPS_MIGRATIONS_DIR", ""),
		JWTSecret:          getenv("LOANOPS_JWT_SECRET", "loanops-dev-secret"),
		AccessTTL:          time.Duration(getenvInt("LOANOPS_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:         time.Duration(getenvInt("LOANOPS_REFRESH_TTL_SECONDS", 604800)) * time.Second,
		CORSOrigin:         getenv("LOANOPS_CORS_ORIGIN", "*"),
		HeartbeatInterval:  heartbeat,
		StaleAfter:         time.Duration(getenvInt("LOANOPS_STALE_SECONDS", int(2*heartbeat/time.Second))) * time.Second,
		DownstreamTimeout:  time.Duration(getenvInt("LOANOPS_DOWNSTREAM_TIMEOUT_MS", 3000)) * time.Millisecond,
		GatedActions:       getenvList("LOANOPS_GATED_ACTIONS", []string{"approve", "deferral", "otc"}),
		RateLimitPerMinute: getenvInt("LOANOPS_RATE_PER_MINUTE", 600),
		RateLimitBurst:     getenvInt("LOANOPS_RATE_BURST", 60),
		MeiliURL:           getenv("MEILI_URL", ""),
		MeiliMasterKey:     getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:      getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:        getenv("MINIO_BUCKET", "loanops-reports"),
		MinioUseSSL:        getenvBool("MINIO_USE_SSL", false),
		// SMTP - empty by default, escalation mail disabled if not configured
		SMTPHost:        getenv("SMTP_HOST", ""),
		SMTPPort:        getenv("SMTP_PORT", "587"),
		SMTPUsername:    getenv("SMTP_USERNAME", ""),
		SMTPPassword:    getenv("SMTP_PASSWORD", ""),
		SMTPFrom:        getenv("SMTP_FROM", ""),
		SMTPFromName:    getenv("SMTP_FROM_NAME", "Loan Operations"),
		EscalationTo:    getenvList("SMTP_ESCALATION_TO", nil),
		RedisURL:        getenv("REDIS_URL", ""),
		AdminEmployeeID: getenv("LOANOPS_ADMIN_EMPLOYEE_ID", "admin"),
		AdminPassword:   getenv("LOANOPS_ADMIN_PASSWORD", ""),
		OTLPEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// IsProduction reports whether internal error messages must be hidden from clients.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
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

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, strings.ToLower(part))
		}
	}
	return items
}
