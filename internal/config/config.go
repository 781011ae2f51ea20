package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	TLS           TLSConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Telegram      TelegramConfig
	Security      SecurityConfig
	GeoIP         GeoIPConfig
	Admin         AdminConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// UpstreamURL is the auth application the interceptor chain fronts.
	// Empty serves only the monitoring API.
	UpstreamURL  string
}

// TLSConfig serves the API over HTTPS from ACME certificates, a key pair
// on disk, or a generated self-signed pair, in that order.
type TLSConfig struct {
	Enabled  bool
	Port     int
	AutoCert bool
	Domain   string
	Email    string
	CertFile string
	KeyFile  string
	CacheDir string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	EventsTopic string
	AlertsTopic string
}

type ElasticsearchConfig struct {
	Enabled     bool
	URL         string
	Username    string
	Password    string
	ReportIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type TelegramConfig struct {
	Enabled     bool
	BotToken    string
	ChatID      string
	APIURL      string
	AlertLimit  int
	AlertWindow time.Duration
}

// SecurityConfig holds the log layout, detector thresholds and login band policy.
type SecurityConfig struct {
	LogDir            string
	SingleFileChannel bool
	RetentionDays     int

	FailedLoginsCritical  int
	IPAttemptsCritical    int
	SuspiciousCritical    int
	ErrorsCritical        int
	FailedLoginsWarning   int
	SuspiciousWarning     int
	AttackVectorsWarning  int
	UniqueIPsWarning      int
	IPAttemptsWarning     int
	AttackVectorsCritical int

	LoginFailureTTL time.Duration
	EmailFailureTTL time.Duration
	LoginBlockTTL   time.Duration

	SlowResponseThreshold time.Duration
	DailyReportHour       int
	AnalysisWorkers       int
}

type GeoIPConfig struct {
	DBPath string
}

type AdminConfig struct {
	TokenHash string
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	once.Do(func() {
		instance = LoadConfig()
	})
	return instance
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			UpstreamURL:  getEnv("SERVER_UPSTREAM_URL", ""),
		},
		TLS: TLSConfig{
			Enabled:  getEnvBool("TLS_ENABLED", false),
			Port:     getEnvInt("TLS_PORT", 8443),
			AutoCert: getEnvBool("TLS_AUTOCERT", false),
			Domain:   getEnv("TLS_DOMAIN", "localhost"),
			Email:    getEnv("TLS_EMAIL", ""),
			CertFile: getEnv("TLS_CERT_FILE", ""),
			KeyFile:  getEnv("TLS_KEY_FILE", ""),
			CacheDir: getEnv("TLS_CACHE_DIR", "certs"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvBool("KAFKA_ENABLED", false),
			Brokers:     getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "security-events"),
			AlertsTopic: getEnv("KAFKA_ALERTS_TOPIC", "security-alerts"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:     getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:         getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:    getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:    getEnv("ELASTICSEARCH_PASSWORD", ""),
			ReportIndex: getEnv("ELASTICSEARCH_REPORT_INDEX", "security-reports"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "security"),
		},
		Telegram: TelegramConfig{
			Enabled:     getEnvBool("TELEGRAM_ENABLED", true),
			BotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:      getEnv("TELEGRAM_SECURITY_CHAT_ID", ""),
			APIURL:      getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			AlertLimit:  getEnvInt("TELEGRAM_ALERT_LIMIT", 3),
			AlertWindow: getEnvDuration("TELEGRAM_ALERT_WINDOW", 10*time.Minute),
		},
		Security: SecurityConfig{
			LogDir:            getEnv("SECURITY_LOG_DIR", "storage/logs"),
			SingleFileChannel: getEnvBool("SECURITY_LOG_SINGLE_FILE", false),
			RetentionDays:     getEnvInt("SECURITY_LOG_RETENTION_DAYS", 90),

			FailedLoginsCritical:  getEnvInt("SECURITY_FAILED_LOGINS_CRITICAL", 50),
			IPAttemptsCritical:    getEnvInt("SECURITY_IP_ATTEMPTS_CRITICAL", 50),
			SuspiciousCritical:    getEnvInt("SECURITY_SUSPICIOUS_CRITICAL", 10),
			ErrorsCritical:        getEnvInt("SECURITY_ERRORS_CRITICAL", 10),
			FailedLoginsWarning:   getEnvInt("SECURITY_FAILED_LOGINS_WARNING", 20),
			SuspiciousWarning:     getEnvInt("SECURITY_SUSPICIOUS_WARNING", 5),
			AttackVectorsWarning:  getEnvInt("SECURITY_ATTACK_VECTORS_WARNING", 1),
			AttackVectorsCritical: getEnvInt("SECURITY_ATTACK_VECTORS_CRITICAL", 2),
			UniqueIPsWarning:      getEnvInt("SECURITY_UNIQUE_IPS_WARNING", 20),
			IPAttemptsWarning:     getEnvInt("SECURITY_IP_ATTEMPTS_WARNING", 30),

			LoginFailureTTL: getEnvDuration("SECURITY_LOGIN_FAILURE_TTL", 30*time.Minute),
			EmailFailureTTL: getEnvDuration("SECURITY_EMAIL_FAILURE_TTL", time.Hour),
			LoginBlockTTL:   getEnvDuration("SECURITY_LOGIN_BLOCK_TTL", time.Hour),

			SlowResponseThreshold: getEnvDuration("SECURITY_SLOW_RESPONSE_THRESHOLD", 2*time.Second),
			DailyReportHour:       getEnvInt("SECURITY_DAILY_REPORT_HOUR", 9),
			AnalysisWorkers:       getEnvInt("SECURITY_ANALYSIS_WORKERS", 4),
		},
		GeoIP: GeoIPConfig{
			DBPath: getEnv("GEOIP_DB_PATH", ""),
		},
		Admin: AdminConfig{
			TokenHash: getEnv("ADMIN_TOKEN_HASH", ""),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	if c.TLS.Enabled {
		return fmt.Sprintf("%s:%d", c.Server.Host, c.TLS.Port)
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
