package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Storage backends for device records and OTP challenges.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageScylla = "scylla"
)

// Notifier kinds for OTP delivery.
const (
	NotifierLog   = "log"
	NotifierKafka = "kafka"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Risk          RiskConfig
	OTP           OTPConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	EnableTLS      bool
	TLSPort        int
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	// Backend is one of memory, redis, scylla.
	Backend string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	LockTTL  time.Duration
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers     []string
	AuditTopic  string
	NotifyTopic string
}

type ClickhouseConfig struct {
	URL           string
	Username      string
	Password      string
	Database      string
	BatchSize     int
	FlushInterval time.Duration
}

type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	IndexPrefix string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers are versioned by position (1-based); the last one is current.
	Peppers []string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type RiskConfig struct {
	ChallengeThreshold float64
	HighThreshold      float64
	FallbackScore      float64
	ModelURL           string
	ModelTimeout       time.Duration
	RulesFile          string
	GeoFile            string
	Timezone           string
	BusinessHourStart  int
	BusinessHourEnd    int
}

type OTPConfig struct {
	CodeLength     int
	TTL            time.Duration
	MaxAttempts    int
	Notifier       string
	NotifyTimeout  time.Duration
	ReaperInterval time.Duration
}

type RateLimitConfig struct {
	OTPRequests int
	OTPWindow   time.Duration
}

type AuditConfig struct {
	Timeout time.Duration
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads an optional .env file and builds the configuration from the
// environment. It panics on an invalid configuration; use Load for an error.
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}
	return cfg
}

// Load reads .env (if present) and the environment. Env vars win over .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			AutoCert:       getEnvBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			AllowedOrigins: getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageMemory)),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			LockTTL:  getEnvDuration("REDIS_LOCK_TTL", 10*time.Second),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "risk_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:     getEnvSlice("KAFKA_BROKERS", nil),
			AuditTopic:  getEnv("KAFKA_AUDIT_TOPIC", "auth-audit-events"),
			NotifyTopic: getEnv("KAFKA_OTP_NOTIFY_TOPIC", "otp-delivery-requests"),
		},
		Clickhouse: ClickhouseConfig{
			URL:           getEnv("CLICKHOUSE_URL", ""),
			Username:      getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      getEnv("CLICKHOUSE_DATABASE", "default"),
			BatchSize:     getEnvInt("CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getEnvDuration("CLICKHOUSE_FLUSH_INTERVAL", 2*time.Second),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:         getEnv("ELASTICSEARCH_URL", ""),
			Username:    getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:    getEnv("ELASTICSEARCH_PASSWORD", ""),
			IndexPrefix: getEnv("ELASTICSEARCH_INDEX_PREFIX", "auth-audit"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Peppers:           getEnvSlice("OTP_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("BUCKETING_USER_BUCKETS", 1024),
			EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 64),
		},
		Risk: RiskConfig{
			ChallengeThreshold: getEnvFloat("RISK_CHALLENGE_THRESHOLD", 0.30),
			HighThreshold:      getEnvFloat("RISK_HIGH_THRESHOLD", 0.70),
			FallbackScore:      getEnvFloat("RISK_FALLBACK_SCORE", 0.50),
			ModelURL:           getEnv("RISK_MODEL_URL", ""),
			ModelTimeout:       getEnvDuration("RISK_MODEL_TIMEOUT", 300*time.Millisecond),
			RulesFile:          getEnv("RISK_RULES_FILE", ""),
			GeoFile:            getEnv("RISK_GEO_FILE", ""),
			Timezone:           getEnv("RISK_TIMEZONE", "Asia/Dubai"),
			BusinessHourStart:  getEnvInt("RISK_BUSINESS_HOUR_START", 8),
			BusinessHourEnd:    getEnvInt("RISK_BUSINESS_HOUR_END", 18),
		},
		OTP: OTPConfig{
			CodeLength:     getEnvInt("OTP_CODE_LENGTH", 6),
			TTL:            getEnvDuration("OTP_TTL", 5*time.Minute),
			MaxAttempts:    getEnvInt("OTP_MAX_ATTEMPTS", 3),
			Notifier:       strings.ToLower(getEnv("OTP_NOTIFIER", NotifierLog)),
			NotifyTimeout:  getEnvDuration("OTP_NOTIFY_TIMEOUT", 5*time.Second),
			ReaperInterval: getEnvDuration("OTP_REAPER_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			OTPRequests: getEnvInt("RATE_LIMIT_OTP_REQUESTS", 5),
			OTPWindow:   getEnvDuration("RATE_LIMIT_OTP_WINDOW", 15*time.Minute),
		},
		Audit: AuditConfig{
			Timeout: getEnvDuration("AUDIT_TIMEOUT", 2*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the last successfully loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return &Config{Environment: "development"}
	}
	return current
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	r := c.Risk
	if r.ChallengeThreshold < 0 || r.HighThreshold > 1 || r.ChallengeThreshold >= r.HighThreshold {
		return errors.New("config: risk thresholds must satisfy 0 <= challenge < high <= 1")
	}
	if r.FallbackScore < 0 || r.FallbackScore > 1 {
		return errors.New("config: RISK_FALLBACK_SCORE must be within [0,1]")
	}
	if r.ModelTimeout <= 0 {
		return errors.New("config: RISK_MODEL_TIMEOUT must be positive")
	}
	if r.BusinessHourStart < 0 || r.BusinessHourEnd > 24 || r.BusinessHourStart >= r.BusinessHourEnd {
		return errors.New("config: business hours must satisfy 0 <= start < end <= 24")
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("config: RISK_TIMEZONE: %w", err)
	}

	o := c.OTP
	if o.CodeLength < 4 || o.CodeLength > 10 {
		return errors.New("config: OTP_CODE_LENGTH must be between 4 and 10")
	}
	if o.TTL <= 0 {
		return errors.New("config: OTP_TTL must be positive")
	}
	if o.MaxAttempts <= 0 {
		return errors.New("config: OTP_MAX_ATTEMPTS must be positive")
	}
	switch o.Notifier {
	case NotifierLog:
		if c.IsProduction() {
			return errors.New("config: OTP_NOTIFIER=log must not be used when APP_ENV=production")
		}
	case NotifierKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("config: OTP_NOTIFIER=kafka requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("config: unknown OTP_NOTIFIER %q", o.Notifier)
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageRedis, StorageScylla:
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	if c.RateLimit.OTPRequests <= 0 || c.RateLimit.OTPWindow <= 0 {
		return errors.New("config: OTP rate limit must be positive")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return errors.New("config: KMS_ENABLED requires KMS_KEY_ID")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == ""
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Location returns the reference timezone used for business-hours bucketing.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Risk.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
