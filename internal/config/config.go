// Package config loads service and import tool settings from the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server configures hms-api and hms-relay
type Server struct {
	Env      string `mapstructure:"ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// APIKeys lists key:client pairs
	APIKeys   []string      `mapstructure:"API_KEYS"`
	JWTSecret string        `mapstructure:"JWT_SECRET"`
	JWTTTL    time.Duration `mapstructure:"JWT_TTL"`

	MaxBulkRecords int           `mapstructure:"MAX_BULK_RECORDS"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`

	OTLPEndpoint    string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_TTL", "12h")
	v.SetDefault("MAX_BULK_RECORDS", 1000)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
}

var serverKeys = []string{
	"ENV", "PORT", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"API_KEYS", "JWT_SECRET", "JWT_TTL", "MAX_BULK_RECORDS", "IDEMPOTENCY_TTL",
	"KAFKA_BROKERS", "OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// New returns a viper instance reading the environment and, when present,
// the .env file in the working directory.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	return v
}

func read(v *viper.Viper, keys []string) {
	for _, k := range keys {
		v.BindEnv(k)
	}
	// A missing .env file is fine
	_ = v.ReadInConfig()
}

// LoadServer reads the server configuration from v
func LoadServer(v *viper.Viper) (*Server, error) {
	serverDefaults(v)
	read(v, serverKeys)

	cfg := &Server{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIKeys = splitList(cfg.APIKeys)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	return cfg, nil
}

// IsDev reports whether the service runs in development mode
func (c *Server) IsDev() bool {
	return c.Env == "development"
}

// APIKeyClients maps each configured API key to its client name
func (c *Server) APIKeyClients() (map[string]string, error) {
	keys := make(map[string]string, len(c.APIKeys))
	for _, pair := range c.APIKeys {
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q is not key:client", pair)
		}
		keys[key] = client
	}
	return keys, nil
}

// Validate checks the settings needed to serve requests
func (c *Server) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if _, err := c.APIKeyClients(); err != nil {
		errs = append(errs, err)
	}
	if !c.IsDev() && len(c.APIKeys) == 0 && c.JWTSecret == "" {
		errs = append(errs, errors.New("API_KEYS or JWT_SECRET is required outside development"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 && !c.IsDev() {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters"))
	}
	if c.MaxBulkRecords <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BULK_RECORDS must be positive, got %d", c.MaxBulkRecords))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate))
	}
	return errors.Join(errs...)
}

// ValidateRelay checks the settings needed by the outbox relay
func (c *Server) ValidateRelay() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.OutboxMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_MAX_RETRIES must be positive, got %d", c.OutboxMaxRetries))
	}
	return errors.Join(errs...)
}

// Import configures hms-import. Every key can also be set by a flag.
type Import struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	APIURL   string        `mapstructure:"API_URL"`
	APIKey   string        `mapstructure:"API_KEY"`
	Username string        `mapstructure:"HMS_USERNAME"`
	Password string        `mapstructure:"HMS_PASSWORD"`
	Timeout  time.Duration `mapstructure:"API_TIMEOUT"`

	ChunkSize int    `mapstructure:"CHUNK_SIZE"`
	Policy    string `mapstructure:"UPLOAD_POLICY"`
	// DoctorID is the issuing doctor of prescription imports
	DoctorID string `mapstructure:"DOCTOR_ID"`

	ArchiveBucket string `mapstructure:"ARCHIVE_BUCKET"`
	ArchivePrefix string `mapstructure:"ARCHIVE_PREFIX"`
	AWSRegion     string `mapstructure:"AWS_REGION"`
	S3Endpoint    string `mapstructure:"S3_ENDPOINT"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func importDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_URL", "http://localhost:8080/api/v1")
	v.SetDefault("API_TIMEOUT", "30s")
	v.SetDefault("CHUNK_SIZE", 500)
	v.SetDefault("UPLOAD_POLICY", "stop")
	v.SetDefault("ARCHIVE_PREFIX", "imports/")
	v.SetDefault("AWS_REGION", "us-east-1")
}

var importKeys = []string{
	"ENV", "LOG_LEVEL", "API_URL", "API_KEY", "HMS_USERNAME", "HMS_PASSWORD", "API_TIMEOUT",
	"CHUNK_SIZE", "UPLOAD_POLICY", "DOCTOR_ID", "ARCHIVE_BUCKET", "ARCHIVE_PREFIX",
	"AWS_REGION", "S3_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// LoadImport reads the import configuration from v. Flags bound to v with
// BindPFlag take precedence over the environment.
func LoadImport(v *viper.Viper) (*Import, error) {
	importDefaults(v)
	read(v, importKeys)

	cfg := &Import{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the import settings
func (c *Import) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("API_URL is required"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}
	if (c.Username == "") != (c.Password == "") {
		errs = append(errs, errors.New("HMS_USERNAME and HMS_PASSWORD must be set together"))
	}
	return errors.Join(errs...)
}

// splitList accepts both repeated values and a single comma separated value
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
