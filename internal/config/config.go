package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	SessionStoreMemory = "memory"
	SessionStoreFile   = "file"
	SessionStoreS3     = "s3"
	SessionStoreRedis  = "redis"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Warehouse     WarehouseConfig
	LLM           LLMConfig
	Policy        PolicyConfig
	Schema        SchemaConfig
	Sessions      SessionConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type WarehouseConfig struct {
	Driver          string
	DSN             string
	Schema          string
	ParquetDir      string
	QueryTimeout    time.Duration
	MaxFetchRows    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type LLMConfig struct {
	Provider         string
	APIKey           string
	BaseURL          string
	Model            string
	Temperature      float64
	MaxTokens        int
	Timeout          time.Duration
	TransportRetries int
}

type PolicyConfig struct {
	RowLimit       int
	MaxRetries     int
	ForbiddenVerbs []string
	AllowedVerbs   []string
	RequireRowCap  bool
}

type SchemaConfig struct {
	CacheTTL        time.Duration
	CoreTables      []string
	MaxPromptTables int
	SampleRows      int
	RefreshTimeout  time.Duration
}

type SessionConfig struct {
	HistoryTurns  int
	Store         string
	Dir           string
	Prefix        string
	S3            S3Config
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type S3Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	AutoCreateBucket bool
}

type AuditConfig struct {
	NATSURL     string
	NATSToken   string
	NATSSubject string
}

type ObservabilityConfig struct {
	LogLevel    slog.Level
	LogJSON     bool
	MetricsAddr string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("NLQUERY_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid NLQUERY_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "NLQUERY_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyLower(lookup, "WAREHOUSE_DRIVER", &cfg.Warehouse.Driver) },
		func() error { return applyString(lookup, "WAREHOUSE_DSN", &cfg.Warehouse.DSN) },
		func() error { return applyString(lookup, "WAREHOUSE_SCHEMA", &cfg.Warehouse.Schema) },
		func() error { return applyString(lookup, "WAREHOUSE_PARQUET_DIR", &cfg.Warehouse.ParquetDir) },
		func() error { return applyDuration(lookup, "WAREHOUSE_QUERY_TIMEOUT", &cfg.Warehouse.QueryTimeout) },
		func() error { return applyInt(lookup, "WAREHOUSE_MAX_FETCH_ROWS", &cfg.Warehouse.MaxFetchRows) },
		func() error { return applyInt(lookup, "WAREHOUSE_MAX_OPEN_CONNS", &cfg.Warehouse.MaxOpenConns) },
		func() error {
			return applyDuration(lookup, "WAREHOUSE_CONN_MAX_LIFETIME", &cfg.Warehouse.ConnMaxLifetime)
		},
		func() error { return applyLower(lookup, "LLM_PROVIDER", &cfg.LLM.Provider) },
		func() error { return applyString(lookup, "LLM_API_KEY", &cfg.LLM.APIKey) },
		func() error { return applyString(lookup, "LLM_BASE_URL", &cfg.LLM.BaseURL) },
		func() error { return applyString(lookup, "LLM_MODEL", &cfg.LLM.Model) },
		func() error { return applyFloat(lookup, "LLM_TEMPERATURE", &cfg.LLM.Temperature) },
		func() error { return applyInt(lookup, "LLM_MAX_TOKENS", &cfg.LLM.MaxTokens) },
		func() error { return applyDuration(lookup, "LLM_TIMEOUT", &cfg.LLM.Timeout) },
		func() error { return applyInt(lookup, "LLM_TRANSPORT_RETRIES", &cfg.LLM.TransportRetries) },
		func() error { return applyInt(lookup, "QUERY_ROW_LIMIT", &cfg.Policy.RowLimit) },
		func() error { return applyInt(lookup, "MAX_TRANSLATION_RETRIES", &cfg.Policy.MaxRetries) },
		func() error { return applyList(lookup, "QUERY_FORBIDDEN_VERBS", &cfg.Policy.ForbiddenVerbs) },
		func() error { return applyList(lookup, "QUERY_ALLOWED_VERBS", &cfg.Policy.AllowedVerbs) },
		func() error { return applyBool(lookup, "QUERY_REQUIRE_ROW_CAP", &cfg.Policy.RequireRowCap) },
		func() error { return applyDuration(lookup, "SCHEMA_CACHE_TTL", &cfg.Schema.CacheTTL) },
		func() error { return applyList(lookup, "SCHEMA_CORE_TABLES", &cfg.Schema.CoreTables) },
		func() error { return applyInt(lookup, "SCHEMA_MAX_PROMPT_TABLES", &cfg.Schema.MaxPromptTables) },
		func() error { return applyInt(lookup, "SCHEMA_SAMPLE_ROWS", &cfg.Schema.SampleRows) },
		func() error { return applyDuration(lookup, "SCHEMA_REFRESH_TIMEOUT", &cfg.Schema.RefreshTimeout) },
		func() error { return applyInt(lookup, "CONVERSATION_HISTORY_TURNS", &cfg.Sessions.HistoryTurns) },
		func() error { return applyLower(lookup, "SESSION_STORE", &cfg.Sessions.Store) },
		func() error { return applyString(lookup, "SESSION_DIR", &cfg.Sessions.Dir) },
		func() error { return applyString(lookup, "SESSION_PREFIX", &cfg.Sessions.Prefix) },
		func() error { return applyString(lookup, "SESSION_S3_ENDPOINT", &cfg.Sessions.S3.Endpoint) },
		func() error { return applyString(lookup, "SESSION_S3_REGION", &cfg.Sessions.S3.Region) },
		func() error { return applyString(lookup, "SESSION_S3_BUCKET", &cfg.Sessions.S3.Bucket) },
		func() error { return applyString(lookup, "SESSION_S3_ACCESS_KEY", &cfg.Sessions.S3.AccessKeyID) },
		func() error { return applyString(lookup, "SESSION_S3_SECRET_KEY", &cfg.Sessions.S3.SecretAccessKey) },
		func() error { return applyBool(lookup, "SESSION_S3_USE_SSL", &cfg.Sessions.S3.UseSSL) },
		func() error {
			return applyBool(lookup, "SESSION_S3_AUTO_CREATE_BUCKET", &cfg.Sessions.S3.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "SESSION_REDIS_ADDR", &cfg.Sessions.RedisAddr) },
		func() error { return applyString(lookup, "SESSION_REDIS_PASSWORD", &cfg.Sessions.RedisPassword) },
		func() error { return applyInt(lookup, "SESSION_REDIS_DB", &cfg.Sessions.RedisDB) },
		func() error { return applyString(lookup, "AUDIT_NATS_URL", &cfg.Audit.NATSURL) },
		func() error { return applyString(lookup, "AUDIT_NATS_TOKEN", &cfg.Audit.NATSToken) },
		func() error { return applyString(lookup, "AUDIT_NATS_SUBJECT", &cfg.Audit.NATSSubject) },
		func() error { return applyBool(lookup, "NLQUERY_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "NLQUERY_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyString(lookup, "NLQUERY_METRICS_ADDR", &cfg.Observability.MetricsAddr) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values every command depends on. Credentials needed only by
// translating commands are checked by RequireLLM.
func (c Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	switch c.Warehouse.Driver {
	case DriverPostgres, DriverDuckDB:
	default:
		return fmt.Errorf("invalid WAREHOUSE_DRIVER: %q", c.Warehouse.Driver)
	}
	if c.Warehouse.Driver == DriverPostgres && c.Warehouse.DSN == "" {
		return fmt.Errorf("WAREHOUSE_DSN is required for the postgres driver")
	}
	if c.Warehouse.QueryTimeout <= 0 {
		return fmt.Errorf("WAREHOUSE_QUERY_TIMEOUT must be > 0")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("invalid LLM_PROVIDER: %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.LLM.TransportRetries < 0 {
		return fmt.Errorf("LLM_TRANSPORT_RETRIES must be >= 0")
	}
	if c.Policy.RowLimit <= 0 {
		return fmt.Errorf("QUERY_ROW_LIMIT must be > 0")
	}
	if c.Policy.MaxRetries < 0 {
		return fmt.Errorf("MAX_TRANSLATION_RETRIES must be >= 0")
	}
	if c.Schema.CacheTTL <= 0 {
		return fmt.Errorf("SCHEMA_CACHE_TTL must be > 0")
	}
	if c.Schema.SampleRows < 0 {
		return fmt.Errorf("SCHEMA_SAMPLE_ROWS must be >= 0")
	}
	if c.Sessions.HistoryTurns < 0 {
		return fmt.Errorf("CONVERSATION_HISTORY_TURNS must be >= 0")
	}
	switch c.Sessions.Store {
	case SessionStoreMemory:
	case SessionStoreFile:
		if c.Sessions.Dir == "" {
			return fmt.Errorf("SESSION_DIR is required for the file session store")
		}
	case SessionStoreS3:
		if c.Sessions.S3.Endpoint == "" || c.Sessions.S3.Bucket == "" {
			return fmt.Errorf("SESSION_S3_ENDPOINT and SESSION_S3_BUCKET are required for the s3 session store")
		}
	case SessionStoreRedis:
		if c.Sessions.RedisAddr == "" {
			return fmt.Errorf("SESSION_REDIS_ADDR is required for the redis session store")
		}
	default:
		return fmt.Errorf("invalid SESSION_STORE: %q", c.Sessions.Store)
	}
	return nil
}

func (c Config) RequireLLM() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "nlquery"},
		Warehouse: WarehouseConfig{
			Driver:          DriverDuckDB,
			DSN:             "",
			Schema:          "",
			QueryTimeout:    30 * time.Second,
			MaxFetchRows:    10000,
			MaxOpenConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:         ProviderOpenAI,
			BaseURL:          "",
			Model:            "",
			Temperature:      0.1,
			MaxTokens:        2000,
			Timeout:          30 * time.Second,
			TransportRetries: 1,
		},
		Policy: PolicyConfig{
			RowLimit:      100,
			MaxRetries:    2,
			RequireRowCap: true,
		},
		Schema: SchemaConfig{
			CacheTTL:        10 * time.Minute,
			MaxPromptTables: 10,
			SampleRows:      3,
			RefreshTimeout:  15 * time.Second,
		},
		Sessions: SessionConfig{
			HistoryTurns: 5,
			Store:        SessionStoreFile,
			Dir:          "sessions",
			Prefix:       "",
			S3: S3Config{
				Region:           "us-east-1",
				AutoCreateBucket: true,
			},
		},
		Audit: AuditConfig{
			NATSSubject: "nlquery.audit.turn",
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Sessions.Store = SessionStoreMemory
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Observability.LogJSON = true
		cfg.Sessions.S3.UseSSL = true
		cfg.Sessions.S3.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyLower(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.ToLower(strings.TrimSpace(raw))
	return nil
}

func applyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	*dst = values
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
