package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/duckmesh/nlquery/internal/agent"
	"github.com/duckmesh/nlquery/internal/audit"
	"github.com/duckmesh/nlquery/internal/config"
	"github.com/duckmesh/nlquery/internal/conversation"
	"github.com/duckmesh/nlquery/internal/guard"
	"github.com/duckmesh/nlquery/internal/nl2sql"
	"github.com/duckmesh/nlquery/internal/schema"
	"github.com/duckmesh/nlquery/internal/storage"
	"github.com/duckmesh/nlquery/internal/storage/local"
	"github.com/duckmesh/nlquery/internal/storage/memory"
	redisstore "github.com/duckmesh/nlquery/internal/storage/redis"
	s3store "github.com/duckmesh/nlquery/internal/storage/s3"
	"github.com/duckmesh/nlquery/internal/warehouse"
	"github.com/duckmesh/nlquery/internal/warehouse/duckdb"
	"github.com/duckmesh/nlquery/internal/warehouse/postgres"
)

type Options struct {
	// Translate builds the language-model generator and the orchestrator.
	Translate bool
}

// Runtime holds every long-lived collaborator a command needs.
type Runtime struct {
	Config       config.Config
	Logger       *slog.Logger
	Warehouse    warehouse.Warehouse
	Schema       *schema.Cache
	Sessions     *conversation.Store
	Orchestrator *agent.Orchestrator

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	wh, err := OpenWarehouse(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Warehouse = wh
	rt.closers = append(rt.closers, wh.Close)

	cache, err := schema.NewCache(wh, schema.CacheConfig{TTL: cfg.Schema.CacheTTL, RefreshTimeout: cfg.Schema.RefreshTimeout}, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Schema = cache
	rt.closers = append(rt.closers, func() error { cache.Close(); return nil })

	sessions, closeSessions, err := OpenSessions(ctx, cfg, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeSessions)
	rt.Sessions = sessions

	if !opts.Translate {
		return rt, nil
	}
	if err := cfg.RequireLLM(); err != nil {
		_ = rt.Close()
		return nil, err
	}
	generator, err := NewGenerator(cfg.LLM)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	translator, err := nl2sql.NewTranslator(generator, nl2sql.Config{
		Dialect:    wh.Dialect(),
		CoreTables: cfg.Schema.CoreTables,
		MaxTables:  cfg.Schema.MaxPromptTables,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	sink, closeSink, err := NewAuditSink(cfg.Audit, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if closeSink != nil {
		rt.closers = append(rt.closers, closeSink)
	}

	orchestrator, err := agent.NewOrchestrator(agent.Dependencies{
		Translator: translator,
		Executor:   wh,
		Schema:     cache,
		Sessions:   sessions,
		Audit:      sink,
		Logger:     logger,
	}, agent.Config{
		Policy:           PolicyFromConfig(cfg.Policy),
		HistoryTurns:     cfg.Sessions.HistoryTurns,
		TransportRetries: cfg.LLM.TransportRetries,
		LLMTimeout:       cfg.LLM.Timeout,
		ExecutionTimeout: cfg.Warehouse.QueryTimeout,
		Provider:         cfg.LLM.Provider,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Orchestrator = orchestrator
	return rt, nil
}

// Close releases collaborators in reverse order of creation.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// OpenSessions builds the conversation store on the configured backend. The
// returned function releases the backend and is never nil.
func OpenSessions(ctx context.Context, cfg config.Config, logger *slog.Logger) (*conversation.Store, func() error, error) {
	objects, closeObjects, err := OpenObjectStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if closeObjects == nil {
		closeObjects = func() error { return nil }
	}
	sessions, err := conversation.NewStore(objects, logger)
	if err != nil {
		_ = closeObjects()
		return nil, nil, err
	}
	return sessions, closeObjects, nil
}

func PolicyFromConfig(cfg config.PolicyConfig) guard.Policy {
	policy := guard.DefaultPolicy()
	policy.RowLimit = cfg.RowLimit
	policy.MaxRetries = cfg.MaxRetries
	policy.RequireRowCap = cfg.RequireRowCap
	if len(cfg.ForbiddenVerbs) > 0 {
		policy.ForbiddenVerbs = append([]string(nil), cfg.ForbiddenVerbs...)
	}
	policy.AllowedVerbs = append([]string(nil), cfg.AllowedVerbs...)
	return policy
}

func OpenWarehouse(ctx context.Context, cfg config.Config) (warehouse.Warehouse, error) {
	switch cfg.Warehouse.Driver {
	case config.DriverPostgres:
		wh, err := postgres.New(ctx, postgres.DBConfig{
			DSN:             cfg.Warehouse.DSN,
			Schema:          cfg.Warehouse.Schema,
			MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
			ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
			MaxFetchRows:    cfg.Warehouse.MaxFetchRows,
			SampleRows:      cfg.Schema.SampleRows,
		})
		if err != nil {
			return nil, err
		}
		return wh, nil
	case config.DriverDuckDB:
		wh, err := duckdb.New(ctx, duckdb.Config{
			Path:         cfg.Warehouse.DSN,
			ParquetDir:   cfg.Warehouse.ParquetDir,
			Schema:       cfg.Warehouse.Schema,
			MaxFetchRows: cfg.Warehouse.MaxFetchRows,
			SampleRows:   cfg.Schema.SampleRows,
		})
		if err != nil {
			return nil, err
		}
		return wh, nil
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Warehouse.Driver)
	}
}

// OpenObjectStore returns the session backend and, when it holds a
// connection, a function that closes it.
func OpenObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, func() error, error) {
	sessions := cfg.Sessions
	switch sessions.Store {
	case config.SessionStoreMemory:
		return memory.New(), nil, nil
	case config.SessionStoreFile:
		store, err := local.New(sessions.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.SessionStoreS3:
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         sessions.S3.Endpoint,
			Region:           sessions.S3.Region,
			Bucket:           sessions.S3.Bucket,
			AccessKeyID:      sessions.S3.AccessKeyID,
			SecretAccessKey:  sessions.S3.SecretAccessKey,
			UseSSL:           sessions.S3.UseSSL,
			Prefix:           sessions.Prefix,
			AutoCreateBucket: sessions.S3.AutoCreateBucket,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.SessionStoreRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     sessions.RedisAddr,
			Password: sessions.RedisPassword,
			DB:       sessions.RedisDB,
			Prefix:   sessions.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store %q", sessions.Store)
	}
}

func NewGenerator(cfg config.LLMConfig) (nl2sql.Generator, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return nl2sql.NewOpenAIGenerator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	case config.ProviderAnthropic:
		return nl2sql.NewAnthropicGenerator(nl2sql.AnthropicConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// NewAuditSink always logs transitions and also publishes them to NATS when
// a URL is configured.
func NewAuditSink(cfg config.AuditConfig, logger *slog.Logger) (audit.Sink, func() error, error) {
	logSink := audit.LogSink{Logger: logger}
	if cfg.NATSURL == "" {
		return logSink, nil, nil
	}
	natsSink, err := audit.NewNATSSink(audit.NATSConfig{
		URL:     cfg.NATSURL,
		Token:   cfg.NATSToken,
		Subject: cfg.NATSSubject,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return audit.Multi(logSink, natsSink), func() error { natsSink.Close(); return nil }, nil
}
