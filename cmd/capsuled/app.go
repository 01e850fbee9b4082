package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/capsulevault/internal/anchor"
	"github.com/onnwee/capsulevault/internal/auth"
	"github.com/onnwee/capsulevault/internal/blobstore"
	"github.com/onnwee/capsulevault/internal/compress"
	"github.com/onnwee/capsulevault/internal/config"
	"github.com/onnwee/capsulevault/internal/contribution"
	"github.com/onnwee/capsulevault/internal/evidence"
	"github.com/onnwee/capsulevault/internal/health"
	"github.com/onnwee/capsulevault/internal/image"
	"github.com/onnwee/capsulevault/internal/jobs"
	"github.com/onnwee/capsulevault/internal/middleware"
	"github.com/onnwee/capsulevault/internal/policy"
	"github.com/onnwee/capsulevault/internal/provenance"
	"github.com/onnwee/capsulevault/internal/resilience"
	"github.com/onnwee/capsulevault/internal/sealer"
	"github.com/onnwee/capsulevault/internal/unlockcode"
	"github.com/onnwee/capsulevault/internal/vault"
)

const serviceName = "capsuled"

// app holds the wired service and everything that must be closed with it.
type app struct {
	vault    *vault.Service
	pipeline *evidence.Pipeline
	queue    *jobs.Queue
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	health   *health.Handler
	logger   *slog.Logger
}

// metricSet is implemented by every package metrics type.
type metricSet interface {
	Register(reg prometheus.Registerer) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		registry: prometheus.NewRegistry(),
		health:   health.NewHandler(health.DefaultTimeout, logger),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	var (
		resilienceMetrics = resilience.NewMetrics()
		jobMetrics        = jobs.NewMetrics()
		evidenceMetrics   = evidence.NewMetrics()
		policyMetrics     = policy.NewMetrics()
		ledgerMetrics     = provenance.NewMetrics()
		codeMetrics       = unlockcode.NewMetrics()
	)
	for _, m := range []metricSet{resilienceMetrics, jobMetrics, evidenceMetrics, policyMetrics, ledgerMetrics, codeMetrics} {
		if err := m.Register(a.registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	guard := func(name string, callerError func(error) bool) *resilience.Guard {
		breaker := resilience.DefaultBreakerConfig(name)
		breaker.FailureThreshold = cfg.BreakerFailureThreshold
		breaker.SuccessThreshold = cfg.BreakerSuccessThreshold
		breaker.ResetTimeout = cfg.BreakerResetTimeout()
		retry := resilience.DefaultRetryConfig()
		retry.MaxAttempts = cfg.RetryMaxAttempts
		retry.InitialDelay = cfg.RetryInitialDelay()
		retry.MaxDelay = cfg.RetryMaxDelay()
		retry.Logger = logger
		return resilience.NewGuard(resilience.GuardConfig{
			Breaker:     breaker,
			Retry:       retry,
			CallerError: callerError,
			Metrics:     resilienceMetrics,
			Logger:      logger,
		})
	}

	a.db, err = sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.health.Add("database", health.NewDBChecker(a.db))

	var counter provenance.WindowCounter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		counter = provenance.NewRedisCounter(a.redis, "capsulevault:")
		a.health.Add("redis", health.NewRedisChecker(a.redis))
	}

	tokens := auth.NewTokenService(cfg.ServiceTokenSecret)
	sealerClient, err := sealer.NewHTTPClient(sealer.HTTPConfig{
		BaseURL:   cfg.SealerURL,
		Threshold: cfg.SealerThreshold,
		Tokens:    tokens,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer client: %w", err)
	}
	a.health.Add("sealer", health.NewSealerChecker(sealerClient))

	backend, err := newBlobBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.NewService(blobstore.ServiceConfig{
		Backend: backend,
		Prefix:  "capsules/",
		Guard:   guard(backend.Name(), blobstore.IsCallerError),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	compressor, err := compress.New(cfg.Compression)
	if err != nil {
		return nil, err
	}

	imageConfig := image.DefaultConfig()
	imageConfig.Logger = logger

	a.queue = jobs.NewQueue(jobs.QueueConfig{
		Size:    cfg.VerifyQueueSize,
		Workers: cfg.VerifyWorkers,
		Metrics: jobMetrics,
		Logger:  logger,
	})

	a.pipeline, err = evidence.NewPipeline(evidence.Config{
		Sealer:      sealerClient,
		Blobs:       blobs,
		Repository:  evidence.NewPostgresRepository(a.db, logger),
		Compressor:  compressor,
		Images:      image.NewProcessor(imageConfig),
		Queue:       a.queue,
		SealerGuard: guard("sealer", sealer.IsCallerError),
		Metrics:     evidenceMetrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create evidence pipeline: %w", err)
	}

	ledger, err := provenance.NewLedger(provenance.LedgerConfig{
		Repository: provenance.NewPostgresRepository(a.db, logger),
		Counter:    counter,
		Metrics:    ledgerMetrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	policies := policy.NewPostgresRepository(a.db, logger)
	reseal, err := vault.NewReseal(a.pipeline, policies, ledger, logger)
	if err != nil {
		return nil, err
	}

	engineConfig := policy.EngineConfig{
		Repository:       policies,
		AnchorGuard:      guard("anchor", anchor.IsCallerError),
		Transferrer:      reseal,
		FailClosedQuorum: cfg.QuorumFailClosed,
		Metrics:          policyMetrics,
		Logger:           logger,
	}
	if cfg.AnchorURL != "" {
		anchorClient, err := anchor.NewHTTPClient(anchor.HTTPConfig{BaseURL: cfg.AnchorURL, Tokens: tokens})
		if err != nil {
			return nil, fmt.Errorf("failed to create anchor client: %w", err)
		}
		engineConfig.Anchor = anchorClient
	}
	engine, err := policy.NewEngine(engineConfig)
	if err != nil {
		return nil, err
	}

	codes, err := unlockcode.NewService(unlockcode.Config{
		Repository: unlockcode.NewPostgresRepository(a.db, logger),
		Secret:     []byte(cfg.UnlockPhraseSecret),
		TTL:        cfg.UnlockCodeTTL(),
		Metrics:    codeMetrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a.vault, err = vault.New(vault.Config{
		Pipeline:      a.pipeline,
		Policies:      engine,
		Ledger:        ledger,
		Codes:         codes,
		Contributions: contribution.NewService(contribution.NewPostgresRepository(a.db, logger), logger, nil),
		Queue:         a.queue,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newBlobBackend(ctx context.Context, cfg *config.Config) (blobstore.Backend, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendS3:
		return blobstore.NewS3Backend(ctx, blobstore.S3Config{
			Bucket:          cfg.R2BucketName,
			Region:          cfg.S3Region,
			Endpoint:        cfg.R2Endpoint,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
		})
	case config.BlobBackendGCS:
		return blobstore.NewGCSBackend(ctx, blobstore.GCSConfig{Bucket: cfg.GCSBucket})
	case config.BlobBackendMemory:
		return blobstore.NewMemoryBackend(), nil
	default:
		return nil, config.ErrInvalidBlobBackend
	}
}

// opsHandler serves /health and /metrics behind the standard middleware chain.
func (a *app) opsHandler() http.Handler {
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(a.registry); err != nil {
		a.logger.Error("failed to register http metrics", slog.String("error", err.Error()))
	}

	mux := http.NewServeMux()
	mux.Handle("/health", a.health)
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	h = middleware.HTTPMetrics(httpMetrics)(h)
	h = middleware.Logging(a.logger)(h)
	h = middleware.Tracing(serviceName)(h)
	return middleware.RequestID(h)
}

// Close drains background work, then releases stores.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.vault != nil {
		errs = append(errs, a.vault.Close(ctx))
	}
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close(ctx))
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close(ctx))
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *app) closeStores() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
