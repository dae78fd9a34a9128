// Package main runs the write-path notional aggregator.
//
// Startup order:
//  1. Health server (answers not_ready until step 3 completes)
//  2. Record store, counter and publishers
//  3. Startup reconciliation loads the total from the record store
//  4. API server, websocket feed and the optional SQS mutation consumer
//
// On SIGINT/SIGTERM the probes report shutting_down, the API drains, queued
// totals are flushed and connections are closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"github.com/archon-research/stl-notional/db/migrator"
	httpadapter "github.com/archon-research/stl-notional/internal/adapters/inbound/http"
	"github.com/archon-research/stl-notional/internal/adapters/outbound/postgres"
	redisadapter "github.com/archon-research/stl-notional/internal/adapters/outbound/redis"
	s3adapter "github.com/archon-research/stl-notional/internal/adapters/outbound/s3"
	snsadapter "github.com/archon-research/stl-notional/internal/adapters/outbound/sns"
	sqsadapter "github.com/archon-research/stl-notional/internal/adapters/outbound/sqs"
	"github.com/archon-research/stl-notional/internal/adapters/outbound/telemetry"
	wsadapter "github.com/archon-research/stl-notional/internal/adapters/outbound/websocket"
	"github.com/archon-research/stl-notional/internal/pkg/env"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
	"github.com/archon-research/stl-notional/internal/services/aggregator"
	"github.com/archon-research/stl-notional/internal/services/mutation_consumer"
)

const shutdownTimeout = 25 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	addPolicy, err := aggregator.ParseAddPolicy(cfg.Aggregator.AddPolicy)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics("github.com/archon-research/stl-notional")
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	var shuttingDown atomic.Bool
	var ready atomic.Pointer[aggregator.Service]
	health := httpadapter.NewHealthServer(httpadapter.HealthServerConfig{
		Addr:   cfg.HealthAddr,
		Logger: logger,
	}, serviceHealth{svc: &ready}, &shuttingDown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(health.ListenAndServe)

	// Everything below runs inside the group so a failing listener stops startup.
	g.Go(func() error {
		defer func() {
			if err := health.Shutdown(5 * time.Second); err != nil {
				logger.Warn("health server shutdown failed", "error", err)
			}
		}()
		return serve(gctx, cfg, addPolicy, metrics, &ready, &shuttingDown, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func serve(
	ctx context.Context,
	cfg appConfig,
	addPolicy aggregator.AddPolicy,
	metrics outbound.AggregatorMetrics,
	ready *atomic.Pointer[aggregator.Service],
	shuttingDown *atomic.Bool,
	logger *slog.Logger,
) error {
	pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	logger.Info("PostgreSQL connected")

	if cfg.MigrateOnStart {
		if err := migrator.New(pool, cfg.MigrationsDir, logger).ApplyAll(ctx); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	store, err := postgres.NewOrderStore(pool, postgres.OrderStoreConfig{
		LockTimeout: cfg.Aggregator.LockTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating order store: %w", err)
	}

	redisCfg := redisadapter.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		Channel:   cfg.Redis.Channel,
	}
	counter, err := redisadapter.NewCounter(redisCfg, logger)
	if err != nil {
		return fmt.Errorf("creating counter: %w", err)
	}
	defer counter.Close()
	if err := counter.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("Redis connected", "key", counter.Key())

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	redisPub, err := redisadapter.NewPublisher(redisCfg, logger)
	if err != nil {
		return fmt.Errorf("creating redis publisher: %w", err)
	}
	publishers := []outbound.TotalPublisher{redisPub}

	if cfg.AWS.SNSTopicARN != "" {
		snsClient := awssns.NewFromConfig(awsCfg, func(o *awssns.Options) {
			if cfg.AWS.SNSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.SNSEndpoint)
			}
		})
		snsPub, err := snsadapter.NewPublisher(snsClient, snsadapter.Config{
			TopicARN: cfg.AWS.SNSTopicARN,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating SNS publisher: %w", err)
		}
		publishers = append(publishers, snsPub)
		logger.Info("publishing totals to SNS", "topic", cfg.AWS.SNSTopicARN)
	}

	async, err := aggregator.NewAsyncPublisher(aggregator.NewMultiPublisher(publishers...), aggregator.AsyncPublisherConfig{
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating publisher: %w", err)
	}
	defer func() {
		if err := async.Close(); err != nil {
			logger.Warn("failed to close publishers", "error", err)
		}
	}()

	var reporter outbound.DivergenceReporter
	if cfg.AWS.S3ReportBucket != "" {
		reporter, err = s3adapter.NewReportWriter(awsCfg, s3adapter.Config{
			Bucket: cfg.AWS.S3ReportBucket,
			Gzip:   true,
		}, logger, func(o *awss3.Options) {
			if cfg.AWS.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.S3Endpoint)
				o.UsePathStyle = true
			}
		})
		if err != nil {
			return fmt.Errorf("creating report writer: %w", err)
		}
	}

	svc, err := aggregator.New(store, counter, aggregator.Config{
		AddPolicy:         addPolicy,
		TxTimeout:         cfg.Aggregator.TxTimeout,
		ReconcileInterval: cfg.Aggregator.ReconcileInterval,
		Publisher:         async,
		Reporter:          reporter,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating aggregator: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting aggregator: %w", err)
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			logger.Error("error stopping aggregator", "error", err)
		}
	}()
	ready.Store(svc)

	hub := wsadapter.NewHub(wsadapter.HubConfig{Logger: logger})
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()
	if err := redisPub.Subscribe(hubCtx, func(event outbound.TotalEvent) {
		if err := hub.Publish(hubCtx, event); err != nil && !errors.Is(err, wsadapter.ErrHubClosed) {
			logger.Warn("failed to forward total to websocket clients", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("subscribing to totals: %w", err)
	}

	if cfg.AWS.SQSQueueURL != "" {
		consumer, err := sqsadapter.NewConsumer(awsCfg, sqsadapter.Config{QueueURL: cfg.AWS.SQSQueueURL}, logger,
			func(o *awssqs.Options) {
				if cfg.AWS.SQSEndpoint != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.SQSEndpoint)
				}
			})
		if err != nil {
			return fmt.Errorf("creating SQS consumer: %w", err)
		}
		worker, err := mutation_consumer.NewService(mutation_consumer.Config{Logger: logger}, consumer, svc)
		if err != nil {
			return fmt.Errorf("creating mutation consumer: %w", err)
		}
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("starting mutation consumer: %w", err)
		}
		defer worker.Stop()
		logger.Info("consuming order mutations", "queue", cfg.AWS.SQSQueueURL)
	}

	handler := httpadapter.NewHandler(svc, httpadapter.HandlerConfig{Logger: logger})
	api := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpadapter.NewRouter(handler, hub, cfg.CORSAllowOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", cfg.HTTPAddr)
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("API server: %w", err)
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down...")
	shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", "error", err)
	}
	return nil
}

func initTelemetry(ctx context.Context, cfg appConfig) (func(context.Context) error, error) {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if cfg.OTLPEndpoint == "" {
		return shutdownMetrics, nil
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdownTracer(ctx), shutdownMetrics(ctx))
	}, nil
}

// serviceHealth reports not ready until the aggregator has started.
type serviceHealth struct {
	svc *atomic.Pointer[aggregator.Service]
}

func (h serviceHealth) IsReady() bool {
	svc := h.svc.Load()
	return svc != nil && svc.IsReady()
}

func (h serviceHealth) IsHealthy() bool {
	svc := h.svc.Load()
	return svc == nil || svc.IsHealthy()
}
