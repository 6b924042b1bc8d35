package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/config"
	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	readinessInterval = 5 * time.Second
	readinessTimeout  = 500 * time.Millisecond
)

type App struct {
	HTTPServer   *http.Server
	GRPCServer   *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Redis    *redis.Client

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func SetupApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env))
	appLogger.Info("configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		Logger: appLogger,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.UsesAWS() {
		awsCfg, err := initAWS(ctx, cfg.AWSConfig)
		if err != nil {
			cancel()
			return nil, err
		}
		app.AwsConfig = awsCfg
		app.DynamoDB = initDynamo(awsCfg, cfg.AWSConfig.Endpoint)
		app.S3 = initS3(awsCfg, cfg.AWSConfig.Endpoint)
		app.Sqs = initSqs(awsCfg, cfg.AWSConfig.Endpoint)
	}

	if cfg.RedisConfig.HOST != "" {
		app.Redis = initRedis(cfg.RedisConfig)
	}

	if cfg.Tracing {
		tp, err := tracing.InitTracer(ctx, "ingest", cfg.TracingAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)

		app.TracerProvider = tp
	}

	app.Services, err = BuildServices(ctx, app)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build services: %w", err)
	}

	app.GRPCServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	app.createHealthServer(ctx)

	app.HTTPServer = &http.Server{
		Addr:              cfg.ServiceConfig.HTTPAddr,
		Handler:           app.Services.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	app.Services.Reaper.Start()

	return app, nil
}

// Run serves HTTP and gRPC health until either server stops.
func (a *App) Run() error {
	grpcListener, err := net.Listen("tcp", a.Config.ServiceConfig.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.ServiceConfig.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info("grpc health server started", "addr", a.Config.ServiceConfig.GRPCAddr)
		errCh <- a.GRPCServer.Serve(grpcListener)
	}()
	go func() {
		a.Logger.Info("http server started", "addr", a.Config.ServiceConfig.HTTPAddr)
		errCh <- a.HTTPServer.ListenAndServe()
	}()

	return <-errCh
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.GRPCServer, a.HealthServer)

	checks := a.Services.Checks

	go func() {
		ticker := time.NewTicker(readinessInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING
				if err := health.CheckAll(ctx, readinessTimeout, checks...); err != nil {
					a.Logger.Warn("readiness check failed", "error", err)
					status = healthpb.HealthCheckResponse_NOT_SERVING
				}

				a.HealthServer.SetServingStatus("", status)
			}
		}
	}()
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.HOST,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.HealthServer != nil {
		a.HealthServer.Shutdown()
	}
	a.cancel()

	var errs []error

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if a.GRPCServer != nil {
		done := make(chan struct{})
		go func() {
			a.GRPCServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GRPCServer.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return errors.Join(errs...)
}
