package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/handlers"
	"github.com/Yulian302/lfusys-services-uploads/health"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/Yulian302/lfusys-services-uploads/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	serviceName         = "uploads"
	healthPollInterval  = 5 * time.Second
	healthCheckTimeout  = 500 * time.Millisecond
	httpReadHeaderLimit = 10 * time.Second
)

type App struct {
	HTTPServer   *http.Server
	GrpcServer   *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	Postgres *store.PostgresClient
	Redis    *redis.Client
	Sqs      *sqs.Client
	S3       *s3.Client

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func SetupApp() (*App, error) {
	cfg := config.LoadConfig()
	appLogger := logger.NewSlogLogger(logger.CreateAppLogger(cfg.Env))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		Logger: appLogger,
		ctx:    ctx,
		cancel: cancel,
	}

	awsCfg, err := initAWS(ctx, *cfg.AWSConfig)
	if err != nil {
		cancel()
		return nil, err
	}
	app.AwsConfig = awsCfg
	app.S3 = initS3(awsCfg, cfg.AWSConfig.EndpointURL != "")
	app.Sqs = sqs.NewFromConfig(awsCfg)
	app.Redis = initRedis(*cfg.RedisConfig)

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		pg, err := store.NewPostgresClient(cfg.PostgresConfig.DatabaseURL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			cancel()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		app.Postgres = pg
	default:
		app.DynamoDB = dynamodb.NewFromConfig(awsCfg)
	}

	if cfg.Tracing {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)
		app.TracerProvider = tp
	}

	services, err := BuildServices(app)
	if err != nil {
		cancel()
		return nil, err
	}
	app.Services = services

	return app, nil
}

// Run serves HTTP and the gRPC health endpoint until either fails or the app
// shuts down.
func (a *App) Run() error {
	authKey, err := a.authKey()
	if err != nil {
		return err
	}

	router := handlers.NewRouter(a.Services.HTTPHandler, authKey, a.Config.Tracing, serviceName, a.Logger)
	a.HTTPServer = &http.Server{
		Addr:              a.Config.ServiceConfig.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: httpReadHeaderLimit,
	}

	a.GrpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(a.ctx)

	l, err := net.Listen("tcp", a.Config.ServiceConfig.HealthGRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc health: listen on %s: %w", a.Config.ServiceConfig.HealthGRPCAddr, err)
	}

	var g errgroup.Group
	g.Go(func() error {
		a.Logger.Info("grpc health server started", "addr", a.Config.ServiceConfig.HealthGRPCAddr)
		return a.GrpcServer.Serve(l)
	})
	g.Go(func() error {
		a.Logger.Info("http server started", "addr", a.Config.ServiceConfig.HTTPAddr)
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (a *App) authKey() (*rsa.PublicKey, error) {
	if a.Config.AuthConfig.JWTPublicKey == "" {
		return nil, nil
	}
	key, err := handlers.ParseRSAPublicKey(a.Config.AuthConfig.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse JWT_PUBLIC_KEY: %w", err)
	}
	return key, nil
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.GrpcServer, a.HealthServer)

	checks := a.Services.Stores.checks()

	go func() {
		ticker := time.NewTicker(healthPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING

				cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
				failed := health.CheckAll(cctx, checks)
				cancel()
				if len(failed) > 0 {
					status = healthpb.HealthCheckResponse_NOT_SERVING
					for name, err := range failed {
						a.Logger.Warn("readiness check failed", "check", name, "error", err)
					}
				}

				a.HealthServer.SetServingStatus("", status)
			}
		}
	}()
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// initS3 uses path style addressing against custom endpoints, which rarely
// serve virtual hosted buckets.
func initS3(cfg aws.Config, pathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
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
	a.cancel()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.GrpcServer != nil {
		done := make(chan struct{})
		go func() {
			a.GrpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GrpcServer.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Postgres != nil {
		if err := a.Postgres.Close(); err != nil {
			a.Logger.Error("postgres close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
