package main

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/handlers"
	"github.com/Yulian302/lfusys-services-uploads/health"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/queues"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

type Stores struct {
	files    store.FileStore
	chunks   store.ChunkStore
	sessions store.SessionStore
	storage  store.FileStorage
}

type Services struct {
	Uploads services.UploadService
	Files   services.FileService
	Sweeper services.SweeperService

	Notifications queues.UploadsNotifyReceiver

	Stores *Stores

	HTTPHandler *handlers.HTTPHandler

	logger logger.Logger
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config
	l := app.Logger

	stores := &Stores{
		sessions: store.NewRedisSessionStoreImpl(app.Redis),
		storage:  store.NewS3FileStorageImpl(app.S3, cfg.AWSConfig.BucketName, cfg.UploadConfig.PresignTTL, l.With("component", "storage")),
	}
	switch {
	case app.Postgres != nil:
		stores.files = store.NewPostgresFileStoreImpl(app.Postgres.DB)
		stores.chunks = store.NewPostgresChunkStoreImpl(app.Postgres.DB)
	case app.DynamoDB != nil:
		stores.files = store.NewDynamoDbFileStoreImpl(app.DynamoDB, cfg.DynamoDBConfig.FilesTableName)
		stores.chunks = store.NewDynamoDbChunkStoreImpl(app.DynamoDB, cfg.DynamoDBConfig.ChunksTableName)
	default:
		return nil, fmt.Errorf("no client for store backend %q", cfg.StoreBackend)
	}

	var cachingSvc caching.CachingService
	cachingSvc = caching.NewRedisCachingService(app.Redis)
	if app.Redis == nil {
		cachingSvc = caching.NewNullCachingService()
	}

	uploadSvc := services.NewUploadServiceImpl(
		stores.sessions,
		stores.files,
		stores.chunks,
		stores.storage,
		cachingSvc,
		*cfg.UploadConfig,
		l.With("component", "uploads"),
	)
	fileSvc := services.NewFileServiceImpl(
		stores.files,
		stores.storage,
		cachingSvc,
		cfg.UploadConfig.DownloadURLTTL,
		l.With("component", "files"),
	)

	sweeper := services.NewSweeperServiceImpl(
		stores.files,
		stores.chunks,
		stores.storage,
		cfg.UploadConfig.SweepSchedule,
		cfg.UploadConfig.SessionTTL,
		l.With("component", "sweeper"),
	)
	if err := sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start sweeper: %w", err)
	}

	svcs := &Services{
		Uploads: uploadSvc,
		Files:   fileSvc,
		Sweeper: sweeper,
		Stores:  stores,

		HTTPHandler: handlers.NewHTTPHandler(uploadSvc, fileSvc, stores.checks(), l.With("component", "http")),

		logger: l,
	}

	if queueUrl := cfg.ServiceConfig.QueueURL(cfg.AWSConfig); queueUrl != "" {
		receiver := queues.NewUploadsNotifyReceiverImpl(app.ctx, app.Sqs, stores.files, cachingSvc, queueUrl, l.With("component", "notifications"))
		receiver.Start()
		svcs.Notifications = receiver
	} else {
		l.Warn("no uploads notifications queue configured, relying on client completion only")
	}

	return svcs, nil
}

func (s *Stores) checks() []health.ReadinessCheck {
	return []health.ReadinessCheck{
		s.files,
		s.chunks,
		s.sessions,
		s.storage,
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down services")

	shutdownIfPossible := func(name string, v any) {
		if sh, ok := v.(Shutdowner); ok {
			if err := sh.Shutdown(ctx); err != nil {
				s.logger.Error("shutdown error", "component", name, "error", err)
			}
		}
	}

	// consumers first, the stores they write to last
	shutdownIfPossible("uploads notifications receiver", s.Notifications)
	shutdownIfPossible("sweeper", s.Sweeper)

	if s.Stores != nil {
		if err := s.Stores.Shutdown(ctx); err != nil {
			s.logger.Error("stores shutdown error", "error", err)
		}
	}

	s.logger.Info("services shutdown complete")
	return nil
}

func (s *Stores) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, v := range []any{s.files, s.chunks, s.sessions} {
		if sh, ok := v.(Shutdowner); ok {
			if err := sh.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
