package services

import (
	"context"
	"errors"
	"sync"
	"time"

	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/robfig/cron/v3"
)

const sweepTimeout = 5 * time.Minute

// SweepResult summarises one sweep run.
type SweepResult struct {
	FailedFiles    int
	AbortedUploads int
}

// SweeperService fails uploads left in UPLOADING past the session TTL and
// aborts their multipart uploads at the storage backend.
type SweeperService interface {
	Start() error
	Sweep(ctx context.Context) (SweepResult, error)
	Shutdown(ctx context.Context) error
}

type SweeperServiceImpl struct {
	fileStore   store.FileStore
	chunkStore  store.ChunkStore
	fileStorage store.FileStorage

	schedule   string
	sessionTTL time.Duration
	now        func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex

	logger logger.Logger
}

func NewSweeperServiceImpl(
	fileStore store.FileStore,
	chunkStore store.ChunkStore,
	fileStorage store.FileStorage,
	schedule string,
	sessionTTL time.Duration,
	l logger.Logger,
) *SweeperServiceImpl {
	ctx, cancel := context.WithCancel(context.Background())
	return &SweeperServiceImpl{
		fileStore:   fileStore,
		chunkStore:  chunkStore,
		fileStorage: fileStorage,
		schedule:    schedule,
		sessionTTL:  sessionTTL,
		now:         time.Now,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{l}))),
		ctx:         ctx,
		cancel:      cancel,
		logger:      l,
	}
}

func (s *SweeperServiceImpl) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(s.ctx, sweepTimeout)
		defer cancel()

		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("stale upload sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("stale upload sweeper scheduled", "schedule", s.schedule, "session_ttl", s.sessionTTL)
	return nil
}

func (s *SweeperServiceImpl) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	cutoff := s.now().Add(-s.sessionTTL)

	stale, err := s.fileStore.ListStale(ctx, models.FileStatusUploading, cutoff)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, f := range stale {
		if err := s.fileStore.UpdateStatus(ctx, f.FileId, models.FileStatusFailed); err != nil {
			s.logger.Warn("sweep: failed to mark file FAILED", "file_id", f.FileId, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := s.chunkStore.DeleteByFile(ctx, f.FileId); err != nil {
			s.logger.Warn("sweep: failed to delete chunks", "file_id", f.FileId, "error", err)
			errs = append(errs, err)
		}
		res.FailedFiles++
	}

	aborted, err := s.fileStorage.AbortStaleMultipartUploads(ctx, cutoff)
	res.AbortedUploads = aborted
	if err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("stale upload sweep finished",
		"cutoff", cutoff,
		"failed_files", res.FailedFiles,
		"aborted_uploads", res.AbortedUploads,
	)
	return res, errors.Join(errs...)
}

func (s *SweeperServiceImpl) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down sweeper")
	s.cancel()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
