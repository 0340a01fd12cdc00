package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

const FilesCacheTTL = 5 * time.Minute

type FileService interface {
	GetFiles(ctx context.Context, ownerId string) (*models.FilesResponse, error)
	GenerateDownloadUrl(ctx context.Context, ownerId, fileId string) (string, error)
}

type FileServiceImpl struct {
	fileStore   store.FileStore
	fileStorage store.FileStorage
	cachingSvc  caching.CachingService
	downloadTTL time.Duration

	logger logger.Logger
}

func NewFileServiceImpl(
	fileStore store.FileStore,
	fileStorage store.FileStorage,
	cachingSvc caching.CachingService,
	downloadTTL time.Duration,
	l logger.Logger,
) *FileServiceImpl {
	return &FileServiceImpl{
		fileStore:   fileStore,
		fileStorage: fileStorage,
		cachingSvc:  cachingSvc,
		downloadTTL: downloadTTL,
		logger:      l,
	}
}

func (svc *FileServiceImpl) GetFiles(ctx context.Context, ownerId string) (*models.FilesResponse, error) {
	key := caching.UserFilesKey(ownerId)

	cached, err := svc.cachingSvc.Get(ctx, key)
	if err == nil {
		var resp models.FilesResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			return &resp, nil
		}
		svc.logger.Warn("discarding corrupt files cache entry", "owner_id", ownerId)
	} else if !errors.Is(err, caching.ErrCacheMiss) {
		svc.logger.Warn("files cache read failed", "owner_id", ownerId, "error", err)
	}

	files, err := svc.fileStore.ListByOwner(ctx, ownerId)
	if err != nil {
		return nil, err
	}
	resp := &models.FilesResponse{Files: files}

	if payload, err := json.Marshal(resp); err == nil {
		if err := svc.cachingSvc.Set(ctx, key, payload, FilesCacheTTL); err != nil {
			svc.logger.Warn("files cache write failed", "owner_id", ownerId, "error", err)
		}
	}
	return resp, nil
}

// GenerateDownloadUrl presigns a GET for an uploaded file owned by ownerId.
func (svc *FileServiceImpl) GenerateDownloadUrl(ctx context.Context, ownerId, fileId string) (string, error) {
	if fileId == "" {
		return "", fmt.Errorf("%w: file_id is required", apperror.ErrInvalidInput)
	}

	file, err := svc.fileStore.Get(ctx, fileId)
	if err != nil {
		return "", err
	}
	if file.OwnerId != ownerId {
		return "", apperror.ErrFileNotFound
	}
	if file.Status != models.FileStatusUploaded {
		return "", fmt.Errorf("%w: file %s is %s", apperror.ErrInvalidInput, fileId, file.Status)
	}

	return svc.fileStorage.GenerateDownloadUrl(ctx, file.StorageKey, svc.downloadTTL)
}
