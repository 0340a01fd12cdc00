package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/config"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"golang.org/x/sync/errgroup"
)

const cleanupTimeout = 30 * time.Second

type UploadService interface {
	StartUpload(ctx context.Context, req models.StartUploadRequest) (*models.StartUploadResponse, error)
	RecordChunk(ctx context.Context, req models.RecordChunkRequest) error
	CompleteUpload(ctx context.Context, req models.CompleteUploadRequest) error
	GetUploadStatus(ctx context.Context, ownerId, fileId string) (*models.UploadStatusResponse, error)
}

type UploadServiceImpl struct {
	sessionStore store.SessionStore
	fileStore    store.FileStore
	chunkStore   store.ChunkStore
	fileStorage  store.FileStorage
	cachingSvc   caching.CachingService

	cfg    config.UploadConfig
	logger logger.Logger
}

func NewUploadServiceImpl(
	sessionStore store.SessionStore,
	fileStore store.FileStore,
	chunkStore store.ChunkStore,
	fileStorage store.FileStorage,
	cachingSvc caching.CachingService,
	cfg config.UploadConfig,
	l logger.Logger,
) *UploadServiceImpl {
	return &UploadServiceImpl{
		sessionStore: sessionStore,
		fileStore:    fileStore,
		chunkStore:   chunkStore,
		fileStorage:  fileStorage,
		cachingSvc:   cachingSvc,
		cfg:          cfg,
		logger:       l,
	}
}

// PartCount is the number of multipart parts needed for size bytes.
func PartCount(size, chunkSize int64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// beginState tracks what a StartUpload call has created so far, so cleanup
// never touches resources owned by someone else.
type beginState struct {
	fileId        string
	uploadID      string
	upload        store.MultipartUpload
	bindingStored bool
	recordCreated bool
}

func (svc *UploadServiceImpl) StartUpload(ctx context.Context, req models.StartUploadRequest) (*models.StartUploadResponse, error) {
	if req.FileId == "" || req.FileName == "" || req.OwnerId == "" {
		return nil, fmt.Errorf("%w: file_id, file_name and user_id are required", apperror.ErrInvalidInput)
	}
	if req.FileSize <= 0 || req.FileSize > svc.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes, allowed 1..%d", apperror.ErrInvalidSize, req.FileSize, svc.cfg.MaxFileSize)
	}
	if req.StorageKey == "" {
		req.StorageKey = path.Join("uploads", req.OwnerId, req.FileId, req.FileName)
	}

	numParts := PartCount(req.FileSize, svc.cfg.ChunkSize)
	upload := svc.fileStorage.Multipart(svc.fileStorage.Bucket(), req.StorageKey)

	uploadID, err := upload.Initiate(ctx, req.MimeType)
	if err != nil {
		svc.logger.Error("multipart initiation failed", "file_id", req.FileId, "key", req.StorageKey, "error", err)
		return nil, err
	}
	state := &beginState{fileId: req.FileId, uploadID: uploadID, upload: upload}

	urls, err := svc.presignParts(ctx, upload, uploadID, numParts)
	if err != nil {
		svc.logger.Error("presigning parts failed", "upload_id", uploadID, "parts", numParts, "error", err)
		svc.cleanup(ctx, state)
		return nil, err
	}

	now := time.Now().UTC()
	binding := models.SessionBinding{
		Bucket:     upload.Bucket(),
		Key:        upload.Key(),
		FileId:     req.FileId,
		TotalParts: int32(numParts),
		CreatedAt:  now,
	}
	if err := svc.sessionStore.CreateSession(ctx, uploadID, binding, svc.cfg.SessionTTL); err != nil {
		svc.logger.Error("storing session binding failed", "upload_id", uploadID, "error", err)
		svc.cleanup(ctx, state)
		return nil, err
	}
	state.bindingStored = true

	size := req.FileSize
	file := models.File{
		FileId:      req.FileId,
		FileName:    req.FileName,
		MimeType:    req.MimeType,
		Size:        &size,
		StorageKey:  req.StorageKey,
		OwnerId:     req.OwnerId,
		Status:      models.FileStatusUploading,
		TotalChunks: uint32(numParts),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := svc.fileStore.Create(ctx, file); err != nil {
		svc.logger.Error("creating file record failed", "upload_id", uploadID, "file_id", req.FileId, "error", err)
		svc.cleanup(ctx, state)
		return nil, err
	}
	state.recordCreated = true

	if len(urls) != numParts {
		svc.cleanup(ctx, state)
		return nil, fmt.Errorf("issued %d urls for %d parts", len(urls), numParts)
	}

	svc.invalidateFiles(ctx, req.OwnerId)
	svc.logger.Info("upload session started", "upload_id", uploadID, "file_id", req.FileId, "parts", numParts)

	return &models.StartUploadResponse{
		UploadId:      uploadID,
		FileId:        req.FileId,
		PresignedUrls: urls,
	}, nil
}

// presignParts issues one URL per part with bounded fan-out. urls[i] belongs to part i+1.
func (svc *UploadServiceImpl) presignParts(ctx context.Context, upload store.MultipartUpload, uploadID string, numParts int) ([]string, error) {
	urls := make([]string, numParts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(svc.cfg.PresignConcurrency, 1))
	for i := range numParts {
		g.Go(func() error {
			u, err := upload.PartUploadURL(gctx, int32(i+1), uploadID)
			if err != nil {
				return err
			}
			urls[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

// cleanup unwinds a failed StartUpload. Every step is best effort and logged.
func (svc *UploadServiceImpl) cleanup(ctx context.Context, state *beginState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if state.recordCreated {
		if err := svc.fileStore.Delete(ctx, state.fileId); err != nil {
			svc.logger.Warn("cleanup: delete file record failed", "file_id", state.fileId, "error", err)
		}
		if err := svc.chunkStore.DeleteByFile(ctx, state.fileId); err != nil {
			svc.logger.Warn("cleanup: delete chunks failed", "file_id", state.fileId, "error", err)
		}
	}
	if state.uploadID != "" {
		if err := state.upload.Abort(ctx, state.uploadID); err != nil {
			svc.logger.Warn("cleanup: abort multipart upload failed", "upload_id", state.uploadID, "error", err)
		}
	}
	if state.bindingStored {
		if err := svc.sessionStore.Delete(ctx, state.uploadID); err != nil {
			svc.logger.Warn("cleanup: delete session binding failed", "upload_id", state.uploadID, "error", err)
		}
	}
	svc.logger.Info("upload session unwound", "upload_id", state.uploadID, "file_id", state.fileId)
}

func (svc *UploadServiceImpl) RecordChunk(ctx context.Context, req models.RecordChunkRequest) error {
	if req.FileId == "" || req.ETag == "" || req.StorageKey == "" || req.Size <= 0 {
		return fmt.Errorf("%w: file_id, etag, storage_key and a positive size are required", apperror.ErrInvalidChunk)
	}
	if req.ChunkIndex < 1 {
		return fmt.Errorf("%w: chunk_index %d", apperror.ErrInvalidChunk, req.ChunkIndex)
	}

	file, err := svc.fileStore.Get(ctx, req.FileId)
	if err != nil {
		return err
	}
	if file.OwnerId != req.OwnerId {
		return apperror.ErrFileNotFound
	}
	if file.StorageKey != req.StorageKey {
		return fmt.Errorf("%w: storage_key does not belong to file %s", apperror.ErrInvalidChunk, req.FileId)
	}
	if file.Status.IsTerminal() {
		return fmt.Errorf("%w: file %s is %s", apperror.ErrInvalidChunk, req.FileId, file.Status)
	}

	numParts := int(file.TotalChunks)
	if numParts == 0 && file.Size != nil {
		numParts = PartCount(*file.Size, svc.cfg.ChunkSize)
	}
	if int(req.ChunkIndex) > numParts {
		return fmt.Errorf("%w: chunk_index %d outside 1..%d", apperror.ErrInvalidChunk, req.ChunkIndex, numParts)
	}

	err = svc.chunkStore.Create(ctx, models.Chunk{
		FileId:     req.FileId,
		ChunkIndex: req.ChunkIndex,
		Size:       req.Size,
		Checksum:   req.ETag,
		StorageKey: req.StorageKey,
		Status:     models.ChunkStatusCompleted,
		CreatedAt:  time.Now().UTC(),
	})
	if errors.Is(err, apperror.ErrDuplicateChunk) {
		svc.logger.Info("chunk already recorded", "file_id", req.FileId, "chunk_index", req.ChunkIndex)
		return err
	}
	if err != nil {
		svc.logger.Error("recording chunk failed", "file_id", req.FileId, "chunk_index", req.ChunkIndex, "error", err)
		return err
	}
	return nil
}

func (svc *UploadServiceImpl) CompleteUpload(ctx context.Context, req models.CompleteUploadRequest) error {
	if req.UploadId == "" || req.FileId == "" {
		return fmt.Errorf("%w: uploadId and fileId are required", apperror.ErrInvalidInput)
	}

	binding, err := svc.sessionStore.GetSession(ctx, req.UploadId)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		svc.logger.Info("upload session not found or expired", "upload_id", req.UploadId)
		return err
	}
	if err != nil {
		svc.logger.Error("failed to get upload session", "upload_id", req.UploadId, "error", err)
		return err
	}
	if binding.FileId != "" && binding.FileId != req.FileId {
		return fmt.Errorf("%w: upload %s does not belong to file %s", apperror.ErrInvalidInput, req.UploadId, req.FileId)
	}

	file, err := svc.fileStore.Get(ctx, req.FileId)
	if err != nil {
		return err
	}
	if file.OwnerId != req.OwnerId {
		return apperror.ErrFileNotFound
	}
	if file.Status == models.FileStatusUploaded {
		svc.dropBinding(ctx, req.UploadId)
		return nil
	}

	upload := svc.fileStorage.Multipart(binding.Bucket, binding.Key)

	if err := verifyParts(req.Parts, int(binding.TotalParts)); err != nil {
		svc.logger.Warn("completion parts rejected", "upload_id", req.UploadId, "file_id", req.FileId, "error", err)
		return svc.failVerification(ctx, req.UploadId, upload, file, err)
	}

	svc.logger.Info("upload finalization started", "upload_id", req.UploadId, "parts", len(req.Parts))
	err = upload.Complete(ctx, req.UploadId, req.Parts)
	switch {
	case err == nil:
		return svc.finishUpload(ctx, req.UploadId, file)
	case errors.Is(err, apperror.ErrETagMismatch):
		svc.logger.Warn("storage rejected completion", "upload_id", req.UploadId, "file_id", req.FileId, "error", err)
		return svc.failVerification(ctx, req.UploadId, upload, file, err)
	case errors.Is(err, apperror.ErrUploadNotInitiated):
		return svc.failMissingUpload(ctx, req.UploadId, binding.Key, file)
	default:
		// binding kept so the client may retry
		svc.logger.Error("upload finalization failed", "upload_id", req.UploadId, "error", err)
		return err
	}
}

// verifyParts checks that parts name every part 1..total exactly once with a tag.
func verifyParts(parts []models.CompletedPart, total int) error {
	if len(parts) != total {
		return fmt.Errorf("%w: got %d parts, expected %d", apperror.ErrETagMismatch, len(parts), total)
	}
	sorted := append([]models.CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	for i, p := range sorted {
		if p.PartNumber != int32(i+1) {
			return fmt.Errorf("%w: part numbers do not cover 1..%d", apperror.ErrETagMismatch, total)
		}
		if p.ETag == "" {
			return fmt.Errorf("%w: part %d has no etag", apperror.ErrETagMismatch, p.PartNumber)
		}
	}
	return nil
}

func (svc *UploadServiceImpl) finishUpload(ctx context.Context, uploadID string, file *models.File) error {
	if err := svc.fileStore.UpdateStatus(ctx, file.FileId, models.FileStatusUploaded); err != nil {
		// binding kept so a retry can still converge the record
		svc.logger.Error("marking file uploaded failed", "upload_id", uploadID, "file_id", file.FileId, "error", err)
		return err
	}
	svc.dropBinding(ctx, uploadID)
	svc.invalidateFiles(ctx, file.OwnerId)

	svc.logger.Info("upload completed successfully", "upload_id", uploadID, "file_id", file.FileId)
	return nil
}

func (svc *UploadServiceImpl) failVerification(ctx context.Context, uploadID string, upload store.MultipartUpload, file *models.File, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := upload.Abort(ctx, uploadID); err != nil {
		svc.logger.Warn("abort after verification failure failed", "upload_id", uploadID, "error", err)
	}
	svc.dropBinding(ctx, uploadID)
	svc.markFailed(ctx, file)

	return fmt.Errorf("%w: %w", apperror.ErrCompletionVerificationFailed, cause)
}

// failMissingUpload handles a multipart upload the storage no longer knows.
// It was either completed by an earlier attempt whose response was lost, or
// aborted.
func (svc *UploadServiceImpl) failMissingUpload(ctx context.Context, uploadID, key string, file *models.File) error {
	// the notification path may have finished it already
	if current, err := svc.fileStore.Get(ctx, file.FileId); err == nil && current.Status == models.FileStatusUploaded {
		svc.dropBinding(ctx, uploadID)
		return nil
	}

	exists, err := svc.fileStorage.ObjectExists(ctx, key)
	if err != nil {
		svc.logger.Error("checking stored object failed", "upload_id", uploadID, "key", key, "error", err)
		return err
	}
	if exists {
		svc.logger.Info("multipart upload already completed at storage", "upload_id", uploadID, "file_id", file.FileId)
		return svc.finishUpload(ctx, uploadID, file)
	}

	svc.dropBinding(ctx, uploadID)
	svc.logger.Warn("multipart upload no longer exists", "upload_id", uploadID, "file_id", file.FileId)
	if err := svc.fileStore.UpdateStatus(ctx, file.FileId, models.FileStatusFailed); err != nil {
		svc.logger.Error("failed to mark file FAILED", "file_id", file.FileId, "error", err)
	}
	svc.invalidateFiles(ctx, file.OwnerId)

	return fmt.Errorf("%w: upload %s", apperror.ErrSessionNotFound, uploadID)
}

func (svc *UploadServiceImpl) markFailed(ctx context.Context, file *models.File) {
	if err := svc.fileStore.UpdateStatus(ctx, file.FileId, models.FileStatusFailed); err != nil {
		svc.logger.Error("failed to mark file FAILED", "file_id", file.FileId, "error", err)
	}
	if err := svc.chunkStore.MarkFailed(ctx, file.FileId); err != nil {
		svc.logger.Error("failed to mark chunks FAILED", "file_id", file.FileId, "error", err)
	}
	svc.invalidateFiles(ctx, file.OwnerId)
}

func (svc *UploadServiceImpl) dropBinding(ctx context.Context, uploadID string) {
	if err := svc.sessionStore.Delete(ctx, uploadID); err != nil {
		svc.logger.Error("upload session deletion failed", "upload_id", uploadID, "error", err)
	}
}

func (svc *UploadServiceImpl) invalidateFiles(ctx context.Context, ownerId string) {
	if err := svc.cachingSvc.Delete(ctx, caching.UserFilesKey(ownerId)); err != nil {
		svc.logger.Warn("cached files invalidation failed", "owner_id", ownerId, "error", err)
	}
}

func (svc *UploadServiceImpl) GetUploadStatus(ctx context.Context, ownerId, fileId string) (*models.UploadStatusResponse, error) {
	file, err := svc.fileStore.Get(ctx, fileId)
	if err != nil {
		return nil, err
	}
	if file.OwnerId != ownerId {
		return nil, apperror.ErrFileNotFound
	}

	uploaded, err := svc.chunkStore.CountByFile(ctx, fileId)
	if err != nil {
		return nil, err
	}

	var progress uint8
	switch {
	case file.Status == models.FileStatusUploaded:
		progress = 100
	case file.TotalChunks > 0:
		progress = uint8(min(uploaded*100/int(file.TotalChunks), 100))
	}

	return &models.UploadStatusResponse{
		FileId:         file.FileId,
		Status:         file.Status,
		UploadedChunks: uploaded,
		TotalChunks:    file.TotalChunks,
		Progress:       progress,
	}, nil
}
