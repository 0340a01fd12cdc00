package services

import (
	"context"
	"testing"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileServiceFixture(t *testing.T) (*FileServiceImpl, *fakeFileStore, *recordingCache) {
	t.Helper()
	files := newFakeFileStore()
	cache := newRecordingCache()
	svc := NewFileServiceImpl(files, newFakeBackend(), cache, 15*time.Minute, logger.NewNopLogger())
	return svc, files, cache
}

func TestFileService_GetFilesIsCached(t *testing.T) {
	svc, files, cache := newFileServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, files.Create(ctx, models.File{FileId: "a", StorageKey: "k/a", OwnerId: "u1"}))
	require.NoError(t, files.Create(ctx, models.File{FileId: "b", StorageKey: "k/b", OwnerId: "u2"}))

	resp, err := svc.GetFiles(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Contains(t, cache.entries, caching.UserFilesKey("u1"))

	// served from cache until invalidated
	require.NoError(t, files.Create(ctx, models.File{FileId: "c", StorageKey: "k/c", OwnerId: "u1"}))
	resp, err = svc.GetFiles(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, resp.Files, 1)

	require.NoError(t, cache.Delete(ctx, caching.UserFilesKey("u1")))
	resp, err = svc.GetFiles(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, resp.Files, 2)
}

func TestFileService_GetFilesEmptyOwner(t *testing.T) {
	svc, _, _ := newFileServiceFixture(t)

	resp, err := svc.GetFiles(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, resp.Files)
	assert.Empty(t, resp.Files)
}

func TestFileService_GenerateDownloadUrl(t *testing.T) {
	svc, files, _ := newFileServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, files.Create(ctx, models.File{FileId: "done", StorageKey: "k/done", OwnerId: "u1", Status: models.FileStatusUploaded}))
	require.NoError(t, files.Create(ctx, models.File{FileId: "busy", StorageKey: "k/busy", OwnerId: "u1", Status: models.FileStatusUploading}))

	url, err := svc.GenerateDownloadUrl(ctx, "u1", "done")
	require.NoError(t, err)
	assert.Equal(t, "https://uploads-bucket/k/done?ttl=15m0s", url)

	_, err = svc.GenerateDownloadUrl(ctx, "u2", "done")
	assert.ErrorIs(t, err, apperror.ErrFileNotFound)

	_, err = svc.GenerateDownloadUrl(ctx, "u1", "busy")
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)

	_, err = svc.GenerateDownloadUrl(ctx, "u1", "")
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)
}
