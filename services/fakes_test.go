package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	bindings map[string]models.SessionBinding
	ttls     map[string]time.Duration
	putErr   error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		bindings: map[string]models.SessionBinding{},
		ttls:     map[string]time.Duration{},
	}
}

func (s *fakeSessionStore) CreateSession(_ context.Context, uploadID string, b models.SessionBinding, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.bindings[uploadID] = b
	s.ttls[uploadID] = ttl
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, uploadID string) (*models.SessionBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[uploadID]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	return &b, nil
}

func (s *fakeSessionStore) Delete(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, uploadID)
	return nil
}

func (s *fakeSessionStore) has(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bindings[uploadID]
	return ok
}

func (s *fakeSessionStore) IsReady(context.Context) error { return nil }
func (s *fakeSessionStore) Name() string                  { return "fake-sessions" }

type fakeFileStore struct {
	mu        sync.Mutex
	files     map[string]models.File
	updateErr error
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{files: map[string]models.File{}}
}

func (s *fakeFileStore) Create(_ context.Context, f models.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[f.FileId]; ok {
		return apperror.ErrConflict
	}
	for _, existing := range s.files {
		if existing.StorageKey == f.StorageKey {
			return apperror.ErrConflict
		}
	}
	s.files[f.FileId] = f
	return nil
}

func (s *fakeFileStore) Get(_ context.Context, fileId string) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileId]
	if !ok {
		return nil, apperror.ErrFileNotFound
	}
	return &f, nil
}

func (s *fakeFileStore) GetByStorageKey(_ context.Context, key string) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.StorageKey == key {
			return &f, nil
		}
	}
	return nil, apperror.ErrFileNotFound
}

func (s *fakeFileStore) UpdateStatus(_ context.Context, fileId string, status models.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	f, ok := s.files[fileId]
	if !ok {
		return apperror.ErrFileNotFound
	}
	f.Status = status
	s.files[fileId] = f
	return nil
}

func (s *fakeFileStore) MarkUploaded(ctx context.Context, key string, size *int64) (*models.File, error) {
	f, err := s.GetByStorageKey(ctx, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Status = models.FileStatusUploaded
	if size != nil {
		f.Size = size
	}
	s.files[f.FileId] = *f
	return f, nil
}

func (s *fakeFileStore) Delete(_ context.Context, fileId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileId)
	return nil
}

func (s *fakeFileStore) ListByOwner(_ context.Context, ownerId string) ([]models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.File{}
	for _, f := range s.files {
		if f.OwnerId == ownerId {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileId < out[j].FileId })
	return out, nil
}

func (s *fakeFileStore) ListStale(_ context.Context, status models.FileStatus, before time.Time) ([]models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.File
	for _, f := range s.files {
		if f.Status == status && f.CreatedAt.Before(before) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeFileStore) status(fileId string) models.FileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[fileId].Status
}

func (s *fakeFileStore) exists(fileId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[fileId]
	return ok
}

func (s *fakeFileStore) IsReady(context.Context) error { return nil }
func (s *fakeFileStore) Name() string                  { return "fake-files" }

type fakeChunkStore struct {
	mu        sync.Mutex
	chunks    map[string]map[int32]models.Chunk
	createErr error
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{chunks: map[string]map[int32]models.Chunk{}}
}

func (s *fakeChunkStore) Create(_ context.Context, c models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	byIndex, ok := s.chunks[c.FileId]
	if !ok {
		byIndex = map[int32]models.Chunk{}
		s.chunks[c.FileId] = byIndex
	}
	if _, dup := byIndex[c.ChunkIndex]; dup {
		return apperror.ErrDuplicateChunk
	}
	byIndex[c.ChunkIndex] = c
	return nil
}

func (s *fakeChunkStore) ListByFile(_ context.Context, fileId string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chunk
	for _, c := range s.chunks[fileId] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *fakeChunkStore) CountByFile(_ context.Context, fileId string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[fileId]), nil
}

func (s *fakeChunkStore) MarkFailed(_ context.Context, fileId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, c := range s.chunks[fileId] {
		c.Status = models.ChunkStatusFailed
		s.chunks[fileId][idx] = c
	}
	return nil
}

func (s *fakeChunkStore) DeleteByFile(_ context.Context, fileId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, fileId)
	return nil
}

func (s *fakeChunkStore) IsReady(context.Context) error { return nil }
func (s *fakeChunkStore) Name() string                  { return "fake-chunks" }

// fakeBackend behaves like S3 multipart uploads: parts are "uploaded" with
// putPart and Complete checks the claimed tags against the recorded ones.
type fakeBackend struct {
	mu      sync.Mutex
	bucket  string
	nextID  int
	uploads map[string]*fakeUpload

	initiateErr   error
	presignFailAt int32
	completeErr   error
	staleCutoff   time.Time

	// loseCompleteResponse completes the upload but reports a transport error
	loseCompleteResponse bool
	headErr              error
}

type fakeUpload struct {
	key       string
	parts     map[int32]string
	completed bool
	aborted   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{bucket: "uploads-bucket", uploads: map[string]*fakeUpload{}}
}

func (b *fakeBackend) Bucket() string { return b.bucket }

func (b *fakeBackend) Multipart(bucket, key string) store.MultipartUpload {
	return &fakeMultipart{b: b, bucket: bucket, key: key}
}

func (b *fakeBackend) GenerateDownloadUrl(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://%s/%s?ttl=%s", b.bucket, key, ttl), nil
}

func (b *fakeBackend) AbortStaleMultipartUploads(_ context.Context, before time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staleCutoff = before
	n := 0
	for _, u := range b.uploads {
		if !u.completed && !u.aborted {
			u.aborted = true
			n++
		}
	}
	return n, nil
}

func (b *fakeBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.headErr != nil {
		return false, b.headErr
	}
	for _, u := range b.uploads {
		if u.key == key && u.completed {
			return true, nil
		}
	}
	return false, nil
}

func (b *fakeBackend) IsReady(context.Context) error { return nil }
func (b *fakeBackend) Name() string                  { return "fake-storage" }

func (b *fakeBackend) putPart(uploadID string, part int32) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tag := fmt.Sprintf("\"etag-%s-%d\"", uploadID, part)
	b.uploads[uploadID].parts[part] = tag
	return tag
}

func (b *fakeBackend) upload(uploadID string) fakeUpload {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.uploads[uploadID]; ok {
		return *u
	}
	return fakeUpload{}
}

func (b *fakeBackend) initiated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

type fakeMultipart struct {
	b      *fakeBackend
	bucket string
	key    string
}

func (m *fakeMultipart) Bucket() string { return m.bucket }
func (m *fakeMultipart) Key() string    { return m.key }

func (m *fakeMultipart) Initiate(context.Context, string) (string, error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if m.b.initiateErr != nil {
		return "", m.b.initiateErr
	}
	m.b.nextID++
	id := fmt.Sprintf("upload-%d", m.b.nextID)
	m.b.uploads[id] = &fakeUpload{key: m.key, parts: map[int32]string{}}
	return id, nil
}

func (m *fakeMultipart) PartUploadURL(_ context.Context, part int32, uploadID string) (string, error) {
	if part < 1 {
		return "", apperror.ErrInvalidPartNumber
	}
	if uploadID == "" {
		return "", apperror.ErrUploadNotInitiated
	}
	if m.b.presignFailAt != 0 && part == m.b.presignFailAt {
		return "", fmt.Errorf("%w: presign part %d", apperror.ErrStorageUnavailable, part)
	}
	return fmt.Sprintf("https://%s/%s?partNumber=%d&uploadId=%s", m.bucket, m.key, part, uploadID), nil
}

func (m *fakeMultipart) Complete(_ context.Context, uploadID string, parts []models.CompletedPart) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if m.b.completeErr != nil {
		return m.b.completeErr
	}
	u, ok := m.b.uploads[uploadID]
	if !ok || u.aborted || u.completed {
		return apperror.ErrUploadNotInitiated
	}
	for _, p := range parts {
		if u.parts[p.PartNumber] != p.ETag {
			return apperror.ErrETagMismatch
		}
	}
	u.completed = true
	if m.b.loseCompleteResponse {
		return fmt.Errorf("%w: connection reset", apperror.ErrStorageUnavailable)
	}
	return nil
}

func (m *fakeMultipart) Abort(_ context.Context, uploadID string) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if u, ok := m.b.uploads[uploadID]; ok {
		u.aborted = true
	}
	return nil
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deleted []string
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: map[string][]byte{}}
}

func (c *recordingCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, caching.ErrCacheMiss
	}
	return v, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *recordingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.deleted = append(c.deleted, key)
	return nil
}
