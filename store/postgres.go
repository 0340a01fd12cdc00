package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS files (
	file_id      TEXT PRIMARY KEY,
	file_name    TEXT NOT NULL,
	mime_type    TEXT NOT NULL,
	file_size    BIGINT,
	storage_key  TEXT NOT NULL UNIQUE,
	owner_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS files_owner_id_idx ON files (owner_id);
CREATE INDEX IF NOT EXISTS files_status_created_at_idx ON files (status, created_at);

CREATE TABLE IF NOT EXISTS chunks (
	file_id     TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	chunk_size  BIGINT NOT NULL,
	checksum    TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (file_id, chunk_index)
);`

const fileColumns = `file_id, file_name, mime_type, file_size, storage_key, owner_id, status, total_chunks, created_at, updated_at`

// PostgresClient wraps the sql.DB shared by the PostgreSQL stores.
type PostgresClient struct {
	DB *sql.DB
}

func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresClient{DB: db}, nil
}

// Migrate creates the files and chunks tables when absent.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (c *PostgresClient) Close() error {
	return c.DB.Close()
}

func pingDB(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.File, error) {
	var (
		f    models.File
		size sql.NullInt64
	)
	err := row.Scan(&f.FileId, &f.FileName, &f.MimeType, &size, &f.StorageKey, &f.OwnerId,
		&f.Status, &f.TotalChunks, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if size.Valid {
		f.Size = &size.Int64
	}
	return &f, nil
}

type PostgresFileStoreImpl struct {
	db *sql.DB
}

func NewPostgresFileStoreImpl(db *sql.DB) *PostgresFileStoreImpl {
	return &PostgresFileStoreImpl{db: db}
}

func (s *PostgresFileStoreImpl) IsReady(ctx context.Context) error {
	return pingDB(ctx, s.db)
}

func (s *PostgresFileStoreImpl) Name() string {
	return "FileStore[postgres]"
}

func (s *PostgresFileStoreImpl) Create(ctx context.Context, file models.File) error {
	if file.FileId == "" || file.StorageKey == "" {
		return fmt.Errorf("%w: file id and storage key are required", apperror.ErrInvalidInput)
	}

	const query = `INSERT INTO files (` + fileColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	err := withDbRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, file.FileId, file.FileName, file.MimeType, file.Size,
			file.StorageKey, file.OwnerId, file.Status.String(), file.TotalChunks, file.CreatedAt, file.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: file %s or key %s", apperror.ErrConflict, file.FileId, file.StorageKey)
	}
	if err != nil {
		return storeUnavailable("create file", err)
	}
	return nil
}

func (s *PostgresFileStoreImpl) Get(ctx context.Context, fileId string) (*models.File, error) {
	return s.getOne(ctx, `SELECT `+fileColumns+` FROM files WHERE file_id = $1`, fileId)
}

func (s *PostgresFileStoreImpl) GetByStorageKey(ctx context.Context, storageKey string) (*models.File, error) {
	return s.getOne(ctx, `SELECT `+fileColumns+` FROM files WHERE storage_key = $1`, storageKey)
}

func (s *PostgresFileStoreImpl) getOne(ctx context.Context, query string, arg string) (*models.File, error) {
	var file *models.File
	err := withDbRetry(ctx, func() error {
		var err error
		file, err = scanFile(s.db.QueryRowContext(ctx, query, arg))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrFileNotFound
	}
	if err != nil {
		return nil, storeUnavailable("get file", err)
	}
	return file, nil
}

func (s *PostgresFileStoreImpl) UpdateStatus(ctx context.Context, fileId string, status models.FileStatus) error {
	var affected int64
	err := withDbRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE files SET status = $2, updated_at = $3 WHERE file_id = $1`,
			fileId, status.String(), time.Now().UTC())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storeUnavailable("update file status", err)
	}
	if affected == 0 {
		return apperror.ErrFileNotFound
	}
	return nil
}

func (s *PostgresFileStoreImpl) MarkUploaded(ctx context.Context, storageKey string, size *int64) (*models.File, error) {
	const query = `UPDATE files
		SET status = $2, file_size = COALESCE($3, file_size), updated_at = $4
		WHERE storage_key = $1
		  AND (status <> $2 OR ($3::BIGINT IS NOT NULL AND file_size IS DISTINCT FROM $3::BIGINT))
		RETURNING ` + fileColumns

	var file *models.File
	err := withDbRetry(ctx, func() error {
		var err error
		file, err = scanFile(s.db.QueryRowContext(ctx, query,
			storageKey, models.FileStatusUploaded.String(), size, time.Now().UTC()))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		// unknown key, or already uploaded with the same size
		return s.GetByStorageKey(ctx, storageKey)
	}
	if err != nil {
		return nil, storeUnavailable("mark uploaded", err)
	}
	return file, nil
}

func (s *PostgresFileStoreImpl) Delete(ctx context.Context, fileId string) error {
	err := withDbRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = $1`, fileId)
		return err
	})
	if err != nil {
		return storeUnavailable("delete file", err)
	}
	return nil
}

func (s *PostgresFileStoreImpl) ListByOwner(ctx context.Context, ownerId string) ([]models.File, error) {
	return s.list(ctx, `SELECT `+fileColumns+` FROM files WHERE owner_id = $1 ORDER BY created_at DESC`, ownerId)
}

func (s *PostgresFileStoreImpl) ListStale(ctx context.Context, status models.FileStatus, createdBefore time.Time) ([]models.File, error) {
	return s.list(ctx, `SELECT `+fileColumns+` FROM files WHERE status = $1 AND created_at < $2`,
		status.String(), createdBefore.UTC())
}

func (s *PostgresFileStoreImpl) list(ctx context.Context, query string, args ...any) ([]models.File, error) {
	var files []models.File
	err := withDbRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		files = []models.File{}
		for rows.Next() {
			f, err := scanFile(rows)
			if err != nil {
				return err
			}
			files = append(files, *f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeUnavailable("list files", err)
	}
	return files, nil
}

type PostgresChunkStoreImpl struct {
	db *sql.DB
}

func NewPostgresChunkStoreImpl(db *sql.DB) *PostgresChunkStoreImpl {
	return &PostgresChunkStoreImpl{db: db}
}

func (s *PostgresChunkStoreImpl) IsReady(ctx context.Context) error {
	return pingDB(ctx, s.db)
}

func (s *PostgresChunkStoreImpl) Name() string {
	return "ChunkStore[postgres]"
}

func (s *PostgresChunkStoreImpl) Create(ctx context.Context, chunk models.Chunk) error {
	const query = `INSERT INTO chunks (file_id, chunk_index, chunk_size, checksum, storage_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	err := withDbRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, chunk.FileId, chunk.ChunkIndex, chunk.Size, chunk.Checksum,
			chunk.StorageKey, string(chunk.Status), chunk.CreatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: file %s chunk %d", apperror.ErrDuplicateChunk, chunk.FileId, chunk.ChunkIndex)
	}
	if err != nil {
		return storeUnavailable("create chunk", err)
	}
	return nil
}

func (s *PostgresChunkStoreImpl) ListByFile(ctx context.Context, fileId string) ([]models.Chunk, error) {
	const query = `SELECT file_id, chunk_index, chunk_size, checksum, storage_key, status, created_at
		FROM chunks WHERE file_id = $1 ORDER BY chunk_index`

	var chunks []models.Chunk
	err := withDbRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, fileId)
		if err != nil {
			return err
		}
		defer rows.Close()

		chunks = nil
		for rows.Next() {
			var c models.Chunk
			if err := rows.Scan(&c.FileId, &c.ChunkIndex, &c.Size, &c.Checksum, &c.StorageKey, &c.Status, &c.CreatedAt); err != nil {
				return err
			}
			chunks = append(chunks, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeUnavailable("list chunks", err)
	}
	return chunks, nil
}

func (s *PostgresChunkStoreImpl) CountByFile(ctx context.Context, fileId string) (int, error) {
	var n int
	err := withDbRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE file_id = $1`, fileId).Scan(&n)
	})
	if err != nil {
		return 0, storeUnavailable("count chunks", err)
	}
	return n, nil
}

func (s *PostgresChunkStoreImpl) MarkFailed(ctx context.Context, fileId string) error {
	return s.exec(ctx, "mark chunks failed",
		`UPDATE chunks SET status = $2 WHERE file_id = $1`, fileId, string(models.ChunkStatusFailed))
}

func (s *PostgresChunkStoreImpl) DeleteByFile(ctx context.Context, fileId string) error {
	return s.exec(ctx, "delete chunks", `DELETE FROM chunks WHERE file_id = $1`, fileId)
}

func (s *PostgresChunkStoreImpl) exec(ctx context.Context, op, query string, args ...any) error {
	err := withDbRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return storeUnavailable(op, err)
	}
	return nil
}
