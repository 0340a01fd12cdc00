package models

import "time"

type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "PENDING"
	ChunkStatusCompleted ChunkStatus = "COMPLETED"
	ChunkStatusFailed    ChunkStatus = "FAILED"
)

// Chunk records one uploaded multipart part. (FileId, ChunkIndex) is unique.
type Chunk struct {
	FileId     string      `dynamodbav:"file_id" json:"file_id"`
	ChunkIndex int32       `dynamodbav:"chunk_index" json:"chunk_index"` // 1-based, equals the part number
	Size       int64       `dynamodbav:"chunk_size" json:"size"`
	Checksum   string      `dynamodbav:"checksum" json:"checksum"` // ETag returned by storage
	StorageKey string      `dynamodbav:"storage_key" json:"storage_key"`
	Status     ChunkStatus `dynamodbav:"status" json:"status"`
	CreatedAt  time.Time   `dynamodbav:"created_at,unixtime" json:"created_at"`
}
