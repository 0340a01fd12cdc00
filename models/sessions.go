package models

import "time"

// SessionBinding is everything an instance needs to keep serving a multipart
// upload it did not initiate. Lives only in the session cache.
type SessionBinding struct {
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	FileId     string    `json:"file_id"`
	TotalParts int32     `json:"total_parts"`
	CreatedAt  time.Time `json:"created_at"`
}

type CompletedPart struct {
	PartNumber int32  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

type StartUploadRequest struct {
	FileId     string
	FileName   string
	MimeType   string
	FileSize   int64
	OwnerId    string
	StorageKey string
}

type StartUploadResponse struct {
	UploadId      string   `json:"uploadId"`
	FileId        string   `json:"fileId"`
	PresignedUrls []string `json:"presignedUrls"`
}

type RecordChunkRequest struct {
	FileId     string
	ChunkIndex int32
	Size       int64
	ETag       string
	StorageKey string
	OwnerId    string
}

type CompleteUploadRequest struct {
	UploadId string
	FileId   string
	OwnerId  string
	Parts    []CompletedPart
}
