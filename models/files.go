package models

import (
	"fmt"
	"strings"
	"time"
)

type FileStatus string

const (
	FileStatusPending   FileStatus = "PENDING"
	FileStatusUploading FileStatus = "UPLOADING"
	FileStatusUploaded  FileStatus = "UPLOADED"
	FileStatusFailed    FileStatus = "FAILED"
)

func ParseFileStatus(s string) (FileStatus, error) {
	switch st := FileStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case FileStatusPending, FileStatusUploading, FileStatusUploaded, FileStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown file status %q", s)
	}
}

func (s FileStatus) String() string {
	return string(s)
}

func (s FileStatus) IsTerminal() bool {
	return s == FileStatusUploaded || s == FileStatusFailed
}

// File is the durable record of an uploaded (or uploading) object.
type File struct {
	FileId      string     `dynamodbav:"file_id" json:"file_id"`           // Client or server generated identifier
	FileName    string     `dynamodbav:"file_name" json:"file_name"`       // Original file name
	MimeType    string     `dynamodbav:"mime_type" json:"mime_type"`       // Declared content type
	Size        *int64     `dynamodbav:"file_size,omitempty" json:"size"`  // Size in bytes, nil until known
	StorageKey  string     `dynamodbav:"storage_key" json:"storage_key"`   // Destination object key, unique
	OwnerId     string     `dynamodbav:"owner_id" json:"owner_id"`         // Owning user
	Status      FileStatus `dynamodbav:"status" json:"status"`             // Lifecycle status
	TotalChunks uint32     `dynamodbav:"total_chunks" json:"total_chunks"` // Number of multipart parts
	CreatedAt   time.Time  `dynamodbav:"created_at,unixtime" json:"created_at"`
	UpdatedAt   time.Time  `dynamodbav:"updated_at,unixtime" json:"updated_at"`
}

type FilesResponse struct {
	Files []File `json:"files"`
}

type UploadStatusResponse struct {
	FileId         string     `json:"file_id"`
	Status         FileStatus `json:"status"`
	UploadedChunks int        `json:"uploaded_chunks"`
	TotalChunks    uint32     `json:"total_chunks"`
	Progress       uint8      `json:"progress"`
}
