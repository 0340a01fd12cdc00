package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/health"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client the storage gateway needs.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var _ Presigner = (*s3.PresignClient)(nil)

// MultipartUpload drives one multipart upload lifecycle against a fixed bucket and key.
type MultipartUpload interface {
	Bucket() string
	Key() string

	Initiate(ctx context.Context, contentType string) (string, error)
	PartUploadURL(ctx context.Context, partNumber int32, uploadID string) (string, error)
	Complete(ctx context.Context, uploadID string, parts []models.CompletedPart) error
	Abort(ctx context.Context, uploadID string) error
}

type FileStorage interface {
	Bucket() string
	Multipart(bucket, key string) MultipartUpload
	GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
	AbortStaleMultipartUploads(ctx context.Context, initiatedBefore time.Time) (int, error)

	health.ReadinessCheck
}

type S3FileStorageImpl struct {
	client     S3API
	presigner  Presigner
	bucketName string
	presignTTL time.Duration

	logger logger.Logger
}

func NewS3FileStorageImpl(client *s3.Client, bucketName string, presignTTL time.Duration, l logger.Logger) *S3FileStorageImpl {
	return NewS3FileStorageWithAPI(client, s3.NewPresignClient(client), bucketName, presignTTL, l)
}

func NewS3FileStorageWithAPI(client S3API, presigner Presigner, bucketName string, presignTTL time.Duration, l logger.Logger) *S3FileStorageImpl {
	return &S3FileStorageImpl{
		client:     client,
		presigner:  presigner,
		bucketName: bucketName,
		presignTTL: presignTTL,
		logger:     l,
	}
}

func (s *S3FileStorageImpl) Bucket() string {
	return s.bucketName
}

func (s *S3FileStorageImpl) Name() string {
	return "FileStorage[s3:" + s.bucketName + "]"
}

func (s *S3FileStorageImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err
}

func (s *S3FileStorageImpl) Multipart(bucket, key string) MultipartUpload {
	if bucket == "" {
		bucket = s.bucketName
	}
	return &s3MultipartUpload{storage: s, bucket: bucket, key: key}
}

func (s *S3FileStorageImpl) GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigned, err := s.presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("%w: presign get %s: %w", apperror.ErrStorageUnavailable, key, err)
	}

	return presigned.URL, nil
}

// ObjectExists reports whether key is a finished object in the bucket.
func (s *S3FileStorageImpl) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	switch apiErrorCode(err) {
	case "NotFound", "NoSuchKey":
		return false, nil
	}
	return false, fmt.Errorf("%w: head object %s: %w", apperror.ErrStorageUnavailable, key, err)
}

// AbortStaleMultipartUploads aborts every in-progress multipart upload in the
// bucket initiated before the cutoff and reports how many were aborted.
func (s *S3FileStorageImpl) AbortStaleMultipartUploads(ctx context.Context, initiatedBefore time.Time) (int, error) {
	s.logger.Info("aborting stale multipart uploads", "bucket", s.bucketName, "initiated_before", initiatedBefore)

	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucketName),
	}

	abortedCount := 0
	for {
		select {
		case <-ctx.Done():
			return abortedCount, ctx.Err()
		default:
		}

		out, err := s.client.ListMultipartUploads(ctx, input)
		if err != nil {
			s.logger.Error("failed to list multipart uploads", "bucket", s.bucketName, "error", err)
			return abortedCount, fmt.Errorf("%w: list multipart uploads: %w", apperror.ErrStorageUnavailable, err)
		}

		for _, upload := range out.Uploads {
			if upload.Initiated == nil || !upload.Initiated.Before(initiatedBefore) {
				continue
			}

			s.logger.Debug("aborting multipart upload", "upload_id", aws.ToString(upload.UploadId), "key", aws.ToString(upload.Key))

			err := s.Multipart(s.bucketName, aws.ToString(upload.Key)).Abort(ctx, aws.ToString(upload.UploadId))
			if err != nil {
				s.logger.Error("failed to abort multipart upload", "upload_id", aws.ToString(upload.UploadId), "key", aws.ToString(upload.Key), "error", err)
				// Continue with other uploads
				continue
			}
			abortedCount++
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}

	s.logger.Info("aborted stale multipart uploads", "bucket", s.bucketName, "aborted_count", abortedCount)
	return abortedCount, nil
}

type s3MultipartUpload struct {
	storage *S3FileStorageImpl
	bucket  string
	key     string
}

func (u *s3MultipartUpload) Bucket() string { return u.bucket }
func (u *s3MultipartUpload) Key() string    { return u.key }

func (u *s3MultipartUpload) Initiate(ctx context.Context, contentType string) (string, error) {
	if u.key == "" {
		return "", fmt.Errorf("%w: storage key cannot be empty", apperror.ErrInvalidInput)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	out, err := u.storage.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(u.key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		u.storage.logger.Error("failed to create multipart upload", "bucket", u.bucket, "key", u.key, "error", err)
		return "", fmt.Errorf("%w: create multipart upload %s/%s: %w", apperror.ErrStorageUnavailable, u.bucket, u.key, err)
	}

	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return "", fmt.Errorf("%w: create multipart upload %s/%s returned no upload id", apperror.ErrStorageUnavailable, u.bucket, u.key)
	}

	u.storage.logger.Debug("created multipart upload", "upload_id", uploadID, "key", u.key)
	return uploadID, nil
}

func (u *s3MultipartUpload) PartUploadURL(ctx context.Context, partNumber int32, uploadID string) (string, error) {
	if partNumber < 1 {
		return "", apperror.ErrInvalidPartNumber
	}
	if uploadID == "" {
		return "", apperror.ErrUploadNotInitiated
	}

	presigned, err := u.storage.presigner.PresignUploadPart(
		ctx,
		&s3.UploadPartInput{
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(u.key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
		},
		s3.WithPresignExpires(u.storage.presignTTL),
	)
	if err != nil {
		return "", fmt.Errorf("%w: presign part %d: %w", apperror.ErrStorageUnavailable, partNumber, err)
	}
	if presigned == nil || presigned.URL == "" {
		return "", fmt.Errorf("%w: presign part %d returned no url", apperror.ErrStorageUnavailable, partNumber)
	}

	return presigned.URL, nil
}

func (u *s3MultipartUpload) Complete(ctx context.Context, uploadID string, parts []models.CompletedPart) error {
	if uploadID == "" {
		return apperror.ErrUploadNotInitiated
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts supplied", apperror.ErrETagMismatch)
	}

	sorted := make([]models.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completedParts := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completedParts = append(completedParts, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err := u.storage.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err == nil {
		u.storage.logger.Info("successfully completed multipart upload", "upload_id", uploadID, "key", u.key, "parts", len(completedParts))
		return nil
	}

	u.storage.logger.Error("failed to complete multipart upload", "upload_id", uploadID, "key", u.key, "error", err)

	switch apiErrorCode(err) {
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "BadDigest":
		return fmt.Errorf("%w: %w", apperror.ErrETagMismatch, err)
	case "NoSuchUpload":
		return fmt.Errorf("%w: %w", apperror.ErrUploadNotInitiated, err)
	default:
		return fmt.Errorf("%w: complete multipart upload %s: %w", apperror.ErrStorageUnavailable, uploadID, err)
	}
}

func (u *s3MultipartUpload) Abort(ctx context.Context, uploadID string) error {
	if uploadID == "" {
		return nil
	}

	_, err := u.storage.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(uploadID),
	})
	if err == nil {
		u.storage.logger.Info("aborted multipart upload", "upload_id", uploadID, "key", u.key)
		return nil
	}

	switch apiErrorCode(err) {
	case "NoSuchUpload", "NotFound", "NoSuchKey":
		u.storage.logger.Debug("multipart upload already gone", "upload_id", uploadID, "key", u.key)
		return nil
	}
	return fmt.Errorf("%w: abort multipart upload %s: %w", apperror.ErrStorageUnavailable, uploadID, err)
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
