package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	CreateMultipartUploadFunc   func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUploadFunc func(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploadsFunc    func(context.Context, *s3.ListMultipartUploadsInput, ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	HeadBucketFunc              func(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObjectFunc              func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if m.CreateMultipartUploadFunc != nil {
		return m.CreateMultipartUploadFunc(ctx, in, opts...)
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, in, opts...)
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, in, opts...)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *mockS3Client) ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, opts ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	if m.ListMultipartUploadsFunc != nil {
		return m.ListMultipartUploadsFunc(ctx, in, opts...)
	}
	return &s3.ListMultipartUploadsOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.HeadBucketFunc != nil {
		return m.HeadBucketFunc(ctx, in, opts...)
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.HeadObjectFunc != nil {
		return m.HeadObjectFunc(ctx, in, opts...)
	}
	return &s3.HeadObjectOutput{}, nil
}

type mockPresigner struct {
	PresignUploadPartFunc func(context.Context, *s3.UploadPartInput, ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

func (m *mockPresigner) PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.PresignUploadPartFunc != nil {
		return m.PresignUploadPartFunc(ctx, in, opts...)
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://s3.test/%s/%s?partNumber=%d&uploadId=%s", *in.Bucket, *in.Key, *in.PartNumber, *in.UploadId),
		Method: "PUT",
	}, nil
}

func (m *mockPresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	o := s3.PresignOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://s3.test/%s/%s?expires=%s", *in.Bucket, *in.Key, o.Expires),
		Method: "GET",
	}, nil
}

func newTestStorage(client *mockS3Client) *S3FileStorageImpl {
	return NewS3FileStorageWithAPI(client, &mockPresigner{}, "uploads-bucket", time.Hour, logger.NewNopLogger())
}

func TestMultipart_InitiateReturnsUploadID(t *testing.T) {
	var got *s3.CreateMultipartUploadInput
	client := &mockS3Client{
		CreateMultipartUploadFunc: func(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			got = in
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("abc")}, nil
		},
	}

	mp := newTestStorage(client).Multipart("", "users/u1/video.mp4")
	id, err := mp.Initiate(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "uploads-bucket", *got.Bucket)
	assert.Equal(t, "users/u1/video.mp4", *got.Key)
	assert.Equal(t, "application/octet-stream", *got.ContentType)
}

func TestMultipart_InitiateFailureIsStorageUnavailable(t *testing.T) {
	client := &mockS3Client{
		CreateMultipartUploadFunc: func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			return nil, errors.New("connection refused")
		},
	}

	_, err := newTestStorage(client).Multipart("b", "k").Initiate(context.Background(), "video/mp4")

	assert.ErrorIs(t, err, apperror.ErrStorageUnavailable)
}

func TestMultipart_PartUploadURL(t *testing.T) {
	mp := newTestStorage(&mockS3Client{}).Multipart("b", "k")

	url, err := mp.PartUploadURL(context.Background(), 3, "up")
	require.NoError(t, err)
	assert.Equal(t, "https://s3.test/b/k?partNumber=3&uploadId=up", url)

	again, err := mp.PartUploadURL(context.Background(), 3, "up")
	require.NoError(t, err)
	assert.Equal(t, url, again)

	_, err = mp.PartUploadURL(context.Background(), 0, "up")
	assert.ErrorIs(t, err, apperror.ErrInvalidPartNumber)

	_, err = mp.PartUploadURL(context.Background(), 1, "")
	assert.ErrorIs(t, err, apperror.ErrUploadNotInitiated)
}

func TestMultipart_CompleteSortsParts(t *testing.T) {
	var got []types.CompletedPart
	client := &mockS3Client{
		CompleteMultipartUploadFunc: func(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
			got = in.MultipartUpload.Parts
			return &s3.CompleteMultipartUploadOutput{}, nil
		},
	}

	err := newTestStorage(client).Multipart("b", "k").Complete(context.Background(), "up", []models.CompletedPart{
		{PartNumber: 3, ETag: "c"},
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 2, ETag: "b"},
	})

	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, int32(i+1), *p.PartNumber)
	}
	assert.Equal(t, "a", *got[0].ETag)
}

func TestMultipart_CompleteErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid part", &smithy.GenericAPIError{Code: "InvalidPart"}, apperror.ErrETagMismatch},
		{"invalid order", &smithy.GenericAPIError{Code: "InvalidPartOrder"}, apperror.ErrETagMismatch},
		{"no such upload", &types.NoSuchUpload{}, apperror.ErrUploadNotInitiated},
		{"transient", errors.New("timeout"), apperror.ErrStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockS3Client{
				CompleteMultipartUploadFunc: func(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
					return nil, tt.err
				},
			}

			err := newTestStorage(client).Multipart("b", "k").Complete(context.Background(), "up", []models.CompletedPart{{PartNumber: 1, ETag: "x"}})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMultipart_CompleteWithoutPartsFails(t *testing.T) {
	err := newTestStorage(&mockS3Client{}).Multipart("b", "k").Complete(context.Background(), "up", nil)
	assert.ErrorIs(t, err, apperror.ErrETagMismatch)
}

func TestMultipart_AbortIsIdempotent(t *testing.T) {
	client := &mockS3Client{
		AbortMultipartUploadFunc: func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
			return nil, &types.NoSuchUpload{}
		},
	}
	mp := newTestStorage(client).Multipart("b", "k")

	assert.NoError(t, mp.Abort(context.Background(), "gone"))
	assert.NoError(t, mp.Abort(context.Background(), ""))
}

func TestMultipart_AbortSurfacesOtherErrors(t *testing.T) {
	client := &mockS3Client{
		AbortMultipartUploadFunc: func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "AccessDenied"}
		},
	}

	err := newTestStorage(client).Multipart("b", "k").Abort(context.Background(), "up")
	assert.ErrorIs(t, err, apperror.ErrStorageUnavailable)
}

func TestAbortStaleMultipartUploads(t *testing.T) {
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	fresh := now.Add(-time.Minute)

	calls := 0
	var aborted []string
	client := &mockS3Client{
		ListMultipartUploadsFunc: func(_ context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
			calls++
			if calls == 1 {
				assert.Nil(t, in.KeyMarker)
				return &s3.ListMultipartUploadsOutput{
					Uploads: []types.MultipartUpload{
						{Key: aws.String("a"), UploadId: aws.String("1"), Initiated: &old},
						{Key: aws.String("b"), UploadId: aws.String("2"), Initiated: &fresh},
					},
					IsTruncated:        aws.Bool(true),
					NextKeyMarker:      aws.String("b"),
					NextUploadIdMarker: aws.String("2"),
				}, nil
			}
			assert.Equal(t, "b", *in.KeyMarker)
			return &s3.ListMultipartUploadsOutput{
				Uploads: []types.MultipartUpload{
					{Key: aws.String("c"), UploadId: aws.String("3"), Initiated: &old},
				},
			}, nil
		},
		AbortMultipartUploadFunc: func(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
			aborted = append(aborted, *in.UploadId)
			return &s3.AbortMultipartUploadOutput{}, nil
		},
	}

	n, err := newTestStorage(client).AbortStaleMultipartUploads(context.Background(), now.Add(-24*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1", "3"}, aborted)
}

func TestGenerateDownloadUrl(t *testing.T) {
	url, err := newTestStorage(&mockS3Client{}).GenerateDownloadUrl(context.Background(), "k", 15*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, "https://s3.test/uploads-bucket/k?expires=15m0s", url)
}

func TestObjectExists(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		exists  bool
		wantErr error
	}{
		{"present", nil, true, nil},
		{"not found", &smithy.GenericAPIError{Code: "NotFound"}, false, nil},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, false, nil},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false, apperror.ErrStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey string
			client := &mockS3Client{
				HeadObjectFunc: func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
					assert.Equal(t, "uploads-bucket", *in.Bucket)
					gotKey = *in.Key
					if tt.err != nil {
						return nil, tt.err
					}
					return &s3.HeadObjectOutput{}, nil
				},
			}

			exists, err := newTestStorage(client).ObjectExists(context.Background(), "users/u1/f1/a.bin")

			assert.Equal(t, "users/u1/f1/a.bin", gotKey)
			assert.Equal(t, tt.exists, exists)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
