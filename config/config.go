package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreBackendDynamoDB = "dynamodb"
	StoreBackendPostgres = "postgres"
)

type AWSConfig struct {
	Region      string
	AccountID   string
	EndpointURL string // localstack and friends
	BucketName  string
}

func (c *AWSConfig) Validate() error {
	var errs []error
	if c.Region == "" {
		errs = append(errs, errors.New("AWS_REGION is required"))
	}
	if c.BucketName == "" {
		errs = append(errs, errors.New("S3_BUCKET is required"))
	}
	return errors.Join(errs...)
}

type DynamoDBConfig struct {
	FilesTableName  string
	ChunksTableName string
}

type PostgresConfig struct {
	DatabaseURL string
}

type RedisConfig struct {
	HOST     string
	Password string
	DB       int
}

type ServiceConfig struct {
	HTTPAddr       string
	HealthGRPCAddr string

	UploadsNotificationsQueueURL  string
	UploadsNotificationsQueueName string
}

// QueueURL prefers the explicit URL and otherwise derives the standard SQS URL.
func (c *ServiceConfig) QueueURL(aws *AWSConfig) string {
	if c.UploadsNotificationsQueueURL != "" {
		return c.UploadsNotificationsQueueURL
	}
	if c.UploadsNotificationsQueueName == "" || aws == nil || aws.AccountID == "" {
		return ""
	}
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", aws.Region, aws.AccountID, c.UploadsNotificationsQueueName)
}

type UploadConfig struct {
	MaxFileSize        int64
	ChunkSize          int64
	SessionTTL         time.Duration
	PresignTTL         time.Duration
	DownloadURLTTL     time.Duration
	PresignConcurrency int
	SweepSchedule      string
}

type AuthConfig struct {
	JWTPublicKey string // PEM, RS256
}

type Config struct {
	Env          string
	StoreBackend string

	Tracing     bool
	TracingAddr string

	AWSConfig      *AWSConfig
	DynamoDBConfig *DynamoDBConfig
	PostgresConfig *PostgresConfig
	RedisConfig    *RedisConfig
	ServiceConfig  *ServiceConfig
	UploadConfig   *UploadConfig
	AuthConfig     *AuthConfig
}

func LoadConfig() Config {
	return Config{
		Env:          getEnv("ENV", "dev"),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreBackendDynamoDB)),
		Tracing:      getBool("TRACING", false),
		TracingAddr:  getEnv("TRACING_ADDR", "localhost:4317"),

		AWSConfig: &AWSConfig{
			Region:      os.Getenv("AWS_REGION"),
			AccountID:   os.Getenv("AWS_ACCOUNT_ID"),
			EndpointURL: os.Getenv("AWS_ENDPOINT_URL"),
			BucketName:  os.Getenv("S3_BUCKET"),
		},
		DynamoDBConfig: &DynamoDBConfig{
			FilesTableName:  getEnv("DYNAMODB_FILES_TABLE", "files"),
			ChunksTableName: getEnv("DYNAMODB_CHUNKS_TABLE", "chunks"),
		},
		PostgresConfig: &PostgresConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		RedisConfig: &RedisConfig{
			HOST:     getEnv("REDIS_HOST", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		ServiceConfig: &ServiceConfig{
			HTTPAddr:                      getEnv("HTTP_ADDR", ":8080"),
			HealthGRPCAddr:                getEnv("HEALTH_GRPC_ADDR", ":50051"),
			UploadsNotificationsQueueURL:  os.Getenv("SQS_QUEUE_URL"),
			UploadsNotificationsQueueName: os.Getenv("UPLOADS_NOTIFICATIONS_QUEUE_NAME"),
		},
		UploadConfig: &UploadConfig{
			MaxFileSize:        getInt64("MAX_FILE_SIZE", 1<<30),
			ChunkSize:          getInt64("CHUNK_SIZE", 5<<20),
			SessionTTL:         getDuration("SESSION_TTL", 24*time.Hour),
			PresignTTL:         getDuration("PRESIGN_TTL", time.Hour),
			DownloadURLTTL:     getDuration("DOWNLOAD_URL_TTL", 15*time.Minute),
			PresignConcurrency: getInt("PRESIGN_CONCURRENCY", 8),
			SweepSchedule:      getEnv("SWEEP_SCHEDULE", "@every 30m"),
		},
		AuthConfig: &AuthConfig{
			JWTPublicKey: os.Getenv("JWT_PUBLIC_KEY"),
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if err := c.AWSConfig.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.StoreBackend {
	case StoreBackendDynamoDB:
	case StoreBackendPostgres:
		if c.PostgresConfig.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	u := c.UploadConfig
	if u.ChunkSize <= 0 || u.MaxFileSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE and MAX_FILE_SIZE must be positive"))
	}
	if u.PresignTTL <= 0 || u.SessionTTL <= 0 {
		errs = append(errs, errors.New("PRESIGN_TTL and SESSION_TTL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getInt64(key string, def int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}
