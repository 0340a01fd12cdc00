package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "upload:session:"

// SessionStore maps an upload id to the binding needed to resume it from any instance.
type SessionStore interface {
	CreateSession(ctx context.Context, uploadID string, binding models.SessionBinding, ttl time.Duration) error
	GetSession(ctx context.Context, uploadID string) (*models.SessionBinding, error)
	Delete(ctx context.Context, uploadID string) error

	health.ReadinessCheck
}

type RedisSessionStoreImpl struct {
	client *redis.Client
}

func NewRedisSessionStoreImpl(client *redis.Client) *RedisSessionStoreImpl {
	return &RedisSessionStoreImpl{
		client: client,
	}
}

func (s *RedisSessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return s.client.Ping(ctx).Err()
}

func (s *RedisSessionStoreImpl) Name() string {
	return "SessionStore[redis]"
}

func (s *RedisSessionStoreImpl) CreateSession(ctx context.Context, uploadID string, binding models.SessionBinding, ttl time.Duration) error {
	if uploadID == "" {
		return fmt.Errorf("%w: upload id cannot be empty", apperror.ErrInvalidInput)
	}

	payload, err := json.Marshal(binding)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, sessionKey(uploadID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: store session %s: %w", apperror.ErrStoreUnavailable, uploadID, err)
	}
	return nil
}

func (s *RedisSessionStoreImpl) GetSession(ctx context.Context, uploadID string) (*models.SessionBinding, error) {
	raw, err := s.client.Get(ctx, sessionKey(uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read session %s: %w", apperror.ErrStoreUnavailable, uploadID, err)
	}

	var binding models.SessionBinding
	if err := json.Unmarshal(raw, &binding); err != nil {
		return nil, fmt.Errorf("corrupt session binding %s: %w", uploadID, err)
	}
	return &binding, nil
}

// Delete is a no-op for unknown ids.
func (s *RedisSessionStoreImpl) Delete(ctx context.Context, uploadID string) error {
	if err := s.client.Del(ctx, sessionKey(uploadID)).Err(); err != nil {
		return fmt.Errorf("%w: delete session %s: %w", apperror.ErrStoreUnavailable, uploadID, err)
	}
	return nil
}

func (s *RedisSessionStoreImpl) Shutdown(context.Context) error {
	return s.client.Close()
}

func sessionKey(uploadID string) string {
	return sessionKeyPrefix + uploadID
}
