package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL  = "redis://localhost:6379"
	defaultKeyPrefix = "autoflow:rec"
	maxUpdateRetries = 5
)

// RedisStore keeps each record as a JSON document under
// <prefix>:<entity_type>:<id>. Updates use WATCH so a concurrent writer
// forces a retry instead of a lost merge.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url and pings it.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: defaultKeyPrefix}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(entityType, id string) string {
	return s.prefix + ":" + entityType + ":" + id
}

// Get returns the record.
func (s *RedisStore) Get(ctx context.Context, entityType, id string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, s.key(entityType, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(entityType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", entityType, id, err)
	}
	return decodeRecord(raw)
}

// Update merges patch into the record under an optimistic lock.
func (s *RedisStore) Update(ctx context.Context, entityType, id string, patch map[string]any) (map[string]any, error) {
	key := s.key(entityType, id)
	var merged map[string]any

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(entityType, id)
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		for k, v := range patch {
			rec[k] = v
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			merged, err = decodeRecord(out)
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("update %s/%s: %w", entityType, id, err)
		}
		return merged, nil
	}
	return nil, fmt.Errorf("update %s/%s: too much contention", entityType, id)
}

// Create stores a new record. An "id" field is honoured, otherwise one is
// generated. An existing record with the same id is an error.
func (s *RedisStore) Create(ctx context.Context, entityType string, fields map[string]any) (string, error) {
	rec, err := cloneFields(fields)
	if err != nil {
		return "", err
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(entityType, id), out, 0).Result()
	if err != nil {
		return "", fmt.Errorf("create %s: %w", entityType, err)
	}
	if !ok {
		return "", fmt.Errorf("create %s/%s: already exists", entityType, id)
	}
	return id, nil
}

// Put replaces a record wholesale. Used for seeding.
func (s *RedisStore) Put(ctx context.Context, entityType, id string, fields map[string]any) error {
	rec, err := cloneFields(fields)
	if err != nil {
		return err
	}
	rec["id"] = id
	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.client.Set(ctx, s.key(entityType, id), out, 0).Err()
}

func decodeRecord(raw []byte) (map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec == nil {
		rec = map[string]any{}
	}
	return rec, nil
}
