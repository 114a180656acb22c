package stream

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCursorKey = "chatsafe/seq"

// CursorStore persists the last-processed stream sequence number so a
// restart resumes after it instead of replaying (duplicate ledger records)
// or skipping ahead (missed messages).
type CursorStore interface {
	ReadCursor(ctx context.Context) (int64, error)
	PersistCursor(ctx context.Context, seq int64) error
}

type MemCursorStore struct {
	mu  sync.Mutex
	seq int64
}

func NewMemCursorStore() *MemCursorStore {
	return &MemCursorStore{}
}

func (s *MemCursorStore) ReadCursor(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

func (s *MemCursorStore) PersistCursor(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = seq
	return nil
}

type RedisCursorStore struct {
	Client *redis.Client
}

func NewRedisCursorStore(redisURL string) (*RedisCursorStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisCursorStore{Client: rdb}, nil
}

func (s *RedisCursorStore) ReadCursor(ctx context.Context) (int64, error) {
	val, err := s.Client.Get(ctx, redisCursorKey).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return val, nil
}

func (s *RedisCursorStore) PersistCursor(ctx context.Context, seq int64) error {
	return s.Client.Set(ctx, redisCursorKey, seq, 14*24*time.Hour).Err()
}
