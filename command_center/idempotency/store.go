// Package idempotency caches operator-command responses so retried commands
// (at-least-once delivery from the presentation layer) produce no duplicate
// state changes.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "aegis:idem:"
	ttl       = 1 * time.Hour
)

// Response is a cached HTTP response for a repeated idempotency key.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// Store caches responses in Redis when available, falling back to process
// memory otherwise.
type Store struct {
	client *redis.Client
	cache  sync.Map
}

// NewStore creates an idempotency store. A nil client means memory-only.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.client != nil {
		data, err := s.client.Get(ctx, keyPrefix+key).Result()
		if err == nil {
			var resp Response
			if err := json.Unmarshal([]byte(data), &resp); err == nil {
				return resp, true
			}
		} else if err != redis.Nil {
			log.Printf("idempotency: redis get: %v", err)
		}
		// Fall through to memory on Redis trouble.
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	if s.client != nil {
		data, err := json.Marshal(resp)
		if err == nil {
			if err := s.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
				log.Printf("idempotency: redis set: %v", err)
			}
		}
	}
	s.cache.Store(key, entry{resp: resp, timestamp: time.Now()})
}
