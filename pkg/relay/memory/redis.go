package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "voicebridge:conversation"

// RedisArchive stores each conversation as a Redis list of JSON entries,
// one list per session, with an optional TTL.
type RedisArchive struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisArchive(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisArchive {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisArchive{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (a *RedisArchive) key(sessionID string) string {
	return a.keyPrefix + ":" + sessionID
}

func (a *RedisArchive) Store(ctx context.Context, sessionID string, entries []Entry) error {
	if a == nil || a.client == nil || len(entries) == 0 {
		return nil
	}

	values := make([]any, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode conversation entry: %w", err)
		}
		values = append(values, data)
	}

	key := a.key(sessionID)
	_, err := a.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if a.ttl > 0 {
			pipe.Expire(ctx, key, a.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive conversation %s: %w", sessionID, err)
	}
	return nil
}

// Load reads an archived conversation back, mainly for inspection tooling.
func (a *RedisArchive) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	if a == nil || a.client == nil {
		return nil, nil
	}
	raw, err := a.client.LRange(ctx, a.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", sessionID, err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode conversation entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
