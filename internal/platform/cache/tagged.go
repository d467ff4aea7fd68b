package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaggedStore caches opaque payloads in Redis under structured keys, with
// tag-based invalidation. Every tag owns a version counter; an entry records
// the sum of its tags' versions at write time and reads treat the entry as a
// miss once any of its tags has been invalidated. Entries written with a
// bounded max age additionally expire on their own.
type TaggedStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTaggedStore builds a store writing keys under the given prefix with the
// given default TTL. A zero TTL keeps entries until tag invalidation evicts
// them logically.
func NewTaggedStore(client *redis.Client, prefix string, ttl time.Duration) *TaggedStore {
	return &TaggedStore{client: client, prefix: prefix, ttl: ttl}
}

type taggedEntry struct {
	Payload  json.RawMessage `json:"payload"`
	Tags     []string        `json:"tags,omitempty"`
	Checksum int64           `json:"checksum"`
}

// Get returns the payload stored under key, reporting a miss when the key is
// absent or any of the entry's tags has been invalidated since the write.
func (s *TaggedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("platform/cache: get %s: %w", key, err)
	}
	var entry taggedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("platform/cache: decode %s: %w", key, err)
	}
	checksum, err := s.TagChecksum(ctx, entry.Tags)
	if err != nil {
		return nil, false, err
	}
	if checksum != entry.Checksum {
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

// Set stores the payload under key with the given tags. An entry with max age
// zero is uncacheable and not stored; a bounded max age caps the TTL.
func (s *TaggedStore) Set(ctx context.Context, key string, payload []byte, tags []string, maxAge int) error {
	if maxAge == 0 {
		return nil
	}
	checksum, err := s.TagChecksum(ctx, tags)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(taggedEntry{Payload: payload, Tags: tags, Checksum: checksum})
	if err != nil {
		return fmt.Errorf("platform/cache: encode %s: %w", key, err)
	}
	ttl := s.ttl
	if maxAge > 0 {
		bounded := time.Duration(maxAge) * time.Second
		if ttl == 0 || bounded < ttl {
			ttl = bounded
		}
	}
	if err := s.client.Set(ctx, s.entryKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: set %s: %w", key, err)
	}
	return nil
}

// InvalidateTags bumps the version of every given tag, logically evicting all
// entries written under any of them.
func (s *TaggedStore) InvalidateTags(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, tag := range tags {
		pipe.Incr(ctx, s.tagKey(tag))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("platform/cache: invalidate tags: %w", err)
	}
	return nil
}

// TagChecksum returns the sum of the given tags' version counters. Callers
// holding entries outside this store compare it against the checksum recorded
// at write time to detect invalidation.
func (s *TaggedStore) TagChecksum(ctx context.Context, tags []string) (int64, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	keys := make([]string, len(tags))
	for i, tag := range tags {
		keys[i] = s.tagKey(tag)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("platform/cache: tag versions: %w", err)
	}
	var sum int64
	for _, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		sum += version
	}
	return sum, nil
}

func (s *TaggedStore) entryKey(key string) string {
	return s.prefix + ":entry:" + key
}

func (s *TaggedStore) tagKey(tag string) string {
	return s.prefix + ":tag:" + tag
}
