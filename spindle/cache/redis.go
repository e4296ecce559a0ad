package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"tangled.org/spindle/spindle/blob"
)

const (
	entryPrefix   = "spindle:cache:entry:"
	payloadPrefix = "spindle:cache:payload:"
)

// RedisStore keeps entries as hashes and payloads as lz4 compressed
// strings. Prefix restores scan the entry keyspace.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(addr string) (*RedisStore, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		var err error
		opts, err = redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, now: time.Now}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Restore(ctx context.Context, key string, prefixes []string) (Hit, io.ReadCloser, error) {
	hit, err := resolve(ctx, r, key, prefixes)
	if err != nil {
		return Hit{}, nil, err
	}

	data, err := r.client.Get(ctx, payloadPrefix+hit.Entry.Key).Bytes()
	if err == redis.Nil {
		return Hit{}, nil, ErrMiss
	}
	if err != nil {
		return Hit{}, nil, fmt.Errorf("failed to get cache payload: %w", err)
	}

	payload, err := blob.Decode(data)
	if err != nil {
		return Hit{}, nil, err
	}
	return hit, io.NopCloser(bytes.NewReader(payload)), nil
}

func (r *RedisStore) Save(ctx context.Context, key string, payload io.Reader) (Entry, error) {
	if key == "" {
		return Entry{}, fmt.Errorf("empty cache key")
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return Entry{}, err
	}
	encoded, err := blob.Encode(data, blob.CodecLZ4)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Key:     key,
		Digest:  blob.Sum(data).String(),
		Size:    int64(len(data)),
		Created: r.now(),
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, payloadPrefix+key, encoded, 0)
		p.HSet(ctx, entryPrefix+key,
			"digest", e.Digest,
			"size", e.Size,
			"created", e.Created.UnixNano(),
		)
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to save cache entry: %w", err)
	}

	return e, nil
}

func (r *RedisStore) exact(ctx context.Context, key string) (Entry, bool, error) {
	fields, err := r.client.HGetAll(ctx, entryPrefix+key).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	e, err := parseFields(key, fields)
	return e, err == nil, err
}

func (r *RedisStore) latestWithPrefix(ctx context.Context, prefix string) (Entry, bool, error) {
	var (
		best  Entry
		found bool
	)

	iter := r.client.Scan(ctx, 0, entryPrefix+escapeGlob(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), entryPrefix)
		e, ok, err := r.exact(ctx, key)
		if err != nil {
			return Entry{}, false, err
		}
		if !ok {
			continue
		}
		if !found || e.Created.After(best.Created) {
			best, found = e, true
		}
	}
	if err := iter.Err(); err != nil {
		return Entry{}, false, fmt.Errorf("failed to scan cache entries: %w", err)
	}

	return best, found, nil
}

func parseFields(key string, fields map[string]string) (Entry, error) {
	size, err := strconv.ParseInt(fields["size"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("cache entry %s: bad size: %w", key, err)
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("cache entry %s: bad timestamp: %w", key, err)
	}
	if fields["digest"] == "" {
		return Entry{}, errors.New("cache entry " + key + ": missing digest")
	}
	return Entry{
		Key:     key,
		Digest:  fields["digest"],
		Size:    size,
		Created: time.Unix(0, created),
	}, nil
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(c)
	}
	return sb.String()
}
