package redis

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/duckmesh/nlquery/internal/storage"
)

const (
	fieldData     = "data"
	fieldETag     = "etag"
	fieldModified = "modified"
	scanBatch     = 100
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type client interface {
	HSet(ctx context.Context, key string, values map[string]any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, key string) error
	Scan(ctx context.Context, match string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store keeps each object in a redis hash holding the payload, its etag and
// modification time.
type Store struct {
	client client
	prefix string
	now    func() time.Time
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	rc := &redisClient{client: goredis.NewClient(&goredis.Options{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
	if err := rc.Ping(ctx); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(cfg.Prefix, rc)
}

func NewWithClient(prefix string, c client) (*Store, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/:")
	if prefix == "" {
		prefix = "nlquery"
	}
	return &Store{client: c, prefix: prefix, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	normalized, err := storage.CleanKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", normalized, err)
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	modified := s.now().UTC()
	err = s.client.HSet(ctx, s.redisKey(normalized), map[string]any{
		fieldData:     data,
		fieldETag:     etag,
		fieldModified: modified.Format(time.RFC3339Nano),
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", normalized, err)
	}
	return storage.ObjectInfo{Key: normalized, Size: int64(len(data)), ETag: etag, LastModified: modified}, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	normalized, fields, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	data, ok := fields[fieldData]
	if !ok {
		return nil, fmt.Errorf("get object %q: hash has no %s field", normalized, fieldData)
	}
	return io.NopCloser(bytes.NewReader([]byte(data))), nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	normalized, fields, err := s.load(ctx, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return objectInfo(normalized, fields), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	normalized, err := storage.CleanKey(key)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.redisKey(normalized)); err != nil {
		return fmt.Errorf("delete object %q: %w", normalized, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	match := s.prefix + ":" + escapeGlob(prefix) + "*"
	keys, err := s.client.Scan(ctx, match)
	if err != nil {
		return nil, fmt.Errorf("list objects %q: %w", prefix, err)
	}
	out := make([]storage.ObjectInfo, 0, len(keys))
	for _, redisKey := range keys {
		key := strings.TrimPrefix(redisKey, s.prefix+":")
		fields, err := s.client.HGetAll(ctx, redisKey)
		if err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, objectInfo(key, fields))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) load(ctx context.Context, key string) (string, map[string]string, error) {
	normalized, err := storage.CleanKey(key)
	if err != nil {
		return "", nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.redisKey(normalized))
	if err != nil {
		return normalized, nil, fmt.Errorf("get object %q: %w", normalized, err)
	}
	if len(fields) == 0 {
		return normalized, nil, storage.ErrObjectNotFound
	}
	return normalized, fields, nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + ":" + key
}

func objectInfo(key string, fields map[string]string) storage.ObjectInfo {
	info := storage.ObjectInfo{Key: key, Size: int64(len(fields[fieldData])), ETag: fields[fieldETag]}
	if modified, err := time.Parse(time.RFC3339Nano, fields[fieldModified]); err == nil {
		info.LastModified = modified
	}
	return info
}

func escapeGlob(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(value)
}

type redisClient struct {
	client *goredis.Client
}

func (r *redisClient) HSet(ctx context.Context, key string, values map[string]any) error {
	return r.client.HSet(ctx, key, values).Err()
}

func (r *redisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *redisClient) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisClient) Scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *redisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisClient) Close() error {
	return r.client.Close()
}
