package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/nlquery/internal/storage"
)

type object struct {
	data     []byte
	etag     string
	modified time.Time
}

// Store keeps objects in process memory. Sessions stored here do not survive
// a restart.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

func New() *Store {
	return &Store{objects: make(map[string]object), now: time.Now}
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	normalized, err := storage.CleanKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", normalized, err)
	}
	sum := md5.Sum(data)
	obj := object{data: data, etag: hex.EncodeToString(sum[:]), modified: s.now().UTC()}

	s.mu.Lock()
	s.objects[normalized] = obj
	s.mu.Unlock()
	return info(normalized, obj), nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, _, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	obj, normalized, err := s.lookup(ctx, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return info(normalized, obj), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := storage.CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, normalized)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	s.mu.RLock()
	out := make([]storage.ObjectInfo, 0, len(s.objects))
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, info(key, obj))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) lookup(ctx context.Context, key string) (object, string, error) {
	if err := ctx.Err(); err != nil {
		return object{}, "", err
	}
	normalized, err := storage.CleanKey(key)
	if err != nil {
		return object{}, "", err
	}
	s.mu.RLock()
	obj, ok := s.objects[normalized]
	s.mu.RUnlock()
	if !ok {
		return object{}, normalized, storage.ErrObjectNotFound
	}
	return obj, normalized, nil
}

func info(key string, obj object) storage.ObjectInfo {
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}
}
