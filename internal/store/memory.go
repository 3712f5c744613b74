package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"time"
)

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

type memObject struct {
	body     []byte
	etag     string
	modified time.Time
}

// MemoryClient is an in-memory Client used by tests. It mimics the
// semantics the lock protocol relies on: last write wins, deletes of
// missing keys succeed, and List filters on last-modified time.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string]*memObject

	// Now is the clock used to stamp writes; tests may replace it.
	Now func() time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects: make(map[string]*memObject),
		Now:     time.Now,
	}
}

func (m *MemoryClient) List(ctx context.Context, prefix string, modifiedSince time.Time) ([]*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var objects []*ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !modifiedSince.IsZero() && !obj.modified.After(modifiedSince) {
			continue
		}
		objects = append(objects, &ObjectInfo{
			Key:          key,
			ETag:         obj.etag,
			Size:         int64(len(obj.body)),
			LastModified: obj.modified,
		})
	}
	return objects, nil
}

func (m *MemoryClient) Get(ctx context.Context, key string) (*GetObjectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, &KeyNotFoundError{Key: key}
	}
	return &GetObjectResponse{
		Body:         io.NopCloser(bytes.NewReader(obj.body)),
		ETag:         obj.etag,
		Size:         int64(len(obj.body)),
		LastModified: obj.modified,
	}, nil
}

func (m *MemoryClient) Put(ctx context.Context, key string, body io.Reader, size int64) (*PutObjectResponse, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	m.objects[key] = &memObject{
		body:     data,
		etag:     etagOf(data),
		modified: now,
	}
	return &PutObjectResponse{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         etagOf(data),
		LastModified: now,
	}, nil
}

func (m *MemoryClient) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// deleting a missing key is not an error, matching S3
	delete(m.objects, key)
	return true, nil
}

// SetModified backdates an object, letting tests age a lock record.
func (m *MemoryClient) SetModified(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if obj, ok := m.objects[key]; ok {
		obj.modified = t
	}
}

// Body returns the current object body, or false when the key is absent.
func (m *MemoryClient) Body(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.body...), true
}

type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return "key not found: " + e.Key
}

var _ Client = (*MemoryClient)(nil)
