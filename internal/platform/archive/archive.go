// Package archive stores write-once report artifacts. Backends: in-memory for
// development and tests, S3 (or any S3-compatible endpoint) otherwise.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("archive: object not found")
	ErrExists   = errors.New("archive: object already exists")
)

// Object describes an archived artifact.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store is a write-once object store. Put fails with ErrExists when the key is
// already present.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}

// ReportKey is the object key for a report's JSON artifact.
func ReportKey(reportID string) string {
	return "reports/" + reportID + ".json"
}

func digest(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

type storedObject struct {
	meta Object
	body []byte
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return Object{}, ErrExists
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	meta := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(cp)),
		SHA256:      digest(cp),
		StoredAt:    time.Now().UTC(),
	}
	s.objects[key] = &storedObject{meta: meta, body: cp}
	return meta, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	cp := make([]byte, len(obj.body))
	copy(cp, obj.body)
	return cp, obj.meta, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
