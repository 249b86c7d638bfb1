// Package storagetest provides an in-memory object store for tests.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

type object struct {
	body        []byte
	contentType string
	modified    time.Time
}

// Store keeps objects in memory. Err, when set, fails every call.
type Store struct {
	mu      sync.Mutex
	objects map[string]object
	Err     error
}

var _ storage.ObjectStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{objects: make(map[string]object)}
}

// Add stores body under bucket/key.
func (s *Store) Add(bucket, key, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = object{body: append([]byte(nil), body...), contentType: contentType, modified: time.Now().UTC()}
}

// Object returns the stored body and whether it exists.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket+"/"+key]
	return obj.body, ok
}

func (s *Store) Stat(_ context.Context, bucket, key string) (storage.ObjectInfo, error) {
	obj, err := s.get(bucket, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return storage.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(obj.body)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

func (s *Store) ReadHead(_ context.Context, bucket, key string, n int64) ([]byte, error) {
	obj, err := s.get(bucket, key)
	if err != nil {
		return nil, err
	}
	if n > int64(len(obj.body)) {
		n = int64(len(obj.body))
	}
	return append([]byte(nil), obj.body[:n]...), nil
}

func (s *Store) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, contentType string) error {
	if s.Err != nil {
		return s.Err
	}
	var buf bytes.Buffer
	if body != nil {
		if _, err := io.Copy(&buf, body); err != nil {
			return err
		}
	}
	s.Add(bucket, key, contentType, buf.Bytes())
	return nil
}

func (s *Store) get(bucket, key string) (object, error) {
	if s.Err != nil {
		return object{}, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket+"/"+key]
	if !ok {
		return object{}, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrObjectNotFound)
	}
	return obj, nil
}
