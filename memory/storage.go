package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

var ErrQuotaExceeded = fmt.Errorf("storage quota exceeded")

type (
	// Storage is an in-memory carto.Storage. With a quota it refuses writes
	// that would grow past it, the way browser storage does when full.
	Storage struct {
		mu      sync.Mutex
		entries *btree.Tree[string, Value]
		quota   int
		used    int
	}

	// Value with Deleted set is a tombstone.
	Value struct {
		Data    []byte
		Deleted bool
	}

	StorageOption func(s *Storage)
)

var _ carto.Storage = (*Storage)(nil)

// WithQuota bounds the total size of keys and values in bytes.
func WithQuota(bytes int) StorageOption {
	return func(s *Storage) {
		s.quota = bytes
	}
}

func NewStorage(options ...StorageOption) *Storage {
	s := &Storage{
		entries: btree.New[string, Value](generic.Less[string]),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.entries.Get(key)
	if !ok || val.Deleted {
		return nil, false, nil
	}
	return append([]byte(nil), val.Data...), true, nil
}

func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used
	if prev, ok := s.entries.Get(key); ok && !prev.Deleted {
		used -= len(key) + len(prev.Data)
	}
	used += len(key) + len(value)
	if s.quota > 0 && used > s.quota {
		return fmt.Errorf("%w: set %q needs %d of %d bytes", ErrQuotaExceeded, key, used, s.quota)
	}

	s.entries.Put(key, Value{Data: append([]byte(nil), value...)})
	s.used = used
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries.Get(key)
	if !ok || prev.Deleted {
		return nil
	}
	s.used -= len(key) + len(prev.Data)
	s.entries.Put(key, Value{Deleted: true})
	return nil
}

func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []string{}
	s.entries.Each(func(key string, val Value) {
		if !val.Deleted && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	})
	return keys, nil
}

// Used returns the bytes currently held.
func (s *Storage) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}
