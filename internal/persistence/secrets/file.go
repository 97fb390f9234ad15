// Package secrets provides a file-backed secret store. Values are kept in a
// single JSON document guarded by an advisory file lock, so multiple
// processes on one host can share it safely.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// Store is a file-backed core.SecretProvider.
type Store struct {
	path string
	lock *flock.Flock
}

var _ core.SecretProvider = (*Store)(nil)

// New creates a store at the given path, creating parent directories as
// needed. Secret files are created with mode 0600.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.withLock(ctx, false, func(data map[string]string) (bool, error) {
		v, ok := data[key]
		if !ok {
			return false, core.ErrSecretNotFound
		}
		value = v
		return false, nil
	})
	return value, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.withLock(ctx, true, func(data map[string]string) (bool, error) {
		data[key] = value
		return true, nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withLock(ctx, true, func(data map[string]string) (bool, error) {
		if _, ok := data[key]; !ok {
			return false, core.ErrSecretNotFound
		}
		delete(data, key)
		return true, nil
	})
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.withLock(ctx, false, func(data map[string]string) (bool, error) {
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return false, nil
	})
	return keys, err
}

func (s *Store) withLock(ctx context.Context, exclusive bool, fn func(map[string]string) (bool, error)) error {
	var (
		locked bool
		err    error
	)
	const retryDelay = 50 * time.Millisecond
	if exclusive {
		locked, err = s.lock.TryLockContext(ctx, retryDelay)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, retryDelay)
	}
	if err != nil {
		return fmt.Errorf("lock secrets file: %w", err)
	}
	if !locked {
		return fmt.Errorf("secrets file %s is locked by another process", s.path)
	}
	defer func() { _ = s.lock.Unlock() }()

	data, err := s.load()
	if err != nil {
		return err
	}
	dirty, err := fn(data)
	if err != nil {
		return err
	}
	if dirty {
		return s.save(data)
	}
	return nil
}

func (s *Store) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	data := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode secrets file: %w", err)
		}
	}
	return data, nil
}

func (s *Store) save(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace secrets file: %w", err)
	}
	return nil
}
