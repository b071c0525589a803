// Package fs implements storage.TransientStore on a local directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/italolelis/doccraft/internal/storage"
)

// Store keeps one file per artifact directly under root.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Init(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	return nil
}

func (s *Store) Write(ctx context.Context, id, filename string, data []byte) (string, error) {
	// The directory may have been removed from under a running process.
	if err := s.Init(ctx); err != nil {
		return "", err
	}

	location := filepath.Join(s.root, storage.ObjectName(id, filename))

	f, err := os.OpenFile(location, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(location)

		return "", fmt.Errorf("failed to write artifact file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(location)

		return "", fmt.Errorf("failed to close artifact file: %w", err)
	}

	return location, nil
}

func (s *Store) Open(_ context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(location)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open artifact file: %w", err)
	}

	return f, nil
}

func (s *Store) Remove(_ context.Context, location string) error {
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func (s *Store) List(_ context.Context) ([]storage.StoredObject, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	objects := make([]storage.StoredObject, 0, len(entries))

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}

		objects = append(objects, storage.StoredObject{
			Location: filepath.Join(s.root, entry.Name()),
			ModTime:  info.ModTime(),
		})
	}

	return objects, nil
}
