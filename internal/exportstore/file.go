package exportstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps packs under <root>/users/<account>/<id>.zip.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

func (s *FileStore) path(accountID, id string) string {
	return filepath.Join(s.root, filepath.FromSlash(objectKey(accountID, id)))
}

// Put writes the pack through a temporary file and rename.
func (s *FileStore) Put(_ context.Context, accountID, id string, data []byte) error {
	if err := checkIDs(accountID, id); err != nil {
		return err
	}
	dest := s.path(accountID, id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to store export: %w", err)
	}
	return nil
}

// Get reads a pack.
func (s *FileStore) Get(_ context.Context, accountID, id string) ([]byte, error) {
	if err := checkIDs(accountID, id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(accountID, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return data, nil
}

// List returns the account's packs, newest first.
func (s *FileStore) List(_ context.Context, accountID string) ([]Object, error) {
	if !ValidAccountID(accountID) {
		return nil, ErrInvalidID
	}
	dir := filepath.Join(s.root, filepath.FromSlash(accountPrefix(accountID)))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Object{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}

	objs := make([]Object, 0, len(entries))
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".zip")
		if !ok || e.IsDir() || !ValidID(id) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		objs = append(objs, Object{ID: id, Size: info.Size(), ModifiedAt: info.ModTime().UTC()})
	}
	sortNewestFirst(objs)
	return objs, nil
}

// DeleteAccount removes the account directory. Missing directories are not
// an error.
func (s *FileStore) DeleteAccount(_ context.Context, accountID string) error {
	if !ValidAccountID(accountID) {
		return ErrInvalidID
	}
	dir := filepath.Join(s.root, filepath.FromSlash(accountPrefix(accountID)))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete exports: %w", err)
	}
	return nil
}
