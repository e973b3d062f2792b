package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Mirror copies finished artifacts into object storage.
type Mirror struct {
	store  ObjectStorage
	prefix string
}

// NewMirror creates a Mirror that stores objects under prefix.
func NewMirror(store ObjectStorage, prefix string) *Mirror {
	return &Mirror{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of a job's artifact.
func (m *Mirror) Key(ownerID, jobID, localPath string) string {
	return path.Join(m.prefix, "user_"+ownerID, jobID, filepath.Base(localPath))
}

// Put uploads the zip at localPath and returns its object URL.
func (m *Mirror) Put(ctx context.Context, ownerID, jobID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	key := m.Key(ownerID, jobID, localPath)
	if err := m.store.Upload(ctx, key, f, info.Size(), "application/zip"); err != nil {
		return "", err
	}
	return m.store.GetURL(key), nil
}
