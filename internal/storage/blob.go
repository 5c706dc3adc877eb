package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dispatchd/internal/model"
)

// BlobDir stores one storage-state blob per profile as
// <dir>/profile_<id>.json with mode 0600. Writes replace the file through a
// rename so readers never see a partial blob.
type BlobDir struct {
	dir string
}

func NewBlobDir(dir string) (*BlobDir, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("session.storage_dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &BlobDir{dir: dir}, nil
}

// Path is the blob location for a profile. It is stable across rewrites.
func (b *BlobDir) Path(profileID int64) string {
	return filepath.Join(b.dir, fmt.Sprintf("profile_%d.json", profileID))
}

func (b *BlobDir) Write(profileID int64, data []byte) (string, error) {
	path := b.Path(profileID)
	return path, b.Overwrite(path, data)
}

// Overwrite replaces the blob at an existing reference.
func (b *BlobDir) Overwrite(ref string, data []byte) error {
	path := strings.TrimSpace(ref)
	if path == "" {
		return model.ErrNoStoredSession
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// Rename keeps the tmp file's mode, but an older blob may predate it.
	_ = os.Chmod(path, 0o600)
	return nil
}

// Read loads the blob at ref. A missing file is ErrNoStoredSession.
func (b *BlobDir) Read(ref string) ([]byte, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, model.ErrNoStoredSession
	}
	data, err := os.ReadFile(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", model.ErrNoStoredSession, ref)
	}
	return data, err
}
