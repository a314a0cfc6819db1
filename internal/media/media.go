// Package media stores user-uploaded images on the local filesystem. The
// server exposes the same directory under /uploads/, so a stored file is
// reachable at BaseURL + "/" + name.
package media

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileStore writes images under dir and builds their public URLs from baseURL.
type FileStore struct {
	dir     string
	baseURL string
}

func NewFileStore(dir, baseURL string) *FileStore {
	return &FileStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Dir is the root directory served under /uploads/.
func (s *FileStore) Dir() string { return s.dir }

// Save writes data to name (a slash-separated relative path) and returns the
// public URL. The file is written to a temp file first and renamed, so a
// reader never sees a partial image.
func (s *FileStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("media: creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("media: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("media: writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("media: closing %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("media: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("media: renaming %s: %w", name, err)
	}

	return s.baseURL + "/" + path.Clean(name), nil
}

// Remove deletes a previously saved file. Missing files are not an error.
func (s *FileStore) Remove(name string) error {
	full, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("media: removing %s: %w", name, err)
	}
	return nil
}

// Serves reports whether url points at a file under this store's base URL.
func (s *FileStore) Serves(url string) bool {
	return s.baseURL != "" && strings.HasPrefix(url, s.baseURL+"/")
}

// resolve maps name into dir and rejects anything that escapes it.
func (s *FileStore) resolve(name string) (string, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != name {
		return "", fmt.Errorf("media: invalid file name %q", name)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}
