package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/banshee-data/segtrack/internal/fsutil"
	"github.com/banshee-data/segtrack/internal/security"
)

// FSStore maps keys onto files below a root directory.
type FSStore struct {
	root string
	fs   fsutil.FileSystem
}

// NewFSStore returns a store rooted at root. A nil fsys uses the OS filesystem.
func NewFSStore(root string, fsys fsutil.FileSystem) *FSStore {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &FSStore{root: filepath.Clean(root), fs: fsys}
}

// Root returns the directory the store writes under.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) path(key string) (string, error) {
	if err := security.ValidateObjectKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if _, onDisk := s.fs.(fsutil.OSFileSystem); onDisk {
		if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
			return "", fmt.Errorf("create store root: %w", err)
		}
		if err := security.ValidatePathWithinDirectory(p, s.root); err != nil {
			return "", err
		}
	}
	return p, nil
}

// Put writes body to a temporary sibling and renames it into place so readers
// never observe a partial object.
func (s *FSStore) Put(ctx context.Context, key string, body io.Reader, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", key, err)
	}

	tmp := p + ".partial"
	w, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Download(ctx context.Context, key string, w io.WriterAt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	f, err := s.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(io.NewOffsetWriter(w, 0), f); err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return nil
}
