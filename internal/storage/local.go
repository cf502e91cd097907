package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

// LocalStore reads and writes document texts below a root directory.
// References are paths relative to the root; paths that leave it are
// rejected.
type LocalStore struct {
	root string
}

var _ FileStore = (*LocalStore)(nil)

func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: document root %s: %w", common.ErrConfiguration, root, err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) path(ref string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(ref, "file://")))
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(s.root, rel)
		if err != nil {
			return "", fmt.Errorf("%w: %s is outside the document root", common.ErrNotFound, ref)
		}
		rel = r
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the document root", common.ErrNotFound, ref)
	}
	return filepath.Join(s.root, rel), nil
}

func (s *LocalStore) Fetch(ctx context.Context, ref string) (SourceDocument, error) {
	p, err := s.path(ref)
	if err != nil {
		return SourceDocument{}, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return SourceDocument{}, fmt.Errorf("document %s: %w", ref, common.ErrNotFound)
	}
	if err != nil {
		return SourceDocument{}, fmt.Errorf("read %s: %w", ref, err)
	}
	rel, _ := filepath.Rel(s.root, p)
	return newSourceDocument("file://"+filepath.ToSlash(rel), raw, map[string]string{
		"filename": filepath.Base(p),
	}), nil
}

// Put writes the text; metadata is not kept on disk.
func (s *LocalStore) Put(ctx context.Context, key string, text string, metadata map[string]string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	rel, _ := filepath.Rel(s.root, p)
	return "file://" + filepath.ToSlash(rel), nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns the slash-separated paths of regular files under prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if rel = filepath.ToSlash(rel); strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
