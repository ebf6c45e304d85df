// Package filestore abstracts where uploaded source files live. An analysis
// records an upload ref; processing jobs reopen the stream through a Store,
// so the profiler and the orchestrator read the same bytes.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store reads and writes upload blobs by ref.
type Store interface {
	// Open returns the blob for ref. The caller closes it.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Save writes the blob and returns the ref to reopen it later.
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// ---- local directory ----

// Local stores blobs as files under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) *Local { return &Local{root: root} }

// path rejects refs that escape the root.
func (s *Local) path(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("ref %q escapes the store root", ref)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Local) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", ref, err)
	}
	return f, nil
}

func (s *Local) Save(_ context.Context, name string, r io.Reader) (string, error) {
	ref := filepath.Base(name)
	p, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("save upload %s: %w", ref, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("save upload %s: %w", ref, err)
	}
	return ref, f.Close()
}

// ---- in-memory ----

// Mem keeps blobs in memory. Intended for tests and single-process use.
type Mem struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMem() *Mem { return &Mem{blobs: map[string][]byte{}} }

func (s *Mem) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("open upload %s: %w", ref, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *Mem) Save(_ context.Context, name string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.blobs[name] = b
	s.mu.Unlock()
	return name, nil
}
