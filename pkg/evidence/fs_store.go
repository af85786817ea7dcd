package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// FSStore is the filesystem Store adapter. Content lives at
// <root>/<first two hex>/<hex>.blob; the layout keeps directories
// shallow under heavy write volume.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(hash contracts.ContentHash) (string, error) {
	if !hash.Valid() {
		return "", fmt.Errorf("malformed content hash %q", hash)
	}
	hex := string(hash)[len("sha256:"):]
	return filepath.Join(s.root, hex[:2], hex+".blob"), nil
}

func (s *FSStore) Put(ctx context.Context, data []byte) (contracts.ContentHash, error) {
	hash := canonicalize.HashBytes(data)
	path, err := s.path(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		// Identical content is already present; same bytes, same hash.
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}

	// Write-once via atomic rename: a concurrent identical Put lands
	// on the same final bytes.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".evidence-*")
	if err != nil {
		return "", fmt.Errorf("stage evidence: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write evidence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close evidence: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit evidence: %w", err)
	}
	return hash, nil
}

func (s *FSStore) Get(ctx context.Context, hash contracts.ContentHash) ([]byte, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("read evidence %s: %w", hash, err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, hash contracts.ContentHash) (bool, error) {
	path, err := s.path(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat evidence %s: %w", hash, err)
	}
	return true, nil
}
