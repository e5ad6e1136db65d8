package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wavs-labs/wavs/pkg/types"
)

// PutComponent stores a Wasm binary under its content address and
// returns the digest. Writing an already-present digest is a no-op;
// entries are immutable once inserted.
func (s *Store) PutComponent(wasm []byte) (types.Digest, error) {
	digest := types.DigestOf(wasm)
	path := s.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	// Write-then-rename keeps partial writes out of the store.
	tmp, err := os.CreateTemp(s.blobDir, "put-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(wasm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return digest, nil
}

// GetComponent loads a Wasm binary by digest and verifies the content
// still matches its address.
func (s *Store) GetComponent(digest types.Digest) ([]byte, error) {
	if err := digest.Validate(); err != nil {
		return nil, err
	}
	wasm, err := os.ReadFile(s.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("component %s not found", digest)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if types.DigestOf(wasm) != digest {
		return nil, fmt.Errorf("component %s is corrupt on disk", digest)
	}
	return wasm, nil
}

// HasComponent reports whether a digest is present.
func (s *Store) HasComponent(digest types.Digest) bool {
	_, err := os.Stat(s.blobPath(digest))
	return err == nil
}

func (s *Store) blobPath(digest types.Digest) string {
	return filepath.Join(s.blobDir, digest.Hex())
}
