package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore persists uploaded knowledge-base documents on local disk.
// Files are grouped per user and per knowledge base so removing a
// knowledge base can drop the whole directory in one call.
type FileStore struct {
	root string
}

// NewFileStoreFromEnv builds a FileStore rooted at UPLOAD_DIR
// (default ./uploads). The root directory is created eagerly so a
// misconfigured path fails at startup instead of on first upload.
func NewFileStoreFromEnv() (*FileStore, error) {
	root := strings.TrimSpace(os.Getenv("UPLOAD_DIR"))
	if root == "" {
		root = "./uploads"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create upload dir %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// SaveBytes writes an uploaded document beneath
// <root>/<userID>/<kbName>/ and returns the stored path. The original
// filename is kept but prefixed with a timestamp so repeated uploads
// of the same document never overwrite each other.
func (s *FileStore) SaveBytes(userID uint, kbName string, filename string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: file store not configured")
	}

	dir := s.kbDir(userID, kbName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create kb dir: %w", err)
	}

	name := sanitizeFilename(filename)
	stored := filepath.Join(dir, fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), name))

	if err := os.WriteFile(stored, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", stored, err)
	}
	return stored, nil
}

// Remove deletes a single stored file. A missing file is not an error.
func (s *FileStore) Remove(path string) error {
	if s == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	return nil
}

// RemoveKnowledgeBase drops the per-knowledge-base directory and
// everything in it.
func (s *FileStore) RemoveKnowledgeBase(userID uint, kbName string) error {
	if s == nil {
		return nil
	}
	dir := s.kbDir(userID, kbName)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: remove kb dir %s: %w", dir, err)
	}
	return nil
}

func (s *FileStore) kbDir(userID uint, kbName string) string {
	return filepath.Join(s.root, fmt.Sprintf("%d", userID), sanitizeFilename(kbName))
}

// sanitizeFilename strips any path components from an (attacker
// controlled) upload filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}
