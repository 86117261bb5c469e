// Package media stores the reference files (face video, voice sample)
// an avatar owns exclusively.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store saves and releases per-avatar media
type Store interface {
	// Save writes the file and returns the location backends should read
	Save(ctx context.Context, avatarID, name string, r io.Reader) (string, error)
	// Remove deletes one file; a missing file is not an error
	Remove(ctx context.Context, avatarID, name string) error
	// Release deletes every file owned by the avatar
	Release(ctx context.Context, avatarID string) error
}

// cleanName reduces an uploaded file name to a safe single path element
func cleanName(name string) (string, error) {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", fmt.Errorf("invalid media file name %q", name)
	}
	return name, nil
}

func cleanID(avatarID string) error {
	if avatarID == "" || avatarID == "." || avatarID == ".." || strings.ContainsAny(avatarID, `/\`) {
		return fmt.Errorf("invalid avatar id %q", avatarID)
	}
	return nil
}

// DiskStore keeps media under <root>/<avatar_id>/
type DiskStore struct {
	root string
}

// NewDiskStore creates the root directory if needed
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media dir: %w", err)
	}
	return &DiskStore{root: abs}, nil
}

func (s *DiskStore) Save(ctx context.Context, avatarID, name string, r io.Reader) (string, error) {
	if err := cleanID(avatarID); err != nil {
		return "", err
	}
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, avatarID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create avatar dir: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create media file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	return path, nil
}

func (s *DiskStore) Remove(ctx context.Context, avatarID, name string) error {
	if err := cleanID(avatarID); err != nil {
		return err
	}
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, avatarID, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove media file: %w", err)
	}
	return nil
}

func (s *DiskStore) Release(ctx context.Context, avatarID string) error {
	if err := cleanID(avatarID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, avatarID)); err != nil {
		return fmt.Errorf("failed to remove avatar media: %w", err)
	}
	return nil
}
