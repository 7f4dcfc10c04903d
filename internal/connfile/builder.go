package connfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"kernelbridge/internal/config"
	"kernelbridge/pkg/logging"

	"github.com/google/uuid"
)

// Builder writes connection files into Dir.
type Builder struct {
	Dir string
}

// Write serialises desc to <Dir>/kernel-<uuid>.json. The file appears atomically
// with mode 0600, so a kernel never observes a partial write. The caller owns the
// returned path and must remove it.
func (b Builder) Write(desc Descriptor) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}
	dir := b.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create connection file directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode connection file: %w", err)
	}

	path := filepath.Join(dir, "kernel-"+uuid.NewString()+".json")
	tmp, err := os.CreateTemp(dir, ".kernel-*.json.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create connection file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to write connection file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to sync connection file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to close connection file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to restrict connection file permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to publish connection file: %w", err)
	}

	logging.Debug("ConnFile", "Wrote connection file %s for kernel %s", path, desc.KernelName)
	return path, nil
}

// Read parses and validates a connection file. Unknown fields are ignored.
func Read(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read connection file: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, path, err)
	}
	if d.SignatureScheme == "" {
		d.SignatureScheme = config.SchemeHMACSHA256
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Remove deletes a connection file, treating a missing file as success.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove connection file %s: %w", path, err)
	}
	return nil
}
