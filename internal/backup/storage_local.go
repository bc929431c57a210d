package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalDestination is an artifact directory on local disk
type LocalDestination struct {
	basePath string
}

// NewLocalDestination creates a destination rooted at basePath
func NewLocalDestination(basePath string) *LocalDestination {
	return &LocalDestination{basePath: basePath}
}

// List returns the regular files in the directory
func (ld *LocalDestination) List(ctx context.Context) ([]Artifact, error) {
	if err := ctxError(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(ld.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, NewIOError("failed to list artifact directory", err).WithContext("path", ld.basePath)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:      entry.Name(),
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
			Encrypted: isEncryptedName(entry.Name()),
		})
	}
	return artifacts, nil
}

// Delete removes one artifact by name
func (ld *LocalDestination) Delete(ctx context.Context, name string) error {
	if err := ctxError(ctx); err != nil {
		return err
	}
	if err := checkArtifactName(name); err != nil {
		return err
	}
	p := filepath.Join(ld.basePath, name)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return NewIOError("failed to delete artifact", err).WithContext("path", p)
	}
	return nil
}

func (ld *LocalDestination) String() string {
	return "local:" + ld.basePath
}

// checkArtifactName rejects names that would escape the destination
func checkArtifactName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return NewConfigurationError("invalid artifact name", nil).WithContext("name", name)
	}
	return nil
}

func isEncryptedName(name string) bool {
	return strings.HasSuffix(name, ".age") || strings.HasSuffix(name, ".enc")
}

// joinKey joins an object store prefix and name with a single slash
func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
