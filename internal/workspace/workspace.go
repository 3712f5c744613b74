// Package workspace owns the local sync root: path resolution, the
// metadata directory, and a file lock that keeps two daemons on the
// same host from syncing the same tree.
package workspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/mirrorops/bucketsync/internal/utils"
)

const (
	metadataDir = ".bucketsync"
	lockFile    = "bucketsync.lock"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

type Workspace struct {
	Root        string
	MetadataDir string

	flock *flock.Flock
}

func New(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve path %q: %w", rootDir, err)
	}

	metaDir := filepath.Join(root, metadataDir)
	return &Workspace{
		Root:        root,
		MetadataDir: metaDir,
		flock:       flock.New(filepath.Join(metaDir, lockFile)),
	}, nil
}

// Lock takes the single-instance file lock, creating the metadata
// directory when needed.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("create metadata dir %q: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock workspace: %w", err)
	}
	return nil
}
