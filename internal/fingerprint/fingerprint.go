// Package fingerprint computes a deterministic digest of a directory
// tree so the sync loop can tell whether anything changed since the
// previous poll without talking to the remote.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mirrorops/bucketsync/internal/utils"
)

// Empty is the sentinel digest for a tree with no regular files left
// after exclusions.
const Empty = "EMPTY"

type Scanner struct {
	root          string
	excludedPaths []string // absolute, cleaned
	excludedGlobs []string // doublestar patterns over slash-separated relative paths
}

// NewScanner builds a scanner over root. Subpath excludes must be
// descendants of root; glob patterns are matched against relative
// paths with forward slashes.
func NewScanner(root string, excludedSubpaths []string, excludedGlobs []string) *Scanner {
	paths := make([]string, 0, len(excludedSubpaths))
	for _, p := range excludedSubpaths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		paths = append(paths, filepath.Clean(p))
	}
	return &Scanner{
		root:          filepath.Clean(root),
		excludedPaths: paths,
		excludedGlobs: excludedGlobs,
	}
}

// Fingerprint walks the tree and returns its digest. Identical
// (path, content) sets always produce identical digests regardless of
// enumeration order; any change to the set changes the digest.
func (s *Scanner) Fingerprint() (string, error) {
	type entry struct {
		relPath string
		hash    string
	}
	var entries []entry

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != s.root && s.excluded(path, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.excluded(path, rel) {
			return nil
		}

		hash, err := utils.FileMD5(path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{relPath: rel, hash: hash})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) && len(entries) == 0 {
			return Empty, nil
		}
		return "", fmt.Errorf("fingerprint scan: %w", err)
	}

	if len(entries) == 0 {
		return Empty, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].relPath < entries[j].relPath
	})

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s %s\n", e.hash, e.relPath)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func (s *Scanner) excluded(absPath, relSlash string) bool {
	for _, ex := range s.excludedPaths {
		if absPath == ex || strings.HasPrefix(absPath, ex+string(filepath.Separator)) {
			return true
		}
	}

	rel := strings.TrimSuffix(relSlash, "/")
	for _, pattern := range s.excludedGlobs {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
