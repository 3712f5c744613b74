// Package config holds the immutable process configuration. It is
// built once at startup and handed to each component; nothing reads
// ambient process-wide state after that.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mirrorops/bucketsync/internal/utils"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultLockStaleAfter = 60 * time.Second
	DefaultLockMaxWait    = 180 * time.Second
	DefaultMaxFailures    = 3

	MaxPollInterval = 3600 * time.Second
)

var (
	ErrConflictingFlags = errors.New("conflicting direction flags")
	ErrBadExclusion     = errors.New("invalid exclusion path")
)

type Config struct {
	// Local side
	LocalDir string

	// Remote side
	Bucket       string
	RemotePrefix string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string

	// Loop behaviour
	PollInterval           time.Duration // 0 = single shot
	MaxConsecutiveFailures int           // 0 = unlimited

	// Lock behaviour
	Distributed    bool
	LockStaleAfter time.Duration
	LockMaxWait    time.Duration

	// Transfer behaviour
	UploadOnly       bool
	DownloadOnly     bool
	ForceUp          bool
	ForceDown        bool
	DeleteExtraneous bool
	ExcludedSubpaths []string
	ExcludedGlobs    []string

	// Notification
	DistributionID    string
	InvalidationPath  string
	NotifyOnAnyChange bool
}

// Validate checks the configuration before the loop starts. Any error
// here is fatal; nothing has touched the store yet.
func (c *Config) Validate() error {
	if c.LocalDir == "" {
		return errors.New("local directory is required")
	}
	root, err := utils.ResolvePath(c.LocalDir)
	if err != nil {
		return fmt.Errorf("local directory: %w", err)
	}
	if !utils.DirExists(root) {
		return fmt.Errorf("local directory does not exist: %s", root)
	}

	if c.Bucket == "" {
		return errors.New("bucket is required")
	}

	if c.PollInterval < 0 || c.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll interval out of range [0s, %s]: %s", MaxPollInterval, c.PollInterval)
	}
	if c.LockStaleAfter <= 0 {
		return fmt.Errorf("lock stale-after must be positive: %s", c.LockStaleAfter)
	}
	if c.LockMaxWait <= 0 {
		return fmt.Errorf("lock max-wait must be positive: %s", c.LockMaxWait)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max consecutive failures must be >= 0: %d", c.MaxConsecutiveFailures)
	}

	if c.UploadOnly && c.DownloadOnly {
		return fmt.Errorf("%w: upload-only and download-only", ErrConflictingFlags)
	}
	if c.UploadOnly && c.ForceDown {
		return fmt.Errorf("%w: upload-only and force-down", ErrConflictingFlags)
	}
	if c.DownloadOnly && c.ForceUp {
		return fmt.Errorf("%w: download-only and force-up", ErrConflictingFlags)
	}

	for _, sub := range c.ExcludedSubpaths {
		if sub == "" {
			return fmt.Errorf("%w: empty path", ErrBadExclusion)
		}
		if strings.HasSuffix(sub, string(filepath.Separator)) || strings.HasSuffix(sub, "/") {
			return fmt.Errorf("%w: trailing separator on %q", ErrBadExclusion, sub)
		}
		abs := sub
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, sub)
		}
		abs = filepath.Clean(abs)
		if abs == root || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return fmt.Errorf("%w: %q is not a descendant of %q", ErrBadExclusion, sub, root)
		}
	}

	if c.InvalidationPath != "" && !strings.HasPrefix(c.InvalidationPath, "/") {
		return fmt.Errorf("invalidation path must start with '/': %q", c.InvalidationPath)
	}

	return nil
}
