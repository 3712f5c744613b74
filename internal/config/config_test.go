package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		LocalDir:       t.TempDir(),
		Bucket:         "b",
		RemotePrefix:   "site",
		PollInterval:   30 * time.Second,
		LockStaleAfter: 60 * time.Second,
		LockMaxWait:    180 * time.Second,
	}
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	t.Run("single shot interval", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.PollInterval = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("exclusions", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.ExcludedSubpaths = []string{"cache", filepath.Join(cfg.LocalDir, "logs")}
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateRejects(t *testing.T) {
	t.Run("missing local dir", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.LocalDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("nonexistent local dir", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.LocalDir = filepath.Join(cfg.LocalDir, "missing")
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing bucket", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Bucket = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("interval too large", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.PollInterval = 3601 * time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative interval", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.PollInterval = -time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero stale after", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.LockStaleAfter = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative failure ceiling", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.MaxConsecutiveFailures = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("both direction flags", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.UploadOnly = true
		cfg.DownloadOnly = true
		assert.ErrorIs(t, cfg.Validate(), ErrConflictingFlags)
	})

	t.Run("upload only with force down", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.UploadOnly = true
		cfg.ForceDown = true
		assert.ErrorIs(t, cfg.Validate(), ErrConflictingFlags)
	})

	t.Run("download only with force up", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.DownloadOnly = true
		cfg.ForceUp = true
		assert.ErrorIs(t, cfg.Validate(), ErrConflictingFlags)
	})

	t.Run("exclusion with trailing separator", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.ExcludedSubpaths = []string{"cache/"}
		assert.ErrorIs(t, cfg.Validate(), ErrBadExclusion)
	})

	t.Run("exclusion outside root", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.ExcludedSubpaths = []string{"../elsewhere"}
		assert.ErrorIs(t, cfg.Validate(), ErrBadExclusion)
	})

	t.Run("exclusion equals root", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.ExcludedSubpaths = []string{"."}
		assert.ErrorIs(t, cfg.Validate(), ErrBadExclusion)
	})

	t.Run("bad invalidation path", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.InvalidationPath = "static/*"
		assert.Error(t, cfg.Validate())
	})
}
