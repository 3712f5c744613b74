// Package daemon drives the sync loop: each tick it decides whether
// the local tree changed, pushes it under the distributed lock, pulls
// the remote side, and tracks consecutive failures and termination.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/mirrorops/bucketsync/internal/config"
	"github.com/mirrorops/bucketsync/internal/notify"
	"github.com/mirrorops/bucketsync/internal/store"
	"github.com/mirrorops/bucketsync/internal/transfer"
)

var (
	// ErrTooManyFailures is returned by Run when the consecutive-failure
	// ceiling is reached; main maps it to a non-zero exit.
	ErrTooManyFailures = errors.New("too many consecutive cycle failures")

	// ErrSyncFailed is returned by Run when the one single-shot cycle
	// fails without reaching the ceiling.
	ErrSyncFailed = errors.New("sync cycle failed")
)

// Fingerprinter reports the current digest of the local tree.
type Fingerprinter interface {
	Fingerprint() (string, error)
}

// LockClient is the distributed mutual-exclusion collaborator.
type LockClient interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Deps bundles the collaborators the daemon coordinates.
type Deps struct {
	Scanner  Fingerprinter
	Locker   LockClient // nil disables distributed coordination
	Transfer transfer.Transferrer
	Sink     notify.Sink // nil disables notifications
	Store    store.Client

	// LockKey is the remote object acting as the lock; LockArtifactPath
	// is where its local shadow lives during deleting uploads.
	LockKey          string
	LockArtifactPath string
}

// syncState is the per-process record carried across cycles. It is
// never shared with other nodes; each host's baseline is its own.
type syncState struct {
	previousFingerprint  string
	consecutiveFailures  int
	terminationRequested atomic.Bool
}

type Daemon struct {
	cfg  *config.Config
	deps Deps

	state syncState
}

func New(cfg *config.Config, deps Deps) *Daemon {
	return &Daemon{
		cfg:  cfg,
		deps: deps,
	}
}

// RequestTermination sets the cooperative termination flag. The loop
// observes it at the next checkpoint, runs one final upload-direction
// sync and stops.
func (d *Daemon) RequestTermination() {
	d.state.terminationRequested.Store(true)
}

// Run executes the poll loop until the context is cancelled, the
// single-shot cycle finishes, or the failure ceiling is hit.
func (d *Daemon) Run(ctx context.Context) error {
	d.runForcedSync(ctx)

	// Timer, not Ticker: a slow cycle must not queue up extra ticks.
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if d.state.terminationRequested.Load() {
			// the signal context is already cancelled; the final sync
			// still has to reach the store
			return d.finalSync(context.WithoutCancel(ctx))
		}

		ok := d.runCycle(ctx)

		if ctx.Err() != nil {
			d.state.terminationRequested.Store(true)
			continue
		}
		if err := d.recordOutcome(ok); err != nil {
			return err
		}

		if d.cfg.PollInterval == 0 {
			if !ok {
				return ErrSyncFailed
			}
			slog.Info("single-shot sync complete")
			return nil
		}

		timer.Reset(d.cfg.PollInterval)
		select {
		case <-ctx.Done():
			d.state.terminationRequested.Store(true)
		case <-timer.C:
		}
	}
}

// runForcedSync performs the unconditional initial transfers requested
// by force flags, before the change-driven loop starts.
func (d *Daemon) runForcedSync(ctx context.Context) {
	if d.cfg.ForceDown {
		slog.Info("forced initial sync down")
		if err := d.deps.Transfer.Down(context.WithoutCancel(ctx)); err != nil {
			slog.Error("forced sync down", "error", err)
		}
		d.removeLockArtifact()
	}
	if d.cfg.ForceUp {
		slog.Info("forced initial sync up")
		if !d.uploadLocked(ctx) {
			slog.Error("forced sync up failed")
		}
	}
}

// runCycle executes one poll tick. Uplink always precedes downlink so
// a lock held for the upload never overlaps this process's download.
func (d *Daemon) runCycle(ctx context.Context) bool {
	ok := true
	if !d.cfg.DownloadOnly && !d.runUplink(ctx) {
		ok = false
	}
	if !d.cfg.UploadOnly && !d.runDownlink(ctx) {
		ok = false
	}
	return ok
}

func (d *Daemon) runUplink(ctx context.Context) bool {
	fp, err := d.deps.Scanner.Fingerprint()
	if err != nil {
		slog.Error("fingerprint", "error", err)
		return false
	}

	if d.state.previousFingerprint == "" {
		// Very first cycle: nothing to compare against yet.
		d.state.previousFingerprint = fp
		slog.Debug("fingerprint baseline recorded", "fingerprint", fp)
		return true
	}
	if fp == d.state.previousFingerprint {
		slog.Debug("no local changes")
		return true
	}

	slog.Info("local changes detected")
	if !d.uploadLocked(ctx) {
		return false
	}

	// The baseline advances only once the upload is confirmed, so a
	// failed cycle can never skip a pending upload.
	d.state.previousFingerprint = fp
	d.notifyInvalidation(ctx)
	return true
}

// uploadLocked runs the upload transfer inside the distributed lock's
// critical section (when coordination is enabled).
func (d *Daemon) uploadLocked(ctx context.Context) bool {
	// Cancellation is cooperative: a termination signal mid-flight must
	// not abort the transfer or the release, only the acquire backoff.
	opCtx := context.WithoutCancel(ctx)

	if d.deps.Locker != nil {
		if err := d.deps.Locker.Acquire(ctx); err != nil {
			slog.Warn("acquire lock", "error", err)
			return false
		}
	}

	if d.deps.Locker != nil && d.cfg.DeleteExtraneous {
		// A deleting upload would wipe the peer-visible lock object;
		// shadow it into the local tree for the duration.
		if err := d.fetchLockArtifact(opCtx); err != nil {
			slog.Warn("fetch lock artifact", "error", err)
		}
	}

	err := d.deps.Transfer.Up(opCtx)

	d.removeLockArtifact()

	released := true
	if d.deps.Locker != nil {
		// released no matter how the transfer went
		if rerr := d.deps.Locker.Release(opCtx); rerr != nil {
			slog.Warn("release lock", "error", rerr)
			released = false
		}
	}

	if err != nil {
		slog.Error("sync up", "error", err)
		return false
	}
	return released
}

func (d *Daemon) runDownlink(ctx context.Context) bool {
	// same cooperative rule as uploads: an in-flight download runs to
	// completion, the flag is checked at the next checkpoint
	opCtx := context.WithoutCancel(ctx)

	if err := d.deps.Transfer.Down(opCtx); err != nil {
		slog.Error("sync down", "error", err)
		return false
	}
	// a peer's held lock may have been mirrored down
	d.removeLockArtifact()

	fp, err := d.deps.Scanner.Fingerprint()
	if err != nil {
		slog.Error("fingerprint after download", "error", err)
		return false
	}

	changed := d.state.previousFingerprint != "" && fp != d.state.previousFingerprint
	// Remote-driven changes become the new baseline so they do not
	// trigger a redundant uplink next cycle.
	d.state.previousFingerprint = fp

	if changed && d.cfg.NotifyOnAnyChange {
		d.notifyInvalidation(ctx)
	}
	return true
}

// finalSync performs the one post-termination upload pass.
func (d *Daemon) finalSync(ctx context.Context) error {
	if d.cfg.DownloadOnly {
		return nil
	}
	slog.Info("termination requested, final upload sync")
	if !d.uploadLocked(ctx) {
		slog.Warn("final upload sync failed")
	}
	return nil
}

func (d *Daemon) recordOutcome(ok bool) error {
	if ok {
		d.state.consecutiveFailures = 0
		return nil
	}

	d.state.consecutiveFailures++
	limit := d.cfg.MaxConsecutiveFailures
	slog.Warn("sync cycle failed", "consecutive", d.state.consecutiveFailures, "limit", limit)
	if limit > 0 && d.state.consecutiveFailures >= limit {
		return fmt.Errorf("%w: %d", ErrTooManyFailures, d.state.consecutiveFailures)
	}
	return nil
}

func (d *Daemon) notifyInvalidation(ctx context.Context) {
	if d.deps.Sink == nil {
		return
	}
	path := d.cfg.InvalidationPath
	if path == "" {
		path = "/*"
	}
	// warning only; never feeds back into the cycle outcome, and a
	// pending termination does not cut it short
	if err := d.deps.Sink.Invalidate(context.WithoutCancel(ctx), d.cfg.DistributionID, path); err != nil {
		slog.Warn("notify", "error", err)
	}
}

func (d *Daemon) fetchLockArtifact(ctx context.Context) error {
	if d.deps.Store == nil || d.deps.LockArtifactPath == "" {
		return nil
	}

	resp, err := d.deps.Store.Get(ctx, d.deps.LockKey)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	file, err := os.Create(d.deps.LockArtifactPath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(file, resp.Body)
	return err
}

func (d *Daemon) removeLockArtifact() {
	if d.deps.LockArtifactPath == "" {
		return
	}
	if err := os.Remove(d.deps.LockArtifactPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove lock artifact", "error", err)
	}
}
