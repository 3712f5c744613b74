package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorops/bucketsync/internal/config"
)

type fakeScanner struct {
	mu sync.Mutex
	fp string
}

func (f *fakeScanner) set(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fp = fp
}

func (f *fakeScanner) Fingerprint() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp, nil
}

type fakeLocker struct {
	mu         sync.Mutex
	acquireErr error
	releaseErr error
	acquires   int
	releases   int
}

func (f *fakeLocker) Acquire(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return f.acquireErr
}

func (f *fakeLocker) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return f.releaseErr
}

type fakeTransfer struct {
	mu       sync.Mutex
	upErr    error
	downErr  error
	ups      int
	downs    int
	upCtxs   []context.Context
	downCtxs []context.Context

	// when set, Down announces itself and waits before returning
	downStarted chan struct{}
	downProceed chan struct{}
}

func (f *fakeTransfer) Up(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ups++
	f.upCtxs = append(f.upCtxs, ctx)
	return f.upErr
}

func (f *fakeTransfer) Down(ctx context.Context) error {
	f.mu.Lock()
	f.downs++
	f.downCtxs = append(f.downCtxs, ctx)
	err := f.downErr
	started, proceed := f.downStarted, f.downProceed
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-proceed
	}
	return err
}

func (f *fakeTransfer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ups, f.downs
}

func (f *fakeTransfer) contexts() (up, down []context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up = append(up, f.upCtxs...)
	down = append(down, f.downCtxs...)
	return up, down
}

type fakeSink struct {
	err   error
	calls int
}

func (f *fakeSink) Invalidate(ctx context.Context, target, pathPattern string) error {
	f.calls++
	return f.err
}

type fixture struct {
	daemon   *Daemon
	scanner  *fakeScanner
	locker   *fakeLocker
	transfer *fakeTransfer
	sink     *fakeSink
}

func newFixture(cfg *config.Config) *fixture {
	scanner := &fakeScanner{fp: "fp-1"}
	locker := &fakeLocker{}
	mover := &fakeTransfer{}
	sink := &fakeSink{}

	deps := Deps{
		Scanner:  scanner,
		Transfer: mover,
		Sink:     sink,
	}
	if cfg.Distributed {
		deps.Locker = locker
	}

	return &fixture{
		daemon:   New(cfg, deps),
		scanner:  scanner,
		locker:   locker,
		transfer: mover,
		sink:     sink,
	}
}

func uploadCfg() *config.Config {
	return &config.Config{
		UploadOnly:  true,
		Distributed: true,
	}
}

func TestFirstCycleOnlyBaselines(t *testing.T) {
	f := newFixture(uploadCfg())
	ctx := context.Background()

	assert.True(t, f.daemon.runCycle(ctx))
	ups, _ := f.transfer.counts()
	assert.Zero(t, ups, "first cycle must not transfer, it has no baseline")
	assert.Equal(t, "fp-1", f.daemon.state.previousFingerprint)
}

func TestUnchangedFingerprintSkipsUpload(t *testing.T) {
	f := newFixture(uploadCfg())
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	require.True(t, f.daemon.runCycle(ctx))

	ups, _ := f.transfer.counts()
	assert.Zero(t, ups)
	assert.Zero(t, f.locker.acquires)
}

func TestChangedFingerprintUploadsUnderLock(t *testing.T) {
	f := newFixture(uploadCfg())
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	f.scanner.set("fp-2")
	require.True(t, f.daemon.runCycle(ctx))

	ups, _ := f.transfer.counts()
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, f.locker.acquires)
	assert.Equal(t, 1, f.locker.releases)
	assert.Equal(t, 1, f.sink.calls)
	assert.Equal(t, "fp-2", f.daemon.state.previousFingerprint)
}

func TestUploadWithoutCoordination(t *testing.T) {
	cfg := uploadCfg()
	cfg.Distributed = false
	f := newFixture(cfg)
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	f.scanner.set("fp-2")
	require.True(t, f.daemon.runCycle(ctx))

	ups, _ := f.transfer.counts()
	assert.Equal(t, 1, ups)
	assert.Zero(t, f.locker.acquires)
}

func TestTransferFailureStillReleasesLock(t *testing.T) {
	f := newFixture(uploadCfg())
	f.transfer.upErr = errors.New("boom")
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	f.scanner.set("fp-2")
	assert.False(t, f.daemon.runCycle(ctx))

	assert.Equal(t, 1, f.locker.releases, "lock released regardless of transfer outcome")
	assert.Equal(t, "fp-1", f.daemon.state.previousFingerprint, "baseline must not advance on failure")
	assert.Zero(t, f.sink.calls)
}

func TestLockFailureFailsCycleWithoutTransfer(t *testing.T) {
	f := newFixture(uploadCfg())
	f.locker.acquireErr = errors.New("contended")
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	f.scanner.set("fp-2")
	assert.False(t, f.daemon.runCycle(ctx))

	ups, _ := f.transfer.counts()
	assert.Zero(t, ups)
}

func TestNotificationFailureDoesNotFailCycle(t *testing.T) {
	f := newFixture(uploadCfg())
	f.sink.err = errors.New("cdn down")
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	f.scanner.set("fp-2")
	assert.True(t, f.daemon.runCycle(ctx), "notification errors are warnings only")
	assert.Equal(t, "fp-2", f.daemon.state.previousFingerprint)
}

func TestDownlinkAdvancesBaseline(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true}
	f := newFixture(cfg)
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	_, downs := f.transfer.counts()
	assert.Equal(t, 1, downs)
	assert.Equal(t, "fp-1", f.daemon.state.previousFingerprint)
	assert.Zero(t, f.sink.calls, "downlink changes notify only when opted in")
}

func TestDownlinkNotifyOnAnyChange(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true, NotifyOnAnyChange: true}
	f := newFixture(cfg)
	ctx := context.Background()

	require.True(t, f.daemon.runCycle(ctx))
	f.scanner.set("fp-2")
	require.True(t, f.daemon.runCycle(ctx))
	assert.Equal(t, 1, f.sink.calls)
}

func TestDownlinkFailureFailsCycle(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true}
	f := newFixture(cfg)
	f.transfer.downErr = errors.New("boom")

	assert.False(t, f.daemon.runCycle(context.Background()))
	assert.Empty(t, f.daemon.state.previousFingerprint)
}

func TestFailureCeiling(t *testing.T) {
	cfg := uploadCfg()
	cfg.MaxConsecutiveFailures = 3
	f := newFixture(cfg)

	require.NoError(t, f.daemon.recordOutcome(false))
	require.NoError(t, f.daemon.recordOutcome(false))
	err := f.daemon.recordOutcome(false)
	require.ErrorIs(t, err, ErrTooManyFailures)
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	cfg := uploadCfg()
	cfg.MaxConsecutiveFailures = 2
	f := newFixture(cfg)

	require.NoError(t, f.daemon.recordOutcome(false))
	require.NoError(t, f.daemon.recordOutcome(true))
	require.NoError(t, f.daemon.recordOutcome(false))
	assert.Equal(t, 1, f.daemon.state.consecutiveFailures)
}

func TestUnlimitedFailures(t *testing.T) {
	cfg := uploadCfg()
	cfg.MaxConsecutiveFailures = 0
	f := newFixture(cfg)

	for i := 0; i < 25; i++ {
		require.NoError(t, f.daemon.recordOutcome(false))
	}
}

func TestRunSingleShot(t *testing.T) {
	cfg := uploadCfg()
	cfg.PollInterval = 0
	f := newFixture(cfg)

	require.NoError(t, f.daemon.Run(context.Background()))
	ups, _ := f.transfer.counts()
	assert.Zero(t, ups, "single shot over an unchanged tree is a no-op")
}

func TestRunSingleShotFailureCeiling(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true, MaxConsecutiveFailures: 1}
	f := newFixture(cfg)
	f.transfer.downErr = errors.New("boom")

	err := f.daemon.Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
}

func TestRunSingleShotFailureBelowCeiling(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true, MaxConsecutiveFailures: 3}
	f := newFixture(cfg)
	f.transfer.downErr = errors.New("boom")

	err := f.daemon.Run(context.Background())
	require.ErrorIs(t, err, ErrSyncFailed, "a failed single shot must not exit zero")
}

func TestCancelledContextDoesNotAbortTransfers(t *testing.T) {
	cfg := &config.Config{Distributed: true}
	f := newFixture(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.True(t, f.daemon.runCycle(ctx))
	f.scanner.set("fp-2")
	require.True(t, f.daemon.runCycle(ctx))

	ups, downs := f.transfer.counts()
	require.Equal(t, 1, ups)
	require.Equal(t, 2, downs)

	upCtxs, downCtxs := f.transfer.contexts()
	for _, c := range upCtxs {
		assert.NoError(t, c.Err(), "uploads run to completion regardless of the signal")
	}
	for _, c := range downCtxs {
		assert.NoError(t, c.Err(), "downloads run to completion regardless of the signal")
	}
	assert.Equal(t, 1, f.locker.releases, "release must survive cancellation too")
}

func TestInFlightDownloadSurvivesSignal(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true, PollInterval: time.Hour}
	f := newFixture(cfg)
	f.transfer.downStarted = make(chan struct{})
	f.transfer.downProceed = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Run(ctx) }()

	// cancel while the download is in flight, then let it finish
	<-f.transfer.downStarted
	cancel()
	close(f.transfer.downProceed)

	select {
	case err := <-done:
		require.NoError(t, err, "a signal mid-transfer still exits cleanly")
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after termination signal")
	}

	_, downs := f.transfer.counts()
	assert.Equal(t, 1, downs)
	_, downCtxs := f.transfer.contexts()
	require.Len(t, downCtxs, 1)
	assert.NoError(t, downCtxs[0].Err(), "the transfer context never observes the cancellation")
}

func TestRunForcedInitialSync(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true, ForceDown: true, PollInterval: 0}
	f := newFixture(cfg)

	require.NoError(t, f.daemon.Run(context.Background()))
	_, downs := f.transfer.counts()
	assert.Equal(t, 2, downs, "one forced, one from the single cycle")
}

func TestTerminationRunsFinalUpload(t *testing.T) {
	cfg := uploadCfg()
	cfg.PollInterval = time.Hour
	f := newFixture(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Run(ctx) }()

	// let the first cycle finish and the loop park in its poll sleep
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "graceful termination exits cleanly")
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after termination signal")
	}

	ups, _ := f.transfer.counts()
	assert.Equal(t, 1, ups, "exactly one final upload-direction sync")
	assert.Equal(t, 1, f.locker.releases)
}

func TestRequestTerminationBeforeRun(t *testing.T) {
	cfg := uploadCfg()
	cfg.PollInterval = time.Hour
	f := newFixture(cfg)

	f.daemon.RequestTermination()
	require.NoError(t, f.daemon.Run(context.Background()))

	ups, _ := f.transfer.counts()
	assert.Equal(t, 1, ups, "final upload sync runs even when no cycle did")
}

func TestTerminationSkipsFinalUploadWhenDownloadOnly(t *testing.T) {
	cfg := &config.Config{DownloadOnly: true, PollInterval: time.Hour}
	f := newFixture(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after termination signal")
	}

	ups, _ := f.transfer.counts()
	assert.Zero(t, ups)
}
