package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorops/bucketsync/internal/store"
	"github.com/mirrorops/bucketsync/internal/utils"
)

// S3Transfer mirrors a local directory against an S3 prefix using the
// SDK transfer manager for the actual byte movement.
type S3Transfer struct {
	client       *store.S3Client
	localRoot    string
	remotePrefix string
	opts         Options

	uploader   *manager.Uploader
	downloader *manager.Downloader
}

func NewS3Transfer(client *store.S3Client, localRoot, remotePrefix string, opts Options) *S3Transfer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &S3Transfer{
		client:       client,
		localRoot:    localRoot,
		remotePrefix: remotePrefix,
		opts:         opts,
		uploader:     manager.NewUploader(client.API()),
		downloader:   manager.NewDownloader(client.API()),
	}
}

func (t *S3Transfer) Up(ctx context.Context) error {
	local, remote, err := t.bothStates(ctx)
	if err != nil {
		return err
	}

	plan := planUp(local, remote, t.opts.DeleteExtraneous)
	if plan.Empty() {
		slog.Debug("sync up", "status", "nothing to do")
		return nil
	}

	start := time.Now()
	var bytesUp int64
	for _, rel := range plan.Copy {
		bytesUp += local[rel].Size
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)

	for _, rel := range plan.Copy {
		rel := rel
		g.Go(func() error {
			return t.uploadOne(gctx, rel)
		})
	}
	for _, rel := range plan.Delete {
		rel := rel
		g.Go(func() error {
			_, err := t.client.Delete(gctx, fullKey(t.remotePrefix, rel))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sync up: %w", err)
	}

	slog.Info("sync up",
		"uploaded", len(plan.Copy),
		"deleted", len(plan.Delete),
		"size", humanize.Bytes(uint64(bytesUp)),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (t *S3Transfer) Down(ctx context.Context) error {
	local, remote, err := t.bothStates(ctx)
	if err != nil {
		return err
	}

	plan := planDown(local, remote, t.opts.DeleteExtraneous)
	if plan.Empty() {
		slog.Debug("sync down", "status", "nothing to do")
		return nil
	}

	start := time.Now()
	var bytesDown int64
	for _, rel := range plan.Copy {
		bytesDown += remote[rel].Size
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)

	for _, rel := range plan.Copy {
		rel := rel
		g.Go(func() error {
			return t.downloadOne(gctx, rel)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sync down: %w", err)
	}

	// local deletes are cheap, keep them off the group
	for _, rel := range plan.Delete {
		if err := os.Remove(filepath.Join(t.localRoot, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sync down delete %q: %w", rel, err)
		}
	}

	slog.Info("sync down",
		"downloaded", len(plan.Copy),
		"deleted", len(plan.Delete),
		"size", humanize.Bytes(uint64(bytesDown)),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (t *S3Transfer) bothStates(ctx context.Context) (map[string]*FileInfo, map[string]*store.ObjectInfo, error) {
	local, err := scanLocal(t.localRoot, t.opts.Exclude)
	if err != nil {
		return nil, nil, fmt.Errorf("scan local state: %w", err)
	}

	objects, err := t.client.List(ctx, t.remotePrefix, time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("list remote state: %w", err)
	}

	remote := make(map[string]*store.ObjectInfo, len(objects))
	for _, obj := range objects {
		rel, ok := relKey(obj.Key, t.remotePrefix)
		if !ok || rel == "" {
			continue
		}
		if excludedRel(rel, t.opts.Exclude) {
			continue
		}
		remote[rel] = obj
	}

	return local, remote, nil
}

func (t *S3Transfer) uploadOne(ctx context.Context, rel string) error {
	localPath := filepath.Join(t.localRoot, filepath.FromSlash(rel))
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("upload %q: %w", rel, err)
	}
	defer file.Close()

	_, err = t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.client.Bucket()),
		Key:    aws.String(fullKey(t.remotePrefix, rel)),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("upload %q: %w", rel, err)
	}
	return nil
}

func (t *S3Transfer) downloadOne(ctx context.Context, rel string) error {
	localPath := filepath.Join(t.localRoot, filepath.FromSlash(rel))
	if err := utils.EnsureParent(localPath); err != nil {
		return fmt.Errorf("download %q: %w", rel, err)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("download %q: %w", rel, err)
	}
	defer file.Close()

	_, err = t.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(t.client.Bucket()),
		Key:    aws.String(fullKey(t.remotePrefix, rel)),
	})
	if err != nil {
		return fmt.Errorf("download %q: %w", rel, err)
	}
	return nil
}

var _ Transferrer = (*S3Transfer)(nil)
