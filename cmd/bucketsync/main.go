package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirrorops/bucketsync/internal/config"
	"github.com/mirrorops/bucketsync/internal/daemon"
	"github.com/mirrorops/bucketsync/internal/fingerprint"
	"github.com/mirrorops/bucketsync/internal/identity"
	"github.com/mirrorops/bucketsync/internal/lock"
	"github.com/mirrorops/bucketsync/internal/notify"
	"github.com/mirrorops/bucketsync/internal/store"
	"github.com/mirrorops/bucketsync/internal/transfer"
	"github.com/mirrorops/bucketsync/internal/version"
	"github.com/mirrorops/bucketsync/internal/workspace"
)

const lockObjectName = ".lock"

var red = color.New(color.FgHiRed, color.Bold).SprintFunc()

var rootCmd = &cobra.Command{
	Use:     "bucketsync",
	Short:   "Keep a local directory and an S3 prefix mutually consistent",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			LocalDir:               viper.GetString("dir"),
			Bucket:                 viper.GetString("bucket"),
			RemotePrefix:           viper.GetString("prefix"),
			Region:                 viper.GetString("region"),
			Endpoint:               viper.GetString("endpoint"),
			AccessKey:              viper.GetString("access_key"),
			SecretKey:              viper.GetString("secret_key"),
			PollInterval:           time.Duration(viper.GetInt("interval")) * time.Second,
			MaxConsecutiveFailures: viper.GetInt("max_failures"),
			Distributed:            viper.GetBool("distributed"),
			LockStaleAfter:         time.Duration(viper.GetInt("lock_stale_after")) * time.Second,
			LockMaxWait:            time.Duration(viper.GetInt("lock_max_wait")) * time.Second,
			UploadOnly:             viper.GetBool("upload_only"),
			DownloadOnly:           viper.GetBool("download_only"),
			ForceUp:                viper.GetBool("force_up"),
			ForceDown:              viper.GetBool("force_down"),
			DeleteExtraneous:       viper.GetBool("delete"),
			ExcludedSubpaths:       viper.GetStringSlice("exclude"),
			ExcludedGlobs:          viper.GetStringSlice("exclude_glob"),
			DistributionID:         viper.GetString("distribution"),
			InvalidationPath:       viper.GetString("invalidation_path"),
			NotifyOnAnyChange:      viper.GetBool("notify_any_change"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		return runSync(cmd.Context(), cfg)
	},
}

func runSync(ctx context.Context, cfg *config.Config) error {
	slog.Info(version.AppName, "version", version.Short(), "bucket", cfg.Bucket, "prefix", cfg.RemotePrefix)

	ws, err := workspace.New(cfg.LocalDir)
	if err != nil {
		return err
	}
	if err := ws.Lock(); err != nil {
		return err
	}
	defer ws.Unlock()

	nodeID, err := identity.Resolve()
	if err != nil {
		return err
	}
	slog.Info("node identity", "id", nodeID)

	awsCfg, err := store.LoadAWSConfig(ctx, &store.S3Config{
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Endpoint:  cfg.Endpoint,
	})
	if err != nil {
		return err
	}
	client := store.NewS3Client(awsCfg, &store.S3Config{
		Bucket:   cfg.Bucket,
		Endpoint: cfg.Endpoint,
	})

	lockKey := path.Join(cfg.RemotePrefix, lockObjectName)
	lockArtifact := filepath.Join(ws.Root, lockObjectName)

	var locker daemon.LockClient
	if cfg.Distributed {
		locker = lock.New(client, lockKey, nodeID, lock.Options{
			StaleAfter: cfg.LockStaleAfter,
			MaxWait:    cfg.LockMaxWait,
		})
	}

	// the metadata dir and the lock shadow never count as content
	scanGlobs := append([]string{}, cfg.ExcludedGlobs...)
	scanGlobs = append(scanGlobs, filepath.Base(ws.MetadataDir), lockObjectName)
	scanner := fingerprint.NewScanner(ws.Root, cfg.ExcludedSubpaths, scanGlobs)

	transferGlobs := excludeGlobsForTransfer(ws.Root, cfg)
	mover := transfer.NewS3Transfer(client, ws.Root, cfg.RemotePrefix, transfer.Options{
		DeleteExtraneous: cfg.DeleteExtraneous,
		Exclude:          transferGlobs,
	})

	var sink notify.Sink
	if cfg.DistributionID != "" {
		sink = notify.NewCloudFrontSink(awsCfg)
	}

	d := daemon.New(cfg, daemon.Deps{
		Scanner:          scanner,
		Locker:           locker,
		Transfer:         mover,
		Sink:             sink,
		Store:            client,
		LockKey:          lockKey,
		LockArtifactPath: lockArtifact,
	})

	err = d.Run(ctx)
	if errors.Is(err, daemon.ErrTooManyFailures) {
		slog.Error("stopping", "error", err)
		return err
	}
	return err
}

// excludeGlobsForTransfer converts the configured subpath exclusions
// into patterns the transfer planner understands, and always shields
// the metadata directory from both directions.
func excludeGlobsForTransfer(root string, cfg *config.Config) []string {
	globs := append([]string{}, cfg.ExcludedGlobs...)
	globs = append(globs, workspaceMetaGlob)

	for _, sub := range cfg.ExcludedSubpaths {
		rel := sub
		if filepath.IsAbs(sub) {
			if r, err := filepath.Rel(root, sub); err == nil {
				rel = r
			}
		}
		globs = append(globs, filepath.ToSlash(rel))
	}
	return globs
}

const workspaceMetaGlob = ".bucketsync"

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("dir", "d", ".", "local directory to sync")
	rootCmd.Flags().StringP("bucket", "b", "", "S3 bucket")
	rootCmd.Flags().StringP("prefix", "p", "", "key prefix inside the bucket")
	rootCmd.Flags().String("region", "us-east-1", "bucket region")
	rootCmd.Flags().String("endpoint", "", "custom S3 endpoint (minio etc)")
	rootCmd.Flags().IntP("interval", "i", 30, "poll interval in seconds (0 = single shot)")
	rootCmd.Flags().Int("max-failures", config.DefaultMaxFailures, "consecutive cycle failures before giving up (0 = unlimited)")
	rootCmd.Flags().Bool("distributed", false, "coordinate uploads across hosts with a bucket lock")
	rootCmd.Flags().Int("lock-stale-after", 60, "seconds before a lock object is considered abandoned")
	rootCmd.Flags().Int("lock-max-wait", 180, "seconds to keep retrying lock acquisition")
	rootCmd.Flags().Bool("upload-only", false, "never download remote changes")
	rootCmd.Flags().Bool("download-only", false, "never upload local changes")
	rootCmd.Flags().Bool("force-up", false, "upload once unconditionally before the loop")
	rootCmd.Flags().Bool("force-down", false, "download once unconditionally before the loop")
	rootCmd.Flags().Bool("delete", false, "mirror deletions to the destination side")
	rootCmd.Flags().StringSlice("exclude", nil, "subpaths of the local dir to ignore")
	rootCmd.Flags().StringSlice("exclude-glob", nil, "glob patterns to ignore")
	rootCmd.Flags().String("distribution", "", "CloudFront distribution to invalidate after uploads")
	rootCmd.Flags().String("invalidation-path", "/*", "path pattern for CloudFront invalidations")
	rootCmd.Flags().Bool("notify-any-change", false, "invalidate on downloaded changes too")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file")
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	for flagName, key := range map[string]string{
		"dir":               "dir",
		"bucket":            "bucket",
		"prefix":            "prefix",
		"region":            "region",
		"endpoint":          "endpoint",
		"interval":          "interval",
		"max-failures":      "max_failures",
		"distributed":       "distributed",
		"lock-stale-after":  "lock_stale_after",
		"lock-max-wait":     "lock_max_wait",
		"upload-only":       "upload_only",
		"download-only":     "download_only",
		"force-up":          "force_up",
		"force-down":        "force_down",
		"delete":            "delete",
		"exclude":           "exclude",
		"exclude-glob":      "exclude_glob",
		"distribution":      "distribution",
		"invalidation-path": "invalidation_path",
		"notify-any-change": "notify_any_change",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	viper.SetEnvPrefix("BUCKETSYNC")
	viper.AutomaticEnv()
	return nil
}

func main() {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}
