package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ytharvest/internal/checkpoint"
	"ytharvest/internal/config"
	"ytharvest/internal/harvest"
	"ytharvest/internal/httpclient"
	"ytharvest/internal/quota"
	"ytharvest/internal/scheduler"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
)

// runLockName is locked as <data dir>/ytharvest.lock for the length of a run.
const runLockName = "ytharvest"

var (
	errInterrupted = errors.New("interrupted; progress saved")
	errLocked      = errors.New("another sync is already running")
)

type syncFlags struct {
	storage        string
	dir            string
	includeReplies bool
	maxVideos      int
	resetQuota     bool
}

func (f *syncFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.storage, "storage", "", "Storage backend: sqlite, json, jsonl, postgres")
	cmd.Flags().StringVar(&f.dir, "dir", "", "Data directory")
	cmd.Flags().BoolVar(&f.includeReplies, "include-replies", false, "Fetch replies to comments")
	cmd.Flags().IntVar(&f.maxVideos, "max-videos", 0, "Cap on videos considered by a full crawl (0 = all)")
	cmd.Flags().BoolVar(&f.resetQuota, "reset-quota", false, "Ignore quota usage recorded earlier today")
}

// apply copies explicitly set flags over cfg.
func (f *syncFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("storage") {
		cfg.Storage.Type = storage.BackendName(f.storage)
	}
	if changed("dir") {
		// A checkpoint living next to the data follows it.
		if cfg.CheckpointPath == filepath.Join(cfg.Storage.Path, checkpoint.DefaultFileName) {
			cfg.CheckpointPath = filepath.Join(f.dir, checkpoint.DefaultFileName)
		}
		cfg.Storage.Path = f.dir
	}
	if changed("include-replies") {
		cfg.Sync.IncludeReplies = f.includeReplies
	}
	if changed("max-videos") {
		cfg.Sync.MaxVideos = f.maxVideos
	}
}

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var flags syncFlags
	cmd := &cobra.Command{
		Use:   "sync [channel-id]",
		Short: "Run one incremental sync",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			channel, err := channelArg(cfg, args)
			if err != nil {
				return err
			}

			stop := &harvest.StopFlag{}
			runCtx, cleanup := handleSignals(cmd.Context(), ctx, stop.Stop)
			defer cleanup()

			res, err := ctx.runSync(runCtx, cfg, channel, stop, flags.resetQuota)
			if res != nil {
				printResult(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			if res.Interrupted {
				fmt.Fprintln(cmd.ErrOrStderr(), "Interrupted; progress saved.")
				return errInterrupted
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var (
		flags    syncFlags
		schedule string
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "watch [channel-id]",
		Short: "Sync on a cron schedule until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if cmd.Flags().Changed("schedule") {
				cfg.Schedule = schedule
			}
			channel, err := channelArg(cfg, args)
			if err != nil {
				return err
			}

			// The first signal stops the schedule and the run in progress at
			// its next checkpoint; a second one cancels in-flight calls.
			stop := &harvest.StopFlag{}
			schedCtx, stopSchedule := context.WithCancel(cmd.Context())
			defer stopSchedule()
			runCtx, cleanup := handleSignals(cmd.Context(), ctx, func() {
				stop.Stop()
				stopSchedule()
			})
			defer cleanup()

			out := cmd.OutOrStdout()
			sched, err := scheduler.New(cfg.Schedule, scheduledRun(schedCtx, stop, func() error {
				res, err := ctx.runSync(runCtx, cfg, channel, stop, flags.resetQuota)
				if res != nil {
					printResult(out, res)
				}
				return err
			}), ctx.logger)
			if err != nil {
				return err
			}

			if now {
				if err := sched.RunOnce(runCtx); err != nil {
					ctx.logger.Error("initial run failed", "error", err)
				}
			}
			if err := sched.Start(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&schedule, "schedule", "", "Five-field cron spec in Pacific time (default \"0 9 * * *\")")
	cmd.Flags().BoolVar(&now, "now", false, "Run once immediately before waiting for the schedule")
	return cmd
}

// scheduledRun wraps run for the scheduler. Each run starts with a cleared
// stop flag unless the schedule itself was stopped, in which case a tick that
// fires late is skipped and the stop request stays in place.
func scheduledRun(schedCtx context.Context, stop *harvest.StopFlag, run func() error) func(context.Context) error {
	return func(context.Context) error {
		if schedCtx.Err() != nil {
			return nil
		}
		stop.Reset()
		return run()
	}
}

func channelArg(cfg *config.Config, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if cfg.ChannelID != "" {
		return cfg.ChannelID, nil
	}
	return "", errors.New("channel id required: pass it as an argument or set YOUTUBE_CHANNEL_ID")
}

// handleSignals calls onFirst on the first SIGINT or SIGTERM and cancels the
// returned context on the second.
func handleSignals(parent context.Context, cc *commandContext, onFirst func()) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cc.logger.Warn("stop requested; finishing the current video (signal again to abort)")
			onFirst()
		case <-done:
			return
		}
		select {
		case <-sigs:
			cc.logger.Warn("aborting in-flight calls")
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// runSync wires one harvest from cfg and runs it under the run lock.
func (c *commandContext) runSync(ctx context.Context, cfg *config.Config, channel string, stop *harvest.StopFlag, resetQuota bool) (*harvest.Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	lock := storage.NewFileLock(filepath.Join(cfg.Storage.Path, runLockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", errLocked, lock.Path())
	}
	defer lock.Unlock()

	client := httpclient.New(httpclient.Config{Timeout: cfg.HTTPTimeout.Std(), Logger: c.logger})
	api, err := c.newAPI(ctx, cfg.APIKey, client)
	if err != nil {
		return nil, err
	}

	tracker := quota.New(cfg.Quota.Limit, cfg.Quota.SafetyMargin)
	gw := youtube.NewGateway(api, tracker, youtube.Options{
		RequestDelay: orDisabled(cfg.Sync.RequestDelay.Std()),
		Logger:       c.logger,
	})

	store, err := c.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	mgr := harvest.NewManager(gw, store, checkpoint.New(cfg.CheckpointPath, c.logger), tracker, harvest.Options{
		IncludeReplies: cfg.Sync.IncludeReplies,
		MaxVideos:      cfg.Sync.MaxVideos,
		Delta: harvest.DeltaOptions{
			Disabled:  !cfg.Delta.Enabled,
			Limit:     cfg.Delta.Limit,
			BatchSize: cfg.Delta.BatchSize,
			Delay:     orDisabled(cfg.Delta.Delay.Std()),
		},
		ResetQuota: resetQuota,
		Stop:       stop,
		Observer:   harvest.NewLogObserver(c.logger),
		Logger:     c.logger,
	})
	return mgr.Run(ctx, channel)
}

// orDisabled maps a configured zero delay onto the "no delay" value the
// sync packages expect, since their zero value means the default.
func orDisabled(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func printResult(w io.Writer, res *harvest.Result) {
	rows := [][]string{
		{"Run", res.RunID},
		{"Mode", string(res.Mode)},
		{"New videos", humanize.Comma(int64(res.NewVideos))},
		{"Changed videos", humanize.Comma(int64(res.ChangedVideos))},
		{"Comments fetched", humanize.Comma(int64(res.CommentsFetched))},
		{"Skipped (comments disabled)", humanize.Comma(int64(res.SkippedVideos))},
		{"Failed (retry next run)", humanize.Comma(int64(res.FailedVideos))},
		{"Quota used", fmt.Sprintf("%s (%s remaining)", humanize.Comma(int64(res.QuotaUsed)), humanize.Comma(int64(res.QuotaRemaining)))},
		{"Duration", res.Duration.Round(time.Millisecond).String()},
		{"Interrupted", yesNo(res.Interrupted)},
	}
	fmt.Fprintln(w, renderTable([]string{"Sync", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, youtube.ErrQuotaExceeded):
		return 2
	case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
