// Package harvest runs the incremental synchronization of one channel: it
// decides which videos are new or have gained comments, fetches their
// comments and keeps a checkpoint so an interrupted run can resume.
package harvest

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"time"

	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
)

// Gateway is the remote side of a harvest. *youtube.Gateway implements it.
type Gateway interface {
	ResolveUploads(ctx context.Context, channelRef string) (string, error)
	ListUploads(ctx context.Context, playlistID string) iter.Seq2[*storage.Video, error]
	VideoDetails(ctx context.Context, ids []string) ([]*storage.Video, error)
	Comments(ctx context.Context, videoID string, includeReplies bool) iter.Seq2[*storage.Comment, error]
}

// Delta scan defaults.
const (
	DefaultDeltaBatchSize = 1
	DefaultDeltaDelay     = 100 * time.Millisecond
)

// DeltaOptions scopes the scan of stored videos for new comments.
type DeltaOptions struct {
	// Disabled skips the scan entirely.
	Disabled bool
	// Limit restricts the scan to the most recently published videos. 0 scans all.
	Limit int
	// BatchSize is the number of IDs per detail call, 1 to 50.
	BatchSize int
	// Delay separates consecutive detail calls. Negative disables it.
	Delay time.Duration
}

func (o DeltaOptions) withDefaults() DeltaOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultDeltaBatchSize
	}
	o.BatchSize = min(o.BatchSize, youtube.MaxIDsPerCall)
	if o.Delay == 0 {
		o.Delay = DefaultDeltaDelay
	}
	return o
}

// VideoOptions configures a VideoSync.
type VideoOptions struct {
	// MaxVideos caps how many listed videos a full crawl considers. 0 means no cap.
	MaxVideos int
	Delta     DeltaOptions
	Stop      *StopFlag
	Logger    *slog.Logger
}

// VideoSync decides which videos a run has to look at.
type VideoSync struct {
	gw     Gateway
	max    int
	delta  DeltaOptions
	stop   *StopFlag
	logger *slog.Logger
}

// NewVideoSync returns a VideoSync reading through gw.
func NewVideoSync(gw Gateway, opts VideoOptions) *VideoSync {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VideoSync{
		gw:     gw,
		max:    max(opts.MaxVideos, 0),
		delta:  opts.Delta.withDefaults(),
		stop:   opts.Stop,
		logger: opts.Logger.With("component", "videos"),
	}
}

// FullCrawl streams every upload of the channel with details and
// statistics. IDs for which skip returns true are listed but not fetched.
// Duplicate listing entries are ignored.
func (vs *VideoSync) FullCrawl(ctx context.Context, channelID string, skip func(id string) bool) iter.Seq2[*storage.Video, error] {
	return func(yield func(*storage.Video, error) bool) {
		playlist, err := vs.gw.ResolveUploads(ctx, channelID)
		if err != nil {
			yield(nil, err)
			return
		}

		seen := make(map[string]struct{})
		var batch []string
		flush := func() bool {
			ids := batch
			batch = nil
			return vs.details(ctx, ids, yield)
		}

		listed := 0
		for v, err := range vs.gw.ListUploads(ctx, playlist) {
			if err != nil {
				yield(nil, err)
				return
			}
			if _, dup := seen[v.ID]; dup {
				continue
			}
			seen[v.ID] = struct{}{}
			listed++

			if skip == nil || !skip(v.ID) {
				batch = append(batch, v.ID)
				if len(batch) == youtube.MaxIDsPerCall && !flush() {
					return
				}
			}
			if vs.max > 0 && listed >= vs.max {
				vs.logger.Info("video cap reached", "max_videos", vs.max)
				break
			}
		}
		if len(batch) > 0 {
			flush()
		}
	}
}

// NewSince streams the uploads published strictly after newest. The listing
// is newest first, so it stops at the first video that is not newer.
func (vs *VideoSync) NewSince(ctx context.Context, channelID string, newest time.Time) iter.Seq2[*storage.Video, error] {
	return func(yield func(*storage.Video, error) bool) {
		playlist, err := vs.gw.ResolveUploads(ctx, channelID)
		if err != nil {
			yield(nil, err)
			return
		}

		var ids []string
		seen := make(map[string]struct{})
		for v, err := range vs.gw.ListUploads(ctx, playlist) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !v.PublishedAt.After(newest) {
				break
			}
			if _, dup := seen[v.ID]; dup {
				continue
			}
			seen[v.ID] = struct{}{}
			ids = append(ids, v.ID)
		}
		vs.logger.Debug("early-stop scan finished", "new", len(ids), "newest_stored", newest)

		for _, chunk := range youtube.Chunk(ids, youtube.MaxIDsPerCall) {
			if !vs.details(ctx, chunk, yield) {
				return
			}
		}
	}
}

func (vs *VideoSync) details(ctx context.Context, ids []string, yield func(*storage.Video, error) bool) bool {
	videos, err := vs.gw.VideoDetails(ctx, ids)
	if err != nil {
		yield(nil, err)
		return false
	}
	for _, v := range videos {
		if !yield(v, nil) {
			return false
		}
	}
	return true
}

// Changed re-fetches details of stored videos and returns the fresh records
// of those whose reported comment count grew. Videos gone upstream are
// skipped. A quota or context error ends the scan early and is returned
// together with the videos found so far; other provider errors are logged
// and the scan moves on.
func (vs *VideoSync) Changed(ctx context.Context, stored []*storage.Video) ([]*storage.Video, error) {
	if vs.delta.Disabled || len(stored) == 0 {
		return nil, nil
	}

	scope := stored
	if vs.delta.Limit > 0 && len(scope) > vs.delta.Limit {
		scope = slices.Clone(stored)
		slices.SortStableFunc(scope, func(a, b *storage.Video) int {
			return cmp.Compare(b.PublishedAt.UnixNano(), a.PublishedAt.UnixNano())
		})
		scope = scope[:vs.delta.Limit]
	}

	known := make(map[string]*storage.Video, len(scope))
	ids := make([]string, 0, len(scope))
	for _, v := range scope {
		if _, dup := known[v.ID]; dup {
			continue
		}
		known[v.ID] = v
		ids = append(ids, v.ID)
	}

	var changed []*storage.Video
	for i, chunk := range youtube.Chunk(ids, vs.delta.BatchSize) {
		if vs.stop.Stopped() {
			vs.logger.Info("delta scan stopped", "checked", i*vs.delta.BatchSize, "total", len(ids))
			break
		}
		if i > 0 {
			if err := sleep(ctx, vs.delta.Delay); err != nil {
				return changed, err
			}
		}

		fresh, err := vs.gw.VideoDetails(ctx, chunk)
		if err != nil {
			if errors.Is(err, youtube.ErrQuotaExceeded) || ctx.Err() != nil {
				return changed, err
			}
			vs.logger.Warn("delta check failed", "videos", chunk, "error", err)
			continue
		}
		for _, v := range fresh {
			old, ok := known[v.ID]
			if !ok {
				continue
			}
			if v.ReportedComments() > old.ReportedComments() {
				vs.logger.Debug("video gained comments", "video_id", v.ID,
					"stored", old.ReportedComments(), "reported", v.ReportedComments())
				changed = append(changed, v)
			}
		}
	}
	return changed, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
