// Package youtube talks to the YouTube Data API v3. Every remote call goes
// through one path that gates on the quota budget, spaces calls out, retries
// server errors a bounded number of times and classifies failures.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/youtube/v3"

	"ytharvest/internal/quota"
	"ytharvest/internal/retry"
	"ytharvest/internal/storage"
)

// Provider limits.
const (
	// MaxIDsPerCall is the largest id list videos.list accepts.
	MaxIDsPerCall = 50
	// DefaultListPageSize is the largest playlistItems.list page.
	DefaultListPageSize = 50
	// DefaultCommentPageSize is the largest commentThreads.list page.
	DefaultCommentPageSize = 100
	// DefaultRequestDelay spaces consecutive calls.
	DefaultRequestDelay = 500 * time.Millisecond
)

// unitsPerCall is the quota cost of every endpoint this package uses.
const unitsPerCall = 1

// Options tunes a Gateway. Zero values pick the defaults above.
type Options struct {
	// RequestDelay is the minimum spacing between calls. Negative disables it.
	RequestDelay    time.Duration
	ListPageSize    int64
	CommentPageSize int64
	// Retry governs retries of server errors. Zero value means retry.DefaultConfig().
	Retry  *retry.Config
	Logger *slog.Logger
	// Now stamps ScrapedAt. Defaults to time.Now.
	Now func() time.Time
}

// Channel is a resolved channel.
type Channel struct {
	ID                string
	Title             string
	UploadsPlaylistID string
}

// Gateway wraps API with quota accounting, pacing, retry and normalization.
// It is safe for use by one harvest at a time.
type Gateway struct {
	api      API
	tracker  *quota.Tracker
	limiter  *rate.Limiter
	retry    retry.Config
	listSize int64
	pageSize int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewGateway builds a Gateway charging tracker for every successful call.
func NewGateway(api API, tracker *quota.Tracker, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ListPageSize <= 0 || opts.ListPageSize > DefaultListPageSize {
		opts.ListPageSize = DefaultListPageSize
	}
	if opts.CommentPageSize <= 0 || opts.CommentPageSize > DefaultCommentPageSize {
		opts.CommentPageSize = DefaultCommentPageSize
	}
	cfg := retry.DefaultConfig()
	if opts.Retry != nil {
		cfg = *opts.Retry
	}

	delay := opts.RequestDelay
	if delay == 0 {
		delay = DefaultRequestDelay
	}
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}

	g := &Gateway{
		api:      api,
		tracker:  tracker,
		limiter:  rate.NewLimiter(limit, 1),
		listSize: opts.ListPageSize,
		pageSize: opts.CommentPageSize,
		logger:   opts.Logger.With("component", "youtube"),
		now:      opts.Now,
	}
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
			g.logger.Warn("server error, retrying", "attempt", attempt, "wait", wait, "error", err)
		}
	}
	g.retry = cfg
	return g
}

// Tracker returns the quota tracker the gateway charges.
func (g *Gateway) Tracker() *quota.Tracker { return g.tracker }

// call runs fn as one metered remote call.
func (g *Gateway) call(ctx context.Context, op, resource, id string, fn func(context.Context) error) error {
	if g.tracker.ShouldStop() {
		return &APIError{Op: op, Resource: resource, ID: id,
			Err: fmt.Errorf("%w: %d of %d units used", ErrQuotaExceeded, g.tracker.Used(), g.tracker.Limit())}
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return &APIError{Op: op, Resource: resource, ID: id, Err: err}
	}

	err := retry.Do(ctx, g.retry, isTransient, func(ctx context.Context) error {
		return classify(fn(ctx))
	})
	if err != nil {
		if errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%w: %w", ErrProvider, err)
		}
		return &APIError{Op: op, Resource: resource, ID: id, Err: err}
	}

	g.tracker.Charge(unitsPerCall)
	g.logger.Debug("call", "op", op, "resource", resource, "id", id, "quota_used", g.tracker.Used())
	return nil
}

// ResolveChannel looks up a channel by ID, channel URL or @handle and
// returns its uploads playlist.
func (g *Gateway) ResolveChannel(ctx context.Context, ref string) (*Channel, error) {
	id, handle, err := parseChannelRef(ref)
	if err != nil {
		return nil, &APIError{Op: "resolve", Resource: "channels", ID: ref, Err: err}
	}

	var resp *youtube.ChannelListResponse
	err = g.call(ctx, "resolve", "channels", ref, func(ctx context.Context) error {
		var err error
		resp, err = g.api.Channels(ctx, id, handle)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &APIError{Op: "resolve", Resource: "channels", ID: ref, Err: ErrChannelNotFound}
		}
		return nil, err
	}
	if resp == nil || len(resp.Items) == 0 {
		return nil, &APIError{Op: "resolve", Resource: "channels", ID: ref, Err: ErrChannelNotFound}
	}

	item := resp.Items[0]
	ch := &Channel{ID: item.Id}
	if item.Snippet != nil {
		ch.Title = item.Snippet.Title
	}
	if item.ContentDetails != nil && item.ContentDetails.RelatedPlaylists != nil {
		ch.UploadsPlaylistID = item.ContentDetails.RelatedPlaylists.Uploads
	}
	if ch.UploadsPlaylistID == "" {
		return nil, &APIError{Op: "resolve", Resource: "channels", ID: ref, Err: fmt.Errorf("%w: no uploads playlist", ErrChannelNotFound)}
	}
	return ch, nil
}

// ResolveUploads returns the uploads playlist of a channel.
func (g *Gateway) ResolveUploads(ctx context.Context, channelRef string) (string, error) {
	ch, err := g.ResolveChannel(ctx, channelRef)
	if err != nil {
		return "", err
	}
	return ch.UploadsPlaylistID, nil
}

// ListUploads streams a playlist newest first. Pages are fetched lazily: a
// consumer that stops early never causes the next page to be requested.
// Returned videos carry listing fields only; statistics are nil.
func (g *Gateway) ListUploads(ctx context.Context, playlistID string) iter.Seq2[*storage.Video, error] {
	return func(yield func(*storage.Video, error) bool) {
		token := ""
		for {
			var resp *youtube.PlaylistItemListResponse
			err := g.call(ctx, "list", "playlistItems", playlistID, func(ctx context.Context) error {
				var err error
				resp, err = g.api.PlaylistItems(ctx, playlistID, token, g.listSize)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			scraped := g.now().UTC()
			for _, item := range resp.Items {
				v, ok := videoFromPlaylistItem(item, scraped)
				if !ok {
					continue
				}
				if !yield(v, nil) {
					return
				}
			}

			token = resp.NextPageToken
			if token == "" {
				return
			}
		}
	}
}

// VideoDetails fetches snippet and statistics for at most MaxIDsPerCall
// videos in one call. Unknown or private IDs are silently absent.
func (g *Gateway) VideoDetails(ctx context.Context, ids []string) ([]*storage.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxIDsPerCall {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyIDs, len(ids), MaxIDsPerCall)
	}

	var resp *youtube.VideoListResponse
	err := g.call(ctx, "list", "videos", "", func(ctx context.Context) error {
		var err error
		resp, err = g.api.Videos(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	scraped := g.now().UTC()
	out := make([]*storage.Video, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Id == "" {
			continue
		}
		out = append(out, videoFromResource(item, scraped))
	}
	return out, nil
}

// Comments streams the top-level comments of a video. With includeReplies,
// each thread's replies follow their parent immediately.
func (g *Gateway) Comments(ctx context.Context, videoID string, includeReplies bool) iter.Seq2[*storage.Comment, error] {
	return func(yield func(*storage.Comment, error) bool) {
		token := ""
		for {
			var resp *youtube.CommentThreadListResponse
			err := g.call(ctx, "list", "commentThreads", videoID, func(ctx context.Context) error {
				var err error
				resp, err = g.api.CommentThreads(ctx, videoID, token, g.pageSize)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			scraped := g.now().UTC()
			for _, thread := range resp.Items {
				if thread == nil || thread.Snippet == nil {
					continue
				}
				top, ok := commentFromResource(thread.Snippet.TopLevelComment, videoID, "", scraped)
				if !ok {
					continue
				}
				if !yield(top, nil) {
					return
				}
				if includeReplies && thread.Snippet.TotalReplyCount > 0 {
					for reply, err := range g.replies(ctx, top) {
						if !yield(reply, err) || err != nil {
							return
						}
					}
				}
			}

			token = resp.NextPageToken
			if token == "" {
				return
			}
		}
	}
}

func (g *Gateway) replies(ctx context.Context, parent *storage.Comment) iter.Seq2[*storage.Comment, error] {
	return func(yield func(*storage.Comment, error) bool) {
		token := ""
		for {
			var resp *youtube.CommentListResponse
			err := g.call(ctx, "list", "comments", parent.ID, func(ctx context.Context) error {
				var err error
				resp, err = g.api.Replies(ctx, parent.ID, token, g.pageSize)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			scraped := g.now().UTC()
			for _, item := range resp.Items {
				reply, ok := commentFromResource(item, parent.VideoID, parent.ID, scraped)
				if !ok {
					continue
				}
				if !yield(reply, nil) {
					return
				}
			}

			token = resp.NextPageToken
			if token == "" {
				return
			}
		}
	}
}

// Chunk splits ids into groups of at most size.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = MaxIDsPerCall
	}
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}
