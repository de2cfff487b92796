package harvest

import (
	"context"
	"errors"
	"log/slog"

	"ytharvest/internal/storage"
)

// DefaultCommentBatchSize is the number of comments written per upsert.
const DefaultCommentBatchSize = 100

// CommentOptions configures a CommentSync.
type CommentOptions struct {
	IncludeReplies bool
	BatchSize      int
	Logger         *slog.Logger
}

// CommentSync fetches the comments of one video at a time and writes them
// in batches.
type CommentSync struct {
	gw             Gateway
	store          storage.CommentStore
	includeReplies bool
	batchSize      int
	logger         *slog.Logger
}

// NewCommentSync returns a CommentSync writing to store.
func NewCommentSync(gw Gateway, store storage.CommentStore, opts CommentOptions) *CommentSync {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultCommentBatchSize
	}
	return &CommentSync{
		gw:             gw,
		store:          store,
		includeReplies: opts.IncludeReplies,
		batchSize:      opts.BatchSize,
		logger:         opts.Logger.With("component", "comments"),
	}
}

// Sync fetches every comment of video and returns how many were written.
// observe, if set, sees each comment before the batch holding it is
// written; every observed comment is written by the time Sync returns
// unless the write itself fails. On a fetch error the comments buffered so
// far are still written and the fetch error is returned as is, so
// youtube.ErrCommentsDisabled and youtube.ErrQuotaExceeded stay matchable.
func (cs *CommentSync) Sync(ctx context.Context, video *storage.Video, observe func(*storage.Comment)) (int, error) {
	written := 0
	batch := make([]*storage.Comment, 0, cs.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := cs.store.UpsertComments(ctx, batch); err != nil {
			return err
		}
		written += len(batch)
		batch = make([]*storage.Comment, 0, cs.batchSize)
		return nil
	}

	for c, err := range cs.gw.Comments(ctx, video.ID, cs.includeReplies) {
		if err != nil {
			if ferr := flush(); ferr != nil {
				return written, errors.Join(err, ferr)
			}
			return written, err
		}
		if observe != nil {
			observe(c)
		}
		batch = append(batch, c)
		if len(batch) >= cs.batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}

	cs.logger.Debug("comments synced", "video_id", video.ID, "count", written)
	return written, nil
}
