package harvest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"ytharvest/internal/checkpoint"
	"ytharvest/internal/quota"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
)

// Orchestrator defaults.
const (
	DefaultVideoBatchSize  = 10
	DefaultCheckpointEvery = 1000
)

// Store is the storage a run writes to.
type Store interface {
	storage.VideoStore
	storage.CommentStore
}

// Checkpointer loads and saves run progress. *checkpoint.Store implements it.
type Checkpointer interface {
	Load() checkpoint.State
	Save(checkpoint.State) error
}

// Mode is the video discovery strategy of a run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Options configures a Manager.
type Options struct {
	IncludeReplies bool
	MaxVideos      int
	// VideoBatchSize is the number of new videos written and checkpointed together.
	VideoBatchSize   int
	CommentBatchSize int
	// CheckpointEvery saves the checkpoint after this many comments.
	CheckpointEvery int
	Delta           DeltaOptions
	// ResetQuota ignores the usage recorded in the checkpoint.
	ResetQuota bool
	Stop       *StopFlag
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Result summarizes one run.
type Result struct {
	RunID           string
	Mode            Mode
	NewVideos       int
	ChangedVideos   int
	CommentsFetched int
	// SkippedVideos had comments disabled.
	SkippedVideos int
	// FailedVideos hit a provider error and stay pending for the next run.
	FailedVideos   int
	QuotaUsed      int
	QuotaRemaining int
	Interrupted    bool
	Duration       time.Duration
}

// Manager sequences video discovery, comment fetching and checkpointing.
// One Manager runs one harvest at a time.
type Manager struct {
	store       Store
	checkpoints Checkpointer
	tracker     *quota.Tracker
	videos      *VideoSync
	comments    *CommentSync
	opts        Options
	logger      *slog.Logger
}

// NewManager wires a Manager. tracker must be the tracker gw charges.
func NewManager(gw Gateway, store Store, checkpoints Checkpointer, tracker *quota.Tracker, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Stop == nil {
		opts.Stop = &StopFlag{}
	}
	if opts.Observer == nil {
		opts.Observer = Observers(nil)
	}
	if opts.VideoBatchSize <= 0 {
		opts.VideoBatchSize = DefaultVideoBatchSize
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = DefaultCheckpointEvery
	}

	return &Manager{
		store:       store,
		checkpoints: checkpoints,
		tracker:     tracker,
		videos: NewVideoSync(gw, VideoOptions{
			MaxVideos: opts.MaxVideos,
			Delta:     opts.Delta,
			Stop:      opts.Stop,
			Logger:    opts.Logger,
		}),
		comments: NewCommentSync(gw, store, CommentOptions{
			IncludeReplies: opts.IncludeReplies,
			BatchSize:      opts.CommentBatchSize,
			Logger:         opts.Logger,
		}),
		opts:   opts,
		logger: opts.Logger.With("component", "harvest"),
	}
}

// Stop returns the flag that interrupts the run.
func (m *Manager) Stop() *StopFlag { return m.opts.Stop }

// run is the state of one Run call.
type run struct {
	*Manager
	id        string
	today     string
	state     checkpoint.State
	result    *Result
	sinceSave int
	changed   map[string]*storage.Video
	known     map[string]*storage.Video
	phaseErr  error
}

// Run harvests channelID once. A stop request ends the run early with
// Result.Interrupted set and a nil error. Quota exhaustion returns an error
// matching youtube.ErrQuotaExceeded. The checkpoint is saved on every path,
// and a partial Result is returned alongside any error.
func (m *Manager) Run(ctx context.Context, channelID string) (res *Result, err error) {
	start := m.opts.Now()
	r := &run{
		Manager: m,
		id:      uuid.NewString(),
		today:   quota.Day(start),
		state:   m.checkpoints.Load(),
		changed: make(map[string]*storage.Video),
		known:   make(map[string]*storage.Video),
	}
	r.result = &Result{RunID: r.id}
	r.prepareState(channelID)

	defer func() {
		if err != nil || r.result.Interrupted {
			r.emit(PhaseAborting, 0, 0, "Saving progress before stopping")
		}
		r.emit(PhaseSavingCheckpoint, 0, 0, "Saving checkpoint")
		if err == nil && !r.result.Interrupted {
			r.state.ProcessedVideos = make(map[string]struct{})
		}
		if serr := r.save(); serr != nil {
			err = errors.Join(err, serr)
		}
		r.result.QuotaUsed = m.tracker.Used()
		r.result.QuotaRemaining = m.tracker.Remaining()
		r.result.Duration = m.opts.Now().Sub(start)
		r.finish(err)
		res = r.result
	}()

	r.emit(PhaseResolvingVideos, 0, 0, "Checking storage")
	total, err := m.store.TotalVideos(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.dropUnstored(ctx); err != nil {
		return nil, err
	}
	if total == 0 || (!r.state.CrawlComplete && r.state.ChannelID == channelID) {
		r.result.Mode = ModeFull
	} else {
		r.result.Mode = ModeIncremental
	}
	r.state.ChannelID = channelID
	r.state.RunID = r.id
	m.logger.Info("harvest started", "run_id", r.id, "channel_id", channelID, "mode", r.result.Mode,
		"stored_videos", total, "pending", len(r.state.PendingComments), "quota_used", m.tracker.Used())

	var videoErr error
	if r.result.Mode == ModeFull {
		videoErr = r.fullCrawl(ctx, channelID)
	} else {
		videoErr = r.incremental(ctx, channelID)
	}
	if videoErr != nil && !isUnitError(videoErr) {
		return nil, videoErr
	}
	if videoErr != nil {
		m.logger.Warn("video discovery failed, continuing with known videos", "error", videoErr)
		r.phaseErr = videoErr
	}
	if r.result.Interrupted {
		return nil, nil
	}

	if err := r.fetchComments(ctx); err != nil {
		return nil, err
	}
	if r.phaseErr != nil && !r.result.Interrupted {
		return nil, r.phaseErr
	}
	return nil, nil
}

// prepareState applies the quota day and drops progress recorded for a
// different channel.
func (r *run) prepareState(channelID string) {
	st := &r.state
	if st.ProcessedVideos == nil {
		st.ProcessedVideos = make(map[string]struct{})
	}
	switch {
	case r.opts.ResetQuota:
		r.logger.Info("quota usage reset", "previous", st.QuotaUsed)
	case st.QuotaDate != "" && st.QuotaDate != r.today:
		r.logger.Info("new quota day, previous usage discarded", "previous_day", st.QuotaDate, "previous", st.QuotaUsed)
	default:
		r.tracker.Seed(st.QuotaUsed)
	}
	st.QuotaDate = r.today

	if st.ChannelID != "" && st.ChannelID != channelID {
		r.logger.Warn("checkpoint belongs to another channel, discarding its progress",
			"checkpoint_channel", st.ChannelID, "channel_id", channelID)
		st.ProcessedVideos = make(map[string]struct{})
		st.PendingComments = nil
		st.CrawlComplete = true
	}
}

// dropUnstored forgets checkpoint progress for videos the store does not
// hold, as happens when the checkpoint outlives a store or is shared with
// another backend. Those videos are then discovered again.
func (r *run) dropUnstored(ctx context.Context) error {
	if len(r.state.ProcessedVideos) == 0 && len(r.state.PendingComments) == 0 {
		return nil
	}
	saved, err := r.store.SavedVideoIDs(ctx)
	if err != nil {
		return err
	}
	dropped := 0
	for id := range r.state.ProcessedVideos {
		if _, ok := saved[id]; !ok {
			delete(r.state.ProcessedVideos, id)
			dropped++
		}
	}
	r.state.PendingComments = slices.DeleteFunc(r.state.PendingComments, func(id string) bool {
		_, ok := saved[id]
		if !ok {
			dropped++
		}
		return !ok
	})
	if dropped > 0 {
		r.logger.Warn("checkpoint lists videos missing from storage, forgetting them", "entries", dropped)
	}
	return nil
}

func (r *run) fullCrawl(ctx context.Context, channelID string) error {
	r.state.CrawlComplete = false
	saved, err := r.store.SavedVideoIDs(ctx)
	if err != nil {
		return err
	}
	skip := func(id string) bool {
		if r.state.IsProcessed(id) {
			return true
		}
		_, ok := saved[id]
		return ok
	}

	r.emit(PhaseResolvingVideos, 0, 0, "Fetching all channel videos")
	if err := r.collect(ctx, r.videos.FullCrawl(ctx, channelID, skip)); err != nil {
		return err
	}
	if !r.result.Interrupted {
		r.state.CrawlComplete = true
	}
	return nil
}

func (r *run) incremental(ctx context.Context, channelID string) error {
	latest, err := r.store.LatestVideo(ctx)
	if err != nil {
		return err
	}

	r.emit(PhaseResolvingVideos, 0, 0, "Checking for new videos")
	if err := r.collect(ctx, r.videos.NewSince(ctx, channelID, latest.PublishedAt)); err != nil {
		return err
	}
	if r.result.Interrupted {
		return nil
	}

	stored, err := r.store.AllVideos(ctx)
	if err != nil {
		return err
	}
	stored = slices.DeleteFunc(stored, func(v *storage.Video) bool {
		_, fresh := r.known[v.ID]
		return fresh
	})

	r.emit(PhaseResolvingVideos, 0, len(stored), "Checking existing videos for new comments")
	changed, err := r.videos.Changed(ctx, stored)
	for _, v := range changed {
		r.changed[v.ID] = v
	}
	r.result.ChangedVideos = len(changed)
	if r.opts.Stop.Stopped() {
		r.result.Interrupted = true
	}
	return err
}

// collect writes discovered videos in batches and queues them for comments.
func (r *run) collect(ctx context.Context, videos iter.Seq2[*storage.Video, error]) error {
	var batch []*storage.Video
	for v, err := range videos {
		if err != nil {
			if ferr := r.saveVideos(ctx, batch); ferr != nil {
				return ferr
			}
			return err
		}
		batch = append(batch, v)
		if len(batch) < r.opts.VideoBatchSize {
			continue
		}
		if err := r.saveVideos(ctx, batch); err != nil {
			return err
		}
		batch = nil
		if r.opts.Stop.Stopped() {
			r.result.Interrupted = true
			return nil
		}
	}
	return r.saveVideos(ctx, batch)
}

func (r *run) saveVideos(ctx context.Context, batch []*storage.Video) error {
	if len(batch) == 0 {
		return nil
	}
	if err := r.store.UpsertVideos(ctx, batch); err != nil {
		return err
	}
	for _, v := range batch {
		r.known[v.ID] = v
		r.state.MarkProcessed(v.ID)
		if !slices.Contains(r.state.PendingComments, v.ID) {
			r.state.PendingComments = append(r.state.PendingComments, v.ID)
		}
	}
	r.result.NewVideos += len(batch)
	r.emit(PhaseSavingVideos, r.result.NewVideos, 0, fmt.Sprintf("Saved %d videos", r.result.NewVideos))
	return r.save()
}

func (r *run) candidates() []*storage.Video {
	seen := make(map[string]struct{})
	var out []*storage.Video
	add := func(v *storage.Video) {
		if _, dup := seen[v.ID]; dup {
			return
		}
		seen[v.ID] = struct{}{}
		out = append(out, v)
	}
	for _, id := range r.state.PendingComments {
		if v, ok := r.known[id]; ok {
			add(v)
		} else if v, ok := r.changed[id]; ok {
			add(v)
		} else {
			add(&storage.Video{ID: id})
		}
	}
	changed := make([]*storage.Video, 0, len(r.changed))
	for _, v := range r.changed {
		changed = append(changed, v)
	}
	slices.SortFunc(changed, func(a, b *storage.Video) int { return b.PublishedAt.Compare(a.PublishedAt) })
	for _, v := range changed {
		add(v)
	}
	return out
}

func (r *run) fetchComments(ctx context.Context) error {
	todo := r.candidates()
	if len(todo) == 0 {
		return nil
	}
	r.logger.Info("fetching comments", "videos", len(todo))

	for i, v := range todo {
		if r.opts.Stop.Stopped() {
			r.result.Interrupted = true
			return nil
		}
		if r.tracker.ShouldStop() {
			return fmt.Errorf("%w: %d of %d units used before video %s",
				youtube.ErrQuotaExceeded, r.tracker.Used(), r.tracker.Limit(), v.ID)
		}
		r.emit(PhaseFetchingComments, i, len(todo), "Fetching comments for "+label(v))

		n, err := r.comments.Sync(ctx, v, r.observeComment)
		r.result.CommentsFetched += n
		switch {
		case err == nil:
		case errors.Is(err, youtube.ErrCommentsDisabled):
			r.logger.Info("comments disabled, skipping", "video_id", v.ID)
			r.result.SkippedVideos++
		case errors.Is(err, youtube.ErrQuotaExceeded), isFatal(err):
			return err
		default:
			r.logger.Warn("comment fetch failed, will retry next run", "video_id", v.ID, "error", err)
			r.result.FailedVideos++
			continue
		}

		// The changed video's fresh statistics are only recorded once its
		// comments are stored.
		if fresh, ok := r.changed[v.ID]; ok {
			if err := r.store.UpsertVideos(ctx, []*storage.Video{fresh}); err != nil {
				return err
			}
		}
		r.state.PendingComments = slices.DeleteFunc(r.state.PendingComments, func(id string) bool { return id == v.ID })
	}
	r.emit(PhaseFetchingComments, len(todo), len(todo), "Comments fetched")
	return nil
}

func (r *run) observeComment(*storage.Comment) {
	r.sinceSave++
	if r.sinceSave < r.opts.CheckpointEvery {
		return
	}
	r.sinceSave = 0
	if err := r.save(); err != nil {
		r.logger.Warn("periodic checkpoint failed", "error", err)
	}
}

func (r *run) save() error {
	r.state.QuotaUsed = r.tracker.Used()
	r.state.QuotaDate = r.today
	return r.checkpoints.Save(r.state)
}

func (r *run) emit(phase Phase, progress, total int, msg string) {
	r.opts.Observer.Observe(Event{
		RunID:    r.id,
		Phase:    phase,
		Progress: progress,
		Total:    total,
		Message:  msg,
		Time:     r.opts.Now(),
	})
}

func (r *run) finish(err error) {
	res := r.result
	ev := Event{RunID: r.id, Phase: PhaseDone, Progress: res.CommentsFetched, Time: r.opts.Now()}
	switch {
	case err != nil && errors.Is(err, youtube.ErrQuotaExceeded):
		ev.Message = fmt.Sprintf("Quota exhausted after %d new videos and %d comments; resume tomorrow", res.NewVideos, res.CommentsFetched)
		ev.Error = err.Error()
	case err != nil:
		ev.Message = "Harvest failed"
		ev.Error = err.Error()
	case res.Interrupted:
		ev.Message = fmt.Sprintf("Interrupted after %d new videos and %d comments", res.NewVideos, res.CommentsFetched)
	default:
		ev.Message = fmt.Sprintf("Completed: %d new videos, %d updated, %d comments", res.NewVideos, res.ChangedVideos, res.CommentsFetched)
	}
	r.opts.Observer.Observe(ev)
	r.logger.Info("harvest finished", "run_id", r.id, "mode", res.Mode, "new_videos", res.NewVideos,
		"changed_videos", res.ChangedVideos, "comments", res.CommentsFetched, "skipped", res.SkippedVideos,
		"failed", res.FailedVideos, "interrupted", res.Interrupted, "quota_used", res.QuotaUsed)
}

// isUnitError reports a provider failure that ends the current phase but
// not the run.
func isUnitError(err error) bool {
	return errors.Is(err, youtube.ErrProvider) && !errors.Is(err, youtube.ErrQuotaExceeded)
}

// isFatal reports errors that end the run: storage failures and cancellation.
func isFatal(err error) bool {
	var serr *storage.StorageError
	return errors.As(err, &serr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func label(v *storage.Video) string {
	if v.Title != "" {
		return v.Title
	}
	return v.ID
}
