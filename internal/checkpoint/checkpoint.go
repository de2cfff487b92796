// Package checkpoint persists harvest progress so an interrupted run can resume.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"ytharvest/internal/storage"
)

// DefaultFileName is used when no explicit checkpoint path is configured.
const DefaultFileName = "checkpoint.json"

// ErrCorrupt is logged when a checkpoint file cannot be decoded.
// Load never returns it; it degrades to an empty State instead.
var ErrCorrupt = errors.New("checkpoint: corrupt file")

// State is the resumable progress of one channel harvest.
type State struct {
	// ProcessedVideos holds IDs handled in the current logical run.
	ProcessedVideos map[string]struct{}
	// QuotaUsed is the cumulative provider cost recorded so far.
	QuotaUsed int
	// QuotaDate is the provider quota day QuotaUsed belongs to.
	QuotaDate string
	ChannelID string
	// CrawlComplete is false while a first full crawl is unfinished.
	CrawlComplete bool
	// PendingComments lists videos whose comments still need fetching.
	PendingComments []string
	RunID           string
	UpdatedAt       time.Time
	// Extra preserves keys this package does not know about.
	Extra map[string]json.RawMessage
}

// NewState returns an empty State.
func NewState() State {
	return State{ProcessedVideos: make(map[string]struct{})}
}

// IsProcessed reports whether id was handled in the current run.
func (s *State) IsProcessed(id string) bool {
	_, ok := s.ProcessedVideos[id]
	return ok
}

// MarkProcessed records id as handled.
func (s *State) MarkProcessed(id string) {
	if s.ProcessedVideos == nil {
		s.ProcessedVideos = make(map[string]struct{})
	}
	s.ProcessedVideos[id] = struct{}{}
}

// known keys of the on-disk object.
const (
	keyProcessed = "processed_videos"
	keyQuotaUsed = "quota_used"
	keyQuotaDate = "quota_date"
	keyChannel   = "channel_id"
	keyComplete  = "crawl_complete"
	keyPending   = "pending_comments"
	keyRunID     = "run_id"
	keyUpdatedAt = "updated_at"
)

// MarshalJSON writes a single flat object with processed IDs sorted.
func (s State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+8)
	for k, v := range s.Extra {
		out[k] = v
	}
	processed := slices.Sorted(maps.Keys(s.ProcessedVideos))
	if processed == nil {
		processed = []string{}
	}
	pending := s.PendingComments
	if pending == nil {
		pending = []string{}
	}
	out[keyProcessed] = processed
	out[keyQuotaUsed] = s.QuotaUsed
	out[keyQuotaDate] = s.QuotaDate
	out[keyChannel] = s.ChannelID
	out[keyComplete] = s.CrawlComplete
	out[keyPending] = pending
	out[keyRunID] = s.RunID
	out[keyUpdatedAt] = s.UpdatedAt
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat object, keeping unknown keys in Extra.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var known struct {
		Processed     []string  `json:"processed_videos"`
		QuotaUsed     int       `json:"quota_used"`
		QuotaDate     string    `json:"quota_date"`
		ChannelID     string    `json:"channel_id"`
		CrawlComplete *bool     `json:"crawl_complete"`
		Pending       []string  `json:"pending_comments"`
		RunID         string    `json:"run_id"`
		UpdatedAt     time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	*s = NewState()
	for _, id := range known.Processed {
		s.ProcessedVideos[id] = struct{}{}
	}
	s.QuotaUsed = known.QuotaUsed
	s.QuotaDate = known.QuotaDate
	s.ChannelID = known.ChannelID
	// Files written before crawl tracking existed describe finished crawls.
	s.CrawlComplete = known.CrawlComplete == nil || *known.CrawlComplete
	s.PendingComments = known.Pending
	s.RunID = known.RunID
	s.UpdatedAt = known.UpdatedAt

	for _, k := range []string{keyProcessed, keyQuotaUsed, keyQuotaDate, keyChannel, keyComplete, keyPending, keyRunID, keyUpdatedAt} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// Store reads and writes one checkpoint file.
type Store struct {
	path   string
	logger *slog.Logger
}

// New returns a Store for path.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger.With("component", "checkpoint")}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Load returns the saved state. A missing file yields an empty state with
// CrawlComplete unset; an unreadable or corrupt one is logged and treated
// the same way.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("checkpoint unreadable, starting fresh", "path", s.path, "error", err)
		}
		return NewState()
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("checkpoint ignored", "path", s.path, "error", fmt.Errorf("%w: %v", ErrCorrupt, err))
		return NewState()
	}
	return st
}

// Save atomically replaces the checkpoint file with st.
func (s *Store) Save(st State) error {
	st.UpdatedAt = time.Now().UTC()
	err := storage.WriteFileAtomic(s.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
