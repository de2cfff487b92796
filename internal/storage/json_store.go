package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const lockTimeout = 5 * time.Second

// fileFormat selects how a JSONStore lays out its files.
type fileFormat int

const (
	// formatArray keeps each collection as one JSON array, rewritten per batch.
	formatArray fileFormat = iota
	// formatLines appends one JSON object per line; the last line for an ID wins.
	formatLines
)

// JSONStore implements Store on two files in a directory, one per collection.
// All records are indexed in memory after Initialize.
type JSONStore struct {
	dir    string
	format fileFormat
	logger *slog.Logger
	lock   *FileLock

	mu           sync.RWMutex
	ready        bool
	videos       map[string]*Video
	videoOrder   []string
	comments     map[string]*Comment
	commentOrder []string
	// perVideo counts stored comments by video ID.
	perVideo map[string]int
}

// NewJSONStore returns a store writing videos.json and comments.json in dir.
func NewJSONStore(dir string, logger *slog.Logger) *JSONStore {
	return newFileStore(dir, formatArray, logger)
}

// NewJSONLStore returns a store appending to videos.jsonl and comments.jsonl in dir.
func NewJSONLStore(dir string, logger *slog.Logger) *JSONStore {
	return newFileStore(dir, formatLines, logger)
}

func newFileStore(dir string, format fileFormat, logger *slog.Logger) *JSONStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONStore{
		dir:    dir,
		format: format,
		logger: logger.With("component", "storage", "backend", format.name()),
		lock:   NewFileLock(filepath.Join(dir, "store")),
	}
}

func (f fileFormat) name() string {
	if f == formatLines {
		return "jsonl"
	}
	return "json"
}

func (f fileFormat) ext() string {
	if f == formatLines {
		return ".jsonl"
	}
	return ".json"
}

func (s *JSONStore) videosPath() string   { return filepath.Join(s.dir, "videos"+s.format.ext()) }
func (s *JSONStore) commentsPath() string { return filepath.Join(s.dir, "comments"+s.format.ext()) }

// Initialize creates the directory, takes the directory lock and loads both
// collections into memory.
func (s *JSONStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &StorageError{Op: "init", Entity: "store", Err: err}
	}
	if err := s.lock.Lock(lockTimeout); err != nil {
		return &StorageError{Op: "init", Entity: "store", ID: s.lock.Path(), Err: err}
	}

	s.videos = make(map[string]*Video)
	s.comments = make(map[string]*Comment)
	s.perVideo = make(map[string]int)
	s.videoOrder, s.commentOrder = nil, nil

	err := loadCollection(s, s.videosPath(), "video", func(v *Video) {
		if _, ok := s.videos[v.ID]; !ok {
			s.videoOrder = append(s.videoOrder, v.ID)
		}
		s.videos[v.ID] = v
	})
	if err == nil {
		err = loadCollection(s, s.commentsPath(), "comment", func(c *Comment) {
			c.normalize()
			s.putComment(c)
		})
	}
	if err != nil {
		s.lock.Unlock()
		return err
	}

	s.ready = true
	s.logger.Debug("store loaded", "dir", s.dir, "videos", len(s.videos), "comments", len(s.comments))
	return nil
}

// loadCollection reads path into add. A missing file is an empty collection.
func loadCollection[T any](s *JSONStore, path, entity string, add func(*T)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &StorageError{Op: "read", Entity: entity, Err: err}
	}

	if s.format == formatArray {
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		var items []*T
		if err := json.Unmarshal(data, &items); err != nil {
			return &StorageError{Op: "read", Entity: entity, ID: path, Err: ErrStorageCorrupt}
		}
		for _, item := range items {
			if item != nil {
				add(item)
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		item := new(T)
		if err := json.Unmarshal(raw, item); err != nil {
			s.logger.Warn("skipping malformed record", "file", path, "line", line, "error", err)
			continue
		}
		add(item)
	}
	if err := scanner.Err(); err != nil {
		return &StorageError{Op: "read", Entity: entity, ID: path, Err: err}
	}
	return nil
}

// UpsertVideos inserts or replaces videos by ID.
func (s *JSONStore) UpsertVideos(ctx context.Context, videos []*Video) error {
	if len(videos) == 0 {
		return nil
	}
	if err := validateVideos(videos); err != nil {
		return err
	}

	batch := make([]*Video, len(videos))
	for i, v := range videos {
		cp := *v
		batch[i] = &cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return ErrNotInitialized
	}

	if err := persist(s, s.videosPath(), "video", batch, s.videoOrder, s.videos); err != nil {
		return err
	}
	for _, v := range batch {
		if _, ok := s.videos[v.ID]; !ok {
			s.videoOrder = append(s.videoOrder, v.ID)
		}
		s.videos[v.ID] = v
	}
	return nil
}

// UpsertComments inserts or replaces comments by ID.
func (s *JSONStore) UpsertComments(ctx context.Context, comments []*Comment) error {
	if len(comments) == 0 {
		return nil
	}
	batch := make([]*Comment, len(comments))
	for i, c := range comments {
		if c == nil {
			return validateComments([]*Comment{nil})
		}
		cp := *c
		batch[i] = &cp
	}
	if err := validateComments(batch); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return ErrNotInitialized
	}

	err := validateReferences(batch,
		func(id string) bool {
			_, ok := s.videos[id]
			return ok
		},
		func(id string) bool {
			_, ok := s.comments[id]
			return ok
		})
	if err != nil {
		return err
	}

	if err := persist(s, s.commentsPath(), "comment", batch, s.commentOrder, s.comments); err != nil {
		return err
	}
	for _, c := range batch {
		s.putComment(c)
	}
	return nil
}

// putComment indexes c, moving its count if a re-upsert changed its video.
// Callers hold the write lock.
func (s *JSONStore) putComment(c *Comment) {
	if old, ok := s.comments[c.ID]; ok {
		s.perVideo[old.VideoID]--
		if s.perVideo[old.VideoID] <= 0 {
			delete(s.perVideo, old.VideoID)
		}
	} else {
		s.commentOrder = append(s.commentOrder, c.ID)
	}
	s.comments[c.ID] = c
	s.perVideo[c.VideoID]++
}

type keyed interface {
	key() string
}

func (v *Video) key() string   { return v.ID }
func (c *Comment) key() string { return c.ID }

// persist writes batch to disk before the in-memory index changes, so a
// failed write leaves both untouched. Arrays are rewritten in full with the
// batch merged in; line files only get the batch appended.
func persist[T keyed](s *JSONStore, path, entity string, batch []T, order []string, current map[string]T) error {
	if s.format == formatLines {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, item := range batch {
			if err := enc.Encode(item); err != nil {
				return &StorageError{Op: "upsert", Entity: entity, ID: item.key(), Err: err}
			}
		}
		if err := appendFile(path, buf.Bytes()); err != nil {
			return &StorageError{Op: "upsert", Entity: entity, Err: err}
		}
		return nil
	}

	merged := make(map[string]T, len(current)+len(batch))
	for id, item := range current {
		merged[id] = item
	}
	ids := slices.Clone(order)
	for _, item := range batch {
		if _, ok := merged[item.key()]; !ok {
			ids = append(ids, item.key())
		}
		merged[item.key()] = item
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, merged[id])
	}

	err := WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	})
	if err != nil {
		return &StorageError{Op: "upsert", Entity: entity, Err: err}
	}
	return nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *JSONStore) readLock() error {
	s.mu.RLock()
	if !s.ready {
		s.mu.RUnlock()
		return ErrNotInitialized
	}
	return nil
}

func (s *JSONStore) SavedVideoIDs(ctx context.Context) (map[string]struct{}, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.videos))
	for id := range s.videos {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (s *JSONStore) TotalVideos(ctx context.Context) (int, error) {
	if err := s.readLock(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	return len(s.videos), nil
}

func (s *JSONStore) TotalComments(ctx context.Context) (int, error) {
	if err := s.readLock(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	return len(s.comments), nil
}

func (s *JSONStore) CommentCount(ctx context.Context, videoID string) (int, error) {
	if err := s.readLock(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	return s.perVideo[videoID], nil
}

// snapshotVideos copies every stored video. Callers hold the read lock.
func (s *JSONStore) snapshotVideos() []*Video {
	out := make([]*Video, 0, len(s.videoOrder))
	for _, id := range s.videoOrder {
		cp := *s.videos[id]
		out = append(out, &cp)
	}
	return out
}

func (s *JSONStore) snapshotComments() []*Comment {
	out := make([]*Comment, 0, len(s.commentOrder))
	for _, id := range s.commentOrder {
		cp := *s.comments[id]
		out = append(out, &cp)
	}
	return out
}

func (s *JSONStore) titles() map[string]string {
	titles := make(map[string]string, len(s.videos))
	for id, v := range s.videos {
		titles[id] = v.Title
	}
	return titles
}

func (s *JSONStore) AllVideos(ctx context.Context) ([]*Video, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	videos := s.snapshotVideos()
	sortBy(videos, videoLess("published_at"), func(v *Video) string { return v.ID }, OrderDesc)
	return videos, nil
}

func (s *JSONStore) LatestVideo(ctx context.Context) (*Video, error) {
	videos, err := s.AllVideos(ctx)
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, ErrNotFound
	}
	return videos[0], nil
}

func (s *JSONStore) ListVideos(ctx context.Context, q VideoQuery) (*VideoPage, error) {
	if err := q.normalize(); err != nil {
		return nil, err
	}
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return queryVideos(s.snapshotVideos(), q), nil
}

func (s *JSONStore) ListComments(ctx context.Context, q CommentQuery) (*CommentPage, error) {
	if err := q.normalize(); err != nil {
		return nil, err
	}
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return queryComments(s.snapshotComments(), videoTitle(s.titles(), q.VideoID), q), nil
}

func (s *JSONStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, &StorageError{Op: "read", Entity: "video", ID: id, Err: ErrNotFound}
	}
	cp := *v
	return &cp, nil
}

func (s *JSONStore) GetComment(ctx context.Context, id string) (*CommentWithVideo, error) {
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	c, ok := s.comments[id]
	if !ok {
		return nil, &StorageError{Op: "read", Entity: "comment", ID: id, Err: ErrNotFound}
	}
	cp := *c
	return &CommentWithVideo{Comment: &cp, VideoTitle: videoTitle(s.titles(), c.VideoID)}, nil
}

func (s *JSONStore) SearchComments(ctx context.Context, q SearchQuery) ([]*CommentWithVideo, error) {
	q.normalize()
	if err := s.readLock(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return searchComments(s.snapshotComments(), s.titles(), q), nil
}

// Close releases the directory lock. In-memory state is dropped.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil
	}
	s.ready = false
	s.videos, s.comments, s.perVideo = nil, nil, nil
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("release store lock: %w", err)
	}
	return nil
}
