package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLiteFileName is the database file created inside the storage directory.
const SQLiteFileName = "youtube_comments.db"

// dialect captures the differences between the relational backends.
// Statements are written with ? placeholders and rebound per driver.
type dialect struct {
	name   string
	driver string
	// collate forces byte-wise ordering of text, and ASCII-only LOWER, so
	// results match the file backends.
	collate string
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite"}
	postgresDialect = dialect{name: "postgres", driver: "postgres", collate: ` COLLATE "C"`}
)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	dialect dialect
	dsn     string
	path    string
	logger  *slog.Logger

	mu sync.Mutex
	db *sqlx.DB
}

// NewSQLiteStore returns a store backed by the SQLite file at path. The
// database runs in WAL mode so readers are not blocked by the harvester.
func NewSQLiteStore(path string, logger *slog.Logger) *SQLStore {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return newSQLStore(sqliteDialect, dsn, path, logger)
}

// NewPostgresStore returns a store backed by the PostgreSQL database at dsn.
func NewPostgresStore(dsn string, logger *slog.Logger) *SQLStore {
	return newSQLStore(postgresDialect, dsn, "", logger)
}

func newSQLStore(d dialect, dsn, path string, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		dialect: d,
		dsn:     dsn,
		path:    path,
		logger:  logger.With("component", "storage", "backend", d.name),
	}
}

// Initialize connects and applies pending migrations.
func (s *SQLStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if s.path != "" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return &StorageError{Op: "init", Entity: "store", Err: fmt.Errorf("create data dir: %w", err)}
		}
	}

	db, err := sqlx.ConnectContext(ctx, s.dialect.driver, s.dsn)
	if err != nil {
		return &StorageError{Op: "init", Entity: "store", Err: fmt.Errorf("open %s: %w", s.dialect.name, err)}
	}
	if err := applyMigrations(ctx, db, s.dialect.name); err != nil {
		_ = db.Close()
		return &StorageError{Op: "init", Entity: "store", Err: err}
	}

	s.db = db
	s.logger.Debug("store initialized")
	return nil
}

// Close releases the connection pool. Safe to call more than once.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLStore) conn() (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

const upsertVideoSQL = `
INSERT INTO videos (video_id, title, description, published_at, channel_id, view_count, like_count, comment_count, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (video_id) DO UPDATE SET
    title = excluded.title,
    description = excluded.description,
    published_at = excluded.published_at,
    channel_id = excluded.channel_id,
    view_count = excluded.view_count,
    like_count = excluded.like_count,
    comment_count = excluded.comment_count,
    scraped_at = excluded.scraped_at`

const upsertCommentSQL = `
INSERT INTO comments (comment_id, video_id, parent_comment_id, author, author_channel_id, text, published_at, like_count, is_reply, scraped_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (comment_id) DO UPDATE SET
    video_id = excluded.video_id,
    parent_comment_id = excluded.parent_comment_id,
    author = excluded.author,
    author_channel_id = excluded.author_channel_id,
    text = excluded.text,
    published_at = excluded.published_at,
    like_count = excluded.like_count,
    is_reply = excluded.is_reply,
    scraped_at = excluded.scraped_at`

// UpsertVideos writes the batch in one transaction.
func (s *SQLStore) UpsertVideos(ctx context.Context, videos []*Video) error {
	if len(videos) == 0 {
		return nil
	}
	if err := validateVideos(videos); err != nil {
		return err
	}
	return s.inTx(ctx, "video", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(upsertVideoSQL))
		if err != nil {
			return fmt.Errorf("prepare video upsert: %w", err)
		}
		defer stmt.Close()
		for _, v := range videos {
			_, err := stmt.ExecContext(ctx,
				v.ID, v.Title, nullString(v.Description), formatTime(v.PublishedAt), v.ChannelID,
				nullInt(v.ViewCount), nullInt(v.LikeCount), nullInt(v.CommentCount), formatTime(v.ScrapedAt))
			if err != nil {
				return fmt.Errorf("upsert video %s: %w", v.ID, err)
			}
		}
		return nil
	})
}

// UpsertComments writes the batch in one transaction after checking that
// every comment's video and every reply's parent is known.
func (s *SQLStore) UpsertComments(ctx context.Context, comments []*Comment) error {
	if len(comments) == 0 {
		return nil
	}
	if err := validateComments(comments); err != nil {
		return err
	}
	return s.inTx(ctx, "comment", func(tx *sqlx.Tx) error {
		var lookupErr error
		exists := func(query, id string) bool {
			var n int
			if err := tx.GetContext(ctx, &n, tx.Rebind(query), id); err != nil {
				lookupErr = err
				return true
			}
			return n > 0
		}
		err := validateReferences(comments,
			func(id string) bool { return exists("SELECT COUNT(1) FROM videos WHERE video_id = ?", id) },
			func(id string) bool { return exists("SELECT COUNT(1) FROM comments WHERE comment_id = ?", id) })
		if lookupErr != nil {
			return fmt.Errorf("look up referenced rows: %w", lookupErr)
		}
		if err != nil {
			return err
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(upsertCommentSQL))
		if err != nil {
			return fmt.Errorf("prepare comment upsert: %w", err)
		}
		defer stmt.Close()
		for _, c := range comments {
			_, err := stmt.ExecContext(ctx,
				c.ID, c.VideoID, nullString(c.ParentID), c.Author, nullString(c.AuthorChannelID), c.Text,
				formatTime(c.PublishedAt), c.LikeCount, c.IsReply, formatTime(c.ScrapedAt))
			if err != nil {
				return fmt.Errorf("upsert comment %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) inTx(ctx context.Context, entity string, fn func(tx *sqlx.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "upsert", Entity: entity, Err: fmt.Errorf("begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var serr *StorageError
		if errors.As(err, &serr) {
			return err
		}
		return &StorageError{Op: "upsert", Entity: entity, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "upsert", Entity: entity, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func (s *SQLStore) SavedVideoIDs(ctx context.Context) (map[string]struct{}, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := db.SelectContext(ctx, &ids, "SELECT video_id FROM videos"); err != nil {
		return nil, &StorageError{Op: "query", Entity: "video", Err: err}
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *SQLStore) count(ctx context.Context, entity, query string, args ...any) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.GetContext(ctx, &n, db.Rebind(query), args...); err != nil {
		return 0, &StorageError{Op: "query", Entity: entity, Err: err}
	}
	return n, nil
}

func (s *SQLStore) TotalVideos(ctx context.Context) (int, error) {
	return s.count(ctx, "video", "SELECT COUNT(*) FROM videos")
}

func (s *SQLStore) TotalComments(ctx context.Context) (int, error) {
	return s.count(ctx, "comment", "SELECT COUNT(*) FROM comments")
}

func (s *SQLStore) CommentCount(ctx context.Context, videoID string) (int, error) {
	return s.count(ctx, "comment", "SELECT COUNT(*) FROM comments WHERE video_id = ?", videoID)
}

const videoColumns = `video_id, title, description, published_at, channel_id, view_count, like_count, comment_count, scraped_at`

const commentColumns = `c.comment_id, c.video_id, c.parent_comment_id, c.author, c.author_channel_id, c.text,
    c.published_at, c.like_count, c.is_reply, c.scraped_at`

func (s *SQLStore) AllVideos(ctx context.Context) ([]*Video, error) {
	return s.selectVideos(ctx, "SELECT "+videoColumns+" FROM videos ORDER BY published_at DESC, video_id DESC")
}

func (s *SQLStore) LatestVideo(ctx context.Context) (*Video, error) {
	videos, err := s.selectVideos(ctx, "SELECT "+videoColumns+" FROM videos ORDER BY published_at DESC, video_id DESC LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, ErrNotFound
	}
	return videos[0], nil
}

func (s *SQLStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	videos, err := s.selectVideos(ctx, "SELECT "+videoColumns+" FROM videos WHERE video_id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, &StorageError{Op: "read", Entity: "video", ID: id, Err: ErrNotFound}
	}
	return videos[0], nil
}

func (s *SQLStore) selectVideos(ctx context.Context, query string, args ...any) ([]*Video, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var rows []videoRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "query", Entity: "video", Err: err}
	}
	out := make([]*Video, 0, len(rows))
	for _, r := range rows {
		v, err := r.toVideo()
		if err != nil {
			return nil, &StorageError{Op: "read", Entity: "video", ID: r.ID, Err: fmt.Errorf("%w: %v", ErrStorageCorrupt, err)}
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *SQLStore) selectComments(ctx context.Context, query string, args ...any) ([]*CommentWithVideo, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var rows []commentRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "query", Entity: "comment", Err: err}
	}
	out := make([]*CommentWithVideo, 0, len(rows))
	for _, r := range rows {
		c, err := r.toComment()
		if err != nil {
			return nil, &StorageError{Op: "read", Entity: "comment", ID: r.ID, Err: fmt.Errorf("%w: %v", ErrStorageCorrupt, err)}
		}
		title := UnknownVideoTitle
		if r.VideoTitle.Valid {
			title = r.VideoTitle.String
		}
		out = append(out, &CommentWithVideo{Comment: c, VideoTitle: title})
	}
	return out, nil
}

// orderBy renders an ORDER BY clause. field must come from a whitelist.
func (s *SQLStore) orderBy(field, idColumn, order string, text bool) string {
	dir, nulls := "ASC", "NULLS FIRST"
	if order == OrderDesc {
		dir, nulls = "DESC", "NULLS LAST"
	}
	col := field
	if text {
		col += s.dialect.collate
	}
	return fmt.Sprintf(" ORDER BY %s %s %s, %s %s", col, dir, nulls, idColumn, dir)
}

// lower folds col the way containsFold does: ASCII letters only.
func (s *SQLStore) lower(col string) string {
	return "LOWER(" + col + s.dialect.collate + ")"
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + foldASCII(r.Replace(s)) + "%"
}

func (s *SQLStore) ListVideos(ctx context.Context, q VideoQuery) (*VideoPage, error) {
	if err := q.normalize(); err != nil {
		return nil, err
	}

	where, args := "", []any{}
	if q.Search != "" {
		where = ` WHERE ` + s.lower("title") + ` LIKE ? ESCAPE '\'`
		args = append(args, likePattern(q.Search))
	}

	total, err := s.count(ctx, "video", "SELECT COUNT(*) FROM videos"+where, args...)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + videoColumns + " FROM videos" + where +
		s.orderBy(q.Sort, "video_id", q.Order, q.Sort == "title") + " LIMIT ? OFFSET ?"
	videos, err := s.selectVideos(ctx, query, append(args, q.PerPage, offset(q.Page, q.PerPage))...)
	if err != nil {
		return nil, err
	}
	return &VideoPage{Videos: videos, Pagination: newPagination(q.Page, q.PerPage, total)}, nil
}

func (s *SQLStore) ListComments(ctx context.Context, q CommentQuery) (*CommentPage, error) {
	if err := q.normalize(); err != nil {
		return nil, err
	}

	where := " WHERE c.video_id = ? AND c.parent_comment_id IS NULL"
	args := []any{q.VideoID}
	if q.Search != "" {
		where += ` AND (` + s.lower("c.text") + ` LIKE ? ESCAPE '\' OR ` + s.lower("c.author") + ` LIKE ? ESCAPE '\')`
		p := likePattern(q.Search)
		args = append(args, p, p)
	}
	if q.MinLikes > 0 {
		where += " AND c.like_count >= ?"
		args = append(args, q.MinLikes)
	}
	if !q.Since.IsZero() {
		where += " AND c.published_at >= ?"
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		where += " AND c.published_at <= ?"
		args = append(args, formatTime(q.Until))
	}

	total, err := s.count(ctx, "comment", "SELECT COUNT(*) FROM comments c"+where, args...)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + commentColumns + ", v.title AS video_title FROM comments c LEFT JOIN videos v ON v.video_id = c.video_id" +
		where + s.orderBy("c."+q.Sort, "c.comment_id", q.Order, q.Sort == "author") + " LIMIT ? OFFSET ?"
	top, err := s.selectComments(ctx, query, append(args, q.PerPage, offset(q.Page, q.PerPage))...)
	if err != nil {
		return nil, err
	}

	title := UnknownVideoTitle
	if v, err := s.GetVideo(ctx, q.VideoID); err == nil {
		title = v.Title
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	threads := make([]*CommentThread, 0, len(top))
	byID := make(map[string]*CommentThread, len(top))
	parentIDs := make([]string, 0, len(top))
	for _, c := range top {
		t := &CommentThread{Comment: c.Comment, Replies: []*Comment{}}
		threads = append(threads, t)
		byID[c.ID] = t
		parentIDs = append(parentIDs, c.ID)
	}

	if len(parentIDs) > 0 {
		query, inArgs, err := sqlx.In("SELECT "+commentColumns+", NULL AS video_title FROM comments c WHERE c.parent_comment_id IN (?)"+
			" ORDER BY c.published_at ASC, c.comment_id ASC", parentIDs)
		if err != nil {
			return nil, &StorageError{Op: "query", Entity: "comment", Err: err}
		}
		replies, err := s.selectComments(ctx, query, inArgs...)
		if err != nil {
			return nil, err
		}
		for _, r := range replies {
			if t, ok := byID[r.ParentID]; ok {
				t.Replies = append(t.Replies, r.Comment)
			}
		}
	}

	return &CommentPage{
		VideoTitle: title,
		Comments:   threads,
		Pagination: newPagination(q.Page, q.PerPage, total),
	}, nil
}

func (s *SQLStore) GetComment(ctx context.Context, id string) (*CommentWithVideo, error) {
	comments, err := s.selectComments(ctx, "SELECT "+commentColumns+", v.title AS video_title FROM comments c "+
		"LEFT JOIN videos v ON v.video_id = c.video_id WHERE c.comment_id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(comments) == 0 {
		return nil, &StorageError{Op: "read", Entity: "comment", ID: id, Err: ErrNotFound}
	}
	return comments[0], nil
}

func (s *SQLStore) SearchComments(ctx context.Context, q SearchQuery) ([]*CommentWithVideo, error) {
	q.normalize()

	query := "SELECT " + commentColumns + ", v.title AS video_title FROM comments c LEFT JOIN videos v ON v.video_id = c.video_id WHERE 1 = 1"
	var args []any
	if q.Text != "" {
		query += ` AND (` + s.lower("c.text") + ` LIKE ? ESCAPE '\' OR ` + s.lower("c.author") + ` LIKE ? ESCAPE '\')`
		p := likePattern(q.Text)
		args = append(args, p, p)
	}
	if q.Author != "" {
		query += ` AND ` + s.lower("c.author") + ` LIKE ? ESCAPE '\'`
		args = append(args, likePattern(q.Author))
	}
	if q.VideoID != "" {
		query += " AND c.video_id = ?"
		args = append(args, q.VideoID)
	}
	query += " ORDER BY c.published_at DESC, c.comment_id DESC LIMIT ?"
	args = append(args, q.Limit)
	return s.selectComments(ctx, query, args...)
}

type videoRow struct {
	ID           string         `db:"video_id"`
	Title        string         `db:"title"`
	Description  sql.NullString `db:"description"`
	PublishedAt  string         `db:"published_at"`
	ChannelID    string         `db:"channel_id"`
	ViewCount    sql.NullInt64  `db:"view_count"`
	LikeCount    sql.NullInt64  `db:"like_count"`
	CommentCount sql.NullInt64  `db:"comment_count"`
	ScrapedAt    string         `db:"scraped_at"`
}

func (r videoRow) toVideo() (*Video, error) {
	published, err := parseTime(r.PublishedAt)
	if err != nil {
		return nil, err
	}
	scraped, err := parseTime(r.ScrapedAt)
	if err != nil {
		return nil, err
	}
	return &Video{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description.String,
		PublishedAt:  published,
		ChannelID:    r.ChannelID,
		ViewCount:    intPtr(r.ViewCount),
		LikeCount:    intPtr(r.LikeCount),
		CommentCount: intPtr(r.CommentCount),
		ScrapedAt:    scraped,
	}, nil
}

type commentRow struct {
	ID              string         `db:"comment_id"`
	VideoID         string         `db:"video_id"`
	ParentID        sql.NullString `db:"parent_comment_id"`
	Author          string         `db:"author"`
	AuthorChannelID sql.NullString `db:"author_channel_id"`
	Text            string         `db:"text"`
	PublishedAt     string         `db:"published_at"`
	LikeCount       int64          `db:"like_count"`
	IsReply         bool           `db:"is_reply"`
	ScrapedAt       string         `db:"scraped_at"`
	VideoTitle      sql.NullString `db:"video_title"`
}

func (r commentRow) toComment() (*Comment, error) {
	published, err := parseTime(r.PublishedAt)
	if err != nil {
		return nil, err
	}
	scraped, err := parseTime(r.ScrapedAt)
	if err != nil {
		return nil, err
	}
	c := &Comment{
		ID:              r.ID,
		VideoID:         r.VideoID,
		ParentID:        r.ParentID.String,
		Author:          r.Author,
		AuthorChannelID: r.AuthorChannelID.String,
		Text:            r.Text,
		PublishedAt:     published,
		LikeCount:       r.LikeCount,
		ScrapedAt:       scraped,
	}
	c.normalize()
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return int64Ptr(n.Int64)
}
