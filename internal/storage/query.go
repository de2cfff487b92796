package storage

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	defaultVideosPerPage   = 20
	defaultCommentsPerPage = 50
	defaultSearchLimit     = 50
	maxPerPage             = 500
)

// Sort orders.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

var (
	videoSortFields   = []string{"published_at", "title", "view_count", "like_count", "comment_count"}
	commentSortFields = []string{"published_at", "like_count", "author"}
)

// VideoQuery selects a page of videos.
type VideoQuery struct {
	// Search is a case-insensitive substring of the title.
	Search string
	// Sort is one of published_at, title, view_count, like_count, comment_count.
	Sort    string
	Order   string
	Page    int
	PerPage int
}

// CommentQuery selects a page of top-level comments of one video.
type CommentQuery struct {
	VideoID string
	// Search matches the comment text or author, case-insensitively.
	Search   string
	MinLikes int64
	// Since and Until bound the publication time, inclusive. Zero means open.
	Since time.Time
	Until time.Time
	// Sort is one of published_at, like_count, author.
	Sort    string
	Order   string
	Page    int
	PerPage int
}

// SearchQuery finds comments across videos.
type SearchQuery struct {
	// Text matches comment text or author.
	Text string
	// Author narrows to authors containing this substring.
	Author  string
	VideoID string
	Limit   int
}

// Pagination describes where a page sits in the full result.
type Pagination struct {
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages"`
	HasPrev bool `json:"has_prev"`
	HasNext bool `json:"has_next"`
}

// VideoPage is one page of ListVideos.
type VideoPage struct {
	Videos     []*Video   `json:"videos"`
	Pagination Pagination `json:"pagination"`
}

// CommentPage is one page of ListComments.
type CommentPage struct {
	VideoTitle string           `json:"video_title"`
	Comments   []*CommentThread `json:"comments"`
	Pagination Pagination       `json:"pagination"`
}

func normalizeSort(sort, order, fallback string, allowed []string) (string, string, error) {
	if sort == "" {
		sort = fallback
	}
	if !slices.Contains(allowed, sort) {
		return "", "", fmt.Errorf("%w: sort field %q", ErrInvalidInput, sort)
	}
	order = strings.ToLower(order)
	switch order {
	case "":
		order = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return "", "", fmt.Errorf("%w: sort order %q", ErrInvalidInput, order)
	}
	return sort, order, nil
}

func normalizePage(page, perPage, fallback int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = fallback
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}

func (q *VideoQuery) normalize() error {
	var err error
	q.Sort, q.Order, err = normalizeSort(q.Sort, q.Order, "published_at", videoSortFields)
	if err != nil {
		return err
	}
	q.Page, q.PerPage = normalizePage(q.Page, q.PerPage, defaultVideosPerPage)
	return nil
}

func (q *CommentQuery) normalize() error {
	if q.VideoID == "" {
		return fmt.Errorf("%w: video id is required", ErrInvalidInput)
	}
	var err error
	q.Sort, q.Order, err = normalizeSort(q.Sort, q.Order, "published_at", commentSortFields)
	if err != nil {
		return err
	}
	q.Page, q.PerPage = normalizePage(q.Page, q.PerPage, defaultCommentsPerPage)
	return nil
}

func (q *SearchQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
}

func newPagination(page, perPage, total int) Pagination {
	pages := 0
	if total > 0 {
		pages = (total + perPage - 1) / perPage
	}
	return Pagination{
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   pages,
		HasPrev: page > 1,
		HasNext: page < pages,
	}
}

func offset(page, perPage int) int { return (page - 1) * perPage }

// The helpers below evaluate queries over in-memory collections. The file
// backends use them; the SQL backends express the same rules in SQL.

// containsFold matches case-insensitively on ASCII letters only, the way
// SQLite's LOWER does, so every backend returns the same search results.
func containsFold(s, substr string) bool {
	return strings.Contains(foldASCII(s), foldASCII(substr))
}

func foldASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

func paginate[T any](items []T, page, perPage int) []T {
	start := offset(page, perPage)
	if start >= len(items) {
		return []T{}
	}
	end := min(start+perPage, len(items))
	return items[start:end]
}

func nullableCmp(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return cmp.Compare(*a, *b)
}

func videoLess(field string) func(a, b *Video) int {
	switch field {
	case "title":
		return func(a, b *Video) int { return cmp.Compare(a.Title, b.Title) }
	case "view_count":
		return func(a, b *Video) int { return nullableCmp(a.ViewCount, b.ViewCount) }
	case "like_count":
		return func(a, b *Video) int { return nullableCmp(a.LikeCount, b.LikeCount) }
	case "comment_count":
		return func(a, b *Video) int { return nullableCmp(a.CommentCount, b.CommentCount) }
	default:
		return func(a, b *Video) int { return a.PublishedAt.Compare(b.PublishedAt) }
	}
}

func commentLess(field string) func(a, b *Comment) int {
	switch field {
	case "like_count":
		return func(a, b *Comment) int { return cmp.Compare(a.LikeCount, b.LikeCount) }
	case "author":
		return func(a, b *Comment) int { return cmp.Compare(a.Author, b.Author) }
	default:
		return func(a, b *Comment) int { return a.PublishedAt.Compare(b.PublishedAt) }
	}
}

// sortBy sorts with a tie-break on id so pages are stable.
func sortBy[T any](items []T, less func(a, b T) int, id func(T) string, order string) {
	slices.SortStableFunc(items, func(a, b T) int {
		c := less(a, b)
		if c == 0 {
			c = cmp.Compare(id(a), id(b))
		}
		if order == OrderDesc {
			return -c
		}
		return c
	})
}

func queryVideos(all []*Video, q VideoQuery) *VideoPage {
	matched := make([]*Video, 0, len(all))
	for _, v := range all {
		if q.Search == "" || containsFold(v.Title, q.Search) {
			matched = append(matched, v)
		}
	}
	sortBy(matched, videoLess(q.Sort), func(v *Video) string { return v.ID }, q.Order)
	return &VideoPage{
		Videos:     paginate(matched, q.Page, q.PerPage),
		Pagination: newPagination(q.Page, q.PerPage, len(matched)),
	}
}

func commentMatches(c *Comment, q CommentQuery) bool {
	if c.VideoID != q.VideoID || c.IsReply {
		return false
	}
	if q.Search != "" && !containsFold(c.Text, q.Search) && !containsFold(c.Author, q.Search) {
		return false
	}
	if c.LikeCount < q.MinLikes {
		return false
	}
	if !q.Since.IsZero() && c.PublishedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && c.PublishedAt.After(q.Until) {
		return false
	}
	return true
}

func queryComments(all []*Comment, title string, q CommentQuery) *CommentPage {
	var matched []*Comment
	replies := make(map[string][]*Comment)
	for _, c := range all {
		if c.IsReply {
			if c.VideoID == q.VideoID {
				replies[c.ParentID] = append(replies[c.ParentID], c)
			}
			continue
		}
		if commentMatches(c, q) {
			matched = append(matched, c)
		}
	}
	sortBy(matched, commentLess(q.Sort), func(c *Comment) string { return c.ID }, q.Order)

	page := paginate(matched, q.Page, q.PerPage)
	threads := make([]*CommentThread, 0, len(page))
	for _, c := range page {
		rs := replies[c.ID]
		sortBy(rs, commentLess("published_at"), func(c *Comment) string { return c.ID }, OrderAsc)
		if rs == nil {
			rs = []*Comment{}
		}
		threads = append(threads, &CommentThread{Comment: c, Replies: rs})
	}
	return &CommentPage{
		VideoTitle: title,
		Comments:   threads,
		Pagination: newPagination(q.Page, q.PerPage, len(matched)),
	}
}

func searchComments(all []*Comment, titles map[string]string, q SearchQuery) []*CommentWithVideo {
	var matched []*Comment
	for _, c := range all {
		if q.VideoID != "" && c.VideoID != q.VideoID {
			continue
		}
		if q.Author != "" && !containsFold(c.Author, q.Author) {
			continue
		}
		if q.Text != "" && !containsFold(c.Text, q.Text) && !containsFold(c.Author, q.Text) {
			continue
		}
		matched = append(matched, c)
	}
	sortBy(matched, commentLess("published_at"), func(c *Comment) string { return c.ID }, OrderDesc)
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*CommentWithVideo, 0, len(matched))
	for _, c := range matched {
		out = append(out, &CommentWithVideo{Comment: c, VideoTitle: videoTitle(titles, c.VideoID)})
	}
	return out
}

func videoTitle(titles map[string]string, id string) string {
	if t, ok := titles[id]; ok {
		return t
	}
	return UnknownVideoTitle
}

// validateReferences checks that every comment's video is stored and that
// every reply's parent is stored or in the batch.
func validateReferences(batch []*Comment, hasVideo, hasComment func(id string) bool) error {
	inBatch := make(map[string]struct{}, len(batch))
	for _, c := range batch {
		inBatch[c.ID] = struct{}{}
	}
	checked := make(map[string]struct{})
	for _, c := range batch {
		if _, ok := checked[c.VideoID]; !ok {
			if !hasVideo(c.VideoID) {
				return &StorageError{Op: "upsert", Entity: "comment", ID: c.ID,
					Err: fmt.Errorf("%w: video %s not stored", ErrInvalidInput, c.VideoID)}
			}
			checked[c.VideoID] = struct{}{}
		}
		if c.ParentID == "" {
			continue
		}
		if _, ok := inBatch[c.ParentID]; ok {
			continue
		}
		if !hasComment(c.ParentID) {
			return &StorageError{Op: "upsert", Entity: "comment", ID: c.ID,
				Err: fmt.Errorf("%w: parent %s not stored", ErrInvalidInput, c.ParentID)}
		}
	}
	return nil
}

func validateVideos(videos []*Video) error {
	for _, v := range videos {
		if v == nil || v.ID == "" {
			return &StorageError{Op: "upsert", Entity: "video", Err: fmt.Errorf("%w: empty video id", ErrInvalidInput)}
		}
	}
	return nil
}

func validateComments(comments []*Comment) error {
	for _, c := range comments {
		if c == nil || c.ID == "" || c.VideoID == "" {
			return &StorageError{Op: "upsert", Entity: "comment", Err: fmt.Errorf("%w: comment id and video id are required", ErrInvalidInput)}
		}
		c.normalize()
	}
	return nil
}
