package storage

import (
	"strings"
	"time"
)

// Video is a YouTube video as last observed.
type Video struct {
	// ID is the YouTube video ID (e.g., "dQw4w9WgXcQ"). Immutable.
	ID string `json:"video_id"`
	// Title is the video title.
	Title string `json:"title"`
	// Description is the video description, possibly empty.
	Description string `json:"description,omitempty"`
	// PublishedAt is when the video was published on YouTube.
	PublishedAt time.Time `json:"published_at"`
	// ChannelID is the owning channel's YouTube ID.
	ChannelID string `json:"channel_id"`
	// ViewCount is nil when the provider hides statistics.
	ViewCount *int64 `json:"view_count"`
	// LikeCount is nil when the provider hides statistics.
	LikeCount *int64 `json:"like_count"`
	// CommentCount is the provider-reported number of comments. Comparing it
	// to the stored value tells whether a video gained comments.
	CommentCount *int64 `json:"comment_count"`
	// ScrapedAt is when this record was fetched locally.
	ScrapedAt time.Time `json:"scraped_at"`
}

// ReportedComments returns CommentCount, treating nil as zero.
func (v *Video) ReportedComments() int64 {
	if v == nil || v.CommentCount == nil {
		return 0
	}
	return *v.CommentCount
}

// Comment is a top-level comment or a reply to one.
type Comment struct {
	// ID is the YouTube comment ID.
	ID string `json:"comment_id"`
	// VideoID references the owning Video.
	VideoID string `json:"video_id"`
	// ParentID is set for replies and references a top-level Comment.
	ParentID string `json:"parent_comment_id,omitempty"`
	// Author is the display name of the commenter.
	Author string `json:"author"`
	// AuthorChannelID is empty when the provider omits it.
	AuthorChannelID string `json:"author_channel_id,omitempty"`
	// Text is the plain-text body.
	Text string `json:"text"`
	// PublishedAt is when the comment was posted.
	PublishedAt time.Time `json:"published_at"`
	// LikeCount is the number of likes at scrape time.
	LikeCount int64 `json:"like_count"`
	// IsReply mirrors ParentID != "". It is recomputed on every write.
	IsReply bool `json:"is_reply"`
	// ScrapedAt is when this record was fetched locally.
	ScrapedAt time.Time `json:"scraped_at"`
}

// normalize derives IsReply from ParentID.
func (c *Comment) normalize() {
	c.IsReply = c.ParentID != ""
}

// CommentThread is a top-level comment with its replies, oldest first.
type CommentThread struct {
	*Comment
	Replies []*Comment `json:"replies"`
}

// CommentWithVideo is a comment joined with the title of its video.
type CommentWithVideo struct {
	*Comment
	VideoTitle string `json:"video_title"`
}

// UnknownVideoTitle is reported for comments whose video is not stored.
const UnknownVideoTitle = "Unknown Video"

// timeLayout is fixed-width so that lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, strings.Replace(s, " ", "T", 1))
}

func int64Ptr(v int64) *int64 { return &v }
