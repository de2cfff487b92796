// Package youtubetest provides an in-memory youtube.API for tests.
package youtubetest

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/youtube/v3"
)

// Resource names used for call counting and failure injection.
const (
	Channels       = "channels"
	PlaylistItems  = "playlistItems"
	Videos         = "videos"
	CommentThreads = "commentThreads"
	Replies        = "comments"
)

// Video describes a fake upload.
type Video struct {
	ID        string
	Title     string
	Published time.Time
	// Comments is the reported comment count. Negative hides statistics.
	Comments int64
	Views    int64
}

type fakeComment struct {
	c       *youtube.Comment
	replies []*youtube.Comment
}

// API is a fake channel with uploads, statistics and comments. Its zero
// value is not usable; call New.
type API struct {
	mu sync.Mutex

	channelID string
	handle    string
	uploadsID string

	uploads  []*Video
	threads  map[string][]*fakeComment
	disabled map[string]bool
	failures map[string][]error
	calls    map[string]int
}

// New returns a fake channel with the given ID and no uploads.
func New(channelID string) *API {
	return &API{
		channelID: channelID,
		handle:    "@fake",
		uploadsID: "UU" + channelID[min(2, len(channelID)):],
		threads:   make(map[string][]*fakeComment),
		disabled:  make(map[string]bool),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// UploadsPlaylistID returns the playlist ListUploads should be called with.
func (a *API) UploadsPlaylistID() string { return a.uploadsID }

// AddVideo adds or replaces an upload. Uploads are listed newest first.
func (a *API) AddVideo(v Video) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := v
	a.uploads = slices.DeleteFunc(a.uploads, func(x *Video) bool { return x.ID == v.ID })
	a.uploads = append(a.uploads, &cp)
	slices.SortStableFunc(a.uploads, func(x, y *Video) int { return y.Published.Compare(x.Published) })
}

// SetCommentCount changes the reported comment count of a video.
func (a *API) SetCommentCount(videoID string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range a.uploads {
		if v.ID == videoID {
			v.Comments = n
		}
	}
}

// AddComment adds a top-level comment to a video.
func (a *API) AddComment(videoID, id, author, text string, published time.Time, likes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threads[videoID] = append(a.threads[videoID], &fakeComment{c: comment(videoID, id, "", author, text, published, likes)})
}

// AddReply adds a reply under an existing top-level comment.
func (a *API) AddReply(videoID, parentID, id, author, text string, published time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.threads[videoID] {
		if t.c.Id == parentID {
			t.replies = append(t.replies, comment(videoID, id, parentID, author, text, published, 0))
			return
		}
	}
}

// DisableComments makes commentThreads fail with commentsDisabled for videoID.
func (a *API) DisableComments(videoID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled[videoID] = true
}

// FailNext queues errs to be returned, in order, by the next calls to resource.
func (a *API) FailNext(resource string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[resource] = append(a.failures[resource], errs...)
}

// Calls returns how many times resource was called, failures included.
func (a *API) Calls(resource string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[resource]
}

// TotalCalls returns the number of calls across all resources.
func (a *API) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

// QuotaError is the provider's response to an exhausted daily quota.
func QuotaError() error {
	return &googleapi.Error{Code: http.StatusForbidden, Message: "quota", Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}
}

// ServerError is a provider 5xx response.
func ServerError(code int) error {
	return &googleapi.Error{Code: code, Message: http.StatusText(code)}
}

// CommentsDisabledError is the provider's response for a video without comments.
func CommentsDisabledError() error {
	return &googleapi.Error{Code: http.StatusForbidden, Message: "disabled", Errors: []googleapi.ErrorItem{{Reason: "commentsDisabled"}}}
}

// begin counts a call and pops a queued failure. Callers hold a.mu.
func (a *API) begin(resource string) error {
	a.calls[resource]++
	if q := a.failures[resource]; len(q) > 0 {
		a.failures[resource] = q[1:]
		return q[0]
	}
	return nil
}

func (a *API) Channels(ctx context.Context, id, handle string) (*youtube.ChannelListResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(Channels); err != nil {
		return nil, err
	}
	resp := &youtube.ChannelListResponse{}
	if id == a.channelID || (id == "" && handle == a.handle) {
		resp.Items = []*youtube.Channel{{
			Id:      a.channelID,
			Snippet: &youtube.ChannelSnippet{Title: "Fake Channel"},
			ContentDetails: &youtube.ChannelContentDetails{
				RelatedPlaylists: &youtube.ChannelContentDetailsRelatedPlaylists{Uploads: a.uploadsID},
			},
		}}
	}
	return resp, nil
}

func (a *API) PlaylistItems(ctx context.Context, playlistID, pageToken string, maxResults int64) (*youtube.PlaylistItemListResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(PlaylistItems); err != nil {
		return nil, err
	}
	if playlistID != a.uploadsID {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Errors: []googleapi.ErrorItem{{Reason: "playlistNotFound"}}}
	}

	page, next := pageOf(a.uploads, pageToken, maxResults)
	resp := &youtube.PlaylistItemListResponse{NextPageToken: next}
	for _, v := range page {
		published := v.Published.UTC().Format(time.RFC3339)
		resp.Items = append(resp.Items, &youtube.PlaylistItem{
			Snippet: &youtube.PlaylistItemSnippet{
				Title:               v.Title,
				PublishedAt:         published,
				ChannelId:           a.channelID,
				VideoOwnerChannelId: a.channelID,
				ResourceId:          &youtube.ResourceId{VideoId: v.ID},
			},
			ContentDetails: &youtube.PlaylistItemContentDetails{VideoId: v.ID, VideoPublishedAt: published},
		})
	}
	return resp, nil
}

func (a *API) Videos(ctx context.Context, ids []string) (*youtube.VideoListResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(Videos); err != nil {
		return nil, err
	}
	resp := &youtube.VideoListResponse{}
	for _, id := range ids {
		for _, v := range a.uploads {
			if v.ID != id {
				continue
			}
			item := &youtube.Video{
				Id: v.ID,
				Snippet: &youtube.VideoSnippet{
					Title:       v.Title,
					Description: "description of " + v.ID,
					PublishedAt: v.Published.UTC().Format(time.RFC3339),
					ChannelId:   a.channelID,
				},
			}
			if v.Comments >= 0 {
				item.Statistics = &youtube.VideoStatistics{
					ViewCount:    uint64(v.Views),
					LikeCount:    1,
					CommentCount: uint64(v.Comments),
				}
			}
			resp.Items = append(resp.Items, item)
		}
	}
	return resp, nil
}

func (a *API) CommentThreads(ctx context.Context, videoID, pageToken string, maxResults int64) (*youtube.CommentThreadListResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(CommentThreads); err != nil {
		return nil, err
	}
	if a.disabled[videoID] {
		return nil, CommentsDisabledError()
	}

	page, next := pageOf(a.threads[videoID], pageToken, maxResults)
	resp := &youtube.CommentThreadListResponse{NextPageToken: next}
	for _, t := range page {
		resp.Items = append(resp.Items, &youtube.CommentThread{
			Id: t.c.Id,
			Snippet: &youtube.CommentThreadSnippet{
				VideoId:         videoID,
				TopLevelComment: t.c,
				TotalReplyCount: int64(len(t.replies)),
			},
		})
	}
	return resp, nil
}

func (a *API) Replies(ctx context.Context, parentID, pageToken string, maxResults int64) (*youtube.CommentListResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(Replies); err != nil {
		return nil, err
	}
	var replies []*youtube.Comment
	for _, threads := range a.threads {
		for _, t := range threads {
			if t.c.Id == parentID {
				replies = t.replies
			}
		}
	}
	page, next := pageOf(replies, pageToken, maxResults)
	return &youtube.CommentListResponse{Items: page, NextPageToken: next}, nil
}

// pageOf slices items at the offset encoded in token.
func pageOf[T any](items []T, token string, size int64) ([]T, string) {
	start := 0
	if token != "" {
		start, _ = strconv.Atoi(token)
	}
	if size <= 0 {
		size = 50
	}
	if start >= len(items) {
		return nil, ""
	}
	end := min(start+int(size), len(items))
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[start:end], next
}

func comment(videoID, id, parentID, author, text string, published time.Time, likes int64) *youtube.Comment {
	return &youtube.Comment{
		Id: id,
		Snippet: &youtube.CommentSnippet{
			VideoId:           videoID,
			ParentId:          parentID,
			AuthorDisplayName: author,
			AuthorChannelId:   &youtube.CommentSnippetAuthorChannelId{Value: "UC-" + author},
			TextDisplay:       text,
			TextOriginal:      text,
			PublishedAt:       published.UTC().Format(time.RFC3339),
			LikeCount:         likes,
		},
	}
}
