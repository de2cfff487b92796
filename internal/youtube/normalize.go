package youtube

import (
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/youtube/v3"

	"ytharvest/internal/storage"
)

var channelIDRegex = regexp.MustCompile(`UC[a-zA-Z0-9_-]{22}`)

// parseChannelRef accepts a channel ID, a channel URL or an @handle and
// returns either the ID or the handle.
func parseChannelRef(ref string) (id, handle string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", ErrInvalidChannel
	}
	if strings.Contains(ref, "youtube.com/channel/") || (channelIDRegex.MatchString(ref) && !strings.Contains(ref, "/")) {
		if id := channelIDRegex.FindString(ref); id != "" {
			return id, "", nil
		}
	}
	if i := strings.Index(ref, "youtube.com/@"); i >= 0 {
		ref = ref[i+len("youtube.com/"):]
		ref = strings.SplitN(ref, "/", 2)[0]
		ref = strings.SplitN(ref, "?", 2)[0]
	}
	if strings.HasPrefix(ref, "@") && len(ref) > 1 {
		return "", ref, nil
	}
	return "", "", ErrInvalidChannel
}

func parsePublished(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// videoFromPlaylistItem keeps the listing fields. Statistics stay nil until
// the detail call fills them.
func videoFromPlaylistItem(item *youtube.PlaylistItem, scraped time.Time) (*storage.Video, bool) {
	if item == nil || item.Snippet == nil {
		return nil, false
	}
	id := ""
	published := ""
	if item.ContentDetails != nil {
		id = item.ContentDetails.VideoId
		published = item.ContentDetails.VideoPublishedAt
	}
	if id == "" && item.Snippet.ResourceId != nil {
		id = item.Snippet.ResourceId.VideoId
	}
	if id == "" {
		return nil, false
	}
	if published == "" {
		published = item.Snippet.PublishedAt
	}
	channel := item.Snippet.VideoOwnerChannelId
	if channel == "" {
		channel = item.Snippet.ChannelId
	}
	return &storage.Video{
		ID:          id,
		Title:       item.Snippet.Title,
		Description: item.Snippet.Description,
		PublishedAt: parsePublished(published),
		ChannelID:   channel,
		ScrapedAt:   scraped,
	}, true
}

func videoFromResource(item *youtube.Video, scraped time.Time) *storage.Video {
	v := &storage.Video{ID: item.Id, ScrapedAt: scraped}
	if item.Snippet != nil {
		v.Title = item.Snippet.Title
		v.Description = item.Snippet.Description
		v.PublishedAt = parsePublished(item.Snippet.PublishedAt)
		v.ChannelID = item.Snippet.ChannelId
	}
	if s := item.Statistics; s != nil {
		v.ViewCount = count(s.ViewCount)
		v.LikeCount = count(s.LikeCount)
		v.CommentCount = count(s.CommentCount)
	}
	return v
}

func count(n uint64) *int64 {
	v := int64(n)
	return &v
}

func commentFromResource(c *youtube.Comment, videoID, parentID string, scraped time.Time) (*storage.Comment, bool) {
	if c == nil || c.Snippet == nil || c.Id == "" {
		return nil, false
	}
	s := c.Snippet
	text := s.TextDisplay
	if text == "" {
		text = s.TextOriginal
	}
	if s.VideoId != "" {
		videoID = s.VideoId
	}
	out := &storage.Comment{
		ID:          c.Id,
		VideoID:     videoID,
		ParentID:    parentID,
		Author:      s.AuthorDisplayName,
		Text:        text,
		PublishedAt: parsePublished(s.PublishedAt),
		LikeCount:   s.LikeCount,
		IsReply:     parentID != "",
		ScrapedAt:   scraped,
	}
	if s.AuthorChannelId != nil {
		out.AuthorChannelID = s.AuthorChannelId.Value
	}
	return out, true
}
