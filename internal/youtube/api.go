package youtube

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// API is the set of raw Data API v3 endpoints the gateway uses. Each method
// is exactly one remote call costing one quota unit.
type API interface {
	// Channels looks a channel up by ID, or by handle when id is empty.
	Channels(ctx context.Context, id, handle string) (*youtube.ChannelListResponse, error)
	PlaylistItems(ctx context.Context, playlistID, pageToken string, maxResults int64) (*youtube.PlaylistItemListResponse, error)
	Videos(ctx context.Context, ids []string) (*youtube.VideoListResponse, error)
	CommentThreads(ctx context.Context, videoID, pageToken string, maxResults int64) (*youtube.CommentThreadListResponse, error)
	Replies(ctx context.Context, parentID, pageToken string, maxResults int64) (*youtube.CommentListResponse, error)
}

// ServiceAPI implements API with the official client library.
type ServiceAPI struct {
	service *youtube.Service
}

// NewServiceAPI authenticates with an API key. The key is attached by a
// transport wrapping client, so client's timeout applies to every call.
func NewServiceAPI(ctx context.Context, apiKey string, client *http.Client) (*ServiceAPI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	keyed := *client
	keyed.Transport = &transport.APIKey{Key: apiKey, Transport: base}

	service, err := youtube.NewService(ctx, option.WithHTTPClient(&keyed))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &ServiceAPI{service: service}, nil
}

func (a *ServiceAPI) Channels(ctx context.Context, id, handle string) (*youtube.ChannelListResponse, error) {
	call := a.service.Channels.List([]string{"snippet", "contentDetails"}).Context(ctx)
	if id != "" {
		call = call.Id(id)
	} else {
		call = call.ForHandle(handle)
	}
	return call.Do()
}

func (a *ServiceAPI) PlaylistItems(ctx context.Context, playlistID, pageToken string, maxResults int64) (*youtube.PlaylistItemListResponse, error) {
	call := a.service.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(maxResults).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (a *ServiceAPI) Videos(ctx context.Context, ids []string) (*youtube.VideoListResponse, error) {
	return a.service.Videos.List([]string{"snippet", "statistics"}).
		Id(strings.Join(ids, ",")).
		Context(ctx).
		Do()
}

func (a *ServiceAPI) CommentThreads(ctx context.Context, videoID, pageToken string, maxResults int64) (*youtube.CommentThreadListResponse, error) {
	call := a.service.CommentThreads.List([]string{"snippet"}).
		VideoId(videoID).
		MaxResults(maxResults).
		TextFormat("plainText").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (a *ServiceAPI) Replies(ctx context.Context, parentID, pageToken string, maxResults int64) (*youtube.CommentListResponse, error) {
	call := a.service.Comments.List([]string{"snippet"}).
		ParentId(parentID).
		MaxResults(maxResults).
		TextFormat("plainText").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}
