package harvest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	yt "google.golang.org/api/youtube/v3"

	"ytharvest/internal/quota"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube/youtubetest"
)

func collectIDs(t *testing.T, seq func(func(*storage.Video, error) bool)) []string {
	t.Helper()
	var ids []string
	for v, err := range seq {
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}
	return ids
}

func TestVideoSync_NewSinceStopsEarly(t *testing.T) {
	tests := []struct {
		name       string
		newestHour int
		want       []string
	}{
		{name: "three newer", newestHour: 6, want: []string{"vidA9", "vidA8", "vidA7"}},
		{name: "none newer", newestHour: 9, want: nil},
		{name: "all newer", newestHour: 0, want: []string{"vidA9", "vidA8", "vidA7", "vidA6", "vidA5", "vidA4", "vidA3", "vidA2", "vidA1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "json")
			h.listSize = 1
			for i := 1; i <= 9; i++ {
				h.addVideo(videoID(i), i, 0)
			}
			vs := NewVideoSync(h.gateway(quota.New(1000, 0)), VideoOptions{})

			newest := epoch.Add(time.Duration(tt.newestHour) * time.Hour)
			got := collectIDs(t, vs.NewSince(context.Background(), testChannel, newest))
			require.Equal(t, tt.want, got)

			wantListing := len(tt.want) + 1
			if len(tt.want) == 9 {
				// the listing ran out instead of hitting an older video
				wantListing = 9
			}
			require.Equal(t, wantListing, h.fake.Calls(youtubetest.PlaylistItems))
		})
	}
}

func TestVideoSync_FullCrawl(t *testing.T) {
	h := newHarness(t, "json")
	for i := 1; i <= 60; i++ {
		h.addVideo(fmt.Sprintf("full%02d", i), i, 0)
	}
	ctx := context.Background()

	t.Run("batches details by fifty", func(t *testing.T) {
		vs := NewVideoSync(h.gateway(quota.New(1000, 0)), VideoOptions{})
		before := h.fake.Calls(youtubetest.Videos)
		ids := collectIDs(t, vs.FullCrawl(ctx, testChannel, nil))
		require.Len(t, ids, 60)
		require.Equal(t, 2, h.fake.Calls(youtubetest.Videos)-before)
	})

	t.Run("cap and skip", func(t *testing.T) {
		vs := NewVideoSync(h.gateway(quota.New(1000, 0)), VideoOptions{MaxVideos: 5})
		var all []string
		for v, err := range h.gateway(quota.New(1000, 0)).ListUploads(ctx, h.fake.UploadsPlaylistID()) {
			require.NoError(t, err)
			all = append(all, v.ID)
		}
		skipped := all[1]
		ids := collectIDs(t, vs.FullCrawl(ctx, testChannel, func(id string) bool { return id == skipped }))
		require.Equal(t, []string{all[0], all[2], all[3], all[4]}, ids)
	})
}

func TestVideoSync_FullCrawlDeduplicates(t *testing.T) {
	h := newHarness(t, "json")
	h.addVideo("dup", 1, 0)
	h.addVideo("other", 2, 0)
	api := &duplicatingAPI{API: h.fake}
	vs := NewVideoSync(h.gatewayOver(api, quota.New(1000, 0)), VideoOptions{})

	ids := collectIDs(t, vs.FullCrawl(context.Background(), testChannel, nil))
	require.Equal(t, []string{"other", "dup"}, ids)
}

func TestVideoSync_Changed(t *testing.T) {
	h := newHarness(t, "json")
	h.addVideo("a", 1, 3)
	h.addVideo("b", 2, 5)
	h.addVideo("c", 3, 0)
	ctx := context.Background()

	stored := []*storage.Video{
		{ID: "a", PublishedAt: epoch.Add(1 * time.Hour), CommentCount: int64Ptr(1)},
		{ID: "b", PublishedAt: epoch.Add(2 * time.Hour), CommentCount: int64Ptr(5)},
		{ID: "c", PublishedAt: epoch.Add(3 * time.Hour)},
		{ID: "gone", PublishedAt: epoch.Add(4 * time.Hour), CommentCount: int64Ptr(1)},
	}

	tests := []struct {
		name      string
		delta     DeltaOptions
		stop      bool
		want      []string
		wantCalls int
	}{
		{name: "one per call", delta: DeltaOptions{Delay: -1}, want: []string{"a"}, wantCalls: 4},
		{name: "batched", delta: DeltaOptions{BatchSize: 50, Delay: -1}, want: []string{"a"}, wantCalls: 1},
		{name: "limited to newest", delta: DeltaOptions{Limit: 2, Delay: -1}, want: nil, wantCalls: 2},
		{name: "disabled", delta: DeltaOptions{Disabled: true}, want: nil, wantCalls: 0},
		{name: "stopped", delta: DeltaOptions{Delay: -1}, stop: true, want: nil, wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop := &StopFlag{}
			if tt.stop {
				stop.Stop()
			}
			vs := NewVideoSync(h.gateway(quota.New(1000, 0)), VideoOptions{Delta: tt.delta, Stop: stop})
			before := h.fake.Calls(youtubetest.Videos)

			changed, err := vs.Changed(ctx, stored)
			require.NoError(t, err)
			var ids []string
			for _, v := range changed {
				ids = append(ids, v.ID)
			}
			require.Equal(t, tt.want, ids)
			require.Equal(t, tt.wantCalls, h.fake.Calls(youtubetest.Videos)-before)
		})
	}
}

func TestVideoSync_ChangedStopsOnQuota(t *testing.T) {
	h := newHarness(t, "json")
	h.addVideo("a", 1, 3)
	h.addVideo("b", 2, 3)
	stored := []*storage.Video{{ID: "a"}, {ID: "b"}}

	vs := NewVideoSync(h.gateway(quota.New(1, 0)), VideoOptions{Delta: DeltaOptions{Delay: -1}})
	changed, err := vs.Changed(context.Background(), stored)
	require.Error(t, err)
	require.Len(t, changed, 1)
	require.Equal(t, 1, h.fake.Calls(youtubetest.Videos))
}

func int64Ptr(v int64) *int64 { return &v }

// duplicatingAPI lists every playlist entry twice.
type duplicatingAPI struct {
	*youtubetest.API
}

func (d *duplicatingAPI) PlaylistItems(ctx context.Context, playlistID, pageToken string, maxResults int64) (*yt.PlaylistItemListResponse, error) {
	resp, err := d.API.PlaylistItems(ctx, playlistID, pageToken, maxResults)
	if err != nil {
		return nil, err
	}
	resp.Items = append(resp.Items, resp.Items...)
	return resp, nil
}
