package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"ytharvest/internal/quota"
	"ytharvest/internal/retry"
	"ytharvest/internal/youtube/youtubetest"
)

const testChannel = "UCabcdefghijklmnopqrstuv"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGateway(api API, tracker *quota.Tracker) *Gateway {
	if tracker == nil {
		tracker = quota.New(10000, 0)
	}
	return NewGateway(api, tracker, Options{
		RequestDelay: -1,
		Retry:        &retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
	})
}

func fakeWithVideos(n int) *youtubetest.API {
	fake := youtubetest.New(testChannel)
	for i := range n {
		fake.AddVideo(youtubetest.Video{
			ID:        fmt.Sprintf("vid%03d", i),
			Title:     fmt.Sprintf("Video %d", i),
			Published: epoch.Add(time.Duration(i) * time.Hour),
			Comments:  int64(i),
		})
	}
	return fake
}

func TestGateway_QuotaGateMakesNoCall(t *testing.T) {
	fake := fakeWithVideos(3)
	tracker := quota.New(100, 10)
	tracker.Seed(90)
	g := newTestGateway(fake, tracker)

	_, err := g.VideoDetails(context.Background(), []string{"vid000"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("VideoDetails() error = %v, want ErrQuotaExceeded", err)
	}
	if got := fake.TotalCalls(); got != 0 {
		t.Errorf("transport calls = %d, want 0", got)
	}
	if got := tracker.Used(); got != 90 {
		t.Errorf("Used() = %d, want 90", got)
	}
}

func TestGateway_ChargesOneUnitPerCall(t *testing.T) {
	fake := fakeWithVideos(120)
	tracker := quota.New(10000, 0)
	g := newTestGateway(fake, tracker)

	n := 0
	for _, err := range g.ListUploads(context.Background(), fake.UploadsPlaylistID()) {
		if err != nil {
			t.Fatalf("ListUploads() error = %v", err)
		}
		n++
	}
	if n != 120 {
		t.Errorf("listed %d videos, want 120", n)
	}
	if got := fake.Calls(youtubetest.PlaylistItems); got != 3 {
		t.Errorf("playlistItems calls = %d, want 3", got)
	}
	if got := tracker.Used(); got != 3 {
		t.Errorf("Used() = %d, want 3", got)
	}
}

func TestGateway_ProviderQuotaRejection(t *testing.T) {
	fake := fakeWithVideos(1)
	fake.FailNext(youtubetest.Videos, youtubetest.QuotaError())
	g := newTestGateway(fake, nil)

	_, err := g.VideoDetails(context.Background(), []string{"vid000"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("error = %v, want ErrQuotaExceeded", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Resource != "videos" {
		t.Errorf("error = %#v, want *APIError for videos", err)
	}
	if got := fake.Calls(youtubetest.Videos); got != 1 {
		t.Errorf("videos calls = %d, want 1 (quota errors are not retried)", got)
	}
}

func TestGateway_CommentsDisabled(t *testing.T) {
	fake := fakeWithVideos(1)
	fake.DisableComments("vid000")
	g := newTestGateway(fake, nil)

	for c, err := range g.Comments(context.Background(), "vid000", true) {
		if c != nil {
			t.Fatalf("unexpected comment %v", c)
		}
		if !errors.Is(err, ErrCommentsDisabled) {
			t.Fatalf("error = %v, want ErrCommentsDisabled", err)
		}
	}
}

func TestGateway_RetriesServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantErr   error
		wantCalls int
	}{
		{
			name:      "recovers",
			failures:  []error{youtubetest.ServerError(http.StatusInternalServerError), youtubetest.ServerError(http.StatusServiceUnavailable)},
			wantCalls: 3,
		},
		{
			name: "exhausted",
			failures: []error{
				youtubetest.ServerError(http.StatusInternalServerError),
				youtubetest.ServerError(http.StatusInternalServerError),
				youtubetest.ServerError(http.StatusInternalServerError),
			},
			wantErr:   ErrProvider,
			wantCalls: 3,
		},
		{
			name:      "client error not retried",
			failures:  []error{youtubetest.ServerError(http.StatusBadRequest)},
			wantErr:   ErrProvider,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := fakeWithVideos(1)
			fake.FailNext(youtubetest.Videos, tt.failures...)
			tracker := quota.New(10000, 0)
			g := newTestGateway(fake, tracker)

			videos, err := g.VideoDetails(context.Background(), []string{"vid000"})
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("VideoDetails() error = %v", err)
				}
				if len(videos) != 1 {
					t.Errorf("len(videos) = %d, want 1", len(videos))
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("VideoDetails() error = %v, want %v", err, tt.wantErr)
			}
			if got := fake.Calls(youtubetest.Videos); got != tt.wantCalls {
				t.Errorf("videos calls = %d, want %d", got, tt.wantCalls)
			}
			wantUsed := 0
			if tt.wantErr == nil {
				wantUsed = 1
			}
			if got := tracker.Used(); got != wantUsed {
				t.Errorf("Used() = %d, want %d", got, wantUsed)
			}
		})
	}
}

func TestGateway_ListUploadsIsLazy(t *testing.T) {
	fake := fakeWithVideos(200)
	g := newTestGateway(fake, nil)

	var ids []string
	for v, err := range g.ListUploads(context.Background(), fake.UploadsPlaylistID()) {
		if err != nil {
			t.Fatalf("ListUploads() error = %v", err)
		}
		ids = append(ids, v.ID)
		if len(ids) == 60 {
			break
		}
	}
	if got := fake.Calls(youtubetest.PlaylistItems); got != 2 {
		t.Errorf("playlistItems calls = %d, want 2", got)
	}
	if ids[0] != "vid199" {
		t.Errorf("first listed = %q, want newest vid199", ids[0])
	}
}

func TestGateway_ListUploadsFields(t *testing.T) {
	fake := fakeWithVideos(1)
	g := newTestGateway(fake, nil)

	for v, err := range g.ListUploads(context.Background(), fake.UploadsPlaylistID()) {
		if err != nil {
			t.Fatal(err)
		}
		if !v.PublishedAt.Equal(epoch) {
			t.Errorf("PublishedAt = %v, want %v", v.PublishedAt, epoch)
		}
		if v.ChannelID != testChannel {
			t.Errorf("ChannelID = %q, want %q", v.ChannelID, testChannel)
		}
		if v.CommentCount != nil {
			t.Errorf("CommentCount = %v, want nil from listing", *v.CommentCount)
		}
	}
}

func TestGateway_VideoDetails(t *testing.T) {
	fake := fakeWithVideos(3)
	fake.AddVideo(youtubetest.Video{ID: "hidden", Published: epoch, Comments: -1})
	g := newTestGateway(fake, nil)

	videos, err := g.VideoDetails(context.Background(), []string{"vid002", "missing", "hidden"})
	if err != nil {
		t.Fatalf("VideoDetails() error = %v", err)
	}
	if len(videos) != 2 {
		t.Fatalf("len(videos) = %d, want 2", len(videos))
	}
	if videos[0].CommentCount == nil || *videos[0].CommentCount != 2 {
		t.Errorf("vid002 CommentCount = %v, want 2", videos[0].CommentCount)
	}
	if videos[1].CommentCount != nil {
		t.Errorf("hidden CommentCount = %v, want nil", *videos[1].CommentCount)
	}
}

func TestGateway_VideoDetailsLimits(t *testing.T) {
	fake := fakeWithVideos(1)
	g := newTestGateway(fake, nil)

	videos, err := g.VideoDetails(context.Background(), nil)
	if err != nil || videos != nil {
		t.Errorf("VideoDetails(nil) = %v, %v; want nil, nil", videos, err)
	}

	ids := make([]string, MaxIDsPerCall+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("id%d", i)
	}
	if _, err := g.VideoDetails(context.Background(), ids); !errors.Is(err, ErrTooManyIDs) {
		t.Errorf("error = %v, want ErrTooManyIDs", err)
	}
	if got := fake.TotalCalls(); got != 0 {
		t.Errorf("transport calls = %d, want 0", got)
	}
}

func TestGateway_CommentsWithReplies(t *testing.T) {
	fake := fakeWithVideos(1)
	fake.AddComment("vid000", "c1", "alice", "first", epoch, 3)
	fake.AddComment("vid000", "c2", "bob", "second", epoch.Add(time.Minute), 0)
	fake.AddReply("vid000", "c1", "c1.r1", "carol", "reply one", epoch.Add(2*time.Minute))
	fake.AddReply("vid000", "c1", "c1.r2", "dave", "reply two", epoch.Add(3*time.Minute))
	g := newTestGateway(fake, nil)

	tests := []struct {
		name           string
		includeReplies bool
		want           []string
	}{
		{name: "top level only", want: []string{"c1", "c2"}},
		{name: "replies follow parent", includeReplies: true, want: []string{"c1", "c1.r1", "c1.r2", "c2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for c, err := range g.Comments(context.Background(), "vid000", tt.includeReplies) {
				if err != nil {
					t.Fatalf("Comments() error = %v", err)
				}
				if c.IsReply != (c.ParentID != "") {
					t.Errorf("%s: IsReply = %v with ParentID %q", c.ID, c.IsReply, c.ParentID)
				}
				got = append(got, c.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Comments() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateway_ResolveChannel(t *testing.T) {
	fake := fakeWithVideos(0)
	g := newTestGateway(fake, nil)

	ch, err := g.ResolveChannel(context.Background(), "https://www.youtube.com/channel/"+testChannel)
	if err != nil {
		t.Fatalf("ResolveChannel() error = %v", err)
	}
	if ch.UploadsPlaylistID != fake.UploadsPlaylistID() {
		t.Errorf("UploadsPlaylistID = %q, want %q", ch.UploadsPlaylistID, fake.UploadsPlaylistID())
	}

	_, err = g.ResolveChannel(context.Background(), "@nobody")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("ResolveChannel(@nobody) error = %v, want ErrChannelNotFound", err)
	}
}

func TestParseChannelRef(t *testing.T) {
	tests := []struct {
		ref        string
		wantID     string
		wantHandle string
		wantErr    bool
	}{
		{ref: testChannel, wantID: testChannel},
		{ref: "https://www.youtube.com/channel/" + testChannel + "/videos", wantID: testChannel},
		{ref: "https://www.youtube.com/@somebody", wantHandle: "@somebody"},
		{ref: "https://youtube.com/@somebody/videos?view=0", wantHandle: "@somebody"},
		{ref: "@somebody", wantHandle: "@somebody"},
		{ref: "", wantErr: true},
		{ref: "@", wantErr: true},
		{ref: "not a channel", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			id, handle, err := parseChannelRef(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseChannelRef(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
			if id != tt.wantID || handle != tt.wantHandle {
				t.Errorf("parseChannelRef(%q) = %q, %q; want %q, %q", tt.ref, id, handle, tt.wantID, tt.wantHandle)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"quota", youtubetest.QuotaError(), ErrQuotaExceeded},
		{"disabled", youtubetest.CommentsDisabledError(), ErrCommentsDisabled},
		{"server", youtubetest.ServerError(http.StatusBadGateway), ErrTransient},
		{"not found", youtubetest.ServerError(http.StatusNotFound), ErrNotFound},
		{"plain", errors.New("connection reset"), ErrProvider},
		{"canceled", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChunk(t *testing.T) {
	ids := make([]string, 120)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}
	chunks := Chunk(ids, 50)
	if len(chunks) != 3 || len(chunks[2]) != 20 {
		t.Errorf("Chunk() sizes = %d chunks, last %d; want 3, 20", len(chunks), len(chunks[len(chunks)-1]))
	}
}
