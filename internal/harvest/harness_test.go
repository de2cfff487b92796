package harvest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ytharvest/internal/checkpoint"
	"ytharvest/internal/quota"
	"ytharvest/internal/retry"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
	"ytharvest/internal/youtube/youtubetest"
)

const testChannel = "UCabcdefghijklmnopqrstuv"

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// harness wires a fake provider to a real backend and checkpoint file.
type harness struct {
	t          *testing.T
	backend    string
	dir        string
	fake       *youtubetest.API
	store      storage.Store
	checkpoint *checkpoint.Store
	listSize   int64
}

func newHarness(t *testing.T, backend string) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		backend:  backend,
		dir:      t.TempDir(),
		fake:     youtubetest.New(testChannel),
		listSize: 50,
	}
	h.checkpoint = checkpoint.New(filepath.Join(h.dir, checkpoint.DefaultFileName), nil)
	h.reopen()
	t.Cleanup(func() { h.store.Close() })
	return h
}

// reopen closes and reopens the store the way a restarted process would.
func (h *harness) reopen() {
	h.t.Helper()
	if h.store != nil {
		require.NoError(h.t, h.store.Close())
	}
	store, err := storage.Open(storage.Options{Type: h.backend, Dir: filepath.Join(h.dir, "data")})
	require.NoError(h.t, err)
	require.NoError(h.t, store.Initialize(context.Background()))
	h.store = store
}

// addVideo publishes a video hour hours after epoch with n top-level comments.
func (h *harness) addVideo(id string, hour int, n int) {
	published := epoch.Add(time.Duration(hour) * time.Hour)
	h.fake.AddVideo(youtubetest.Video{ID: id, Title: "Title " + id, Published: published, Comments: int64(n)})
	for i := range n {
		h.fake.AddComment(id, fmt.Sprintf("%s.c%d", id, i), "user", "comment on "+id, published.Add(time.Duration(i)*time.Minute), int64(i))
	}
}

func (h *harness) gateway(tracker *quota.Tracker) *youtube.Gateway {
	return h.gatewayOver(h.fake, tracker)
}

func (h *harness) gatewayOver(api youtube.API, tracker *quota.Tracker) *youtube.Gateway {
	return youtube.NewGateway(api, tracker, youtube.Options{
		RequestDelay: -1,
		ListPageSize: h.listSize,
		Retry:        &retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond},
	})
}

func (h *harness) manager(tracker *quota.Tracker, opts Options) *Manager {
	if tracker == nil {
		tracker = quota.New(quota.DefaultLimit, quota.DefaultSafetyMargin)
	}
	opts.Delta.Delay = -1
	return NewManager(h.gateway(tracker), h.store, h.checkpoint, tracker, opts)
}

func (h *harness) totals() (videos, comments int) {
	h.t.Helper()
	ctx := context.Background()
	videos, err := h.store.TotalVideos(ctx)
	require.NoError(h.t, err)
	comments, err = h.store.TotalComments(ctx)
	require.NoError(h.t, err)
	return videos, comments
}

// recorder collects events.
type recorder struct {
	events []Event
}

func (r *recorder) Observe(e Event) { r.events = append(r.events, e) }

func (r *recorder) phases() []Phase {
	var out []Phase
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.Phase {
			out = append(out, e.Phase)
		}
	}
	return out
}

var fileBackends = []string{storage.BackendSQLite, storage.BackendJSON, storage.BackendJSONL}
