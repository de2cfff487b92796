package harvest

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is a step of a harvest run.
type Phase string

// Phases in the order a run normally passes through them. PhaseAborting is
// entered on a stop request or quota exhaustion and always leads to
// PhaseSavingCheckpoint.
const (
	PhaseIdle             Phase = "idle"
	PhaseResolvingVideos  Phase = "resolving_videos"
	PhaseSavingVideos     Phase = "saving_videos"
	PhaseFetchingComments Phase = "fetching_comments"
	PhaseAborting         Phase = "aborting"
	PhaseSavingCheckpoint Phase = "saving_checkpoint"
	PhaseDone             Phase = "done"
)

// Event is one progress report. Total is zero when unknown.
type Event struct {
	RunID    string
	Phase    Phase
	Progress int
	Total    int
	Message  string
	// Error is set on the terminal event of a failed run.
	Error string
	Time  time.Time
}

// Observer receives progress events synchronously on the harvest goroutine.
// Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to every member.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

// LatestObserver keeps the most recent event for pollers such as a status
// endpoint.
type LatestObserver struct {
	mu    sync.RWMutex
	event Event
	seen  bool
}

func (l *LatestObserver) Observe(e Event) {
	l.mu.Lock()
	l.event = e
	l.seen = true
	l.mu.Unlock()
}

// Latest returns the last event, and false if none was observed yet.
func (l *LatestObserver) Latest() (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.event, l.seen
}

// LogObserver writes events to a logger. Progress within a phase is logged
// at debug level, phase changes and the terminal event at info.
type LogObserver struct {
	logger *slog.Logger

	mu   sync.Mutex
	last Phase
}

// NewLogObserver returns a LogObserver writing to logger.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger.With("component", "progress")}
}

func (l *LogObserver) Observe(e Event) {
	l.mu.Lock()
	changed := e.Phase != l.last
	l.last = e.Phase
	l.mu.Unlock()

	attrs := []any{"run_id", e.RunID, "phase", e.Phase, "progress", e.Progress}
	if e.Total > 0 {
		attrs = append(attrs, "total", e.Total)
	}
	switch {
	case e.Error != "":
		l.logger.Error(e.Message, append(attrs, "error", e.Error)...)
	case changed || e.Phase == PhaseDone:
		l.logger.Info(e.Message, attrs...)
	default:
		l.logger.Debug(e.Message, attrs...)
	}
}
