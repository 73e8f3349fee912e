// Package progress defines the events a mirror run reports and a few
// stock consumers for them.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/types"
)

type EventType string

const (
	FolderEntered EventType = "folder-entered"
	FolderFailed  EventType = "folder-failed"
	FolderSkipped EventType = "folder-skipped"
	FileSkipped   EventType = "file-skipped"
	FileStarted   EventType = "file-started"
	FileCompleted EventType = "file-completed"
	FileFailed    EventType = "file-failed"
	RunCompleted  EventType = "run-completed"
)

// Skip reasons
const (
	ReasonExists      = "exists"
	ReasonNotFound    = "not-found-remotely"
	ReasonUnsupported = "unsupported-kind"
	ReasonDryRun      = "dry-run"
	// ReasonTargetConflict marks a failure detected before any transfer began
	ReasonTargetConflict = "target-conflict"
)

// Event is one progress record. Path is relative to the output directory.
type Event struct {
	Type     EventType        `json:"type"`
	Time     time.Time        `json:"time"`
	Path     string           `json:"path,omitempty"`
	EntryID  string           `json:"entryId,omitempty"`
	Bytes    int64            `json:"bytes,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	ErrKind  types.ErrorKind  `json:"errorKind,omitempty"`
	Message  string           `json:"message,omitempty"`
	Duration time.Duration    `json:"duration,omitempty"`
	Totals   *types.RunTotals `json:"totals,omitempty"`
}

// Sink consumes progress events. The engine never calls Emit concurrently.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop discards events
var Nop Sink = nopSink{}

type multiSink []Sink

func (m multiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi forwards every event to each non-nil sink in order
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Nop
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Serialized wraps s so that concurrent Emit calls are delivered one at a time
func Serialized(s Sink) Sink {
	return &serialSink{sink: s}
}

type serialSink struct {
	mu   sync.Mutex
	sink Sink
}

func (s *serialSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Emit(e)
}

// LogSink writes events to a Logger
type LogSink struct {
	Logger logging.Logger
}

func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(e Event) {
	switch e.Type {
	case FolderEntered:
		s.Logger.Debug("Folder entered", logging.F("path", e.Path))
	case FolderFailed:
		s.Logger.Error("Folder failed, skipping subtree",
			logging.F("path", e.Path),
			logging.F("kind", string(e.ErrKind)),
			logging.F("error", e.Message),
		)
	case FolderSkipped:
		s.Logger.Warn("Folder skipped with its subtree",
			logging.F("path", e.Path),
			logging.F("reason", e.Reason),
			logging.F("detail", e.Message),
		)
	case FileSkipped:
		if e.Reason == ReasonExists || e.Reason == ReasonDryRun {
			s.Logger.Debug("File skipped", logging.F("path", e.Path), logging.F("reason", e.Reason))
			return
		}
		s.Logger.Warn("File skipped", logging.F("path", e.Path), logging.F("reason", e.Reason), logging.F("detail", e.Message))
	case FileStarted:
		s.Logger.Debug("Transfer started", logging.F("path", e.Path))
	case FileCompleted:
		s.Logger.Info("Transfer completed",
			logging.F("path", e.Path),
			logging.F("bytes", e.Bytes),
			logging.F("duration_ms", e.Duration.Milliseconds()),
		)
	case FileFailed:
		s.Logger.Error("Transfer failed",
			logging.F("path", e.Path),
			logging.F("kind", string(e.ErrKind)),
			logging.F("error", e.Message),
		)
	case RunCompleted:
		if e.Totals == nil {
			return
		}
		s.Logger.Info("Mirror run completed",
			logging.F("completed", e.Totals.Completed),
			logging.F("skipped", e.Totals.Skipped),
			logging.F("failed", e.Totals.Failed),
			logging.F("bytes", e.Totals.Bytes),
			logging.F("duration_ms", e.Totals.Duration.Milliseconds()),
		)
	}
}

// Counter keeps running totals, for progress bars. Safe for concurrent reads.
type Counter struct {
	seen     atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	bytes    atomic.Int64
	folders  atomic.Int64
	finished atomic.Bool
}

// Snapshot is a point-in-time copy of a Counter
type Snapshot struct {
	// Known is the number of files discovered so far; it grows during a run
	Known    int64 `json:"known"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
	Bytes    int64 `json:"bytes"`
	Folders  int64 `json:"folders"`
	Finished bool  `json:"finished"`
}

func (c *Counter) Emit(e Event) {
	switch e.Type {
	case FolderEntered:
		c.folders.Add(1)
	case FolderFailed:
		c.failed.Add(1)
	case FileSkipped:
		c.seen.Add(1)
		c.done.Add(1)
	case FileStarted:
		c.seen.Add(1)
	case FileCompleted:
		c.done.Add(1)
		c.bytes.Add(e.Bytes)
	case FileFailed:
		if e.Reason == ReasonTargetConflict {
			c.seen.Add(1)
		}
		c.done.Add(1)
		c.failed.Add(1)
	case RunCompleted:
		c.finished.Store(true)
	}
}

func (c *Counter) Snapshot() Snapshot {
	return Snapshot{
		Known:    c.seen.Load(),
		Done:     c.done.Load(),
		Failed:   c.failed.Load(),
		Bytes:    c.bytes.Load(),
		Folders:  c.folders.Load(),
		Finished: c.finished.Load(),
	}
}

// Fraction reports done/known, or 0 before anything is known
func (s Snapshot) Fraction() float64 {
	if s.Known == 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Known)
}
