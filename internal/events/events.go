// Package events is the append-only structured event log consumed by
// external monitoring.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Type classifies an event.
type Type string

const (
	TypeTransition      Type = "TRANSITION"
	TypeBarAccepted     Type = "BAR_ACCEPTED"
	TypeBarRejected     Type = "BAR_REJECTED"
	TypeRangeLocked     Type = "RANGE_LOCKED"
	TypeGapViolation    Type = "GAP_VIOLATION"
	TypeBreakout        Type = "BREAKOUT"
	TypeRiskDenied      Type = "RISK_DENIED"
	TypeIntentSkipped   Type = "INTENT_SKIPPED"
	TypeOrderSubmitted  Type = "ORDER_SUBMITTED"
	TypeOrderFailed     Type = "ORDER_FAILED"
	TypeOrderUpdate     Type = "ORDER_UPDATE"
	TypeOrderCancelled  Type = "ORDER_CANCELLED"
	TypeOrderFlattened  Type = "ORDER_FLATTENED"
	TypeReconciled      Type = "RECONCILED"
	TypeCommit          Type = "COMMIT"
	TypeRestore         Type = "RESTORE"
	TypeBackfillStarted Type = "BACKFILL_STARTED"
	TypeBackfillResult  Type = "BACKFILL_RESULT"
	TypeBackfillExpired Type = "BACKFILL_EXPIRED"
	TypeLockAcquired    Type = "LOCK_ACQUIRED"
	TypeLockFailed      Type = "LOCK_FAILED"
	TypeLockLost        Type = "LOCK_LOST"
	TypeLockReleased    Type = "LOCK_RELEASED"
	TypeIdentityCheck   Type = "IDENTITY_CHECK"
	TypeHeartbeat       Type = "HEARTBEAT"
	TypePlanApplied     Type = "PLAN_APPLIED"
	TypePlanIncomplete  Type = "PLAN_INCOMPLETE"
	TypePlanRejected    Type = "PLAN_REJECTED"
	TypeHealthAlert     Type = "HEALTH_ALERT"
	TypeHealthRecovered Type = "HEALTH_RECOVERED"
	TypeEngineStarted   Type = "ENGINE_STARTED"
	TypeEngineStopped   Type = "ENGINE_STOPPED"
	TypeFault           Type = "FAULT"
)

// Event is one line of the event log.
type Event struct {
	Time       time.Time              `json:"time"`
	Type       Type                   `json:"type"`
	RunID      string                 `json:"run_id,omitempty"`
	StreamID   string                 `json:"stream_id,omitempty"`
	Instrument string                 `json:"instrument,omitempty"`
	Phase      string                 `json:"phase,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Sink receives events. Emit never fails the caller.
type Sink interface {
	Emit(ev Event)
	Close() error
}

// FileConfig holds event log file settings.
type FileConfig struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// FileSink writes JSON lines to a rotating file.
type FileSink struct {
	writer *lumberjack.Logger
	runID  string
	logger zerolog.Logger

	mu       sync.Mutex
	failures int
}

// NewFileSink creates the event log file sink.
func NewFileSink(cfg FileConfig, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	return &FileSink{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		runID:  uuid.NewString(),
		logger: logger.With().Str("component", "events").Logger(),
	}, nil
}

// RunID identifies this process in every event it writes.
func (s *FileSink) RunID() string {
	return s.runID
}

// Emit appends one event line.
func (s *FileSink) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.RunID = s.runID

	data, err := json.Marshal(ev)
	if err != nil {
		s.fail(err, ev)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, err = s.writer.Write(data)
	s.mu.Unlock()
	if err != nil {
		s.fail(err, ev)
	}
}

func (s *FileSink) fail(err error, ev Event) {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	s.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Event log write failed")
}

// Failures returns the number of events that could not be written.
func (s *FileSink) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Close closes the log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit records the event.
func (s *MemorySink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// Events returns a copy of every recorded event.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns recorded events of type t.
func (s *MemorySink) OfType(t Type) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops every recorded event.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

// Emit sends ev to every sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Close closes every sink and returns the first error.
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink mirrors events into the operational log at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

// Emit logs ev.
func (s LogSink) Emit(ev Event) {
	e := s.Logger.Debug().
		Str("event", string(ev.Type)).
		Str("stream", ev.StreamID).
		Str("instrument", ev.Instrument).
		Str("phase", ev.Phase).
		Str("reason", ev.Reason)
	if len(ev.Details) > 0 {
		e = e.Interface("details", ev.Details)
	}
	e.Msg("Event")
}

// Close is a no-op.
func (LogSink) Close() error { return nil }
