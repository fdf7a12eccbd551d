package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/config"
	"breakout-trader/internal/events"
	"breakout-trader/internal/models"
)

const (
	defaultBackfillWorkers = 2
	defaultBackfillQueue   = 16
	defaultBackfillTimeout = 30 * time.Second
)

type backfillJob struct {
	streamID  string
	token     string
	canonical string
	execution string
	from, to  time.Time
}

type backfillToken struct {
	id       string
	deadline time.Time
}

// backfills tracks in-flight historical requests. tokens and requested are
// guarded by the engine mutex; jobs is consumed by the worker pool.
type backfills struct {
	workers int
	timeout time.Duration

	seq       uint64
	tokens    map[string]backfillToken
	requested map[string]bool
	jobs      chan backfillJob
}

func newBackfills(cfg config.BackfillConfig) *backfills {
	b := &backfills{
		workers:   cfg.Workers,
		timeout:   cfg.Timeout,
		tokens:    make(map[string]backfillToken),
		requested: make(map[string]bool),
	}
	if b.workers <= 0 {
		b.workers = defaultBackfillWorkers
	}
	if b.timeout <= 0 {
		b.timeout = defaultBackfillTimeout
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultBackfillQueue
	}
	b.jobs = make(chan backfillJob, size)
	return b
}

// forget drops any pending token of a stream so a late result is discarded.
func (b *backfills) forget(streamID string) {
	delete(b.tokens, streamID)
	delete(b.requested, streamID)
}

// PendingBackfills returns the number of in-flight backfill requests.
func (e *Engine) PendingBackfills() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.backfills.tokens)
}

// run dispatches queued jobs on a bounded pool until ctx is done.
func (b *backfills) run(ctx context.Context, e *Engine) {
	p := pool.New().WithMaxGoroutines(b.workers)
	defer p.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.jobs:
			p.Go(func() {
				bars, err := b.fetch(ctx, e.backfill, job)
				e.completeBackfill(job, bars, err)
			})
		}
	}
}

// fetch queries the canonical instrument first and falls back to the
// execution identity when the store has nothing under the canonical name.
func (b *backfills) fetch(ctx context.Context, provider broker.BackfillProvider, job backfillJob) (bars []models.Bar, err error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var pc panics.Catcher
	pc.Try(func() {
		bars, err = provider.Bars(ctx, job.canonical, job.from, job.to)
		if err == nil && len(bars) == 0 && job.execution != "" && job.execution != job.canonical {
			bars, err = provider.Bars(ctx, job.execution, job.from, job.to)
		}
	})
	if r := pc.Recovered(); r != nil {
		return nil, r.AsError()
	}
	return bars, err
}

// requestBackfillsLocked registers a token and enqueues one request for
// every stream still hydrating. A full queue cancels the request and leaves
// hydration to its timeout.
func (e *Engine) requestBackfillsLocked() {
	now := e.clock.Now()
	for _, id := range e.streamIDs() {
		s := e.streams[id]
		if !s.NeedsBackfill() || e.backfills.requested[id] {
			continue
		}
		if _, pending := e.backfills.tokens[id]; pending {
			continue
		}

		from, to := s.BackfillWindow()
		if now.Before(to) {
			to = now
		}
		cfg := s.Config()
		e.backfills.seq++
		job := backfillJob{
			streamID:  id,
			token:     fmt.Sprintf("%s#%d", id, e.backfills.seq),
			canonical: cfg.Key.Canonical,
			execution: cfg.Execution,
			from:      from,
			to:        to,
		}

		e.backfills.requested[id] = true
		e.backfills.tokens[id] = backfillToken{id: job.token, deadline: now.Add(e.backfills.timeout)}
		s.MarkBackfillPending()

		select {
		case e.backfills.jobs <- job:
			e.emit(events.TypeBackfillStarted, "", id, map[string]interface{}{
				"from":  from,
				"to":    to,
				"token": job.token,
			})
		default:
			delete(e.backfills.tokens, id)
			s.CancelBackfill()
			e.emit(events.TypeBackfillExpired, "QUEUE_FULL", id, nil)
			e.logger.Warn().Str("stream", id).Msg("Backfill queue full, relying on hydration timeout")
		}
	}
}

// expireBackfillsLocked clears tokens past their deadline.
func (e *Engine) expireBackfillsLocked(now time.Time) {
	for id, tok := range e.backfills.tokens {
		if !now.After(tok.deadline) {
			continue
		}
		delete(e.backfills.tokens, id)
		if s, ok := e.streams[id]; ok {
			s.CancelBackfill()
		}
		e.emit(events.TypeBackfillExpired, "TIMEOUT", id, map[string]interface{}{"token": tok.id})
		e.logger.Warn().Str("stream", id).Str("token", tok.id).Msg("Backfill expired")
	}
}

// completeBackfill hands a worker result back through the critical section.
// Results whose token no longer matches are dropped.
func (e *Engine) completeBackfill(job backfillJob, bars []models.Bar, err error) {
	e.guard("backfill", func() {
		tok, ok := e.backfills.tokens[job.streamID]
		if !ok || tok.id != job.token {
			e.logger.Debug().Str("stream", job.streamID).Str("token", job.token).Msg("Dropping stale backfill result")
			if e.metrics != nil {
				e.metrics.Backfill.WithLabelValues("stale").Inc()
			}
			return
		}
		delete(e.backfills.tokens, job.streamID)

		s, ok := e.streams[job.streamID]
		if !ok {
			return
		}
		accepted, rejected := s.ApplyBackfill(bars, err)
		e.logger.Info().
			Str("stream", job.streamID).
			Int("accepted", accepted).
			Int("rejected", rejected).
			AnErr("error", err).
			Msg("Backfill applied")
	})
}
