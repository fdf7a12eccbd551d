package engine

import (
	"strings"

	"breakout-trader/internal/events"
	"breakout-trader/internal/metrics"
)

// metricSink counts events into Prometheus before forwarding them.
type metricSink struct {
	next events.Sink
	m    *metrics.Metrics
}

func (s *metricSink) Emit(ev events.Event) {
	switch ev.Type {
	case events.TypeBarAccepted:
		s.m.Bars.WithLabelValues(ev.Instrument, "accepted").Inc()
	case events.TypeBarRejected:
		s.m.Bars.WithLabelValues(ev.Instrument, "rejected").Inc()
	case events.TypeCommit:
		s.m.Commits.WithLabelValues(ev.Reason).Inc()
	case events.TypeRiskDenied:
		s.m.RiskDenials.WithLabelValues(ev.Reason).Inc()
	case events.TypeOrderSubmitted:
		s.m.Orders.WithLabelValues("submitted").Inc()
	case events.TypeOrderFailed:
		s.m.Orders.WithLabelValues("failed").Inc()
	case events.TypeOrderCancelled:
		s.m.Orders.WithLabelValues("cancelled").Inc()
	case events.TypeOrderFlattened:
		s.m.Orders.WithLabelValues("flattened").Inc()
	case events.TypeOrderUpdate:
		s.m.Orders.WithLabelValues(strings.ToLower(ev.Reason)).Inc()
	case events.TypeBackfillResult:
		if ev.Reason == "" {
			s.m.Backfill.WithLabelValues("ok").Inc()
		} else {
			s.m.Backfill.WithLabelValues("failed").Inc()
		}
	case events.TypeBackfillExpired:
		s.m.Backfill.WithLabelValues("expired").Inc()
	}
	s.next.Emit(ev)
}

func (s *metricSink) Close() error {
	return s.next.Close()
}
