package journal

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"breakout-trader/internal/models"
)

// intentNamespace scopes name-based intent ids to this system.
var intentNamespace = uuid.MustParse("5b0e7c3a-9d2f-4c61-8e47-a1f03b6d2c95")

// IntentID derives the idempotency key for the decision to trade a stream on
// a date in a direction. The same inputs always give the same id.
func IntentID(date, streamID, canonical string, direction models.Direction) string {
	name := strings.Join([]string{
		date,
		strings.ToUpper(streamID),
		strings.ToUpper(canonical),
		string(direction),
	}, "|")
	return uuid.NewSHA1(intentNamespace, []byte(name)).String()
}

// Entry is the durable record of one intent.
type Entry struct {
	IntentID     string              `json:"intent_id"`
	TradingDate  string              `json:"trading_date"`
	StreamID     string              `json:"stream_id"`
	Canonical    string              `json:"canonical"`
	Instrument   string              `json:"instrument"` // execution identity
	Direction    models.Direction    `json:"direction"`
	Quantity     int                 `json:"quantity"`
	EntryPrice   float64             `json:"entry_price"`
	StopLoss     float64             `json:"stop_loss"`
	Target       float64             `json:"target"`
	Status       models.OrderStatus  `json:"status"`
	BrokerRef    string              `json:"broker_ref,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	SubmittedAt  time.Time           `json:"submitted_at,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
	FilledQty    int                 `json:"filled_qty"`
	FillPrice    float64             `json:"fill_price,omitempty"`
	ExitPrice    float64             `json:"exit_price,omitempty"`
	CommitReason models.CommitReason `json:"commit_reason,omitempty"`
	Message      string              `json:"message,omitempty"`
}

// Active reports whether the entry blocks another submission of its intent.
// Only a failed submission may be retried.
func (e Entry) Active() bool {
	return e.Status != models.OrderFailed
}

// Apply folds an adapter update into the entry. It returns false when the
// update does not change anything, including any update after a terminal status.
func (e *Entry) Apply(u models.OrderUpdate, at time.Time) bool {
	if e.Status.Terminal() {
		return false
	}
	if u.BrokerRef != "" && e.BrokerRef == "" {
		e.BrokerRef = u.BrokerRef
	}

	prev := *e
	switch u.Kind {
	case models.UpdateAccepted:
		if e.Status == models.OrderPending || e.Status == models.OrderSubmitted {
			e.Status = models.OrderAccepted
		}
	case models.UpdatePartialFill:
		e.Status = models.OrderPartiallyFilled
		if u.Quantity > e.FilledQty {
			e.FilledQty = u.Quantity
		}
		if u.Price > 0 {
			e.FillPrice = u.Price
		}
	case models.UpdateEntryFilled:
		e.Status = models.OrderFilled
		e.FilledQty = e.Quantity
		if u.Quantity > 0 {
			e.FilledQty = u.Quantity
		}
		if u.Price > 0 {
			e.FillPrice = u.Price
		}
	case models.UpdateExitFilled:
		e.Status = models.OrderClosed
		e.ExitPrice = u.Price
	case models.UpdateCancelled:
		e.Status = models.OrderCancelled
		e.Message = u.Reason
	case models.UpdateRejected:
		e.Status = models.OrderFailed
		e.Message = u.Reason
	default:
		return false
	}

	if *e == prev {
		return false
	}
	e.UpdatedAt = at
	return true
}

// Record is the per-date, per-stream journal file.
type Record struct {
	TradingDate string                `json:"trading_date"`
	StreamID    string                `json:"stream_id"`
	Snapshot    models.StreamSnapshot `json:"snapshot"`
	Intent      *Entry                `json:"intent,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// clone copies the record without sharing its pointers.
func (r Record) clone() Record {
	out := r
	if r.Intent != nil {
		intent := *r.Intent
		out.Intent = &intent
	}
	if r.Snapshot.Range != nil {
		rng := *r.Snapshot.Range
		out.Snapshot.Range = &rng
	}
	if r.Snapshot.Levels != nil {
		levels := *r.Snapshot.Levels
		out.Snapshot.Levels = &levels
	}
	return out
}
