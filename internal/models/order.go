package models

import "time"

// OrderStatus is the journal view of an intent's order lifecycle.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderClosed          OrderStatus = "CLOSED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderFailed          OrderStatus = "FAILED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderClosed, OrderCancelled, OrderFailed:
		return true
	default:
		return false
	}
}

// BracketRequest is an entry order with attached stop-loss and target.
// Instrument is the execution identity; everything else is derived from
// canonical logic.
type BracketRequest struct {
	IntentID   string
	StreamID   string
	Canonical  string
	Instrument string
	Direction  Direction
	Quantity   int
	EntryPrice float64 // stop-market trigger at the breakout level
	StopLoss   float64
	Target     float64
	CreatedAt  time.Time
}

// OrderResult is the adapter's acknowledgement of a submission.
type OrderResult struct {
	BrokerRef string
	Status    string
	Message   string
}

// OrderUpdateKind classifies adapter reports.
type OrderUpdateKind string

const (
	UpdateAccepted    OrderUpdateKind = "ACCEPTED"
	UpdateEntryFilled OrderUpdateKind = "ENTRY_FILLED"
	UpdatePartialFill OrderUpdateKind = "PARTIAL_FILL"
	UpdateExitFilled  OrderUpdateKind = "EXIT_FILLED"
	UpdateCancelled   OrderUpdateKind = "CANCELLED"
	UpdateRejected    OrderUpdateKind = "REJECTED"
)

// OrderUpdate is a fill/ack report from the adapter.
type OrderUpdate struct {
	IntentID  string
	BrokerRef string
	Kind      OrderUpdateKind
	Quantity  int
	Price     float64
	Time      time.Time
	Reason    string
}

// BracketState is the adapter's answer to a status query.
type BracketState struct {
	BrokerRef    string
	IntentID     string
	Status       OrderStatus
	FilledQty    int
	AveragePrice float64
	ExitPrice    float64
}
