// Package plan reads the daily execution plan produced by the decision layer.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/models"
)

// Entry is one stream's line in the plan.
type Entry struct {
	Instrument string `json:"instrument"`
	Session    string `json:"session"`
	SlotTime   string `json:"slot_time"` // HH:MM exchange time
	Enabled    bool   `json:"enabled"`
	Reason     string `json:"reason,omitempty"`
}

// SameParams reports whether two entries would build the same stream.
func (e Entry) SameParams(o Entry) bool {
	return strings.EqualFold(e.Instrument, o.Instrument) &&
		strings.EqualFold(e.Session, o.Session) &&
		e.SlotTime == o.SlotTime &&
		e.Enabled == o.Enabled
}

// Plan is a parsed execution plan. Hash is the SHA-256 of the file bytes and is
// authoritative over any ContentHash carried in the document.
type Plan struct {
	TradingDate string           `json:"trading_date"`
	ContentHash string           `json:"content_hash,omitempty"`
	Streams     map[string]Entry `json:"streams"`

	Hash string `json:"-"`
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewDataError("plan", "", "reading "+path, err)
	}
	return Parse(data)
}

// Parse decodes and validates plan bytes.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPlanInvalid, err)
	}
	p.Hash = HashBytes(data)

	streams := make(map[string]Entry, len(p.Streams))
	for id, e := range p.Streams {
		e.Instrument = strings.ToUpper(strings.TrimSpace(e.Instrument))
		e.Session = strings.ToUpper(strings.TrimSpace(e.Session))
		streams[strings.ToUpper(strings.TrimSpace(id))] = e
	}
	p.Streams = streams

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks the plan is complete and self-consistent.
func (p *Plan) Validate() error {
	var err error
	if _, perr := time.Parse("2006-01-02", p.TradingDate); perr != nil {
		err = apperrors.Append(err, apperrors.NewValidationError("trading_date", p.TradingDate, "must be YYYY-MM-DD"))
	}
	for _, id := range p.StreamIDs() {
		e := p.Streams[id]
		if e.Instrument == "" || e.Session == "" {
			err = apperrors.Append(err, apperrors.NewValidationError("streams."+id, id, "instrument and session are required"))
			continue
		}
		if want := models.StreamID(e.Instrument, e.Session); want != id {
			err = apperrors.Append(err, apperrors.NewValidationError("streams."+id, id, "stream id must be "+want))
		}
		if _, perr := time.Parse("15:04", e.SlotTime); perr != nil {
			err = apperrors.Append(err, apperrors.NewValidationError("streams."+id+".slot_time", e.SlotTime, "must be HH:MM"))
		}
		if !e.Enabled && strings.TrimSpace(e.Reason) == "" {
			err = apperrors.Append(err, apperrors.NewValidationError("streams."+id+".reason", "", "disabled entries must carry a reason"))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrPlanInvalid, err)
	}
	return nil
}

// StreamIDs returns the plan's stream ids in sorted order.
func (p *Plan) StreamIDs() []string {
	ids := make([]string, 0, len(p.Streams))
	for id := range p.Streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Missing returns the configured (market, session) stream ids absent from the plan.
func (p *Plan) Missing(markets, sessions []string) []string {
	var missing []string
	for _, m := range markets {
		for _, s := range sessions {
			id := models.StreamID(m, s)
			if _, ok := p.Streams[id]; !ok {
				missing = append(missing, id)
			}
		}
	}
	sort.Strings(missing)
	return missing
}
