package journal

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakout-trader/internal/clock"
	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/models"
)

const date = "2025-03-03"

var t0 = time.Date(2025, 3, 3, 15, 5, 0, 0, time.UTC)

func newJournal(fs afero.Fs) *Journal {
	return New(fs, "/journal", 30*time.Second, clock.NewManual(t0), zerolog.Nop())
}

func pendingEntry() Entry {
	return Entry{
		IntentID:    IntentID(date, "ES_S2", "ES", models.DirectionLong),
		TradingDate: date,
		StreamID:    "ES_S2",
		Canonical:   "ES",
		Instrument:  "MES",
		Direction:   models.DirectionLong,
		Quantity:    2,
		EntryPrice:  5010,
		StopLoss:    5004,
		Target:      5020,
		Status:      models.OrderPending,
	}
}

func TestIntentID_Deterministic(t *testing.T) {
	a := IntentID(date, "ES_S2", "ES", models.DirectionLong)
	b := IntentID(date, "es_s2", "es", models.DirectionLong)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, IntentID(date, "ES_S2", "ES", models.DirectionShort))
	assert.NotEqual(t, a, IntentID("2025-03-04", "ES_S2", "ES", models.DirectionLong))
	assert.NotEqual(t, a, IntentID(date, "ES_S1", "ES", models.DirectionLong))
}

func TestProperty_IntentIDStableAcrossRestart(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("re-deriving after a restart finds the journaled intent", prop.ForAll(
		func(day int, session string, long bool) bool {
			d := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day).Format(clock.DateLayout)
			dir := models.DirectionShort
			if long {
				dir = models.DirectionLong
			}
			stream := models.StreamID("ES", "S"+session)

			fs := afero.NewMemMapFs()
			first := newJournal(fs)
			if _, err := first.WarmStart(d); err != nil {
				return false
			}
			id := IntentID(d, stream, "ES", dir)
			if err := first.PutIntent(Entry{IntentID: id, TradingDate: d, StreamID: stream, Canonical: "ES", Direction: dir, Quantity: 1, Status: models.OrderSubmitted}); err != nil {
				return false
			}

			restarted := newJournal(fs)
			if _, err := restarted.WarmStart(d); err != nil {
				return false
			}
			again := IntentID(d, stream, "ES", dir)
			return again == id && restarted.HasActiveIntent(again)
		},
		gen.IntRange(0, 700),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestPutIntent_AndWarmStart(t *testing.T) {
	fs := afero.NewMemMapFs()
	j := newJournal(fs)
	_, err := j.WarmStart(date)
	require.NoError(t, err)

	e := pendingEntry()
	assert.False(t, j.HasActiveIntent(e.IntentID))
	require.NoError(t, j.PutIntent(e))
	assert.True(t, j.HasActiveIntent(e.IntentID))

	err = j.PutIntent(e)
	assert.True(t, apperrors.Is(err, apperrors.ErrIntentExists), "a live pending intent cannot be journaled twice")

	exists, err := afero.Exists(fs, "/journal/2025-03-03/ES_S2.json")
	require.NoError(t, err)
	assert.True(t, exists)

	// only the record is left: no temp or lock files
	infos, err := afero.ReadDir(fs, "/journal/2025-03-03")
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	restarted := newJournal(fs)
	n, err := restarted.WarmStart(date)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := restarted.Entry(e.IntentID)
	require.True(t, ok)
	assert.Equal(t, "MES", got.Instrument)
	assert.Equal(t, models.OrderPending, got.Status)
}

func TestFailedIntentIsNotActive(t *testing.T) {
	j := newJournal(afero.NewMemMapFs())
	_, _ = j.WarmStart(date)

	e := pendingEntry()
	require.NoError(t, j.PutIntent(e))
	_, err := j.UpdateIntent(e.IntentID, func(x *Entry) bool {
		x.Status = models.OrderFailed
		return true
	})
	require.NoError(t, err)
	assert.False(t, j.HasActiveIntent(e.IntentID))

	// a failed intent may be journaled again
	require.NoError(t, j.PutIntent(e))
	assert.True(t, j.HasActiveIntent(e.IntentID))
}

func TestUpdateIntent_Unknown(t *testing.T) {
	j := newJournal(afero.NewMemMapFs())
	_, _ = j.WarmStart(date)
	_, err := j.UpdateIntent("nope", func(*Entry) bool { return true })
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownOrder))
}

func TestWarmStart_CorruptRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/journal/2025-03-03/ES_S1.json", []byte("{not json"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/journal/2025-03-03/ES_S2.json", []byte(`{"trading_date":"2025-03-02","stream_id":"ES_S2"}`), 0644))

	j := newJournal(fs)
	n, err := j.WarmStart(date)
	assert.Equal(t, 0, n)
	require.Error(t, err)
	assert.Len(t, apperrors.List(err), 2)
	assert.True(t, apperrors.Is(j.CorruptError("ES_S1"), apperrors.ErrJournalCorrupt))
	assert.True(t, apperrors.Is(j.CorruptError("es_s2"), apperrors.ErrJournalCorrupt))

	// a successful save clears the corrupt mark
	require.NoError(t, j.SaveRecord(Record{TradingDate: date, StreamID: "ES_S1"}))
	assert.NoError(t, j.CorruptError("ES_S1"))
}

func TestSaveRecord_OtherDateNotIndexed(t *testing.T) {
	j := newJournal(afero.NewMemMapFs())
	_, _ = j.WarmStart(date)
	require.NoError(t, j.SaveRecord(Record{TradingDate: "2025-03-04", StreamID: "ES_S1"}))
	_, ok := j.Record("ES_S1")
	assert.False(t, ok)

	recs, err := j.Records("2025-03-04")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ES_S1", recs[0].StreamID)
}

func TestEntry_Apply(t *testing.T) {
	e := pendingEntry()
	e.Status = models.OrderSubmitted
	at := t0.Add(time.Minute)

	assert.True(t, e.Apply(models.OrderUpdate{Kind: models.UpdateAccepted, BrokerRef: "P-1"}, at))
	assert.Equal(t, models.OrderAccepted, e.Status)
	assert.Equal(t, "P-1", e.BrokerRef)
	assert.False(t, e.Apply(models.OrderUpdate{Kind: models.UpdateAccepted}, at), "repeat ack changes nothing")

	assert.True(t, e.Apply(models.OrderUpdate{Kind: models.UpdatePartialFill, Quantity: 1, Price: 5010.25}, at))
	assert.Equal(t, models.OrderPartiallyFilled, e.Status)
	assert.Equal(t, 1, e.FilledQty)

	assert.True(t, e.Apply(models.OrderUpdate{Kind: models.UpdateEntryFilled, Price: 5010.25}, at))
	assert.Equal(t, models.OrderFilled, e.Status)
	assert.Equal(t, 2, e.FilledQty)

	assert.True(t, e.Apply(models.OrderUpdate{Kind: models.UpdateExitFilled, Price: 5020}, at))
	assert.Equal(t, models.OrderClosed, e.Status)
	assert.Equal(t, 5020.0, e.ExitPrice)

	assert.False(t, e.Apply(models.OrderUpdate{Kind: models.UpdateCancelled}, at), "terminal entries are frozen")
	assert.Equal(t, models.OrderClosed, e.Status)
}

func TestEntry_ApplyReject(t *testing.T) {
	e := pendingEntry()
	assert.True(t, e.Apply(models.OrderUpdate{Kind: models.UpdateRejected, Reason: "margin"}, t0))
	assert.Equal(t, models.OrderFailed, e.Status)
	assert.False(t, e.Active())
	assert.Equal(t, "margin", e.Message)
}
