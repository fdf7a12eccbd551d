package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakout-trader/internal/clock"
	"breakout-trader/internal/models"
)

var t0 = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

func sampleBars(instrument string, n int) []models.Bar {
	out := make([]models.Bar, n)
	for i := range out {
		p := 5000 + float64(i)
		out[i] = models.Bar{
			Instrument: instrument,
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			Open:       p, High: p + 2, Low: p - 1, Close: p + 1,
			Volume: int64(10 * (i + 1)),
			Source: models.BarSourceHistorical,
		}
	}
	return out
}

func TestCSV_RoundTrip(t *testing.T) {
	bars := sampleBars("ES", 5)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, bars))

	got, rejected, err := ReadCSV(&buf, "")
	require.NoError(t, err)
	assert.Zero(t, rejected)
	require.Len(t, got, 5)
	for i := range bars {
		assert.True(t, bars[i].Timestamp.Equal(got[i].Timestamp))
		assert.Equal(t, bars[i].High, got[i].High)
		assert.Equal(t, "ES", got[i].Instrument)
		assert.Equal(t, models.BarSourceHistorical, got[i].Source)
	}
}

func TestCSV_DefaultInstrumentAndRejects(t *testing.T) {
	ms := t0.UnixMilli()
	data := fmt.Sprintf("instrument,t,o,h,l,c,v\n,%d,10,12,9,11,5\n,%d,10,8,9,11,5\n", ms+60000, ms)

	got, rejected, err := ReadCSV(strings.NewReader(data), "nq")
	require.NoError(t, err)
	assert.Equal(t, 1, rejected, "high below low is rejected")
	require.Len(t, got, 1)
	assert.Equal(t, "NQ", got[0].Instrument)
}

func TestParquet_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ES.parquet")
	bars := sampleBars("ES", 4)
	require.NoError(t, WriteParquetFile(path, bars))

	got, rejected, err := ReadFile(path)
	require.NoError(t, err)
	assert.Zero(t, rejected)
	require.Len(t, got, 4)
	assert.Equal(t, bars[3].Close, got[3].Close)
	assert.True(t, bars[3].Timestamp.Equal(got[3].Timestamp))
}

func TestFormatOf(t *testing.T) {
	f, err := FormatOf("a/ES_2025-03-03.PARQUET")
	require.NoError(t, err)
	assert.Equal(t, FormatParquet, f)

	_, err = FormatOf("bars.json")
	assert.Error(t, err)

	assert.Equal(t, "ES", instrumentFromName("/x/es_2025-03-03.csv"))
}

func TestFileSource_Window(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "ES.csv"))
	require.NoError(t, err)
	require.NoError(t, WriteCSV(f, sampleBars("ES", 10)))
	require.NoError(t, f.Close())

	src, err := NewFileSource(dir, FormatCSV)
	require.NoError(t, err)

	got, err := src.Bars(context.Background(), "es", t0.Add(2*time.Minute), t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Equal(t0.Add(2*time.Minute)))

	none, err := src.Bars(context.Background(), "NQ", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = NewFileSource(dir, "json")
	assert.Error(t, err)
}

func TestReplay_OrderClockAndTag(t *testing.T) {
	bars := append(sampleBars("NQ", 2), sampleBars("ES", 2)...)
	clk := clock.NewManual(t0.Add(-time.Hour))
	r := NewReplayFeed(bars)
	r.Clock = clk
	r.Lag = 2 * time.Second

	var advanced []time.Time
	r.OnAdvance = func(now time.Time) { advanced = append(advanced, now) }

	var got []models.Bar
	require.NoError(t, r.Run(context.Background(), func(b models.Bar) { got = append(got, b) }))

	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
	assert.Equal(t, models.BarSourceReplay, got[0].Source)
	assert.Equal(t, t0.Add(time.Minute+2*time.Second), advanced[0])
	assert.Equal(t, t0.Add(2*time.Minute+2*time.Second), clk.Now())
}

type staticProvider map[string][]models.Bar

func (p staticProvider) Bars(_ context.Context, inst string, from, to time.Time) ([]models.Bar, error) {
	var out []models.Bar
	for _, b := range p[inst] {
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestLoadReplay(t *testing.T) {
	src := staticProvider{"ES": sampleBars("ES", 5), "NQ": sampleBars("NQ", 5)}
	r, err := LoadReplay(context.Background(), src, []string{"ES", "NQ"}, t0, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 6, r.Len())
}

func TestWebSocketFeed_DeliversBars(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var subMu sync.Mutex
	var sub SubscribeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		subMu.Lock()
		_ = conn.ReadJSON(&sub)
		subMu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(Message{Type: "heartbeat"})
		_ = conn.WriteJSON(Message{Type: "bar", Instrument: "mes", Timestamp: t0.UnixMilli(), Open: 10, High: 11, Low: 9, Close: 10, Volume: 3})
		_ = conn.WriteJSON(Message{Type: "bar", Instrument: "mes", Timestamp: t0.Add(time.Minute).UnixMilli(), Open: 10, High: 11, Low: 9, Close: 10})
		// keep the connection open until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	feed := NewWebSocketFeed(WebSocketConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Instruments:    []string{"MES"},
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  2,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []models.Bar
	errCh := make(chan error, 1)
	go func() {
		errCh <- feed.Run(ctx, func(b models.Bar) {
			mu.Lock()
			got = append(got, b)
			n := len(got)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("feed did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "MES", got[0].Instrument)
	assert.Equal(t, models.BarSourceLive, got[0].Source)
	assert.True(t, got[1].Timestamp.Equal(t0.Add(time.Minute)))

	subMu.Lock()
	assert.Equal(t, []string{"MES"}, sub.Instruments)
	subMu.Unlock()

	frames, dropped, _ := feed.Stats()
	assert.Equal(t, int64(3), frames)
	assert.Equal(t, int64(1), dropped)
}

func TestWebSocketFeed_GivesUp(t *testing.T) {
	feed := NewWebSocketFeed(WebSocketConfig{
		URL:            "ws://127.0.0.1:1/bars",
		ReconnectDelay: time.Millisecond,
		MaxReconnects:  2,
	}, zerolog.Nop())

	err := feed.Run(context.Background(), func(models.Bar) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
	assert.False(t, feed.Connected())
}
