package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"breakout-trader/internal/models"
	"breakout-trader/pkg/utils"
)

// Message is one frame of the bar feed protocol. Type "bar" carries a bar;
// "heartbeat" frames only prove liveness.
type Message struct {
	Type       string  `json:"type"`
	Instrument string  `json:"instrument,omitempty"`
	Timestamp  int64   `json:"t,omitempty"` // bar open, unix milliseconds
	Open       float64 `json:"o,omitempty"`
	High       float64 `json:"h,omitempty"`
	Low        float64 `json:"l,omitempty"`
	Close      float64 `json:"c,omitempty"`
	Volume     int64   `json:"v,omitempty"`
}

// Bar converts a bar frame to a live bar.
func (m Message) Bar() models.Bar {
	ts := time.UnixMilli(m.Timestamp).UTC()
	return models.Bar{
		Instrument: strings.ToUpper(m.Instrument),
		Timestamp:  ts,
		SourceTime: ts,
		Open:       m.Open,
		High:       m.High,
		Low:        m.Low,
		Close:      m.Close,
		Volume:     m.Volume,
		Source:     models.BarSourceLive,
	}
}

// SubscribeRequest is sent after every (re)connect.
type SubscribeRequest struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// WebSocketConfig configures the live feed.
type WebSocketConfig struct {
	URL              string
	Instruments      []string
	ReconnectDelay   time.Duration
	MaxReconnects    int
	HandshakeTimeout time.Duration
}

// WebSocketFeed reads live bars from a websocket endpoint and reconnects with
// bounded exponential backoff.
type WebSocketFeed struct {
	cfg    WebSocketConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	connected bool
	lastFrame time.Time
	frames    int64
	dropped   int64
}

// NewWebSocketFeed creates a live bar feed.
func NewWebSocketFeed(cfg WebSocketConfig, logger zerolog.Logger) *WebSocketFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocketFeed{
		cfg:    cfg,
		logger: logger.With().Str("component", "bar_feed").Str("url", cfg.URL).Logger(),
	}
}

// Connected reports whether a connection is currently open.
func (f *WebSocketFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Stats returns frame counters and the time of the last frame.
func (f *WebSocketFeed) Stats() (frames, dropped int64, last time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frames, f.dropped, f.lastFrame
}

// Run delivers bars until ctx is done. A dropped connection is re-dialed.
// Run gives up after MaxReconnects consecutive failed dials, or after as many
// consecutive connections that closed without a single frame.
func (f *WebSocketFeed) Run(ctx context.Context, deliver func(models.Bar)) error {
	retry := utils.RetryConfig{
		MaxAttempts:   f.cfg.MaxReconnects,
		InitialDelay:  f.cfg.ReconnectDelay,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
		Retryable:     func(err error) bool { return ctx.Err() == nil },
	}

	// connections that drop before delivering a frame count against the budget
	flaps := 0
	for {
		conn, err := utils.RetryWithResult(ctx, retry, func() (*websocket.Conn, error) {
			return f.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bar feed unavailable after %d attempts: %w", f.cfg.MaxReconnects, err)
		}

		n, err := f.readLoop(ctx, conn, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if n == 0 {
			flaps++
		} else {
			flaps = 0
		}
		if flaps >= f.cfg.MaxReconnects {
			return fmt.Errorf("bar feed dropped %d connections without data: %w", flaps, err)
		}
		f.logger.Warn().Err(err).Int("frames", n).Msg("Bar feed disconnected, reconnecting")

		wait := time.NewTimer(utils.CalculateBackoff(flaps, f.cfg.ReconnectDelay, time.Minute, 2.0))
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil
		case <-wait.C:
		}
	}
}

func (f *WebSocketFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: f.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		f.logger.Debug().Err(err).Msg("Bar feed dial failed")
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if len(f.cfg.Instruments) > 0 {
		sub := SubscribeRequest{Action: "subscribe", Instruments: f.cfg.Instruments}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	f.logger.Info().Strs("instruments", f.cfg.Instruments).Msg("Bar feed connected")
	return conn, nil
}

func (f *WebSocketFeed) readLoop(ctx context.Context, conn *websocket.Conn, deliver func(models.Bar)) (int, error) {
	f.setConnected(true)
	defer f.setConnected(false)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	n := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return n, err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			f.countFrame(false)
			f.logger.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}
		switch msg.Type {
		case "bar":
			n++
			f.countFrame(true)
			deliver(msg.Bar())
		case "heartbeat":
			n++
			f.countFrame(true)
		case "error":
			return n, errors.New("feed reported error")
		default:
			f.countFrame(false)
		}
	}
}

func (f *WebSocketFeed) setConnected(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = on
}

func (f *WebSocketFeed) countFrame(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFrame = time.Now()
	if ok {
		f.frames++
	} else {
		f.dropped++
	}
}
