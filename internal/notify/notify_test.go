package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"breakout-trader/internal/config"
	"breakout-trader/internal/resilience"
)

type fakeChannel struct {
	name string
	sent []Notification
	err  error
}

func (f *fakeChannel) Name() string    { return f.name }
func (f *fakeChannel) IsEnabled() bool { return true }
func (f *fakeChannel) Send(_ context.Context, n Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

var since = time.Date(2025, 3, 3, 8, 3, 0, 0, time.UTC)

func stall(recovered bool) resilience.HealthAlert {
	return resilience.HealthAlert{
		Type:      resilience.AlertDataStall,
		Component: "ES",
		Message:   "no bars for ES for 3m0s",
		Since:     since,
		Timestamp: since.Add(time.Minute),
		Recovered: recovered,
	}
}

func TestMultiNotifier_PageAndRecovery(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{})
	ch := &fakeChannel{name: "fake"}
	mn.AddChannel(ch)

	require.NoError(t, mn.Page(context.Background(), stall(false)))
	require.NoError(t, mn.Page(context.Background(), stall(true)))
	require.Len(t, ch.sent, 2)

	assert.Equal(t, NotificationPage, ch.sent[0].Type)
	assert.Equal(t, "DATA_STALL: ES", ch.sent[0].Title)
	assert.Contains(t, ch.sent[0].Message, "no bars for ES")
	assert.Equal(t, "ES", ch.sent[0].Data["component"])

	assert.Equal(t, NotificationRecovery, ch.sent[1].Type)
	assert.Equal(t, "RECOVERED DATA_STALL: ES", ch.sent[1].Title)
}

func TestMultiNotifier_LevelFilter(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{Level: string(LevelErrorsOnly)})
	ch := &fakeChannel{name: "fake"}
	mn.AddChannel(ch)

	require.NoError(t, mn.Send(context.Background(), Notification{Type: NotificationInfo, Title: "hi"}))
	require.NoError(t, mn.Page(context.Background(), stall(true)))
	assert.Empty(t, ch.sent)

	require.NoError(t, mn.Page(context.Background(), stall(false)))
	require.NoError(t, mn.SendError(context.Background(), errors.New("disk full"), "journal"))
	require.Len(t, ch.sent, 2)
	assert.Equal(t, NotificationError, ch.sent[1].Type)
	assert.Equal(t, "journal", ch.sent[1].Data["context"])
}

func TestMultiNotifier_CombinesChannelErrors(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{})
	a := &fakeChannel{name: "a", err: errors.New("down")}
	b := &fakeChannel{name: "b"}
	c := &fakeChannel{name: "c", err: errors.New("refused")}
	mn.AddChannel(a)
	mn.AddChannel(b)
	mn.AddChannel(c)

	err := mn.Page(context.Background(), stall(false))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Len(t, b.sent, 1, "a failing channel does not stop the others")
}

func TestMultiNotifier_MasksTokensInErrors(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{})
	mn.AddChannel(&fakeChannel{name: "webhook", err: errors.New(`Post "https://hooks.example.com/p?token=s3cr3tvalue1234": timeout`)})

	err := mn.Page(context.Background(), stall(false))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cr3tvalue1234")
	assert.Contains(t, err.Error(), "webhook: ")
}

func TestNewMultiNotifier_DisabledHasNoRemoteChannels(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{
		Enabled: false,
		Webhook: config.WebhookConfig{Enabled: true, URL: "http://example.invalid"},
	})
	assert.Empty(t, mn.Channels())

	mn = NewMultiNotifier(&config.NotificationConfig{
		Enabled: true,
		Webhook: config.WebhookConfig{Enabled: true, URL: "http://example.invalid"},
	})
	assert.Equal(t, []string{"webhook"}, mn.Channels())
}

func TestWebhookNotifier_Posts(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL})
	require.NoError(t, w.Send(context.Background(), PageNotification(stall(false))))
	assert.Equal(t, "page", got["type"])
	assert.Equal(t, "DATA_STALL: ES", got["title"])
}

func TestWebhookNotifier_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL})
	err := w.Send(context.Background(), PageNotification(stall(false)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTerminalChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewTerminalChannel(&buf, false, true)
	require.NoError(t, ch.Send(context.Background(), PageNotification(stall(false))))

	out := buf.String()
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\a")))
	assert.Contains(t, out, "[08:04:00] PAGE")
	assert.Contains(t, out, "DATA_STALL: ES")
	assert.Contains(t, out, "component=ES")
	assert.NotContains(t, out, "\x1b[")
}
