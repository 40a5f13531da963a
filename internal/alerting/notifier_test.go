package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

func sampleNotification() storage.Notification {
	return storage.Notification{
		ID:      "n-1",
		UserID:  "u1",
		AlertID: "a-1",
		Type:    storage.NotificationAlertTriggered,
		Title:   "ETH APR alert",
		Message: "ETH APR on Y is 2.90% (below 3%)",
		Data: storage.NotificationData{
			Asset:      "ETH",
			Platform:   "Y",
			CurrentAPR: decimal.RequireFromString("2.9"),
			Threshold:  decimal.NewFromInt(3),
			AlertType:  storage.AlertBelow,
		},
		CreatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), sampleNotification()), "Telegram Notify 应成功")

	assert.Equal(t, "chat", received["chat_id"], "chat_id 不正确")
	assert.Contains(t, received["text"], "[APR Alert] ETH APR alert")
	assert.Contains(t, received["text"], "Current APR: 2.90%")
	assert.Contains(t, received["text"], "Threshold: below 3%")
}

func TestTelegramNotifierError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"ok false", http.StatusOK, `{"ok":false}`, "ok=false"},
		{"bad status", http.StatusUnauthorized, `{"ok":false}`, "响应码异常: 401"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
			err := notifier.Notify(context.Background(), sampleNotification())
			require.Error(t, err, "%s 应报错", tt.name)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaNotifierPublishes(t *testing.T) {
	w := &fakeWriter{}
	notifier := NewKafkaNotifierWithWriter(w, "apr-alerts", zerolog.Nop())

	require.NoError(t, notifier.Notify(context.Background(), sampleNotification()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "a-1", string(msg.Key))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "type", msg.Headers[0].Key)
	assert.Equal(t, storage.NotificationAlertTriggered, string(msg.Headers[0].Value))

	var decoded storage.Notification
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "u1", decoded.UserID)
	assert.True(t, decoded.Data.CurrentAPR.Equal(decimal.RequireFromString("2.9")))

	require.NoError(t, notifier.Close())
	assert.True(t, w.closed)
}

func TestKafkaNotifierWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	notifier := NewKafkaNotifierWithWriter(w, "apr-alerts", zerolog.Nop())

	err := notifier.Notify(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}
