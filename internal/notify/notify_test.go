package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMasking(t *testing.T) {
	require.Equal(t, "**********67", MaskPhone("+15551234567"))
	require.Equal(t, "**", MaskPhone("1"))
	require.Equal(t, "d***@example.org", MaskEmail("dr@example.org"))
	require.Equal(t, "***", MaskEmail("nobody"))
}

func TestLogDispatcher_NeverLogsBody(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewLogDispatcher(zap.New(core))

	require.NoError(t, d.SendSMS(context.Background(), "+15551234567", "code 123456"))
	entries := logs.All()
	require.Len(t, entries, 1)
	for _, f := range entries[0].Context {
		require.NotContains(t, f.String, "123456")
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.SendSMS(context.Background(), "+1", "a"))
	require.NoError(t, r.SendSMS(context.Background(), "+1", "b"))
	msg, ok := r.LastSMS("+1")
	require.True(t, ok)
	require.Equal(t, "b", msg.Body)
	_, ok = r.LastSMS("+2")
	require.False(t, ok)
}

func TestWebhookDispatcher_PostsMessage(t *testing.T) {
	var got webhookMessage
	var method, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, ctype = r.Method, r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	d := NewWebhookDispatcher(srv.URL, time.Second, zap.New(core))

	require.NoError(t, d.SendSMS(context.Background(), "+15551234567", "Your verification code is 123456"))
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "application/json", ctype)
	require.Equal(t, webhookMessage{Channel: "sms", To: "+15551234567", Body: "Your verification code is 123456"}, got)
	for _, e := range logs.All() {
		for _, f := range e.Context {
			require.NotContains(t, f.String, "123456")
		}
	}

	require.NoError(t, d.SendEmail(context.Background(), "dr@example.org", "Invitation", "token abc"))
	require.Equal(t, "email", got.Channel)
	require.Equal(t, "Invitation", got.Subject)
}

func TestWebhookDispatcher_RelayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL, time.Second, nil)
	err := d.SendSMS(context.Background(), "+15551234567", "Your verification code is 654321")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "654321")

	srv.Close()
	require.Error(t, d.SendEmail(context.Background(), "dr@example.org", "s", "b"))
}
