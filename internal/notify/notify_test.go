package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSenderPostsPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewWebhookSender(srv.URL, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), "a@x.edu", "123456"))
	assert.Equal(t, webhookPayload{Email: "a@x.edu", Code: "123456", Kind: "signup_otp"}, got)
}

func TestWebhookSenderReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewWebhookSender(srv.URL, time.Second)
	require.NoError(t, err)
	assert.Error(t, s.Send(context.Background(), "a@x.edu", "123456"))
}

func TestNewWebhookSenderRejectsBadURL(t *testing.T) {
	_, err := NewWebhookSender("ftp://relay", time.Second)
	assert.Error(t, err)
}

func TestLogSenderWritesCode(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	require.NoError(t, LogSender{Log: logger}.Send(context.Background(), "a@x.edu", "654321"))
	assert.Contains(t, buf.String(), `"code":"654321"`)
}

type recordingSender struct {
	mu   sync.Mutex
	done chan struct{}
	got  string
}

func (r *recordingSender) Send(_ context.Context, email, code string) error {
	r.mu.Lock()
	r.got = email + ":" + code
	r.mu.Unlock()
	close(r.done)
	return nil
}

func TestAsyncDelivers(t *testing.T) {
	rec := &recordingSender{done: make(chan struct{})}
	require.NoError(t, Async{Next: rec}.Send(context.Background(), "a@x.edu", "111222"))
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("async delivery did not run")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "a@x.edu:111222", rec.got)
}
