package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookRecorder struct {
	mu       sync.Mutex
	messages []slackMessage
}

func (wr *webhookRecorder) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var msg slackMessage
	_ = json.Unmarshal(body, &msg)
	wr.mu.Lock()
	wr.messages = append(wr.messages, msg)
	wr.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (wr *webhookRecorder) count() int {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return len(wr.messages)
}

func (wr *webhookRecorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if wr.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("webhook received %d messages, want %d", wr.count(), n)
}

func TestNotifierDeliversEvent(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	n := NewSlackNotifier(Config{Enabled: true, WebhookURL: srv.URL, Channel: "#trading"})
	defer n.Close()

	n.Send(Event{Kind: "exit", Instrument: "ACME", Detail: "closed ACME (default)", Quantity: 40, Price: 97.5})
	rec.waitFor(t, 1)

	rec.mu.Lock()
	msg := rec.messages[0]
	rec.mu.Unlock()
	assert.Equal(t, "#trading", msg.Channel)
	assert.Contains(t, msg.Text, "closed ACME")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "warning", msg.Attachments[0].Color)
}

func TestNotifierDedupesWithinWindow(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	n := NewSlackNotifier(Config{Enabled: true, WebhookURL: srv.URL, DedupeWindowSec: 60})
	defer n.Close()

	ev := Event{Kind: "entry", Instrument: "ACME", Detail: "entered ACME (default)", Price: 100}
	n.Send(ev)
	n.Send(ev)
	n.Send(ev)
	rec.waitFor(t, 1)

	// Give the worker a moment to prove no duplicates follow.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestNotifierDisabledIsNoop(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	n := NewSlackNotifier(Config{Enabled: false, WebhookURL: srv.URL})
	defer n.Close()

	n.Send(Event{Kind: "breaker", Detail: "daily loss limit"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestNotifierRetriesFailedDelivery(t *testing.T) {
	rec := &webhookRecorder{}
	var failures int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := failures < 1
		if fail {
			failures++
		}
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		rec.handler(w, r)
	}))
	defer srv.Close()

	n := NewSlackNotifier(Config{Enabled: true, WebhookURL: srv.URL})
	defer n.Close()

	n.Send(Event{Kind: "exit", Instrument: "ACME", Detail: "closed ACME (default)"})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && rec.count() == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, rec.count(), "retry after webhook failure")
}
