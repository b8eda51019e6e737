package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// Event is one operator-facing notification. Exits and breaker trips are
// critical and survive queue pressure; entries are informational.
type Event struct {
	Kind       string    `json:"kind"` // "entry", "exit", "breaker", "lock"
	Instrument string    `json:"instrument"`
	Detail     string    `json:"detail"`
	Quantity   int       `json:"quantity,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e Event) critical() bool {
	return e.Kind == "exit" || e.Kind == "breaker"
}

type Config struct {
	Enabled         bool   `yaml:"enabled"`
	WebhookURL      string `yaml:"webhook_url"`
	Channel         string `yaml:"channel"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	QueueSize       int    `yaml:"queue_size"`
	DedupeWindowSec int    `yaml:"dedupe_window_sec"`
}

type queuedEvent struct {
	ev        Event
	attempts  int
	nextRetry time.Time
}

// SlackNotifier delivers events to a Slack webhook through a bounded queue
// with dedupe, a global per-minute rate limit, and retry with backoff. Send
// never blocks the trading path.
type SlackNotifier struct {
	cfg        Config
	httpClient *http.Client
	queue      chan queuedEvent
	cancel     context.CancelFunc
	done       chan struct{}

	mu      sync.Mutex
	dedupe  map[string]time.Time
	sentLog []time.Time
}

func NewSlackNotifier(cfg Config) *SlackNotifier {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 200
	}
	if cfg.DedupeWindowSec <= 0 {
		cfg.DedupeWindowSec = 60
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &SlackNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan queuedEvent, cfg.QueueSize),
		cancel:     cancel,
		done:       make(chan struct{}),
		dedupe:     make(map[string]time.Time),
	}
	go n.worker(ctx)
	return n
}

// Send enqueues an event. When the queue is full an informational event is
// dropped in favor of a critical one; a dropped event is counted, never waited
// on.
func (n *SlackNotifier) Send(ev Event) {
	if !n.cfg.Enabled || n.cfg.WebhookURL == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if n.isDuplicate(ev) {
		return
	}
	if n.rateLimited() && !ev.critical() {
		observ.IncCounter("alerts_rate_limited_total", nil)
		return
	}

	q := queuedEvent{ev: ev, nextRetry: time.Now()}
	select {
	case n.queue <- q:
	default:
		if ev.critical() {
			// Make room by dropping one queued informational event.
			select {
			case old := <-n.queue:
				if old.ev.critical() {
					// Both critical: keep the older one, drop the new.
					select {
					case n.queue <- old:
					default:
					}
					observ.IncCounter("alerts_dropped_total", map[string]string{"kind": ev.Kind})
					return
				}
				observ.IncCounter("alerts_dropped_total", map[string]string{"kind": old.ev.Kind})
				select {
				case n.queue <- q:
				default:
					observ.IncCounter("alerts_dropped_total", map[string]string{"kind": ev.Kind})
				}
			default:
			}
			return
		}
		observ.IncCounter("alerts_dropped_total", map[string]string{"kind": ev.Kind})
	}
}

// Close stops the delivery worker. Queued events are abandoned.
func (n *SlackNotifier) Close() {
	n.cancel()
	<-n.done
}

func (n *SlackNotifier) isDuplicate(ev Event) bool {
	raw := fmt.Sprintf("%s:%s:%s:%.2f", ev.Kind, ev.Instrument, ev.Detail, ev.Price)
	sum := sha256.Sum256([]byte(raw))
	key := fmt.Sprintf("%x", sum)[:16]
	window := time.Duration(n.cfg.DedupeWindowSec) * time.Second

	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	for k, t := range n.dedupe {
		if now.Sub(t) > window {
			delete(n.dedupe, k)
		}
	}
	if last, ok := n.dedupe[key]; ok && now.Sub(last) < window {
		return true
	}
	n.dedupe[key] = now
	return false
}

func (n *SlackNotifier) rateLimited() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	kept := n.sentLog[:0]
	for _, t := range n.sentLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	n.sentLog = kept
	if len(n.sentLog) >= n.cfg.RateLimitPerMin {
		return true
	}
	n.sentLog = append(n.sentLog, time.Now())
	return false
}

func (n *SlackNotifier) worker(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-n.queue:
			if wait := time.Until(q.nextRetry); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			if err := n.post(ctx, q.ev); err != nil {
				observ.IncCounter("alerts_webhook_errors_total", nil)
				q.attempts++
				if q.attempts < 3 {
					backoff := time.Duration(math.Pow(2, float64(q.attempts))) * time.Second
					jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
					q.nextRetry = time.Now().Add(backoff + jitter)
					select {
					case n.queue <- q:
					default:
						observ.IncCounter("alerts_dropped_total", map[string]string{"kind": q.ev.Kind})
					}
				} else {
					observ.Log("alert_delivery_failed", map[string]any{
						"kind": q.ev.Kind, "instrument": q.ev.Instrument, "err": err.Error(),
					})
				}
				continue
			}
			observ.IncCounter("alerts_sent_total", map[string]string{"kind": q.ev.Kind})
		}
	}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

func (n *SlackNotifier) post(ctx context.Context, ev Event) error {
	color := "#439FE0"
	switch ev.Kind {
	case "exit":
		color = "warning"
	case "breaker":
		color = "danger"
	}
	fields := []slackField{
		{Title: "Instrument", Value: ev.Instrument, Short: true},
		{Title: "When", Value: ev.Timestamp.Format(time.RFC3339), Short: true},
	}
	if ev.Quantity != 0 {
		fields = append(fields, slackField{Title: "Quantity", Value: fmt.Sprintf("%d", ev.Quantity), Short: true})
	}
	if ev.Price != 0 {
		fields = append(fields, slackField{Title: "Price", Value: fmt.Sprintf("%.2f", ev.Price), Short: true})
	}
	msg := slackMessage{
		Channel:     n.cfg.Channel,
		Text:        fmt.Sprintf("[%s] %s", ev.Kind, ev.Detail),
		Attachments: []slackAttachment{{Color: color, Fields: fields}},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
