// Package notify delivers lifecycle transitions to billing and licensing
// systems. Delivery is asynchronous and never blocks the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/kiranshivaraju/tenantplane/internal/metrics"
	"github.com/kiranshivaraju/tenantplane/pkg/models"
)

// Transition is the notification payload.
type Transition struct {
	TenantID      uuid.UUID             `json:"tenant_id"`
	TenantName    string                `json:"tenant_name"`
	Tier          string                `json:"tier"`
	From          models.LifecycleState `json:"from"`
	To            models.LifecycleState `json:"to"`
	CorrelationID uuid.UUID             `json:"correlation_id"`
	At            time.Time             `json:"at"`
}

// Notifier accepts transitions for delivery. Notify must not block.
type Notifier interface {
	Notify(t Transition)
}

// Nop discards every transition.
type Nop struct{}

func (Nop) Notify(Transition) {}

type WebhookConfig struct {
	URL        string
	QueueSize  int
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
}

// WebhookNotifier POSTs each transition as JSON from a bounded queue. When
// the queue is full the transition is dropped with a warning.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	queue  chan Transition
	logger *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

func NewWebhookNotifier(cfg WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	n := &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan Transition, cfg.QueueSize),
		logger: logger,
		stop:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.deliverLoop()
	return n
}

func (n *WebhookNotifier) Notify(t Transition) {
	select {
	case n.queue <- t:
	default:
		metrics.NotificationsDropped.Inc()
		n.logger.Warn("billing notification dropped, queue full",
			"tenant_id", t.TenantID, "to", t.To, "queue_size", n.cfg.QueueSize)
	}
}

// Close stops accepting deliveries and waits for queued ones up to timeout.
func (n *WebhookNotifier) Close(timeout time.Duration) {
	n.stopOnce.Do(func() { close(n.stop) })
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		n.logger.Warn("billing notifier close timed out", "pending", len(n.queue))
	}
}

func (n *WebhookNotifier) deliverLoop() {
	defer n.wg.Done()
	for {
		select {
		case t := <-n.queue:
			n.deliver(t)
		case <-n.stop:
			for {
				select {
				case t := <-n.queue:
					n.deliver(t)
				default:
					return
				}
			}
		}
	}
}

func (n *WebhookNotifier) deliver(t Transition) {
	body, err := json.Marshal(t)
	if err != nil {
		n.logger.Error("encoding billing notification failed", "error", err)
		return
	}
	err = retry.Call(retry.CallArgs{
		Func:     func() error { return n.post(body) },
		Attempts: n.cfg.Attempts,
		Delay:    n.cfg.RetryDelay,
		Clock:    clock.WallClock,
		Stop:     n.stop,
	})
	if err != nil {
		n.logger.Warn("billing notification failed",
			"tenant_id", t.TenantID, "to", t.To, "error", retry.LastError(err))
		return
	}
	n.logger.Debug("billing notification delivered", "tenant_id", t.TenantID, "to", t.To)
}

func (n *WebhookNotifier) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("billing webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Recorder keeps transitions in memory. It backs tests and runs without a
// billing webhook configured.
type Recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *Recorder) Notify(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *Recorder) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.transitions...)
}
