package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"calwatch/internal/event"
	"calwatch/internal/logger"
)

// Version is the daemon version stamped into webhook payloads; set from the
// main package at startup.
var Version = "dev"

// WebhookConfig holds configuration for webhook delivery.
type WebhookConfig struct {
	// URL is the webhook endpoint.
	URL string

	// MaxRetries is the maximum number of retry attempts (default: 3).
	MaxRetries int

	// InitialBackoff is the initial backoff duration (default: 1s).
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration (default: 30s).
	MaxBackoff time.Duration

	// Timeout is the HTTP request timeout (default: 10s).
	Timeout time.Duration
}

// DefaultWebhookConfig returns sensible defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// WebhookPayload is the JSON payload sent to the webhook endpoint.
type WebhookPayload struct {
	// DeliveryID uniquely identifies this payload across retries.
	DeliveryID string `json:"delivery_id"`

	// Event is the type of event (event_added, event_dismissed,
	// event_snoozed, event_mute_toggled, notifications_posted).
	Event string `json:"event"`

	// Alert contains the record details, absent for notifications_posted.
	Alert *WebhookAlert `json:"alert,omitempty"`

	// Timestamp is when the webhook was generated.
	Timestamp time.Time `json:"timestamp"`

	// Daemon contains daemon metadata.
	Daemon WebhookDaemon `json:"daemon"`
}

// WebhookAlert carries the notification-worthy fields of one record.
type WebhookAlert struct {
	EventID       int64  `json:"event_id"`
	CalendarID    int64  `json:"calendar_id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Location      string `json:"location,omitempty"`
	StartTime     int64  `json:"start_time"`
	EndTime       int64  `json:"end_time"`
	InstanceStart int64  `json:"instance_start"`
	AlertTime     int64  `json:"alert_time"`
	AllDay        bool   `json:"all_day"`
	Repeating     bool   `json:"repeating"`
	SnoozedUntil  int64  `json:"snoozed_until,omitempty"`
	Muted         bool   `json:"muted,omitempty"`
	Origin        string `json:"origin"`
}

// WebhookDaemon contains daemon metadata.
type WebhookDaemon struct {
	// Version is the daemon version.
	Version string `json:"version"`

	// Hostname is the daemon hostname.
	Hostname string `json:"hostname,omitempty"`
}

// WebhookDelivery handles sending notifications to a webhook endpoint with
// bounded retries.
type WebhookDelivery struct {
	config WebhookConfig
	client *http.Client

	// Queue for async delivery
	queue chan WebhookPayload
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebhookDelivery creates a new webhook delivery handler.
func NewWebhookDelivery(config WebhookConfig) *WebhookDelivery {
	defaults := DefaultWebhookConfig()
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WebhookDelivery{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		queue:  make(chan WebhookPayload, 100), // Buffer up to 100 pending webhooks
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the webhook delivery worker.
func (wd *WebhookDelivery) Start() {
	wd.wg.Add(1)
	go wd.deliveryWorker()
}

// Stop gracefully shuts down the webhook delivery.
func (wd *WebhookDelivery) Stop() {
	wd.cancel()
	close(wd.queue)
	wd.wg.Wait()
}

// SendAsync queues a webhook payload for async delivery.
func (wd *WebhookDelivery) SendAsync(payload WebhookPayload) {
	select {
	case wd.queue <- payload:
		logger.Debug("webhook queued", "event", payload.Event, "delivery_id", payload.DeliveryID)
	default:
		logger.Warn("webhook queue full, dropping", "event", payload.Event, "delivery_id", payload.DeliveryID)
	}
}

// deliveryWorker processes queued webhooks.
func (wd *WebhookDelivery) deliveryWorker() {
	defer wd.wg.Done()

	for {
		select {
		case <-wd.ctx.Done():
			// Drain remaining queue items
			for len(wd.queue) > 0 {
				select {
				case payload := <-wd.queue:
					_ = wd.deliverWithRetry(payload)
				default:
					return
				}
			}
			return
		case payload, ok := <-wd.queue:
			if !ok {
				return
			}
			if err := wd.deliverWithRetry(payload); err != nil {
				logger.Error("webhook delivery failed after retries",
					"event", payload.Event, "delivery_id", payload.DeliveryID, "error", err.Error())
			}
		}
	}
}

// deliverWithRetry attempts to deliver with exponential backoff.
func (wd *WebhookDelivery) deliverWithRetry(payload WebhookPayload) error {
	var lastErr error

	for attempt := 0; attempt <= wd.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := wd.calculateBackoff(attempt)
			logger.Debug("webhook retry",
				"attempt", attempt, "max", wd.config.MaxRetries, "backoff", backoff.String())

			select {
			case <-wd.ctx.Done():
				return wd.ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := wd.deliver(payload)
		if err == nil {
			if attempt > 0 {
				logger.Info("webhook delivery succeeded after retry",
					"attempt", attempt+1, "delivery_id", payload.DeliveryID)
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// calculateBackoff returns the backoff duration for a retry attempt.
func (wd *WebhookDelivery) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: initialBackoff * 2^(attempt-1)
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(float64(wd.config.InitialBackoff) * multiplier)

	if backoff > wd.config.MaxBackoff {
		backoff = wd.config.MaxBackoff
	}

	return backoff
}

// deliver sends a single webhook request.
func (wd *WebhookDelivery) deliver(payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(wd.ctx, http.MethodPost, wd.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "calwatch/"+Version)

	resp, err := wd.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read body for error messages
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	// Consider 2xx as success
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Check if we should retry based on status code
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return fmt.Errorf("HTTP %d: %s (retryable)", resp.StatusCode, string(respBody))
	}

	// Client errors (4xx except 429) are not retryable
	return &permanentError{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
}

// WebhookNotifier renders notifications as webhook deliveries.
type WebhookNotifier struct {
	delivery *WebhookDelivery
	hostname string
}

// NewWebhookNotifier creates a notifier backed by webhook delivery. The
// caller owns starting and stopping the delivery worker.
func NewWebhookNotifier(delivery *WebhookDelivery) *WebhookNotifier {
	hostname, _ := os.Hostname()
	return &WebhookNotifier{delivery: delivery, hostname: hostname}
}

func (n *WebhookNotifier) payload(eventType string, r *event.AlertRecord) WebhookPayload {
	p := WebhookPayload{
		DeliveryID: uuid.NewString(),
		Event:      eventType,
		Timestamp:  time.Now(),
		Daemon: WebhookDaemon{
			Version:  Version,
			Hostname: n.hostname,
		},
	}

	if r != nil {
		p.Alert = &WebhookAlert{
			EventID:       r.EventID,
			CalendarID:    r.CalendarID,
			Title:         r.Title,
			Description:   r.Description,
			Location:      r.Location,
			StartTime:     r.StartTime,
			EndTime:       r.EndTime,
			InstanceStart: r.InstanceStartTime,
			AlertTime:     r.AlertTime,
			AllDay:        r.AllDay,
			Repeating:     r.Repeating,
			SnoozedUntil:  r.SnoozedUntil,
			Muted:         r.Muted,
			Origin:        r.Origin.String(),
		}
	}

	return p
}

// PostNotifications announces a full re-render.
func (n *WebhookNotifier) PostNotifications(ctx context.Context) {
	n.delivery.SendAsync(n.payload("notifications_posted", nil))
}

// OnEventAdded announces a newly registered record.
func (n *WebhookNotifier) OnEventAdded(ctx context.Context, r *event.AlertRecord) {
	n.delivery.SendAsync(n.payload("event_added", r))
}

// OnEventDismissed announces a dismissal.
func (n *WebhookNotifier) OnEventDismissed(ctx context.Context, r *event.AlertRecord) {
	n.delivery.SendAsync(n.payload("event_dismissed", r))
}

// OnEventSnoozed announces a snooze.
func (n *WebhookNotifier) OnEventSnoozed(ctx context.Context, r *event.AlertRecord) {
	n.delivery.SendAsync(n.payload("event_snoozed", r))
}

// OnEventMuteToggled announces a mute toggle.
func (n *WebhookNotifier) OnEventMuteToggled(ctx context.Context, r *event.AlertRecord) {
	n.delivery.SendAsync(n.payload("event_mute_toggled", r))
}
