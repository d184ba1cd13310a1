package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"calwatch/internal/event"
)

// webhookRecorder collects delivered payloads and answers with scripted
// status codes.
type webhookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
	statuses []int
	calls    int
}

func (r *webhookRecorder) handler(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var p WebhookPayload
	if err := json.NewDecoder(req.Body).Decode(&p); err == nil {
		r.payloads = append(r.payloads, p)
	}

	status := http.StatusOK
	if r.calls < len(r.statuses) {
		status = r.statuses[r.calls]
	}
	r.calls++
	w.WriteHeader(status)
}

func (r *webhookRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *webhookRecorder) delivered() []WebhookPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WebhookPayload, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func setupTestDelivery(t *testing.T, statuses []int) (*WebhookDelivery, *webhookRecorder, func()) {
	t.Helper()

	recorder := &webhookRecorder{statuses: statuses}
	server := httptest.NewServer(http.HandlerFunc(recorder.handler))

	delivery := NewWebhookDelivery(WebhookConfig{
		URL:            server.URL,
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	delivery.Start()

	cleanup := func() {
		delivery.Stop()
		server.Close()
	}

	return delivery, recorder, cleanup
}

// waitForCalls polls until the recorder has seen n requests.
func waitForCalls(t *testing.T, recorder *webhookRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recorder.callCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d webhook calls, saw %d", n, recorder.callCount())
}

func testWebhookRecord() *event.AlertRecord {
	return &event.AlertRecord{
		EventID:           7,
		CalendarID:        1,
		Title:             "Standup",
		Location:          "Room 4",
		StartTime:         100000,
		EndTime:           130000,
		InstanceStartTime: 100000,
		AlertTime:         85000,
		Origin:            event.OriginFullManual,
	}
}

func TestWebhookDelivery_Delivers(t *testing.T) {
	delivery, recorder, cleanup := setupTestDelivery(t, nil)
	defer cleanup()

	notifier := NewWebhookNotifier(delivery)
	notifier.OnEventAdded(context.Background(), testWebhookRecord())

	waitForCalls(t, recorder, 1)

	got := recorder.delivered()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	p := got[0]
	if p.Event != "event_added" {
		t.Errorf("expected event_added, got %q", p.Event)
	}
	if p.DeliveryID == "" {
		t.Error("expected a delivery id")
	}
	if p.Alert == nil || p.Alert.Title != "Standup" || p.Alert.EventID != 7 {
		t.Errorf("alert payload mismatch: %+v", p.Alert)
	}
	if p.Alert.Origin != event.OriginFullManual.String() {
		t.Errorf("expected origin carried, got %q", p.Alert.Origin)
	}
}

func TestWebhookDelivery_RetriesServerErrors(t *testing.T) {
	delivery, recorder, cleanup := setupTestDelivery(t, []int{
		http.StatusInternalServerError,
		http.StatusTooManyRequests,
		http.StatusOK,
	})

	defer cleanup()

	notifier := NewWebhookNotifier(delivery)
	notifier.PostNotifications(context.Background())

	waitForCalls(t, recorder, 3)

	delivered := recorder.delivered()
	last := delivered[len(delivered)-1]
	if last.Event != "notifications_posted" {
		t.Errorf("expected notifications_posted, got %q", last.Event)
	}
	if last.Alert != nil {
		t.Error("notifications_posted must carry no alert")
	}

	// Every attempt reuses the same delivery id.
	for _, p := range delivered {
		if p.DeliveryID != last.DeliveryID {
			t.Error("delivery id must be stable across retries")
		}
	}
}

func TestWebhookDelivery_ClientErrorNotRetried(t *testing.T) {
	delivery, recorder, cleanup := setupTestDelivery(t, []int{
		http.StatusBadRequest,
	})

	defer cleanup()

	notifier := NewWebhookNotifier(delivery)
	notifier.OnEventDismissed(context.Background(), testWebhookRecord())

	waitForCalls(t, recorder, 1)

	// Give a would-be retry time to land, then confirm none did.
	time.Sleep(50 * time.Millisecond)
	if got := recorder.callCount(); got != 1 {
		t.Errorf("expected exactly 1 attempt for a 4xx response, got %d", got)
	}
}

func TestCalculateBackoff(t *testing.T) {
	wd := NewWebhookDelivery(WebhookConfig{
		URL:            "http://example.com",
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
	})
	defer wd.cancel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := wd.calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}
