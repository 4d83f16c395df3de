package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gantry/internal/config"
)

const userAgent = "Gantry/0.1.0"

// Event identifies a pipeline notification topic.
type Event string

const (
	// EventQueueChanged carries a full queue snapshot.
	EventQueueChanged Event = "queue_changed"
	// EventTransferProgress carries download progress for the active job.
	EventTransferProgress Event = "transfer_progress"
	// EventExtractionProgress carries extraction progress for the active job.
	EventExtractionProgress Event = "extraction_progress"
	// EventJobCompleted fires once when a job finishes its pipeline run.
	EventJobCompleted Event = "job_completed"
	// EventJobFailed fires once when a job ends in error.
	EventJobFailed Event = "job_failed"
)

// Payload is the event body. Values must be serializable display data.
type Payload map[string]any

// Service is the notification surface the pipeline publishes through.
// Publishing is fire-and-forget; failures are the publisher's to log.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a push notification service backed by ntfy when
// configured. Without a topic a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// NewNop returns a Service that discards everything.
func NewNop() Service { return noopService{} }

type ntfyService struct {
	endpoint string
	client   *http.Client
}

// Publish forwards terminal job events to ntfy. High-frequency progress and
// snapshot events are not pushable and are ignored here.
func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	var title, message string
	switch event {
	case EventJobCompleted:
		title = "Gantry - Completed"
		message = fmt.Sprintf("Ready to install: %s", payloadString(payload, "displayName"))
	case EventJobFailed:
		title = "Gantry - Failed"
		message = fmt.Sprintf("%s: %s", payloadString(payload, "displayName"), payloadString(payload, "error"))
	default:
		return nil
	}
	return n.send(ctx, title, message)
}

func (n *ntfyService) send(ctx context.Context, title, message string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Title", title)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

func payloadString(payload Payload, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}
