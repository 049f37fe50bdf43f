package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sydlexius/roadie/internal/event"
	"github.com/sydlexius/roadie/internal/version"
)

const (
	maxRetries     = 3
	requestTimeout = 10 * time.Second
)

// Lister returns the webhooks subscribed to an event type.
type Lister interface {
	ListByEvent(ctx context.Context, eventType string) ([]Webhook, error)
}

// Dispatcher sends events to matching webhooks.
type Dispatcher struct {
	service    Lister
	httpClient *http.Client
	backoff    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(service Lister, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithHTTPClient(service, &http.Client{Timeout: requestTimeout}, logger)
}

// NewDispatcherWithHTTPClient creates a dispatcher with a custom HTTP client (for testing).
func NewDispatcherWithHTTPClient(service Lister, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		service:    service,
		httpClient: httpClient,
		backoff:    time.Second,
		logger:     logger.With(slog.String("component", "webhook-dispatcher")),
	}
}

// Register subscribes the dispatcher to every event on the bus.
func (d *Dispatcher) Register(bus *event.Bus) {
	bus.SubscribeAll(d.HandleEvent)
}

// HandleEvent is an event.Handler that dispatches the event to all matching webhooks.
func (d *Dispatcher) HandleEvent(e event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	webhooks, err := d.service.ListByEvent(ctx, string(e.Type))
	if err != nil {
		d.logger.Error("listing webhooks for event", "type", string(e.Type), "error", err)
		return
	}

	for i := range webhooks {
		w := webhooks[i]
		d.wg.Add(1)
		go d.deliver(w, e)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// SendTest delivers a single test event to w without retrying and reports
// the outcome.
func (d *Dispatcher) SendTest(w Webhook) error {
	body, contentType := formatPayload(&w, event.Event{
		Type:      event.ItemQueued,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"queue_id": "test",
			"test":     true,
		},
	})
	return d.send(w.URL, body, contentType)
}

func (d *Dispatcher) deliver(w Webhook, e event.Event) {
	defer d.wg.Done()
	body, contentType := formatPayload(&w, e)

	var lastErr error
	for attempt := range maxRetries {
		if attempt > 0 {
			time.Sleep(d.backoff * time.Duration(1<<uint(attempt-1)))
		}

		lastErr = d.send(w.URL, body, contentType)
		if lastErr == nil {
			d.logger.Debug("webhook delivered",
				"webhook", w.Name,
				"event", string(e.Type),
				"attempt", attempt+1,
			)
			return
		}

		d.logger.Warn("webhook delivery failed",
			"webhook", w.Name,
			"event", string(e.Type),
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	d.logger.Error("webhook delivery exhausted retries",
		"webhook", w.Name,
		"event", string(e.Type),
		"error", lastErr,
	)
}

func (d *Dispatcher) send(url string, body []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent()+" webhook")

	resp, err := d.httpClient.Do(req) //nolint:gosec // URL comes from configured webhooks
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()        //nolint:errcheck
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
