// Package webhook delivers document lifecycle callbacks to per-template
// endpoints, signed with HMAC-SHA256.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/observability"
)

// Event names sent to webhook endpoints.
const (
	EventDocumentCompleted = "document.completed"
	EventDocumentRejected  = "document.rejected"
	EventDocumentExpired   = "document.expired"
	EventDocumentError     = "document.error"
)

const (
	signatureHeader = "X-Signet-Signature"
	timestampHeader = "X-Signet-Timestamp"
	eventHeader     = "X-Signet-Event"
)

// Event is one delivery payload.
type Event struct {
	Event        string    `json:"event"`
	DocumentID   string    `json:"document_id"`
	TenantID     string    `json:"tenant_id"`
	Status       string    `json:"status"`
	ArtifactHash string    `json:"artifact_hash,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type delivery struct {
	url    string
	secret string
	event  Event
}

// Options tune the dispatcher. Zero values fall back to defaults.
type Options struct {
	QueueSize    int
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Second
	}
	return o
}

// Dispatcher queues deliveries and sends them from a background worker.
// Enqueue never blocks the caller; a full queue drops the delivery with a
// logged warning.
type Dispatcher struct {
	client  *http.Client
	queue   chan delivery
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics

	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin delivering and
// Stop to drain on shutdown.
func NewDispatcher(opts Options, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		client:  &http.Client{Timeout: opts.Timeout},
		queue:   make(chan delivery, opts.QueueSize),
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Start launches the delivery worker. It returns when ctx is cancelled or
// Stop is called, after draining queued deliveries.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				d.drain()
				return
			case <-d.done:
				d.drain()
				return
			case dl := <-d.queue:
				d.gaugeDepth()
				d.deliver(ctx, dl)
			}
		}
	}()
}

// Stop signals the worker to drain and exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Enqueue schedules a delivery. Events without a configured URL are ignored.
func (d *Dispatcher) Enqueue(url, secret string, event Event) {
	if url == "" {
		return
	}
	select {
	case d.queue <- delivery{url: url, secret: secret, event: event}:
		d.gaugeDepth()
	default:
		d.logger.Warn("webhook queue full, dropping delivery",
			zap.String("document_id", event.DocumentID),
			zap.String("event", event.Event),
		)
		if d.metrics != nil {
			d.metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case dl := <-d.queue:
			d.gaugeDepth()
			d.deliver(context.Background(), dl)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, dl delivery) {
	body, err := json.Marshal(dl.event)
	if err != nil {
		d.logger.Error("webhook payload marshal failed", zap.Error(err))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.RetryBackoff):
			}
		}
		if err := d.send(ctx, dl, body); err != nil {
			lastErr = err
			continue
		}
		if d.metrics != nil {
			d.metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		}
		d.logger.Info("webhook delivered",
			zap.String("document_id", dl.event.DocumentID),
			zap.String("event", dl.event.Event),
			zap.Int("attempt", attempt),
		)
		return
	}

	if d.metrics != nil {
		d.metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
	d.logger.Error("webhook delivery exhausted",
		zap.String("document_id", dl.event.DocumentID),
		zap.String("event", dl.event.Event),
		zap.Error(lastErr),
	)
}

func (d *Dispatcher) send(ctx context.Context, dl delivery, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, dl.event.Event)
	req.Header.Set(timestampHeader, time.Now().UTC().Format(time.RFC3339))
	if dl.secret != "" {
		req.Header.Set(signatureHeader, SignBody(dl.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) gaugeDepth() {
	if d.metrics != nil {
		d.metrics.WebhookQueueDepth.Set(float64(len(d.queue)))
	}
}
