// Package webhooks posts approval lifecycle events to operator endpoints.
//
// Each delivery is a JSON Event signed with HMAC-SHA256 over the raw body
// when the endpoint has a secret. Receivers verify X-Signgate-Signature
// against the body they read and reject stale X-Signgate-Timestamp values.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/signgate/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	HeaderEvent     = "X-Signgate-Event"
	HeaderTimestamp = "X-Signgate-Timestamp"
	HeaderSignature = "X-Signgate-Signature"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signgate",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Event is the delivered payload.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Endpoint is one receiver. An empty Events list receives every type.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

func (e Endpoint) wants(kind string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, k := range e.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// Dispatcher delivers events asynchronously. Notify never blocks the
// caller; Close waits for in-flight deliveries.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	attempts  int
	backoff   time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for endpoints.
func NewDispatcher(endpoints []Endpoint, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		backoff:   time.Second,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Notify queues kind/data for every endpoint subscribed to kind.
func (d *Dispatcher) Notify(kind string, data any) {
	event := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Warn("webhook event not encodable", "event", kind, "error", err)
		return
	}
	for _, ep := range d.endpoints {
		if !ep.wants(kind) {
			continue
		}
		d.wg.Add(1)
		go func(ep Endpoint) {
			defer d.wg.Done()
			d.deliver(ep, event, payload)
		}(ep)
	}
}

func (d *Dispatcher) deliver(ep Endpoint, event *Event, payload []byte) {
	err := retry.Do(d.ctx, d.attempts, d.backoff, func() error {
		return d.send(d.ctx, ep, event, payload)
	})
	if err != nil {
		deliveriesTotal.WithLabelValues(event.Type, "failed").Inc()
		d.logger.Warn("webhook delivery failed", "event", event.Type, "url", ep.URL, "error", err)
		return
	}
	deliveriesTotal.WithLabelValues(event.Type, "delivered").Inc()
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return retry.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Close stops retries and waits for in-flight deliveries until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
