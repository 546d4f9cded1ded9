package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/metrics"
)

// DefaultPendingTTL is how long a queued request waits for a decision
// before it is rejected. It is independent of the token TTL.
const DefaultPendingTTL = 10 * time.Minute

// Queue event kinds published to the Notifier.
const (
	EventRequested = "approval_requested"
	EventDecided   = "approval_decided"
)

// Notifier receives queue events, e.g. to push them to web approvers.
type Notifier interface {
	Notify(kind string, data any)
}

// Notifiers fans each event out in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(kind string, data any) {
	for _, n := range ns {
		n.Notify(kind, data)
	}
}

// PendingItem is a request waiting for an external decision.
type PendingItem struct {
	RequestID string    `json:"requestId"`
	Summary   *Summary  `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Scope lets stream subscribers filter by wallet and chain.
func (p PendingItem) Scope() (string, int64) { return p.Summary.Wallet, p.Summary.ChainID }

// Decided is published when a pending request is resolved.
type Decided struct {
	RequestID string `json:"requestId"`
	IntentID  string `json:"intentId"`
	Wallet    string `json:"wallet"`
	ChainID   int64  `json:"chainId"`
	Approved  bool   `json:"approved"`
	Cause     string `json:"cause"`
}

func (d Decided) Scope() (string, int64) { return d.Wallet, d.ChainID }

type pending struct {
	item  PendingItem
	done  chan bool // buffered, receives exactly one value
	timer *time.Timer
}

// Queue is a table of pending requests keyed by request id. Every request
// resolves exactly once: by Decide, by its TTL elapsing (reject), by Cancel
// (reject) or by Close (reject).
type Queue struct {
	mu       sync.Mutex
	pending  map[string]*pending
	ttl      time.Duration
	closed   bool
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewQueue creates a queue whose items expire after ttl (DefaultPendingTTL
// when zero). notifier may be nil.
func NewQueue(ttl time.Duration, notifier Notifier, logger *slog.Logger) *Queue {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pending:  make(map[string]*pending),
		ttl:      ttl,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Add enqueues s and returns its request id and a channel that receives the
// decision exactly once.
func (q *Queue) Add(s *Summary) (string, <-chan bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", nil, ErrQueueClosed
	}

	now := q.now()
	p := &pending{
		item: PendingItem{
			RequestID: uuid.NewString(),
			Summary:   s,
			CreatedAt: now,
			ExpiresAt: now.Add(q.ttl),
		},
		done: make(chan bool, 1),
	}
	id := p.item.RequestID
	p.timer = time.AfterFunc(q.ttl, func() { q.resolve(id, false, "expired") })
	q.pending[id] = p
	metrics.PendingApprovals.Set(float64(len(q.pending)))

	q.logger.Info("approval queued", "requestId", id, "intentId", s.IntentID, "expiresAt", p.item.ExpiresAt)
	q.notify(EventRequested, p.item)
	return id, p.done, nil
}

// Decide resolves a pending request.
func (q *Queue) Decide(requestID string, approved bool) error {
	if !q.resolve(requestID, approved, "decided") {
		return ErrRequestNotFound
	}
	return nil
}

// Cancel rejects a pending request, e.g. when its caller gave up.
func (q *Queue) Cancel(requestID string) {
	q.resolve(requestID, false, "cancelled")
}

// Get returns an unexpired pending item.
func (q *Queue) Get(requestID string) (PendingItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[requestID]
	if !ok || !q.now().Before(p.item.ExpiresAt) {
		return PendingItem{}, false
	}
	return p.item, true
}

// List returns unexpired pending items, oldest first.
func (q *Queue) List() []PendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	items := make([]PendingItem, 0, len(q.pending))
	for _, p := range q.pending {
		if now.Before(p.item.ExpiresAt) {
			items = append(items, p.item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].RequestID < items[j].RequestID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Close rejects every outstanding request and refuses new ones.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.resolve(id, false, "shutdown")
	}
}

func (q *Queue) resolve(requestID string, approved bool, cause string) bool {
	q.mu.Lock()
	p, ok := q.pending[requestID]
	if ok {
		delete(q.pending, requestID)
		p.timer.Stop()
	}
	n := len(q.pending)
	q.mu.Unlock()
	if !ok {
		return false
	}

	metrics.PendingApprovals.Set(float64(n))
	p.done <- approved
	close(p.done)

	q.logger.Info("approval resolved", "requestId", requestID, "intentId", p.item.Summary.IntentID,
		"approved", approved, "cause", cause)
	q.notify(EventDecided, Decided{
		RequestID: requestID,
		IntentID:  p.item.Summary.IntentID,
		Wallet:    p.item.Summary.Wallet,
		ChainID:   p.item.Summary.ChainID,
		Approved:  approved,
		Cause:     cause,
	})
	return true
}

func (q *Queue) notify(kind string, data any) {
	if q.notifier != nil {
		q.notifier.Notify(kind, data)
	}
}

// QueueApprover parks requests in a Queue until a web approver decides or
// the timeout elapses.
type QueueApprover struct {
	issuer
	queue   *Queue
	timeout time.Duration
}

// NewQueueApprover creates a queued strategy. A zero timeout waits for the
// queue's own TTL.
func NewQueueApprover(q *Queue, m *Manager, sink audit.Sink, timeout time.Duration, logger *slog.Logger) *QueueApprover {
	return &QueueApprover{issuer: newIssuer(m, sink, logger), queue: q, timeout: timeout}
}

// Queue returns the underlying queue.
func (a *QueueApprover) Queue() *Queue { return a.queue }

func (a *QueueApprover) RequestApproval(ctx context.Context, s *Summary) (*Outcome, error) {
	id, done, err := a.queue.Add(s)
	if err != nil {
		return nil, err
	}
	_ = audit.Record(ctx, a.sink, s.IntentID, audit.ApprovalRequested, map[string]any{
		"requestId":     id,
		"txRequestHash": s.TxRequestHash,
	})

	var timeout <-chan time.Time
	if a.timeout > 0 {
		t := time.NewTimer(a.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case approved := <-done:
		reason := ""
		if !approved {
			reason = "rejected or expired in approval queue"
		}
		return a.finish(ctx, s, approved, "web:"+id, reason)
	case <-timeout:
		a.queue.Cancel(id)
		return a.finish(ctx, s, false, "web:"+id, "approval timed out")
	case <-ctx.Done():
		a.queue.Cancel(id)
		return a.finish(context.WithoutCancel(ctx), s, false, "web:"+id, "request cancelled")
	}
}
