// Package realtime streams approval queue activity to web approvers over
// WebSocket. A new connection first receives a snapshot of the pending
// queue, then every later queue event in sequence order.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/signgate/internal/metrics"
)

// Stream message kinds. Queue events keep the kind they were published with.
const (
	KindSnapshot = "snapshot"
)

const (
	// MaxPeers caps concurrent stream connections.
	MaxPeers = 1000

	peerBuffer   = 64
	pingInterval = 30 * time.Second
	readTimeout  = 2 * pingInterval
	writeTimeout = 10 * time.Second
	maxFilterLen = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Event is one stream message. Seq increases by one per published event;
// a snapshot carries the Seq of the last event it reflects.
type Event struct {
	Seq  uint64    `json:"seq"`
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Scoped is implemented by payloads that belong to one wallet on one chain.
type Scoped interface {
	Scope() (wallet string, chainID int64)
}

// Filter narrows what a peer receives. Empty fields match everything and
// payloads that are not Scoped pass the wallet and chain filters.
type Filter struct {
	Kinds    []string `json:"kinds"`
	Wallets  []string `json:"wallets"`
	ChainIDs []int64  `json:"chainIds"`
}

func (f Filter) match(ev *Event) bool {
	if len(f.Kinds) > 0 && !contains(f.Kinds, ev.Kind) {
		return false
	}
	scoped, ok := ev.Data.(Scoped)
	if !ok {
		return true
	}
	wallet, chainID := scoped.Scope()
	if len(f.Wallets) > 0 && !containsFold(f.Wallets, wallet) {
		return false
	}
	if len(f.ChainIDs) > 0 && !contains(f.ChainIDs, chainID) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

type peer struct {
	conn   *websocket.Conn
	out    chan []byte
	filter atomic.Pointer[Filter]
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{conn: conn, out: make(chan []byte, peerBuffer)}
	p.filter.Store(&Filter{})
	return p
}

// Hub fans queue events out to connected approvers.
type Hub struct {
	mu       sync.Mutex
	peers    map[*peer]struct{}
	closed   bool
	events   chan *Event
	snapshot func() any
	maxPeers int
	logger   *slog.Logger

	seq       atomic.Uint64
	delivered atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		peers:    make(map[*peer]struct{}),
		events:   make(chan *Event, 256),
		maxPeers: MaxPeers,
		logger:   logger,
	}
}

// WithSnapshot sets the function whose result is sent to each new peer.
func (h *Hub) WithSnapshot(fn func() any) *Hub {
	h.snapshot = fn
	return h
}

// Notify publishes a queue event. It never blocks; when the hub is backed
// up the event is dropped and counted.
func (h *Hub) Notify(kind string, data any) {
	ev := &Event{Seq: h.seq.Add(1), Kind: kind, At: time.Now().UTC(), Data: data}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("approval stream backed up, event dropped", "kind", kind, "seq", ev.Seq)
	}
}

// Run delivers events until ctx is done, then disconnects every peer.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("approval stream started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev *Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("approval stream encode failed", "kind", ev.Kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		if !p.filter.Load().match(ev) {
			continue
		}
		select {
		case p.out <- msg:
			h.delivered.Add(1)
		default:
			h.evicted.Add(1)
			h.removeLocked(p)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	for p := range h.peers {
		h.removeLocked(p)
	}
	h.mu.Unlock()
	h.logger.Info("approval stream stopped")
}

// add registers p unless the hub is closed or full. The snapshot is queued
// under the hub lock so no event published afterwards can be missed; events
// with Seq at or below the snapshot's may repeat state it already holds.
func (h *Hub) add(p *peer) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.peers) >= h.maxPeers {
		return len(h.peers), false
	}
	if h.snapshot != nil {
		ev := &Event{Seq: h.seq.Load(), Kind: KindSnapshot, At: time.Now().UTC(), Data: h.snapshot()}
		if msg, err := json.Marshal(ev); err == nil {
			p.out <- msg
		}
	}
	h.peers[p] = struct{}{}
	n := len(h.peers)
	metrics.StreamPeers.Set(float64(n))
	return n, true
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	h.removeLocked(p)
	h.mu.Unlock()
}

// removeLocked closes p's queue; its writer then sends a close frame.
func (h *Hub) removeLocked(p *peer) {
	if _, ok := h.peers[p]; !ok {
		return
	}
	delete(h.peers, p)
	close(p.out)
	metrics.StreamPeers.Set(float64(len(h.peers)))
}

// Stats reports stream counters.
func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	n := len(h.peers)
	h.mu.Unlock()
	return map[string]any{
		"connected": n,
		"lastSeq":   h.seq.Load(),
		"delivered": h.delivered.Load(),
		"dropped":   h.dropped.Load(),
		"evicted":   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and streams events to it. The peer
// may send a Filter as JSON at any time to replace its current one.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	refuse := h.closed || len(h.peers) >= h.maxPeers
	h.mu.Unlock()
	if refuse {
		http.Error(w, "approval stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("approval stream upgrade failed", "error", err)
		return
	}
	p := newPeer(conn)
	n, ok := h.add(p)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream full"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	h.logger.Info("approver connected", "remote", r.RemoteAddr, "connected", n)

	go h.write(p)
	go h.read(p)
}

func (h *Hub) read(p *peer) {
	defer func() {
		h.remove(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFilterLen)
	_ = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("approval stream read ended", "error", err)
			}
			return
		}
		var f Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			h.logger.Debug("approval stream ignored malformed filter", "error", err)
			continue
		}
		p.filter.Store(&f)
	}
}

func (h *Hub) write(p *peer) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("approval stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
