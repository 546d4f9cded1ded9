package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	statuses []int // served in order; 200 once exhausted
	hits     atomic.Int32
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	n := int(r.hits.Add(1))
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	status := http.StatusOK
	if n <= len(r.statuses) {
		status = r.statuses[n-1]
	}
	r.mu.Unlock()
	w.WriteHeader(status)
}

func (r *receiver) get(i int) ([]byte, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[i], r.headers[i]
}

func newDispatcher(endpoints ...Endpoint) *Dispatcher {
	d := NewDispatcher(endpoints, nil)
	d.backoff = time.Millisecond
	return d
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestNotify_SignedDelivery(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := newDispatcher(Endpoint{URL: srv.URL, Secret: "s3cret"})
	d.Notify("approval_requested", map[string]string{"requestId": "r-1"})
	closeDispatcher(t, d)

	require.Equal(t, int32(1), rcv.hits.Load())
	body, h := rcv.get(0)
	assert.Equal(t, "approval_requested", h.Get(HeaderEvent))
	assert.NotEmpty(t, h.Get(HeaderTimestamp))
	assert.True(t, Verify(body, "s3cret", h.Get(HeaderSignature)))
	assert.False(t, Verify(body, "other", h.Get(HeaderSignature)))

	var ev Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, "approval_requested", ev.Type)
	assert.Contains(t, ev.ID, "evt_")
}

func TestNotify_UnsignedWithoutSecret(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := newDispatcher(Endpoint{URL: srv.URL})
	d.Notify("approval_decided", nil)
	closeDispatcher(t, d)

	require.Equal(t, int32(1), rcv.hits.Load())
	_, h := rcv.get(0)
	assert.Empty(t, h.Get(HeaderSignature))
}

func TestNotify_EventFilter(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := newDispatcher(Endpoint{URL: srv.URL, Events: []string{"approval_decided"}})
	d.Notify("approval_requested", nil)
	d.Notify("approval_decided", nil)
	closeDispatcher(t, d)

	require.Equal(t, int32(1), rcv.hits.Load())
	_, h := rcv.get(0)
	assert.Equal(t, "approval_decided", h.Get(HeaderEvent))
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	rcv := &receiver{statuses: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := newDispatcher(Endpoint{URL: srv.URL})
	d.Notify("approval_requested", nil)
	closeDispatcher(t, d)

	assert.Equal(t, int32(3), rcv.hits.Load())
}

func TestNotify_ClientErrorIsPermanent(t *testing.T) {
	rcv := &receiver{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	d := newDispatcher(Endpoint{URL: srv.URL})
	d.Notify("approval_requested", nil)
	closeDispatcher(t, d)

	assert.Equal(t, int32(1), rcv.hits.Load())
}

func TestVerify_RejectsMalformed(t *testing.T) {
	assert.False(t, Verify([]byte("x"), "k", "not-hex"))
	assert.True(t, Verify([]byte("x"), "k", Sign([]byte("x"), "k")))
}
