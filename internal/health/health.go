// Package health runs named dependency probes for the /health endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/custody"
	"github.com/redis/go-redis/v9"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Status is one probe's result.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
	Latency  string `json:"latency"`
}

// Checker probes one dependency; a nil error means healthy.
type Checker func(ctx context.Context) error

type probe struct {
	name     string
	critical bool
	check    Checker
}

// Registry holds probes. Only critical probes affect overall health.
type Registry struct {
	mu      sync.RWMutex
	probes  []probe
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-probe timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a critical probe.
func (r *Registry) Register(name string, check Checker) {
	r.add(probe{name: name, critical: true, check: check})
}

// RegisterOptional adds a probe that is reported but never fails the check.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(probe{name: name, check: check})
}

func (r *Registry) add(p probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently and reports in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, p)
		}()
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, p probe) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx)
	st := Status{
		Name:     p.name,
		Healthy:  err == nil,
		Critical: p.critical,
		Latency:  time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}

// Handler serves GET /health: 200 when every critical probe passes, else 503.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "unhealthy"
		}
		c.JSON(code, gin.H{
			"status":  status,
			"version": version,
			"checks":  statuses,
		})
	}
}

// Database pings a SQL database.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// Redis pings a Redis client.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Chains asks every routed chain for fee data.
func Chains(r chain.Router) Checker {
	return func(ctx context.Context) error {
		for _, id := range r.Chains() {
			c, err := r.ForChain(id)
			if err != nil {
				return err
			}
			if _, err := c.EstimateFeesPerGas(ctx); err != nil {
				return fmt.Errorf("chain %d: %w", id, err)
			}
		}
		return nil
	}
}

// SignerUnlocked reports whether the signing key is usable.
func SignerUnlocked(s custody.Signer, addr common.Address) Checker {
	return func(context.Context) error {
		if !s.IsUnlocked(addr) {
			return fmt.Errorf("key %s is locked", addr.Hex())
		}
		return nil
	}
}
