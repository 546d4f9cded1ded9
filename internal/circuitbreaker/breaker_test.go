package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const key = "rpc:8453"

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, time.Minute)
	b.now = clk.now
	return b, clk
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	assert.True(t, b.Allow(key))

	b.RecordFailure(key)
	b.RecordFailure(key)
	assert.True(t, b.Allow(key))

	b.RecordFailure(key)
	assert.False(t, b.Allow(key))
	assert.Equal(t, StateOpen, b.State(key))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure(key)
	b.RecordSuccess(key)
	b.RecordFailure(key)
	assert.Equal(t, StateClosed, b.State(key))
}

func TestBreaker_SingleProbeAfterCoolOff(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure(key)
	assert.False(t, b.Allow(key))

	clk.advance(time.Minute)
	assert.True(t, b.Allow(key), "first call after cool-off probes")
	assert.Equal(t, StateHalfOpen, b.State(key))
	assert.False(t, b.Allow(key), "only one probe at a time")

	b.RecordSuccess(key)
	assert.Equal(t, StateClosed, b.State(key))
	assert.True(t, b.Allow(key))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure(key)
	clk.advance(time.Minute)
	assert.True(t, b.Allow(key))

	b.RecordFailure(key)
	assert.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allow(key))
}

func TestBreaker_AbandonedProbeIsReplaced(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure(key)
	clk.advance(time.Minute)
	assert.True(t, b.Allow(key))

	clk.advance(time.Minute)
	assert.True(t, b.Allow(key))
}

func TestBreaker_KeysIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("rpc:1")
	assert.False(t, b.Allow("rpc:1"))
	assert.True(t, b.Allow("rpc:8453"))
	assert.Equal(t, []string{"rpc:1"}, b.OpenKeys())
	assert.Equal(t, map[string]string{"rpc:1": "open"}, b.Snapshot())
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clk := newTestBreaker(1)
	var got []string
	b.OnTransition(func(k string, from, to State) {
		got = append(got, from.String()+">"+to.String())
	})

	b.RecordFailure(key)
	clk.advance(time.Minute)
	b.Allow(key)
	b.RecordSuccess(key)
	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, got)
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, DefaultThreshold, b.threshold)
	assert.Equal(t, DefaultOpenDuration, b.openDuration)
	assert.Equal(t, "unknown", State(9).String())
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Allow(key)
				b.RecordFailure(key)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateOpen, b.State(key))
}
