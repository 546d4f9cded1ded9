package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/custody"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("down") }

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_CriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("db", ok)
	r.Register("rpc", failing)

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "down", statuses[1].Detail)
}

func TestRegistry_OptionalFailureStaysHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", ok)
	r.RegisterOptional("signer", failing)

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.False(t, statuses[1].Healthy)
	assert.False(t, statuses[1].Critical)
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry()
	r.Register("rpc", failing)

	router := gin.New()
	router.GET("/health", r.Handler("test"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	assert.NoError(t, Database(db)(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChains(t *testing.T) {
	fake := chain.NewFakeClient(1)
	assert.NoError(t, Chains(chain.NewSingle(fake))(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorContains(t, Chains(chain.NewSingle(fake))(ctx), "chain 1")
}

func TestSignerUnlocked(t *testing.T) {
	k := custody.NewKeyring()
	addr, err := k.Generate()
	require.NoError(t, err)
	require.NoError(t, k.Unlock(addr))
	assert.NoError(t, SignerUnlocked(k, addr)(context.Background()))
	assert.Error(t, SignerUnlocked(k, common.Address{})(context.Background()))

	k.Lock(addr)
	assert.Error(t, SignerUnlocked(k, addr)(context.Background()))
}
