package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{
		100: "1xx",
		204: "2xx",
		302: "3xx",
		403: "4xx",
		502: "5xx",
		0:   "other",
		700: "other",
	} {
		assert.Equal(t, want, statusClass(code), "code %d", code)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestHandler_ExposesGateMetrics(t *testing.T) {
	PendingApprovals.Set(0)
	StreamPeers.Set(0)
	body := scrape(t)
	assert.Contains(t, body, "signgate_pending_approvals")
	assert.Contains(t, body, "signgate_approval_stream_peers")
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/approvals/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	matched := HTTPRequestsTotal.WithLabelValues("GET", "/v1/approvals/:id", "2xx")
	unmatched := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	beforeMatched, beforeUnmatched := testutil.ToFloat64(matched), testutil.ToFloat64(unmatched)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/approvals/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, beforeMatched+1, testutil.ToFloat64(matched))
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
}

func TestRegisterDB_Idempotent(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RegisterDB(db, "signgate_test"))
	require.NoError(t, RegisterDB(db, "signgate_test"))
	assert.Contains(t, scrape(t), `go_sql_open_connections{db_name="signgate_test"}`)
}
