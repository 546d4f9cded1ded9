package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGenerateKey(t *testing.T) {
	raw, entry, err := GenerateKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.Equal(t, "sha256:"+HashKey(raw), entry)

	other, _, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

func TestManager_AddAndValidate(t *testing.T) {
	agentRaw, _, err := GenerateKey()
	require.NoError(t, err)
	approverRaw, approverEntry, err := GenerateKey()
	require.NoError(t, err)

	m := NewManager()
	assert.False(t, m.Enabled())
	require.NoError(t, m.Add(RoleAgent, agentRaw))
	require.NoError(t, m.Add(RoleApprover, approverEntry))
	assert.True(t, m.Enabled())

	key, err := m.Validate("Bearer " + agentRaw)
	require.NoError(t, err)
	assert.Equal(t, RoleAgent, key.Role)
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))

	key, err = m.Validate(approverRaw)
	require.NoError(t, err)
	assert.Equal(t, RoleApprover, key.Role)

	_, err = m.Validate("")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = m.Validate("sk_unknown")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = m.Validate("pk_" + agentRaw[3:])
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestManager_AddRejects(t *testing.T) {
	raw, _, err := GenerateKey()
	require.NoError(t, err)

	m := NewManager()
	assert.Error(t, m.Add(RoleAgent, "password123"))
	assert.Error(t, m.Add(RoleAgent, "sha256:nothex"))
	assert.Error(t, m.Add(RoleAgent, "sha256:abcd"))

	require.NoError(t, m.Add(RoleAgent, raw))
	require.NoError(t, m.Add(RoleAgent, raw), "same role twice is idempotent")
	assert.ErrorContains(t, m.Add(RoleApprover, raw), "both")
}

func newRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	r.POST("/intents", Require(m, RoleAgent, RoleApprover), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/decision", Require(m, RoleApprover), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func call(r *gin.Engine, path, header, key string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if key != "" {
		req.Header.Set(header, key)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequire(t *testing.T) {
	agent, _, _ := GenerateKey()
	approver, _, _ := GenerateKey()
	m := NewManager()
	require.NoError(t, m.Add(RoleAgent, agent))
	require.NoError(t, m.Add(RoleApprover, approver))
	r := newRouter(m)

	tests := []struct {
		name   string
		path   string
		header string
		key    string
		want   int
	}{
		{"no key", "/intents", "", "", http.StatusUnauthorized},
		{"bad key", "/intents", "Authorization", "Bearer sk_nope", http.StatusUnauthorized},
		{"agent submits", "/intents", "Authorization", "Bearer " + agent, http.StatusOK},
		{"agent via X-API-Key", "/intents", "X-API-Key", agent, http.StatusOK},
		{"agent cannot decide", "/decision", "Authorization", "Bearer " + agent, http.StatusForbidden},
		{"approver decides", "/decision", "Authorization", "Bearer " + approver, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(r, tt.path, tt.header, tt.key))
		})
	}
}

func TestRequire_DisabledWithoutKeys(t *testing.T) {
	r := newRouter(NewManager())
	assert.Equal(t, http.StatusOK, call(r, "/decision", "", ""))
}

func TestRequire_RejectionBody(t *testing.T) {
	agent, _, _ := GenerateKey()
	m := NewManager()
	require.NoError(t, m.Add(RoleAgent, agent))
	r := newRouter(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/intents", nil)
	req.Header.Set("Authorization", "Bearer sk_nope")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Bearer realm="signgate"`, w.Header().Get("WWW-Authenticate"))
	assert.Contains(t, w.Body.String(), ErrInvalidAPIKey.Error())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/decision", nil)
	req.Header.Set("X-API-Key", agent)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
	assert.Contains(t, w.Body.String(), ErrForbidden.Error())
}
