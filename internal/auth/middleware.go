package auth

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/signgate/internal/logging"
)

const (
	ctxKey    = "auth.key"
	ctxKeyErr = "auth.err"
)

// Middleware resolves the caller's key from Authorization or X-API-Key and
// tags the request logger with the key id. It never rejects; Require does.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw == "" {
			c.Set(ctxKeyErr, ErrNoAPIKey)
			c.Next()
			return
		}

		key, err := m.Validate(raw)
		if err != nil {
			c.Set(ctxKeyErr, err)
			c.Next()
			return
		}
		c.Set(ctxKey, key)
		ctx := c.Request.Context()
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("apiKeyId", key.ID, "role", key.Role))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Require admits requests whose key holds one of roles. With no keys
// configured every request passes.
func Require(m *Manager, roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		key, ok := GetAPIKey(c)
		if !ok {
			err := ErrNoAPIKey
			if v, found := c.Get(ctxKeyErr); found {
				if e, isErr := v.(error); isErr {
					err = e
				}
			}
			reject(c, http.StatusUnauthorized, err)
			return
		}
		if !slices.Contains(roles, key.Role) {
			reject(c, http.StatusForbidden, ErrForbidden)
			return
		}
		c.Next()
	}
}

func reject(c *gin.Context, status int, err error) {
	code := "forbidden"
	if status == http.StatusUnauthorized {
		code = "unauthorized"
		c.Header("WWW-Authenticate", `Bearer realm="signgate"`)
	}
	msg := err.Error()
	if errors.Is(err, ErrNoAPIKey) {
		msg = "API key required. Send 'Authorization: Bearer sk_...'."
	}
	logging.L(c.Request.Context()).Warn("request rejected", "path", c.FullPath(), "reason", err.Error())
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

// GetAPIKey returns the authenticated key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ctxKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}
