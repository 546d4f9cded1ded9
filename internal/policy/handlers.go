package policy

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/signgate/internal/apperrors"
	"github.com/mbd888/signgate/internal/intent"
)

// Handler exposes the active policy read-only.
type Handler struct {
	gate *Gate
}

// NewHandler creates a policy handler.
func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.Get)
	r.POST("/policy/evaluate", h.Evaluate)
}

// Get handles GET /v1/policy
func (h *Handler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": h.gate.Config()})
}

// Evaluate handles POST /v1/policy/evaluate. It is a dry run: the wallet's
// rate counter is neither consulted nor ticked.
func (h *Handler) Evaluate(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	in, err := intent.Decode(body)
	if err != nil {
		e := apperrors.Wrap(apperrors.CodeInvalidIntent, err.Error(), err)
		c.JSON(apperrors.HTTPStatus(e.Code), e)
		return
	}

	d, err := h.gate.Check(c.Request.Context(), in, nil, RateOff)
	if err != nil {
		e := apperrors.From(err)
		c.JSON(apperrors.HTTPStatus(e.Code), e)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}
