package pipeline

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/signgate/internal/apperrors"
	"github.com/mbd888/signgate/internal/intent"
)

const maxBodyBytes = 1 << 20

// Handler exposes the pipeline stages over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a pipeline handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up pipeline routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	intents := r.Group("/intents")
	{
		intents.POST("/build", h.Build)
		intents.POST("/preflight", h.Preflight)
		intents.POST("/approve", h.Approve)
		intents.POST("/sign", h.Sign)
	}
	r.GET("/audit/:intentId", h.Audit)
}

// Build handles POST /v1/intents/build
func (h *Handler) Build(c *gin.Context) {
	in, ok := readIntent(c)
	if !ok {
		return
	}
	res, err := h.svc.Build(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Preflight handles POST /v1/intents/preflight
func (h *Handler) Preflight(c *gin.Context) {
	in, ok := readIntent(c)
	if !ok {
		return
	}
	res, err := h.svc.Preflight(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Approve handles POST /v1/intents/approve. With the web queue this blocks
// until an approver decides or the request times out.
func (h *Handler) Approve(c *gin.Context) {
	in, ok := readIntent(c)
	if !ok {
		return
	}
	res, err := h.svc.RequestApproval(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Sign handles POST /v1/intents/sign
func (h *Handler) Sign(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	var req SignRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidIntent, err.Error(), err))
		return
	}
	res, err := h.svc.SignAndSend(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Audit handles GET /v1/audit/:intentId
func (h *Handler) Audit(c *gin.Context) {
	events, err := h.svc.Audit(c.Request.Context(), c.Param("intentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intentId": c.Param("intentId"), "events": events})
}

func readIntent(c *gin.Context) (*intent.Intent, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return nil, false
	}
	in, err := intent.Decode(body)
	if err != nil {
		writeError(c, apperrors.Wrap(apperrors.CodeInvalidIntent, err.Error(), err))
		return nil, false
	}
	return in, true
}

func writeError(c *gin.Context, err error) {
	e := apperrors.From(err)
	c.JSON(apperrors.HTTPStatus(e.Code), e)
}
