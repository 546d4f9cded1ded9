package approval

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/signgate/internal/pagination"
)

// Handler exposes the approval queue to web approvers.
type Handler struct {
	queue *Queue
}

// NewHandler creates an approval queue handler.
func NewHandler(q *Queue) *Handler {
	return &Handler{queue: q}
}

// RegisterRoutes sets up approval routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/approvals", h.List)
	r.GET("/approvals/:id", h.Get)
	r.POST("/approvals/:id/decision", h.Decide)
}

// List handles GET /v1/approvals?limit=&cursor=, oldest first.
func (h *Handler) List(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
		return
	}
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed cursor"})
		return
	}
	page := pagination.Paginate(h.queue.List(), cur, limit, func(p PendingItem) (time.Time, string) {
		return p.CreatedAt, p.RequestID
	})
	c.JSON(http.StatusOK, gin.H{
		"approvals":  page.Items,
		"count":      len(page.Items),
		"hasMore":    page.HasMore,
		"nextCursor": page.NextCursor,
	})
}

// Get handles GET /v1/approvals/:id
func (h *Handler) Get(c *gin.Context) {
	item, ok := h.queue.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "approval request not found or expired"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": item})
}

// DecisionRequest is the body of POST /v1/approvals/:id/decision.
type DecisionRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// Decide handles POST /v1/approvals/:id/decision
func (h *Handler) Decide(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "approved (bool) is required"})
		return
	}
	id := c.Param("id")
	if err := h.queue.Decide(id, *req.Approved); err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "approval request not found or already resolved"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requestId": id, "approved": *req.Approved})
}
