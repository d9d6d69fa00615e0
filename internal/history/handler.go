package history

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/audiobox-live/backend/pkg/response"
)

const defaultListLimit = 50

// Handler handles history HTTP endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a history handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /api/history. Supports ?user_id= and ?limit= filters.
func (h *Handler) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}

	list, err := h.repo.ListRecent(c.Request.Context(), limit, c.Query("user_id"))
	if err != nil {
		h.logger.Error("history list failed", zap.Error(err))
		response.Internal(c, "failed to list history")
		return
	}
	c.JSON(http.StatusOK, response.Body{Success: true, Data: list})
}
