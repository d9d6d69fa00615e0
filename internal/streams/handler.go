package streams

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/audiobox-live/backend/internal/session"
	"github.com/audiobox-live/backend/pkg/response"
)

// Handler exposes live broadcast state over HTTP.
type Handler struct {
	table  *session.Table
	logger *zap.Logger
}

// NewHandler creates a streams handler.
func NewHandler(table *session.Table, logger *zap.Logger) *Handler {
	return &Handler{table: table, logger: logger}
}

// List handles GET /api/streams: all live broadcasts, newest first.
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, response.Body{Success: true, Data: h.table.List()})
}

// Get handles GET /api/streams/:id: a single live broadcast.
func (h *Handler) Get(c *gin.Context) {
	info, ok := h.table.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "stream not live")
		return
	}
	c.JSON(http.StatusOK, response.Body{Success: true, Data: info})
}
