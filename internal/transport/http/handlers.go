package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/moodcall/internal/app"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	Listeners int    `json:"listeners"`
}

func Health(c *gin.Context, clients, listeners int) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Clients: clients, Listeners: listeners})
}

// DocsHandler is a read-only view of stored documents, subject to the same
// rules as websocket reads.
type DocsHandler struct {
	Store core.DocStore
	Rules app.Rules
}

func (h *DocsHandler) Get(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	uid := domain.UserID(c.GetString("client_token"))

	if err := h.Rules.Check(c.Request.Context(), uid, app.AccessRead, path, nil); err != nil {
		writeError(c, err)
		return
	}
	doc, err := h.Store.Get(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "fields": doc})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
