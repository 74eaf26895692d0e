package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"filerelay/internal/audit"
)

// Reconciler closes orphaned audit entries; implemented by the pipeline
// orchestrator.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type TaskHandler struct {
	auditLog   audit.Log
	reconciler Reconciler
}

func NewTaskHandler(auditLog audit.Log, reconciler Reconciler) *TaskHandler {
	return &TaskHandler{auditLog: auditLog, reconciler: reconciler}
}

// ListRecent returns the newest audit entries, most recent first.
func (h *TaskHandler) ListRecent(c *gin.Context) {
	limit := 50
	if n, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && n > 0 && n <= 500 {
		limit = n
	}

	entries, err := h.auditLog.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": entries})
}

// Reconcile triggers a reconciliation pass over orphaned entries.
func (h *TaskHandler) Reconcile(c *gin.Context) {
	n, err := h.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciled": n})
}
