// internal/api/api.go
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"filerelay/internal/api/handlers"
	"filerelay/internal/api/middleware"
	"filerelay/internal/audit"
)

// NewRouter builds the ops surface: health, recent task history, and a
// manual reconciliation trigger.
func NewRouter(auditLog audit.Log, reconciler handlers.Reconciler) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	taskHandler := handlers.NewTaskHandler(auditLog, reconciler)
	apiGroup := router.Group("/api/v1")
	{
		apiGroup.GET("/tasks", taskHandler.ListRecent)
		apiGroup.POST("/reconcile", taskHandler.Reconcile)
	}

	return router
}
