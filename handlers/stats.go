package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"flextasker/realtime-gateway/services"
)

// Stats handles GET /api/v1/stats
func Stats(server *services.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, server.Stats())
	}
}
