package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"flextasker/realtime-gateway/services"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Instance  string    `json:"instance"`
	Backplane string    `json:"backplane"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck reports healthy while the instance can serve local clients.
// A lost backplane is reported as degraded, not unhealthy.
func HealthCheck(server *services.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := server.Stats()
		backplane := "available"
		if !stats.BackplaneAvailable {
			backplane = "degraded"
		}
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "healthy",
			Service:   "realtime-gateway",
			Instance:  stats.InstanceID,
			Backplane: backplane,
			Timestamp: time.Now(),
		})
	}
}
