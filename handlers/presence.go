package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"flextasker/realtime-gateway/models"
	"flextasker/realtime-gateway/services"
	"flextasker/realtime-gateway/utils"
)

type PresenceHandler struct {
	server *services.Server
	logger *utils.Logger
}

func NewPresenceHandler(server *services.Server, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		server: server,
		logger: logger,
	}
}

// GetStatus handles GET /api/v1/presence/:userId
func (h *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" || len(userID) > models.MaxIDLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid user ID",
		})
		return
	}

	status, err := h.server.LookupPresence(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get presence", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get presence",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetOnlineUsers handles GET /api/v1/presence/online
func (h *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users, err := h.server.OnlineUsers(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get online users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get online users",
		})
		return
	}

	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count: len(users),
		Users: users,
	})
}
