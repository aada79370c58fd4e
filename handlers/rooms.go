package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"flextasker/realtime-gateway/services"
)

type RoomHandler struct {
	rooms *services.RoomDirectory
}

func NewRoomHandler(rooms *services.RoomDirectory) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

// GetRoom handles GET /api/v1/rooms/:roomId. The answer reflects this
// instance's cache only.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := h.rooms.Get(c.Param("roomId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Room not found",
		})
		return
	}
	c.JSON(http.StatusOK, room)
}
