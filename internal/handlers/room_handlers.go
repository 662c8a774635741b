package handlers

import (
	"context"
	"net/http"
	"strconv"

	"listing-chat/internal/database"
	"listing-chat/internal/models"
	"listing-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

type PresenceReader interface {
	Presence(ctx context.Context, room string) (models.PresenceState, error)
}

type RoomHandlers struct {
	presence PresenceReader
	messages database.MessageRepository
}

func NewRoomHandlers(presence PresenceReader, messages database.MessageRepository) *RoomHandlers {
	return &RoomHandlers{
		presence: presence,
		messages: messages,
	}
}

func (h *RoomHandlers) GetPresence(c *gin.Context) {
	room := c.Param("room")
	if err := models.ValidateRoomKey(room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.presence.Presence(c.Request.Context(), room)
	if err != nil {
		logger.Error("Get presence error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, models.RoomPresence{
		Room:         room,
		Count:        len(state),
		Participants: state,
	})
}

// GetMessages answers ?limit= (default 50) and ?order=asc|desc.
func (h *RoomHandlers) GetMessages(c *gin.Context) {
	room := c.Param("room")
	if err := models.ValidateRoomKey(room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	order := models.SortOrder(c.DefaultQuery("order", string(models.SortAscending)))
	if order != models.SortAscending && order != models.SortDescending {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be asc or desc"})
		return
	}

	messages, err := h.messages.LoadMessages(c.Request.Context(), models.MessageQuery{
		Room:  room,
		Limit: limit,
		Order: order,
	})
	if err != nil {
		logger.Error("Load messages error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{
		"room":     room,
		"messages": messages,
		"count":    len(messages),
	})
}
