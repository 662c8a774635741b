package handlers

import (
	"net/http"
	"slices"
	"strings"

	"listing-chat/internal/auth"
	"listing-chat/internal/models"
	ws "listing-chat/internal/websocket"
	"listing-chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	hubManager  *ws.Manager
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, hubManager *ws.Manager, allowedOrigins []string) *WebSocketHandlers {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return &WebSocketHandlers{
		authService: authService,
		hubManager:  hubManager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native clients send no Origin.
				return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// HandleWebSocket joins a connection to ?room=. A token (query or bearer
// header) identifies the participant; without one the connection joins
// anonymously and can only listen.
func (h *WebSocketHandlers) HandleWebSocket(c *gin.Context) {
	room := c.Query("room")
	if err := models.ValidateRoomKey(room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokenStr := c.Query("token")
	if tokenStr == "" {
		tokenStr, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	userID := ""
	if tokenStr != "" {
		var err error
		userID, err = h.authService.UserIDFromToken(tokenStr)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	h.hubManager.Serve(conn, room, userID)
}
