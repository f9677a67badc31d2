package stream

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// Handler exposes the WebSocket endpoints for meetings, rooms and sessions.
type Handler struct {
	manager  *Manager
	gateway  MeetingGateway
	verifier TokenVerifier
	logger   *logger.Logger
}

// NewHandler creates a stream handler.
func NewHandler(manager *Manager, gateway MeetingGateway, verifier TokenVerifier, log *logger.Logger) *Handler {
	return &Handler{
		manager:  manager,
		gateway:  gateway,
		verifier: verifier,
		logger:   log.WithFields(zap.String("component", "stream_handler")),
	}
}

// RegisterRoutes registers the WebSocket routes.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/stream/session/:id", h.StreamSession)
	router.GET("/api/stream/room/:code", h.StreamRoom)
	router.GET("/api/stream/meeting/:code", h.StreamMeeting)
}

// StreamSession streams a solo session's transcript.
func (h *Handler) StreamSession(c *gin.Context) {
	h.serve(c, "session:"+c.Param("id"))
}

// StreamRoom streams a room's live transcript.
func (h *Handler) StreamRoom(c *gin.Context) {
	h.serve(c, "room:"+c.Param("code"))
}

// StreamMeeting serves an agent meeting socket. Agent connections carry a
// ?token= query parameter; a bad token closes the socket with 4001 and a
// kicked agent name is refused with 4003.
func (h *Handler) StreamMeeting(c *gin.Context) {
	topic := "meeting:" + c.Param("code")
	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("topic", topic),
			zap.Error(err))
		return
	}

	var agentName string
	if token != "" {
		name, err := h.verifier.VerifyToken(c.Request.Context(), token)
		if err != nil {
			h.logger.Warn("Agent socket rejected",
				zap.String("topic", topic),
				zap.Error(err))
			closeConn(conn, CloseUnauthorized, "unauthorized")
			return
		}
		agentName = name
	}

	if agentName != "" && h.manager.IsKicked(topic, agentName) {
		h.logger.Warn("Kicked agent refused",
			zap.String("topic", topic),
			zap.String("agent_name", agentName))
		closeConn(conn, CloseKicked, "kicked")
		return
	}

	client := NewClient(uuid.New().String(), topic, conn, h.manager, h.gateway, h.logger)
	if agentName != "" {
		client.SetIdentity(agentName, "agent", agentName)
	}
	h.manager.Subscribe(topic, client)

	go client.WritePump()
	go client.ReadPump(context.Background())
}

// serve upgrades and runs an unauthenticated observer connection.
func (h *Handler) serve(c *gin.Context, topic string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("topic", topic),
			zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), topic, conn, h.manager, h.gateway, h.logger)
	h.manager.Subscribe(topic, client)

	go client.WritePump()
	go client.ReadPump(context.Background())
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
