package meeting

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/auth"
	"github.com/echobridge/echobridge/internal/common/logger"
)

// Handler serves the authenticated meeting endpoints.
type Handler struct {
	service   *Service
	maxAgents int
	logger    *logger.Logger
}

// NewHandler creates a meeting handler.
func NewHandler(service *Service, maxAgents int, log *logger.Logger) *Handler {
	if maxAgents <= 0 {
		maxAgents = 8
	}
	return &Handler{
		service:   service,
		maxAgents: maxAgents,
		logger:    log.WithFields(zap.String("component", "meeting_handler")),
	}
}

// RegisterRoutes registers the meeting endpoints on the authenticated
// /api/v1 group. All of them require the rooms:write scope.
func (h *Handler) RegisterRoutes(v1 *gin.RouterGroup) {
	v1.GET("/events", h.Events)

	meetings := v1.Group("/meetings", auth.RequireScope(auth.ScopeRoomsWrite))
	meetings.GET("", h.List)
	meetings.POST("", h.Create)
	meetings.GET("/:code", h.Get)
	meetings.POST("/:code/join", h.Join)
	meetings.POST("/:code/start", h.Start)
	meetings.POST("/:code/pause", h.Pause)
	meetings.POST("/:code/resume", h.Resume)
	meetings.POST("/:code/stop", h.Stop)
	meetings.POST("/:code/respond", h.Respond)
	meetings.GET("/:code/context", h.Context)
}

// Events returns the session activity feed for polling clients. Pass
// ?since=<RFC3339> to only receive newer events.
func (h *Handler) Events(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	events, err := h.service.Events(c.Request.Context(), c.Query("since"), limit)
	if err != nil {
		h.logger.Error("Failed to list session events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// List returns joinable meetings, or all meetings with a given status.
func (h *Handler) List(c *gin.Context) {
	meetings, err := h.service.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.logger.Error("Failed to list meetings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list meetings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetings": meetings, "count": len(meetings)})
}

// Get returns a meeting's configuration and participants.
func (h *Handler) Get(c *gin.Context) {
	room, err := h.service.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	participants := make([]gin.H, 0, len(room.Participants))
	for _, p := range room.Participants {
		participants = append(participants, gin.H{"name": p.Name, "type": p.Type})
	}
	c.JSON(http.StatusOK, gin.H{
		"code":             room.Code,
		"status":           room.Status,
		"host_name":        room.HostName,
		"session_id":       room.SessionID,
		"topic":            room.Config.Topic,
		"task_description": room.Config.TaskDescription,
		"agents":           room.Config.Agents,
		"participants":     participants,
		"created_at":       room.CreatedAt,
	})
}

// Create sets up a new meeting owned by the calling agent.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	if len(req.Agents) > h.maxAgents {
		c.JSON(http.StatusBadRequest, gin.H{"error": "maximum 8 agents per meeting"})
		return
	}

	cred := auth.CredentialFrom(c)
	created, joinURL, err := h.service.Create(c.Request.Context(), req, cred.Name, cred.ID)
	if err != nil {
		h.logger.Error("Failed to create meeting", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create meeting"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room_id":    created.RoomID,
		"code":       created.Code,
		"session_id": created.SessionID,
		"status":     created.Status,
		"host_name":  created.HostName,
		"topic":      created.Topic,
		"agents":     created.Agents,
		"join_url":   joinURL,
		"created_at": created.CreatedAt,
	})
}

// Join adds the calling agent to a meeting as an external participant.
func (h *Handler) Join(c *gin.Context) {
	cred := auth.CredentialFrom(c)
	result, err := h.service.Join(c.Request.Context(), c.Param("code"), cred.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "joined",
		"code":           result.Code,
		"agent_name":     result.AgentName,
		"meeting_status": result.MeetingStatus,
		"topic":          result.Topic,
	})
}

// Start launches a waiting meeting.
func (h *Handler) Start(c *gin.Context) {
	code := c.Param("code")
	if err := h.service.Start(c.Request.Context(), code); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "code": code})
}

// Pause pauses a running meeting.
func (h *Handler) Pause(c *gin.Context) {
	code := c.Param("code")
	if err := h.service.Pause(code); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused", "code": code})
}

// Resume releases a paused meeting.
func (h *Handler) Resume(c *gin.Context) {
	code := c.Param("code")
	if err := h.service.Resume(code); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed", "code": code})
}

// Stop gracefully ends a running meeting.
func (h *Handler) Stop(c *gin.Context) {
	code := c.Param("code")
	if err := h.service.Stop(code); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "code": code})
}

type respondRequest struct {
	AgentName string `json:"agent_name"`
	Response  string `json:"response"`
}

// Respond submits an external agent's turn response.
func (h *Handler) Respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Response == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "response is required"})
		return
	}
	if req.AgentName == "" {
		req.AgentName = auth.CredentialFrom(c).Name
	}

	if err := h.service.Respond(c.Param("code"), req.AgentName, req.Response); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "response_submitted", "agent_name": req.AgentName})
}

// Context returns the live conversation for agents polling instead of
// holding a socket open.
func (h *Handler) Context(c *gin.Context) {
	snapshot, err := h.service.ContextSnapshot(c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrNoActiveMeeting):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotAgentMeeting),
		errors.Is(err, ErrMeetingClosed),
		errors.Is(err, ErrAlreadyParticipant),
		errors.Is(err, ErrNoPendingTurn),
		errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrNotActive):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case strings.HasPrefix(err.Error(), "meeting cannot start"):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Meeting request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
