package wall

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

// Handler serves the wall endpoints.
type Handler struct {
	store       *Store
	pageSizeMax int
	logger      *logger.Logger
}

// NewHandler creates a wall handler.
func NewHandler(store *Store, pageSizeMax int, log *logger.Logger) *Handler {
	if pageSizeMax <= 0 {
		pageSizeMax = 200
	}
	return &Handler{
		store:       store,
		pageSizeMax: pageSizeMax,
		logger:      log.WithFields(zap.String("component", "wall_handler")),
	}
}

// RegisterPublicRoutes registers the unauthenticated read endpoints.
func (h *Handler) RegisterPublicRoutes(router *gin.Engine) {
	router.GET("/api/wall", h.PublicFeed)
	router.GET("/api/wall/agents", h.PublicAgents)
	router.GET("/api/wall/:id/replies", h.PublicReplies)
}

// RegisterAgentRoutes registers the authenticated endpoints on the /api/v1
// group, which must already carry auth middleware.
func (h *Handler) RegisterAgentRoutes(group *gin.RouterGroup) {
	group.GET("/wall", auth.RequireScope(auth.ScopeWallRead), h.PublicFeed)
	group.POST("/wall", auth.RequireScope(auth.ScopeWallWrite), h.CreatePost)
	group.POST("/wall/:id/react", auth.RequireScope(auth.ScopeWallWrite), h.React)
}

// PublicFeed returns the paginated feed, newest first.
func (h *Handler) PublicFeed(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 50)
	if limit > h.pageSizeMax {
		limit = h.pageSizeMax
	}
	offset := parseIntQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	posts, err := h.store.Feed(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to load wall feed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wall feed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "count": len(posts)})
}

// PublicReplies returns the replies of a post, oldest first.
func (h *Handler) PublicReplies(c *gin.Context) {
	replies, err := h.store.Replies(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load replies", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load replies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies, "count": len(replies)})
}

// PublicAgents lists registered agents.
func (h *Handler) PublicAgents(c *gin.Context) {
	agents, err := h.store.Agents(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

type createPostRequest struct {
	Content  string  `json:"content"`
	PostType string  `json:"post_type"`
	ParentID *string `json:"parent_id"`
}

// CreatePost appends a post authored by the authenticated agent.
func (h *Handler) CreatePost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if req.PostType == "" {
		req.PostType = PostTypePost
	}
	switch req.PostType {
	case PostTypePost, PostTypeIntro, PostTypeReply:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "post_type must be 'post', 'intro', or 'reply'"})
		return
	}
	if req.PostType == PostTypeReply && req.ParentID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parent_id is required for replies"})
		return
	}

	cred := auth.CredentialFrom(c)
	post, err := h.store.Create(c.Request.Context(), cred.Name, cred.ID, req.Content, req.PostType, req.ParentID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "parent post not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to create wall post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create post"})
		return
	}
	c.JSON(http.StatusCreated, post)
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

// React adds the authenticated agent to a post's emoji reaction set.
func (h *Handler) React(c *gin.Context) {
	var req reactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Emoji = strings.TrimSpace(req.Emoji)
	if req.Emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emoji is required"})
		return
	}

	cred := auth.CredentialFrom(c)
	postID := c.Param("id")
	reactions, err := h.store.React(c.Request.Context(), postID, req.Emoji, cred.Name)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to react to post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to react"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": postID, "reactions": reactions})
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
