package gateway

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/actor"
	"github.com/zulandar/signalbox/internal/auth"
	"github.com/zulandar/signalbox/internal/index"
)

type createSessionRequest struct {
	Title           string `json:"title"`
	RepoOwner       string `json:"repoOwner"`
	RepoName        string `json:"repoName"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort"`
	BaseBranch      string `json:"baseBranch"`
}

// handleCreateSession creates a session row plus its live actor, and mints
// the session-scoped viewer token the caller needs to subscribe.
func (g *gateway) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BadRequest", "error": err.Error()})
		return
	}
	if req.RepoOwner == "" {
		req.RepoOwner = g.cfg.Owner
	}
	if req.RepoName == "" {
		req.RepoName = g.cfg.Repo
	}

	a, err := g.reg.Create(c.Request.Context(), actor.CreateOpts{
		Title:           req.Title,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		BaseBranch:      req.BaseBranch,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "CreateFailed", "error": err.Error()})
		return
	}

	row, err := g.reg.Store().Get(a.ID())
	if err != nil || row == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "IndexUnavailable", "error": "session row not readable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session": row,
		"token":   auth.IssueSession(g.cfg.Auth.Secret, a.ID()),
	})
}

// handleListSessions serves the index listing with conjunctive filters.
func (g *gateway) handleListSessions(c *gin.Context) {
	f := index.Filter{
		Status:    c.Query("status"),
		RepoOwner: c.Query("owner"),
		RepoName:  c.Query("repo"),
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BadRequest", "error": "invalid offset"})
			return
		}
		f.Offset = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BadRequest", "error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	page, err := g.reg.Store().List(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "IndexUnavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": page.Sessions,
		"total":    page.Total,
		"hasMore":  page.HasMore,
	})
}

func (g *gateway) handleGetSession(c *gin.Context) {
	row, err := g.reg.Store().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "IndexUnavailable", "error": err.Error()})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "SessionNotFound", "error": "no such session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": row})
}

// requireInternalToken guards actor-to-actor routes. The token authorizes
// "trusted internal caller" only; which session the call may touch is
// decided by the handler behind it.
func (g *gateway) requireInternalToken(c *gin.Context) {
	token := c.GetHeader("X-Internal-Token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	switch auth.Verify(token, g.cfg.Auth.Secret, g.cfg.Auth.TokenWindow) {
	case auth.OK:
		c.Next()
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "Unauthorized", "error": "internal token required"})
	}
}

type spawnRequest struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// handleSpawn spawns a child session under the parent in the path.
func (g *gateway) handleSpawn(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BadRequest", "error": err.Error()})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BadRequest", "error": "prompt is required"})
		return
	}

	parent, err := g.reg.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, actor.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "SessionNotFound", "error": "no such session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "SpawnFailed", "error": err.Error()})
		return
	}

	res, err := parent.SpawnChild(c.Request.Context(), req.Title, req.Prompt, req.Model)
	if err != nil {
		if errors.Is(err, actor.ErrSpawnLimit) {
			c.JSON(http.StatusForbidden, gin.H{"code": "SpawnLimitExceeded", "error": err.Error()})
			return
		}
		log.Printf("gateway: spawn under %s failed: %v", c.Param("id"), err)
		if errors.Is(err, actor.ErrSpawnEnqueue) {
			c.JSON(http.StatusBadGateway, gin.H{"code": "SpawnFailed", "error": "Failed to enqueue child session prompt"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "SpawnFailed", "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"childId": res.ChildID,
		"status":  res.Status,
		"token":   auth.IssueSession(g.cfg.Auth.Secret, res.ChildID),
	})
}
