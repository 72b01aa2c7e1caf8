package matchmaker

import (
	"errors"
	"net/http"

	"PeerSupport/internal/utils"

	"github.com/gin-gonic/gin"
)

// UserIDKey 是认证中间件写入 gin.Context 的已验证用户标识
const UserIDKey = "userID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		utils.Log.Error("peer match request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process matching request"})
	}
}

// POST /api/peer-match  body: {action, interests}
// 单入口，按 action 分发到 join_queue / check_status / leave_queue
func (h *Handler) PeerMatch(c *gin.Context) {
	var req PeerMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Action {
	case "join_queue":
		h.join(c, req.Interests)
	case "check_status":
		h.Status(c)
	case "leave_queue":
		h.Leave(c)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action"})
	}
}

// POST /match/join  body: {interests}
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.join(c, req.Interests)
}

func (h *Handler) join(c *gin.Context, interests []string) {
	out, err := h.svc.JoinQueue(c.Request.Context(), c.GetString(UserIDKey), interests)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStatusResponse(out))
}

// GET /match/status
func (h *Handler) Status(c *gin.Context) {
	out, err := h.svc.CheckStatus(c.Request.Context(), c.GetString(UserIDKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStatusResponse(out))
}

// POST /match/leave
func (h *Handler) Leave(c *gin.Context) {
	if err := h.svc.LeaveQueue(c.Request.Context(), c.GetString(UserIDKey)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// POST /match/end  body: {matchId}
func (h *Handler) End(c *gin.Context) {
	var req EndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.EndSession(c.Request.Context(), c.GetString(UserIDKey), req.MatchID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GET /api/peer-stats  （未登录时只返回在线人数）
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats(c.Request.Context(), c.GetString(UserIDKey)))
}
