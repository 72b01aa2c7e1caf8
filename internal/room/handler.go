package room

import (
	"context"
	"errors"
	"net/http"

	"PeerSupport/internal/matchmaker"
	"PeerSupport/internal/utils"

	"github.com/gin-gonic/gin"
)

const defaultDisplayName = "Anonymous Peer"

// MatchLookup resolves the caller's active match for a room.
type MatchLookup interface {
	RoomMatch(ctx context.Context, userID, roomID string) (*matchmaker.Match, error)
}

type Handler struct {
	matches   MatchLookup
	minter    *Minter
	serverURL string
	// DisplayName looks up a participant's display name; nil means anonymous.
	DisplayName func(ctx context.Context, userID string) string
}

func NewHandler(matches MatchLookup, minter *Minter, serverURL string) *Handler {
	return &Handler{matches: matches, minter: minter, serverURL: serverURL}
}

// Identity is the media-server identity for a user: a short, stable prefix of the id.
func Identity(userID string) string {
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return "peer_" + userID
}

// POST /api/peer-token  body: {roomName, callType}
func (h *Handler) Token(c *gin.Context) {
	userID := c.GetString(matchmaker.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if !h.minter.Configured() || h.serverURL == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": ErrNotConfigured.Error()})
		return
	}
	var req matchmaker.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room name is required"})
		return
	}

	if _, err := h.matches.RoomMatch(c.Request.Context(), userID, req.RoomName); err != nil {
		if errors.Is(err, matchmaker.ErrNotParticipant) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid room or unauthorized"})
			return
		}
		utils.Log.Error("room lookup failed", "user", userID, "room", req.RoomName, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	name := defaultDisplayName
	if h.DisplayName != nil {
		if n := h.DisplayName(c.Request.Context(), userID); n != "" {
			name = n
		}
	}
	token, err := h.minter.MintJoinCredential(req.RoomName, Identity(userID), name, req.CallType)
	if err != nil {
		utils.Log.Error("mint credential failed", "user", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":           token,
		"serverUrl":       h.serverURL,
		"roomName":        req.RoomName,
		"participantName": name,
	})
}
