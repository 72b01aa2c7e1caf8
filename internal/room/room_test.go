package room

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PeerSupport/internal/matchmaker"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw, secret string) *Claims {
	t.Helper()
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	return claims
}

func TestMintJoinCredential(t *testing.T) {
	m := NewMinter("key", "secret", 0)
	fixed := time.Now().Truncate(time.Second)
	m.now = func() time.Time { return fixed }

	raw, err := m.MintJoinCredential("peer-room-1", "peer_abcd1234", "Anonymous Peer", "video")
	require.NoError(t, err)

	c := parse(t, raw, "secret")
	assert.Equal(t, "key", c.Issuer)
	assert.Equal(t, "peer_abcd1234", c.Subject)
	assert.Equal(t, "Anonymous Peer", c.Name)
	assert.Equal(t, fixed.Add(time.Hour).Unix(), c.ExpiresAt.Unix())
	require.NotNil(t, c.Video)
	assert.Equal(t, "peer-room-1", c.Video.Room)
	assert.True(t, c.Video.RoomJoin)
	assert.True(t, c.Video.CanPublishData)
	assert.Equal(t, []string{SourceCamera, SourceMicrophone, SourceScreenShare}, c.Video.CanPublishSources)

	raw, err = m.MintJoinCredential("peer-room-1", "peer_abcd1234", "", "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{SourceMicrophone}, parse(t, raw, "secret").Video.CanPublishSources)
}

func TestMintRequiresConfig(t *testing.T) {
	_, err := NewMinter("", "", time.Hour).MintJoinCredential("r", "i", "", "")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewMinter("k", "s", time.Hour).MintJoinCredential("", "i", "", "")
	assert.Error(t, err)
}

func TestIdentity(t *testing.T) {
	assert.Equal(t, "peer_12345678", Identity("1234567890abcdef"))
	assert.Equal(t, "peer_abc", Identity("abc"))
}

type fakeLookup struct {
	match *matchmaker.Match
}

func (f fakeLookup) RoomMatch(_ context.Context, userID, roomID string) (*matchmaker.Match, error) {
	if f.match == nil || !f.match.Has(userID) || f.match.RoomID != roomID {
		return nil, matchmaker.ErrNotParticipant
	}
	return f.match, nil
}

func tokenRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/peer-token", func(c *gin.Context) {
		if u := c.GetHeader("X-User"); u != "" {
			c.Set(matchmaker.UserIDKey, u)
		}
	}, h.Token)
	return r
}

func postToken(r http.Handler, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, "/api/peer-token", &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTokenHandler(t *testing.T) {
	match := &matchmaker.Match{ID: "m1", UserA: "alice-0001", UserB: "bob-0002", RoomID: "peer-room-9", Status: matchmaker.MatchActive}
	h := NewHandler(fakeLookup{match}, NewMinter("key", "secret", time.Hour), "wss://media.example")
	r := tokenRouter(h)

	w := postToken(r, "alice-0001", matchmaker.TokenRequest{RoomName: "peer-room-9", CallType: "video"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "wss://media.example", resp["serverUrl"])
	assert.Equal(t, "peer-room-9", resp["roomName"])
	assert.Equal(t, "Anonymous Peer", resp["participantName"])
	assert.Equal(t, "peer_alice-00", parse(t, resp["token"], "secret").Subject)

	w = postToken(r, "carol", matchmaker.TokenRequest{RoomName: "peer-room-9"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"Invalid room or unauthorized"}`, w.Body.String())

	w = postToken(r, "alice-0001", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postToken(r, "", matchmaker.TokenRequest{RoomName: "peer-room-9"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	h.DisplayName = func(context.Context, string) string { return "Sky" }
	w = postToken(r, "bob-0002", matchmaker.TokenRequest{RoomName: "peer-room-9"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"participantName":"Sky"`)
}

func TestTokenHandlerNotConfigured(t *testing.T) {
	h := NewHandler(fakeLookup{}, NewMinter("", "", 0), "")
	w := postToken(tokenRouter(h), "alice", matchmaker.TokenRequest{RoomName: "r"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
