package room

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNotConfigured = errors.New("room credentials not configured")

const (
	SourceCamera      = "camera"
	SourceMicrophone  = "microphone"
	SourceScreenShare = "screen_share"
)

// VideoGrant is the permission block the media server reads from the token.
type VideoGrant struct {
	Room              string   `json:"room"`
	RoomJoin          bool     `json:"roomJoin"`
	CanPublish        bool     `json:"canPublish"`
	CanSubscribe      bool     `json:"canSubscribe"`
	CanPublishData    bool     `json:"canPublishData"`
	CanPublishSources []string `json:"canPublishSources"`
}

type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video"`
}

// Minter signs join credentials for the media server with the API key pair.
type Minter struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
	now       func() time.Time
}

func NewMinter(apiKey, apiSecret string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Minter{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl, now: time.Now}
}

func (m *Minter) Configured() bool {
	return m.apiKey != "" && m.apiSecret != ""
}

func sourcesFor(callType string) []string {
	if callType == "video" {
		return []string{SourceCamera, SourceMicrophone, SourceScreenShare}
	}
	return []string{SourceMicrophone}
}

// MintJoinCredential returns a signed token that lets identity join roomID.
// Video calls may publish camera, microphone and screen share; anything else is audio only.
func (m *Minter) MintJoinCredential(roomID, identity, displayName, callType string) (string, error) {
	if !m.Configured() {
		return "", ErrNotConfigured
	}
	if roomID == "" || identity == "" {
		return "", errors.New("room and identity are required")
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   identity,
			ID:        identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Name: displayName,
		Video: &VideoGrant{
			Room:              roomID,
			RoomJoin:          true,
			CanPublish:        true,
			CanSubscribe:      true,
			CanPublishData:    true,
			CanPublishSources: sourcesFor(callType),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.apiSecret))
}
