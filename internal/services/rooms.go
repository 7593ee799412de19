package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BridgeError means the room platform could not set up the media side of a
// call. The session is marked failed with reason bridge_unavailable.
type BridgeError struct {
	Room string
	Err  error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("room %s unavailable: %v", e.Room, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Room is a created media room
type Room struct {
	SID  string `json:"sid"`
	Name string `json:"name"`
}

// JoinCredentials carry the short-lived tokens for the two call legs
type JoinCredentials struct {
	RoomName     string
	ContactToken string // phone leg
	AgentToken   string // AI agent leg
}

// RoomService creates media rooms and mints join tokens for them
type RoomService struct {
	url       string
	apiKey    string
	apiSecret string
	http      *http.Client
	tokenTTL  time.Duration
}

// NewRoomService reads the room platform credentials from the environment
func NewRoomService() (*RoomService, error) {
	url := os.Getenv("ROOM_SERVICE_URL")
	apiKey := os.Getenv("ROOM_API_KEY")
	apiSecret := os.Getenv("ROOM_API_SECRET")

	if url == "" || apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("missing room service credentials in environment variables")
	}

	return &RoomService{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: 10 * time.Second},
		tokenTTL:  10 * time.Minute,
	}, nil
}

type createRoomRequest struct {
	Name            string `json:"name"`
	EmptyTimeout    int    `json:"empty_timeout"`
	MaxParticipants int    `json:"max_participants"`
	Metadata        string `json:"metadata,omitempty"`
}

// CreateRoom asks the room platform for a room with the given name
func (r *RoomService) CreateRoom(ctx context.Context, name, metadata string) (*Room, error) {
	body, err := json.Marshal(createRoomRequest{
		Name:            name,
		EmptyTimeout:    300, // reclaim if nobody joins within 5 minutes
		MaxParticipants: 2,
		Metadata:        metadata,
	})
	if err != nil {
		return nil, &BridgeError{Room: name, Err: err}
	}

	adminToken, err := r.signToken(name, "admin", map[string]interface{}{
		"roomCreate": true,
		"roomAdmin":  true,
	})
	if err != nil {
		return nil, &BridgeError{Room: name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/twirp/livekit.RoomService/CreateRoom", bytes.NewReader(body))
	if err != nil {
		return nil, &BridgeError{Room: name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &BridgeError{Room: name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &BridgeError{Room: name, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	var room Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, &BridgeError{Room: name, Err: err}
	}
	if room.Name == "" {
		room.Name = name
	}
	return &room, nil
}

// JoinTokens mints the credential pair for both call legs. Tokens are
// short-lived and scoped to a single room.
func (r *RoomService) JoinTokens(roomName, contactIdentity string) (*JoinCredentials, error) {
	grant := map[string]interface{}{
		"roomJoin": true,
		"room":     roomName,
	}

	contactToken, err := r.signToken(roomName, contactIdentity, grant)
	if err != nil {
		return nil, err
	}
	agentToken, err := r.signToken(roomName, "agent-"+roomName, grant)
	if err != nil {
		return nil, err
	}

	return &JoinCredentials{
		RoomName:     roomName,
		ContactToken: contactToken,
		AgentToken:   agentToken,
	}, nil
}

func (r *RoomService) signToken(roomName, identity string, videoGrant map[string]interface{}) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   r.apiKey,
		"sub":   identity,
		"nbf":   now.Unix(),
		"exp":   now.Add(r.tokenTTL).Unix(),
		"video": videoGrant,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(r.apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign join token for %s: %w", identity, err)
	}
	return signed, nil
}
