// internal/messaging/websocket.go

package messaging

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket configuration constants
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size; images go through the HTTP upload endpoint
	maxMessageSize = 64 * 1024

	// Maximum number of queued frames per client
	maxQueuedMessages = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// UI clients authenticate with a bearer token, not cookies
		return true
	},
}

// WSMessageType names a frame on the websocket
type WSMessageType string

const (
	// server -> client
	WSTypeUpdate   WSMessageType = "update"
	WSTypeResponse WSMessageType = "response"

	// client -> server
	WSTypeOpen   WSMessageType = "open"
	WSTypeClose  WSMessageType = "close"
	WSTypeSend   WSMessageType = "send"
	WSTypeRead   WSMessageType = "read"
	WSTypeTyping WSMessageType = "typing"
	WSTypeOlder  WSMessageType = "older"
	WSTypeDelete WSMessageType = "delete"
)

// WSMessage is the envelope of every frame
type WSMessage struct {
	Type      WSMessageType   `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WSError represents a WebSocket error message
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSResponse answers one client command
type WSResponse struct {
	Command WSMessageType   `json:"command"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *WSError        `json:"error,omitempty"`
}

// Inbound payloads
type WSOpenPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

type WSSendPayload struct {
	SendMessageRequest
}

type WSTypingPayload struct {
	Typing bool `json:"typing"`
}

type WSDeletePayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

type WSOlderResult struct {
	Loaded       int  `json:"loaded"`
	HasMoreOlder bool `json:"has_more_older"`
}

// NewWSMessage wraps data in an envelope.
func NewWSMessage(msgType WSMessageType, data interface{}) WSMessage {
	return WSMessage{
		Type:      msgType,
		Data:      mustMarshal(data),
		Timestamp: time.Now().UTC(),
	}
}

// NewWSResponse builds the reply to a command.
func NewWSResponse(requestID string, command WSMessageType, data interface{}, err error) WSMessage {
	resp := WSResponse{Command: command, Success: err == nil}
	if err != nil {
		resp.Error = &WSError{Code: errorCode(err), Message: err.Error()}
	} else if data != nil {
		resp.Data = mustMarshal(data)
	}
	msg := NewWSMessage(WSTypeResponse, resp)
	msg.RequestID = requestID
	return msg
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("component", "chat_ws").Msg("marshal frame")
		return json.RawMessage(`{}`)
	}
	return data
}
