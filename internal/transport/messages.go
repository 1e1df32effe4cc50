// Package transport is the extension's WebSocket endpoint: it duplexes a
// connection's outbox onto the socket and dispatches inbound frames to the
// registry by message type.
package transport

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeExtensionReady   = "extension_ready"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeCouncilResponse  = "council_response"
	TypeCouncilProgress  = "council_progress"
	TypeAuthStatus       = "auth_status"
	TypeHistoryList      = "history_list"
	TypeConversationData = "conversation_data"
	TypeDeleteResult     = "delete_result"
)

// Outbound message types.
const (
	TypeCouncilRequest     = "council_request"
	TypeGetAuthStatus      = "get_auth_status"
	TypeGetHistoryList     = "get_history_list"
	TypeGetConversation    = "get_conversation"
	TypeDeleteConversation = "delete_conversation"
)

// pongFrame answers an application-level ping.
const pongFrame = `{"type":"pong"}`

// Sender enqueues a text frame for the extension.
type Sender interface {
	Send(text string) error
}

type councilRequestPayload struct {
	RequestID string `json:"requestId"`
	Query     string `json:"query"`
	Tier      string `json:"tier"`
	Timestamp int64  `json:"timestamp"`
}

type councilRequestFrame struct {
	Type    string                `json:"type"`
	Payload councilRequestPayload `json:"payload"`
}

type proxyRequestFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload,omitempty"`
}

// SendCouncilRequest sends {"type":"council_request","payload":{...}}.
// timestamp is epoch milliseconds.
func SendCouncilRequest(s Sender, requestID, query, tier string, timestamp int64) error {
	b, err := json.Marshal(councilRequestFrame{
		Type: TypeCouncilRequest,
		Payload: councilRequestPayload{
			RequestID: requestID,
			Query:     query,
			Tier:      tier,
			Timestamp: timestamp,
		},
	})
	if err != nil {
		return fmt.Errorf("encode council request: %w", err)
	}
	return s.Send(string(b))
}

// SendProxyRequest sends {"type":msgType,"requestId":id,"payload":payload}.
// A nil payload is omitted.
func SendProxyRequest(s Sender, msgType, requestID string, payload any) error {
	b, err := json.Marshal(proxyRequestFrame{
		Type:      msgType,
		RequestID: requestID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", msgType, err)
	}
	return s.Send(string(b))
}
