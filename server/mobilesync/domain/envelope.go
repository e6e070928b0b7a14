package domain

import "encoding/json"

// Channel message types.
const (
	MsgAlert         = "alert"
	MsgChatResponse  = "chat_response"
	MsgProjectUpdate = "project_update"
	MsgChatMessage   = "chat_message"
	MsgAlertAck      = "alert_ack"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

type AlertPayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type ChatResponsePayload struct {
	Message string `json:"message"`
}

type ChatMessagePayload struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type AlertAckPayload struct {
	AlertID string `json:"alert_id"`
	UserID  string `json:"user_id"`
}

// QueuedChat is the offline action payload for a chat send.
type QueuedChat struct {
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
}
