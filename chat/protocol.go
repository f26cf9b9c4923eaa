package chat

import (
	"encoding/json"
	"fmt"
)

// 事件类型
const (
	EventIdentify           = "identify"
	EventSelectConversation = "selectConversation"
	EventSendMessage        = "sendMessage"

	EventIdentified          = "identified"
	EventPresenceSnapshot    = "presenceSnapshot"
	EventConversationHistory = "conversationHistory"
	EventMessage             = "message"
	EventNotice              = "notice"
	EventError               = "error"
)

// Envelope 帧结构 {"type": ..., "payload": ...}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SelectConversationPayload struct {
	CustomerID string `json:"customerId"`
}

type SendMessagePayload struct {
	TargetID string `json:"targetId,omitempty"`
	Body     string `json:"body"`
}

type PresenceSnapshotPayload struct {
	Users []PresenceEntry `json:"users"`
}

type ConversationHistoryPayload struct {
	CustomerID string    `json:"customerId"`
	Messages   []Message `json:"messages"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope 序列化 payload 生成一帧
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Payload = data
	return env, nil
}

// 服务端下发的 payload 都是本包的类型，不会序列化失败
func mustEnvelope(eventType string, payload interface{}) Envelope {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode 解析 payload
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: %w", e.Type, ErrInvalidPayload)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w: %v", e.Type, ErrInvalidPayload, err)
	}
	return nil
}

func errorEnvelope(err error) Envelope {
	return mustEnvelope(EventError, ErrorPayload{Code: ErrorCode(err), Message: err.Error()})
}

func snapshotEnvelope(users []PresenceEntry) Envelope {
	if users == nil {
		users = []PresenceEntry{}
	}
	return mustEnvelope(EventPresenceSnapshot, PresenceSnapshotPayload{Users: users})
}

func historyEnvelope(customerID string, msgs []Message) Envelope {
	if msgs == nil {
		msgs = []Message{}
	}
	return mustEnvelope(EventConversationHistory, ConversationHistoryPayload{CustomerID: customerID, Messages: msgs})
}
