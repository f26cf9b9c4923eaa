package chat

import (
	"sync"
	"time"
)

type conversation struct {
	messages   []Message
	detachedAt time.Time // 客户离线时间，零值表示在线
}

// ConversationStore 内存中的会话历史，按客户ID组织，只追加
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: make(map[string]*conversation)}
}

// Append 追加一条消息，不存在时创建会话
func (s *ConversationStore) Append(customerID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[customerID]
	if !ok {
		conv = &conversation{}
		s.convs[customerID] = conv
	}
	conv.messages = append(conv.messages, msg)
}

// GetHistory 返回会话历史的副本，没有历史时返回空切片
func (s *ConversationStore) GetHistory(customerID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[customerID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Attach 客户上线，取消过期计时
func (s *ConversationStore) Attach(customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[customerID]; ok {
		conv.detachedAt = time.Time{}
	}
}

// Detach 标记客户离线时间，已标记的保持不变
func (s *ConversationStore) Detach(customerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[customerID]
	if !ok || !conv.detachedAt.IsZero() {
		return
	}
	conv.detachedAt = at
}

// Sweep 丢弃离线超过 retention 的会话，返回丢弃数量。retention 为 0 时丢弃所有离线会话
func (s *ConversationStore) Sweep(now time.Time, retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, conv := range s.convs {
		if conv.detachedAt.IsZero() {
			continue
		}
		if now.Sub(conv.detachedAt) >= retention {
			delete(s.convs, id)
			n++
		}
	}
	return n
}

// Len 当前保存的会话数
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}
