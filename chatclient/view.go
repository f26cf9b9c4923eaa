package chatclient

import (
	"shophub/chat"
)

// State 客户端连接状态
type State int

const (
	StateDisconnected State = iota
	StateIdentifying
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdentifying:
		return "identifying"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

const maxNotices = 50

// View 一个连接的本地视图，只由所属的 Client 持有
type View struct {
	State State
	Me    chat.Identity

	// 以下仅客服使用
	Users      []chat.PresenceEntry
	SelectedID string

	// 客户：自己的会话；客服：当前选中的会话
	Messages []chat.Message
	Notices  []chat.Notice

	LastError *chat.ErrorPayload

	// 选中会话后、历史到达前本地发出的消息，历史到达后补在末尾
	unconfirmed     []chat.Message
	awaitingHistory bool
	selections      uint64 // 每次切换会话加一
}

// Reduce 把一个入站事件应用到视图上，返回新视图，不修改入参
func Reduce(v View, env chat.Envelope) View {
	switch env.Type {
	case chat.EventIdentified:
		var id chat.Identity
		if env.Decode(&id) != nil {
			return v
		}
		v.Me = id
		v.State = StateActive

	case chat.EventPresenceSnapshot:
		var p chat.PresenceSnapshotPayload
		if env.Decode(&p) != nil {
			return v
		}
		v.Users = append([]chat.PresenceEntry(nil), p.Users...)

	case chat.EventConversationHistory:
		var p chat.ConversationHistoryPayload
		if env.Decode(&p) != nil || p.CustomerID != v.conversationID() {
			return v
		}
		msgs := make([]chat.Message, 0, len(p.Messages)+len(v.unconfirmed))
		msgs = append(msgs, p.Messages...)
		v.Messages = append(msgs, v.unconfirmed...)
		v.unconfirmed = nil
		v.awaitingHistory = false

	case chat.EventMessage:
		var m chat.Message
		if env.Decode(&m) != nil || m.CustomerID != v.conversationID() {
			return v
		}
		v = appendMessage(v, m)

	case chat.EventNotice:
		var n chat.Notice
		if env.Decode(&n) != nil {
			return v
		}
		notices := make([]chat.Notice, 0, len(v.Notices)+1)
		notices = append(notices, v.Notices...)
		notices = append(notices, n)
		if len(notices) > maxNotices {
			notices = notices[len(notices)-maxNotices:]
		}
		v.Notices = notices

	case chat.EventError:
		var p chat.ErrorPayload
		if env.Decode(&p) != nil {
			return v
		}
		v.LastError = &p
	}
	return v
}

// conversationID 视图当前展示的会话
func (v View) conversationID() string {
	if v.Me.IsAdmin {
		return v.SelectedID
	}
	return v.Me.ID
}

func appendMessage(v View, m chat.Message) View {
	msgs := make([]chat.Message, 0, len(v.Messages)+1)
	msgs = append(msgs, v.Messages...)
	v.Messages = append(msgs, m)
	return v
}

// appendSent 客服本地追加自己发出的消息（服务端不回显给发送者）。
// selections 是发送时读到的切换计数，发送期间切换过会话则丢弃。
func appendSent(v View, m chat.Message, selections uint64) View {
	if selections != v.selections || m.CustomerID != v.conversationID() {
		return v
	}
	if v.awaitingHistory {
		v.unconfirmed = append(append([]chat.Message(nil), v.unconfirmed...), m)
	}
	return appendMessage(v, m)
}

// selectConversation 客服切换会话，等待服务端下发历史
func selectConversation(v View, customerID string) View {
	v.SelectedID = customerID
	v.Messages = nil
	v.unconfirmed = nil
	v.awaitingHistory = true
	v.selections++
	return v
}

func (v View) clone() View {
	v.Users = append([]chat.PresenceEntry(nil), v.Users...)
	v.Messages = append([]chat.Message(nil), v.Messages...)
	v.Notices = append([]chat.Notice(nil), v.Notices...)
	v.unconfirmed = append([]chat.Message(nil), v.unconfirmed...)
	if v.LastError != nil {
		e := *v.LastError
		v.LastError = &e
	}
	return v
}
