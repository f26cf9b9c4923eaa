package chat

import "time"

// Identity 聊天参与者身份，在 identify 握手时创建，之后不再修改
type Identity struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// PresenceEntry 一个在线客户的状态记录
type PresenceEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
	Unread bool   `json:"unread"`
	ConnID string `json:"-"`
}

// Message 会话中的一条消息，会话总是以客户ID为键
type Message struct {
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	CustomerID string    `json:"customerId"`
	FromAdmin  bool      `json:"fromAdmin"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notice 只推送给客服的通知（例如客户下单），不写入会话
type Notice struct {
	Kind       string    `json:"kind"`
	CustomerID string    `json:"customerId,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Conn 一个连接句柄。Send 只把事件放进发送队列，不做网络IO；
// 队列满或连接已关闭时返回 false。
type Conn interface {
	ID() string
	Send(env Envelope) bool
	Close()
}

// RouteResult 路由结果
type RouteResult struct {
	Message   Message
	Delivered bool // 目标连接是否收到（至少一个）
	Unread    bool
}
