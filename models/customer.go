package models

import "time"

const (
	SessionPending = "pending"
	SessionActive  = "active"
	SessionClosed  = "closed"
)

// CustomerSession 客服会话台账，一个客户一行。
// 只记录元数据（状态、最后一条消息、未读数），不保存聊天记录。
type CustomerSession struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	CustomerID  string    `json:"customer_id" gorm:"uniqueIndex;size:64"`
	Name        string    `json:"name"`
	Status      string    `json:"status" gorm:"index;default:'pending'"` // pending, active, closed
	LastMessage string    `json:"last_message"`
	UnreadCount int       `json:"unread_count" gorm:"default:0"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func ValidSessionStatus(status string) bool {
	switch status {
	case SessionPending, SessionActive, SessionClosed:
		return true
	}
	return false
}
