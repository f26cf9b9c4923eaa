package models

import (
	"strconv"
	"time"
)

const (
	UserTypeAdmin  = "admin"
	UserTypeClient = "client"
)

type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex"`
	Username  string    `json:"username" gorm:"uniqueIndex"`
	Password  string    `json:"-"`        // 本地登录，bcrypt 哈希
	Provider  string    `json:"provider"` // local
	Type      string    `json:"type"`     // admin(客服), client(客户)
	Avatar    string    `json:"avatar"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatID 聊天中使用的身份ID
func (u User) ChatID() string {
	return strconv.FormatUint(uint64(u.ID), 10)
}

func (u User) IsAdmin() bool {
	return u.Type == UserTypeAdmin
}

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         User   `json:"user"`
}
