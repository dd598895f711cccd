package session

import (
	"errors"
	"strings"
)

// ErrEmptyToken 会话令牌为空。
var ErrEmptyToken = errors.New("session token is empty")

// User 当前登录用户。
type User struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Session 显式传递给需要鉴权的组件，不读取任何全局状态。
type Session struct {
	Token string `json:"token" yaml:"token"`
	User  User   `json:"user" yaml:"user"`
}

// Valid reports whether the session carries a usable token.
func (s Session) Valid() error {
	if strings.TrimSpace(s.Token) == "" {
		return ErrEmptyToken
	}
	return nil
}

// AuthHeader 返回 REST 调用使用的 Authorization 头。
func (s Session) AuthHeader() string {
	return "Bearer " + s.Token
}

// SenderName 乐观追加消息时使用的发送者名称。
func (s Session) SenderName() string {
	if s.User.Name != "" {
		return s.User.Name
	}
	return "user"
}
