package models

import "time"

// SessionStatus represents the current state of a conversation tab
type SessionStatus string

const (
	StatusActive   SessionStatus = "ACTIVE"
	StatusBusy     SessionStatus = "BUSY"
	StatusClosed   SessionStatus = "CLOSED"
	StatusTimedOut SessionStatus = "TIMED_OUT"
)

// SessionInfo is the public snapshot of an open conversation tab
type SessionInfo struct {
	ID           string        `json:"id"`
	ChatID       string        `json:"chatId"`
	Status       SessionStatus `json:"status"`
	URL          string        `json:"url"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
	IdleDeadline time.Time     `json:"idleDeadline"`
}
