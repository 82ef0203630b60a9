package store

import (
	"context"
	"errors"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrNotFound reports that a session exists in neither storage tier.
var ErrNotFound = errors.New("session not found")

// Message is one immutable conversational turn inside a session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is the listing shape returned by RecentSessions.
// Preview is the first user message truncated at previewLen runes;
// MessageCount excludes system-authored turns.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Preview      string    `json:"preview"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store persists sessions and their ordered messages.
type Store interface {
	CreateSession(ctx context.Context, sessionID string) error
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	Close() error
}

const previewLen = 50

func previewOf(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen]) + "..."
}

func countConversational(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			n++
		}
	}
	return n
}
