package domain

import "time"

// ActivityLog is one operator-facing entry in a bot's activity feed.
type ActivityLog struct {
	ID        int64         `json:"id"`     // Assigned by the store
	BotID     string        `json:"bot_id"` // Empty for system-wide entries
	Level     ActivityLevel `json:"level"`  // INFO, SUCCESS, WARNING, ERROR
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}
