package stream

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreRefused = errors.New("store refused activity")
)

type Platform string

const (
	PlatformChat      Platform = "chat"
	PlatformBoard     Platform = "board"
	PlatformMessaging Platform = "messaging"
)

func ParsePlatform(raw string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformChat:
		return PlatformChat, true
	case PlatformBoard:
		return PlatformBoard, true
	case PlatformMessaging:
		return PlatformMessaging, true
	default:
		return "", false
	}
}

// Activity is the canonical normalized record of one platform event.
// Only Processed mutates after creation.
type Activity struct {
	ID        string         `json:"id"`
	Platform  Platform       `json:"platform"`
	EventType string         `json:"eventType"`
	UserID    string         `json:"userId,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Processed bool           `json:"processed"`
}

type TriggerRule struct {
	ID           string         `json:"id"`
	Platform     Platform       `json:"platform"`
	EventType    string         `json:"eventType"`
	Enabled      bool           `json:"enabled"`
	Conditions   map[string]any `json:"conditions,omitempty"`
	ActionConfig map[string]any `json:"actionConfig,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

type WorkflowExecution struct {
	ID           string          `json:"id"`
	TriggerID    string          `json:"triggerId"`
	ActivityID   string          `json:"activityId"`
	Status       ExecutionStatus `json:"status"`
	Result       map[string]any  `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMs   int64           `json:"durationMs"`
}

type NotificationType string

const (
	NotificationMessage       NotificationType = "message"
	NotificationMention       NotificationType = "mention"
	NotificationDirectMessage NotificationType = "directMessage"
	NotificationReaction      NotificationType = "reaction"
	NotificationReply         NotificationType = "reply"
)

// NotificationItem is derived per novel activity; Read is owned by the
// consuming surface, not by the pipeline.
type NotificationItem struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Platform  Platform         `json:"platform"`
	ChannelID string           `json:"channelId"`
	UserID    string           `json:"userId,omitempty"`
	Message   string           `json:"message,omitempty"`
	Priority  int              `json:"priority"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}
