package stream

import (
	"time"

	"github.com/google/uuid"
)

// EventMapper turns a platform-specific event name plus raw payload into an
// Activity. Mapping is total: unknown event names pass through unchanged so
// the pipeline never drops an event for being unrecognized.
type EventMapper struct {
	now func() time.Time
}

func NewEventMapper() *EventMapper {
	return &EventMapper{now: time.Now}
}

var chatEventNames = map[string]string{
	"posted":           "message_created",
	"post_edited":      "message_updated",
	"post_deleted":     "message_deleted",
	"reaction_added":   "reaction_added",
	"reaction_removed": "reaction_removed",
	"typing":           "user_typing",
	"channel_created":  "channel_created",
	"user_added":       "member_added",
	"user_removed":     "member_removed",
}

var boardEventNames = map[string]string{
	"createCard":        "card_created",
	"updateCard":        "card_updated",
	"deleteCard":        "card_deleted",
	"commentCard":       "comment_created",
	"addMemberToCard":   "member_added",
	"moveCardToBoard":   "card_moved",
	"createList":        "list_created",
	"updateList":        "list_updated",
	"updateBoard":       "board_updated",
	"addMemberToBoard":  "member_added",
	"createCheckItem":   "checklist_item_created",
	"updateCheckItemStateOnCard": "checklist_item_updated",
}

var messagingEventNames = map[string]string{
	"message":         "message_created",
	"message_edited":  "message_updated",
	"message_deleted": "message_deleted",
	"reaction":        "reaction_added",
	"typing_start":    "user_typing",
	"room_created":    "channel_created",
	"member_joined":   "member_added",
	"member_left":     "member_removed",
}

func (m *EventMapper) Map(platform Platform, eventName string, payload map[string]any) Activity {
	if payload == nil {
		payload = map[string]any{}
	}
	activity := Activity{
		ID:        uuid.NewString(),
		Platform:  platform,
		EventType: normalizeEventName(platform, eventName),
		Payload:   payload,
		Timestamp: m.timestampFrom(payload),
	}
	activity.UserID, activity.ChannelID = extractRefs(platform, payload)
	return activity
}

func normalizeEventName(platform Platform, eventName string) string {
	var table map[string]string
	switch platform {
	case PlatformChat:
		table = chatEventNames
	case PlatformBoard:
		table = boardEventNames
	case PlatformMessaging:
		table = messagingEventNames
	}
	if normalized, ok := table[eventName]; ok {
		return normalized
	}
	return eventName
}

func extractRefs(platform Platform, payload map[string]any) (userID, channelID string) {
	switch platform {
	case PlatformChat:
		userID = firstString(payload, "user_id", "sender_id")
		channelID = firstString(payload, "channel_id")
		if post := toMap(payload["post"]); post != nil {
			if userID == "" {
				userID = toString(post["user_id"])
			}
			if channelID == "" {
				channelID = toString(post["channel_id"])
			}
		}
	case PlatformBoard:
		if actor := toMap(payload["actor"]); actor != nil {
			userID = toString(actor["id"])
		}
		if userID == "" {
			userID = firstString(payload, "idMember", "member_id")
		}
		channelID = firstString(payload, "board_id", "idBoard")
		if channelID == "" {
			if board := toMap(payload["board"]); board != nil {
				channelID = toString(board["id"])
			}
		}
	case PlatformMessaging:
		userID = firstString(payload, "sender_id", "user_id")
		channelID = firstString(payload, "room_id", "channel_id")
	}
	return userID, channelID
}

func (m *EventMapper) timestampFrom(payload map[string]any) time.Time {
	for _, key := range []string{"create_at", "timestamp", "ts", "date"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		if ts, ok := parseTimestamp(raw); ok {
			return ts
		}
	}
	return m.now()
}

func parseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		return fromEpoch(int64(v)), true
	case int64:
		return fromEpoch(v), true
	case int:
		return fromEpoch(int64(v)), true
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// fromEpoch accepts either epoch seconds or epoch milliseconds; platform
// payloads disagree on the unit.
func fromEpoch(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := toString(payload[key]); value != "" {
			return value
		}
	}
	return ""
}

func toString(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return ""
}

func toMap(raw any) map[string]any {
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	return nil
}

func toList(raw any) []any {
	if l, ok := raw.([]any); ok {
		return l
	}
	return nil
}
