package stream

import (
	"testing"
	"time"
)

func TestMapNormalizesChatEventNames(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformChat, "posted", map[string]any{
		"user_id":    "u1",
		"channel_id": "c1",
		"message":    "hello",
	})
	if activity.EventType != "message_created" {
		t.Fatalf("expected message_created, got %s", activity.EventType)
	}
	if activity.UserID != "u1" {
		t.Fatalf("expected user u1, got %s", activity.UserID)
	}
	if activity.ChannelID != "c1" {
		t.Fatalf("expected channel c1, got %s", activity.ChannelID)
	}
	if activity.Processed {
		t.Fatalf("expected new activity to be unprocessed")
	}
	if activity.ID == "" {
		t.Fatalf("expected generated activity id")
	}
}

func TestMapUnknownEventNamePassesThrough(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformChat, "some_future_event", map[string]any{})
	if activity.EventType != "some_future_event" {
		t.Fatalf("expected unknown name preserved, got %s", activity.EventType)
	}
}

func TestMapBoardExtractsActorAndBoard(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformBoard, "createCard", map[string]any{
		"actor":    map[string]any{"id": "member_9"},
		"board_id": "board_3",
	})
	if activity.EventType != "card_created" {
		t.Fatalf("expected card_created, got %s", activity.EventType)
	}
	if activity.UserID != "member_9" {
		t.Fatalf("expected actor id member_9, got %s", activity.UserID)
	}
	if activity.ChannelID != "board_3" {
		t.Fatalf("expected board_3, got %s", activity.ChannelID)
	}
}

func TestMapMessagingFallsBackToChannelID(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformMessaging, "message", map[string]any{
		"sender_id":  "s1",
		"channel_id": "room_7",
	})
	if activity.EventType != "message_created" {
		t.Fatalf("expected message_created, got %s", activity.EventType)
	}
	if activity.ChannelID != "room_7" {
		t.Fatalf("expected room_7, got %s", activity.ChannelID)
	}
}

func TestMapChatNestedPostRefs(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformChat, "posted", map[string]any{
		"post": map[string]any{
			"user_id":    "u2",
			"channel_id": "c2",
		},
	})
	if activity.UserID != "u2" || activity.ChannelID != "c2" {
		t.Fatalf("expected nested post refs, got user=%s channel=%s", activity.UserID, activity.ChannelID)
	}
}

func TestMapTimestampFromEpochMillis(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformChat, "posted", map[string]any{
		"create_at": float64(1700000000000),
	})
	want := time.UnixMilli(1700000000000)
	if !activity.Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, activity.Timestamp)
	}
}

func TestMapTimestampFromEpochSeconds(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformMessaging, "message", map[string]any{
		"timestamp": float64(1700000000),
	})
	want := time.Unix(1700000000, 0)
	if !activity.Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, activity.Timestamp)
	}
}

func TestMapTimestampDefaultsToNow(t *testing.T) {
	mapper := NewEventMapper()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mapper.now = func() time.Time { return fixed }
	activity := mapper.Map(PlatformChat, "posted", map[string]any{})
	if !activity.Timestamp.Equal(fixed) {
		t.Fatalf("expected fallback to now, got %v", activity.Timestamp)
	}
}

func TestMapNilPayloadGetsEmptyMap(t *testing.T) {
	mapper := NewEventMapper()
	activity := mapper.Map(PlatformChat, "posted", nil)
	if activity.Payload == nil {
		t.Fatalf("expected non-nil payload map")
	}
}
