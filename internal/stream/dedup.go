package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationSink receives the notifications the deduplicator decides are
// worth surfacing. The consuming surface owns read state.
type NotificationSink interface {
	Notify(item NotificationItem)
}

// NotificationDeduplicator decides, per channel, whether an observed message
// is genuinely new. The first observation of a channel suppresses the whole
// cycle: history the component has not seen yet is not news.
type NotificationDeduplicator struct {
	watermarks  *WatermarkStore
	sink        NotificationSink
	cache       *LookupCache
	currentUser string

	mu       sync.Mutex
	notified map[string]struct{}
}

func NewNotificationDeduplicator(watermarks *WatermarkStore, sink NotificationSink, cache *LookupCache, currentUser string) *NotificationDeduplicator {
	return &NotificationDeduplicator{
		watermarks:  watermarks,
		sink:        sink,
		cache:       cache,
		currentUser: strings.TrimSpace(currentUser),
		notified:    map[string]struct{}{},
	}
}

// ShouldNotify reports whether activity is novel for channelID. Novel means
// the channel has an established watermark and the activity timestamp is
// strictly past it; each activity id notifies at most once.
func (d *NotificationDeduplicator) ShouldNotify(channelID string, activity Activity) bool {
	watermark, seen := d.watermarks.Get(activity.Platform, channelID)
	if !seen {
		d.watermarks.Advance(activity.Platform, channelID, activity.Timestamp)
		return false
	}
	if !activity.Timestamp.After(watermark) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, done := d.notified[activity.ID]; done {
		return false
	}
	d.notified[activity.ID] = struct{}{}
	return true
}

// MarkSeen advances the channel watermark; values may arrive in any order.
func (d *NotificationDeduplicator) MarkSeen(platform Platform, channelID string, ts time.Time) {
	d.watermarks.Advance(platform, channelID, ts)
}

// Observe runs the full per-activity policy: novelty check, classification,
// delivery to the sink, watermark advance.
func (d *NotificationDeduplicator) Observe(channelID string, activity Activity) (NotificationItem, bool) {
	novel := d.ShouldNotify(channelID, activity)
	d.MarkSeen(activity.Platform, channelID, activity.Timestamp)
	if !novel {
		return NotificationItem{}, false
	}
	item := d.classify(channelID, activity)
	if d.sink != nil {
		d.sink.Notify(item)
	}
	return item, true
}

func (d *NotificationDeduplicator) classify(channelID string, activity Activity) NotificationItem {
	item := NotificationItem{
		ID:        uuid.NewString(),
		Type:      NotificationMessage,
		Platform:  activity.Platform,
		ChannelID: channelID,
		UserID:    activity.UserID,
		Message:   messageText(activity.Payload),
		CreatedAt: activity.Timestamp,
	}
	switch {
	case strings.Contains(activity.EventType, "reaction"):
		item.Type = NotificationReaction
	case toString(activity.Payload["root_id"]) != "" || toString(activity.Payload["thread_id"]) != "":
		item.Type = NotificationReply
	case toString(activity.Payload["channel_type"]) == "D" || toString(activity.Payload["channel_type"]) == "direct":
		item.Type = NotificationDirectMessage
		item.Priority = 2
	case d.mentionsCurrentUser(item.Message):
		item.Type = NotificationMention
		item.Priority = 2
	}
	return item
}

func (d *NotificationDeduplicator) mentionsCurrentUser(text string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "@all") || strings.Contains(lowered, "@here") || strings.Contains(lowered, "@channel") {
		return true
	}
	username := d.currentUser
	if username == "" && d.cache != nil {
		username = d.cache.CurrentUsername()
	}
	if username == "" {
		return false
	}
	return strings.Contains(lowered, "@"+strings.ToLower(username))
}
