package stream

import "sync"

// NotificationLog is an in-memory ring of recent notifications. It backs the
// status surface; read state is owned by that surface, so MarkRead lives
// here rather than in the pipeline.
type NotificationLog struct {
	mu       sync.RWMutex
	capacity int
	items    []NotificationItem
}

func NewNotificationLog(capacity int) *NotificationLog {
	if capacity <= 0 {
		capacity = 200
	}
	return &NotificationLog{capacity: capacity}
}

func (l *NotificationLog) Notify(item NotificationItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
	if len(l.items) > l.capacity {
		l.items = l.items[len(l.items)-l.capacity:]
	}
}

// List returns up to limit notifications, newest first.
func (l *NotificationLog) List(limit int) []NotificationItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]NotificationItem, 0, len(l.items))
	for i := len(l.items) - 1; i >= 0; i-- {
		result = append(result, l.items[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

func (l *NotificationLog) MarkRead(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].Read = true
			return true
		}
	}
	return false
}

func (l *NotificationLog) Unread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	for _, item := range l.items {
		if !item.Read {
			count++
		}
	}
	return count
}
