package stream

import (
	"strconv"
	"testing"
)

func TestNotificationLogNewestFirst(t *testing.T) {
	log := NewNotificationLog(10)
	for i := 0; i < 3; i++ {
		log.Notify(NotificationItem{ID: "n" + strconv.Itoa(i)})
	}
	items := log.List(2)
	if len(items) != 2 || items[0].ID != "n2" || items[1].ID != "n1" {
		t.Fatalf("expected newest first, got %v", items)
	}
}

func TestNotificationLogCapacityEvictsOldest(t *testing.T) {
	log := NewNotificationLog(2)
	for i := 0; i < 5; i++ {
		log.Notify(NotificationItem{ID: "n" + strconv.Itoa(i)})
	}
	items := log.List(0)
	if len(items) != 2 || items[0].ID != "n4" || items[1].ID != "n3" {
		t.Fatalf("expected only the two newest retained, got %v", items)
	}
}

func TestNotificationLogMarkRead(t *testing.T) {
	log := NewNotificationLog(10)
	log.Notify(NotificationItem{ID: "n1"})
	log.Notify(NotificationItem{ID: "n2"})

	if log.Unread() != 2 {
		t.Fatalf("expected 2 unread, got %d", log.Unread())
	}
	if !log.MarkRead("n1") {
		t.Fatalf("expected mark read to succeed")
	}
	if log.MarkRead("missing") {
		t.Fatalf("expected mark read of unknown id to fail")
	}
	if log.Unread() != 1 {
		t.Fatalf("expected 1 unread after mark, got %d", log.Unread())
	}
}
