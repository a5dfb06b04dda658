package stream

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatermarkAdvanceIsMonotonic(t *testing.T) {
	store := NewWatermarkStore(nil)
	store.Advance(PlatformChat, "c1", time.Unix(100, 0))
	store.Advance(PlatformChat, "c1", time.Unix(90, 0))
	ts, ok := store.Get(PlatformChat, "c1")
	if !ok {
		t.Fatalf("expected channel to be seen")
	}
	if !ts.Equal(time.Unix(100, 0)) {
		t.Fatalf("expected watermark 100, got %v", ts.Unix())
	}
}

func TestWatermarkChannelsAreIndependent(t *testing.T) {
	store := NewWatermarkStore(nil)
	store.Advance(PlatformChat, "c1", time.Unix(100, 0))
	store.Advance(PlatformBoard, "c1", time.Unix(50, 0))
	if ts, _ := store.Get(PlatformBoard, "c1"); !ts.Equal(time.Unix(50, 0)) {
		t.Fatalf("expected per-platform watermark, got %v", ts.Unix())
	}
	if _, ok := store.Get(PlatformMessaging, "c1"); ok {
		t.Fatalf("expected unseen platform to report unseen")
	}
	if store.Count() != 2 {
		t.Fatalf("expected 2 tracked channels, got %d", store.Count())
	}
}

func TestWatermarkZeroTimestampMarksSeen(t *testing.T) {
	store := NewWatermarkStore(nil)
	store.Advance(PlatformChat, "c1", time.Time{})
	if _, ok := store.Get(PlatformChat, "c1"); !ok {
		t.Fatalf("expected zero timestamp to still mark the channel seen")
	}
}

func TestWatermarkFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "watermarks.json")
	backend := NewJSONFileWatermarkBackend(path)

	store := NewWatermarkStore(backend)
	store.Advance(PlatformChat, "c1", time.Unix(100, 0).UTC())
	store.Advance(PlatformMessaging, "room_1", time.Unix(200, 0).UTC())
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded := NewWatermarkStore(backend)
	ts, ok := reloaded.Get(PlatformChat, "c1")
	if !ok || !ts.Equal(time.Unix(100, 0)) {
		t.Fatalf("expected reloaded watermark 100, got %v ok=%v", ts, ok)
	}
	if reloaded.Count() != 2 {
		t.Fatalf("expected 2 reloaded channels, got %d", reloaded.Count())
	}
}

func TestWatermarkBackendMissingFile(t *testing.T) {
	backend := NewJSONFileWatermarkBackend(filepath.Join(t.TempDir(), "missing.json"))
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("expected missing file to be tolerated, got %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected empty snapshot, got %v", snapshot)
	}
}
