package stream

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type watermarkKey struct {
	Platform Platform
	Channel  string
}

// WatermarkStore tracks the newest activity timestamp already observed per
// (platform, channel). Watermarks only move forward; a late out-of-order
// event never rewinds one.
type WatermarkStore struct {
	mu      sync.RWMutex
	seen    map[watermarkKey]time.Time
	backend WatermarkBackend
}

// WatermarkBackend persists watermarks across sessions so a restart does not
// re-notify history the previous session already observed.
type WatermarkBackend interface {
	Load() (map[string]time.Time, error)
	Save(snapshot map[string]time.Time) error
}

func NewWatermarkStore(backend WatermarkBackend) *WatermarkStore {
	s := &WatermarkStore{
		seen:    map[watermarkKey]time.Time{},
		backend: backend,
	}
	if backend != nil {
		if snapshot, err := backend.Load(); err == nil {
			for encoded, ts := range snapshot {
				if key, ok := decodeWatermarkKey(encoded); ok {
					s.seen[key] = ts
				}
			}
		}
	}
	return s
}

// Get returns the watermark and whether the channel has been observed before.
func (s *WatermarkStore) Get(platform Platform, channelID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.seen[watermarkKey{Platform: platform, Channel: channelID}]
	return ts, ok
}

// Advance moves the watermark to max(current, ts). First observation of a
// channel records the watermark even for a zero ts so the channel counts as
// seen afterward.
func (s *WatermarkStore) Advance(platform Platform, channelID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := watermarkKey{Platform: platform, Channel: channelID}
	current, ok := s.seen[key]
	if !ok || ts.After(current) {
		s.seen[key] = ts
	}
}

func (s *WatermarkStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Flush writes the current watermarks through the backend, if configured.
func (s *WatermarkStore) Flush() error {
	if s.backend == nil {
		return nil
	}
	s.mu.RLock()
	snapshot := make(map[string]time.Time, len(s.seen))
	for key, ts := range s.seen {
		snapshot[encodeWatermarkKey(key)] = ts
	}
	s.mu.RUnlock()
	return s.backend.Save(snapshot)
}

func encodeWatermarkKey(key watermarkKey) string {
	return string(key.Platform) + "|" + key.Channel
}

func decodeWatermarkKey(encoded string) (watermarkKey, bool) {
	parts := strings.SplitN(encoded, "|", 2)
	if len(parts) != 2 {
		return watermarkKey{}, false
	}
	platform, ok := ParsePlatform(parts[0])
	if !ok {
		return watermarkKey{}, false
	}
	return watermarkKey{Platform: platform, Channel: parts[1]}, true
}

type JSONFileWatermarkBackend struct {
	Path string
}

func NewJSONFileWatermarkBackend(path string) *JSONFileWatermarkBackend {
	return &JSONFileWatermarkBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileWatermarkBackend) Load() (map[string]time.Time, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot map[string]time.Time
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (b *JSONFileWatermarkBackend) Save(snapshot map[string]time.Time) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
