package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/ak-palla/activitysync/internal/stream"
)

// SweepPipeline is the slice of the pipeline the scheduler drives; the
// concrete stream.Pipeline satisfies it.
type SweepPipeline interface {
	Map(event stream.Event) stream.Activity
	ProcessActivity(ctx context.Context, activity stream.Activity) stream.Activity
}

type SchedulerOptions struct {
	Fetcher            ChannelFetcher
	Pipeline           SweepPipeline
	Watermarks         *stream.WatermarkStore
	Logger             stream.Logger
	FocusInterval      time.Duration
	BackgroundInterval time.Duration
}

// Scheduler is the polling fallback: fixed-interval sweeps over tracked
// channels feeding the same pipeline the realtime connection feeds. The
// focused channel and the background channels run on independent timers so
// a fast foreground refresh cannot starve background notifications.
type Scheduler struct {
	fetcher            ChannelFetcher
	pipeline           SweepPipeline
	watermarks         *stream.WatermarkStore
	logger             stream.Logger
	focusInterval      time.Duration
	backgroundInterval time.Duration

	mu       sync.Mutex
	focused  *Channel
	channels []Channel
	running  bool
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	focusInterval := opts.FocusInterval
	if focusInterval <= 0 {
		focusInterval = 5 * time.Second
	}
	backgroundInterval := opts.BackgroundInterval
	if backgroundInterval <= 0 {
		backgroundInterval = 30 * time.Second
	}
	return &Scheduler{
		fetcher:            opts.Fetcher,
		pipeline:           opts.Pipeline,
		watermarks:         opts.Watermarks,
		logger:             opts.Logger,
		focusInterval:      focusInterval,
		backgroundInterval: backgroundInterval,
	}
}

// Start begins both sweep loops. focused may be nil when no channel has
// foreground focus. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(channels []Channel, focused *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.channels = append([]Channel(nil), channels...)
	s.focused = focused
	s.done = make(chan struct{})
	s.wg.Add(2)
	go s.loop(s.focusInterval, s.focusedChannels)
	go s.loop(s.backgroundInterval, s.backgroundChannels)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done := s.done
	s.mu.Unlock()
	close(done)
	s.wg.Wait()
}

// SetFocus changes which channel the fast sweep covers.
func (s *Scheduler) SetFocus(focused *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = focused
}

func (s *Scheduler) focusedChannels() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused == nil {
		return nil
	}
	return []Channel{*s.focused}
}

func (s *Scheduler) backgroundChannels() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	var focusedID string
	if s.focused != nil {
		focusedID = s.focused.ID
	}
	channels := make([]Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		if channel.ID == focusedID {
			continue
		}
		channels = append(channels, channel)
	}
	return channels
}

func (s *Scheduler) loop(interval time.Duration, pick func() []Channel) {
	defer s.wg.Done()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Sweep(context.Background(), pick())
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Sweep(context.Background(), pick())
		}
	}
}

// Sweep polls each channel once. A failure on one channel is logged and the
// sweep continues with the rest.
func (s *Scheduler) Sweep(ctx context.Context, channels []Channel) {
	for _, channel := range channels {
		if err := s.pollChannel(ctx, channel); err != nil {
			s.logf("poll %s/%s: %v", channel.Platform, channel.ID, err)
		}
	}
}

func (s *Scheduler) pollChannel(ctx context.Context, channel Channel) error {
	since, seen := s.watermarks.Get(channel.Platform, channel.ID)
	events, err := s.fetcher.FetchSince(ctx, channel, since)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		if !seen {
			s.watermarks.Advance(channel.Platform, channel.ID, time.Time{})
		}
		return nil
	}

	activities := make([]stream.Activity, 0, len(events))
	newest := since
	for _, event := range events {
		activity := s.pipeline.Map(event)
		if activity.ChannelID == "" {
			activity.ChannelID = channel.ID
		}
		if activity.Timestamp.After(newest) {
			newest = activity.Timestamp
		}
		activities = append(activities, activity)
	}
	if !seen {
		// First poll of this channel: establish the watermark before
		// processing so the whole cycle is suppressed as history, not news.
		s.watermarks.Advance(channel.Platform, channel.ID, newest)
	}
	for _, activity := range activities {
		s.pipeline.ProcessActivity(ctx, activity)
	}
	s.watermarks.Advance(channel.Platform, channel.ID, newest)
	return nil
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
