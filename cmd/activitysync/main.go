package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ak-palla/activitysync/internal/httpapi"
	"github.com/ak-palla/activitysync/internal/realtime"
	"github.com/ak-palla/activitysync/internal/stream"
)

type modeTracker struct {
	mu   sync.Mutex
	mode string
}

func (t *modeTracker) Set(mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
}

func (t *modeTracker) Get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == "" {
		return "disconnected"
	}
	return t.mode
}

func main() {
	logger := log.Default()
	addr := os.Getenv("ACTIVITYSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	activities, executions, lister, postgresRules, closeStores, err := buildStoresFromEnv(logger)
	if err != nil {
		log.Fatalf("failed to initialize stores: %v", err)
	}
	defer closeStores()

	rules, closeRules, err := buildRuleSourceFromEnv(postgresRules, logger)
	if err != nil {
		log.Fatalf("failed to load trigger rules: %v", err)
	}
	defer closeRules()

	watermarks := stream.NewWatermarkStore(watermarkBackendFromEnv())
	cache := stream.NewLookupCache(durationEnv("ACTIVITYSYNC_CACHE_TTL", 0))
	cache.SetCurrentUsername(os.Getenv("ACTIVITYSYNC_CURRENT_USER"))

	notifications := stream.NewNotificationLog(intEnv("ACTIVITYSYNC_NOTIFICATION_BUFFER", 0))
	dedup := stream.NewNotificationDeduplicator(watermarks, notifications, cache, os.Getenv("ACTIVITYSYNC_CURRENT_USER"))

	pipeline := stream.NewPipeline(stream.PipelineOptions{
		Activities:    activities,
		Evaluator:     stream.NewTriggerEvaluator(rules, logger),
		Executor:      stream.NewWorkflowExecutor(executions, buildActionExecutorFromEnv(logger), logger),
		Deduplicator:  dedup,
		Logger:        logger,
		EventQueueLen: intEnv("ACTIVITYSYNC_EVENT_QUEUE_LEN", 0),
	})
	defer pipeline.Close()

	typing := realtime.NewTypingTracker(durationEnv("ACTIVITYSYNC_TYPING_EXPIRY", 0))
	defer typing.Close()

	mode := &modeTracker{}
	platform := platformFromEnv()
	manager := realtime.NewManager(realtime.ManagerOptions{
		Platform:    platform,
		URL:         os.Getenv("ACTIVITYSYNC_REALTIME_URL"),
		ProbeURL:    os.Getenv("ACTIVITYSYNC_PROBE_URL"),
		Token:       os.Getenv("ACTIVITYSYNC_PLATFORM_TOKEN"),
		Sink:        pipeline,
		Typing:      typing,
		Logger:      logger,
		MaxAttempts: intEnv("ACTIVITYSYNC_MAX_RECONNECT_ATTEMPTS", 0),
		BaseBackoff: durationEnv("ACTIVITYSYNC_RECONNECT_BACKOFF", 0),
		OnStateChange: func(state realtime.ConnState) {
			if state == realtime.StateConnected {
				mode.Set("realtime")
			}
		},
	})

	scheduler := realtime.NewScheduler(realtime.SchedulerOptions{
		Fetcher: realtime.NewRESTClient(realtime.RESTClientOptions{
			BaseURL: os.Getenv("ACTIVITYSYNC_PLATFORM_API_URL"),
			Token:   os.Getenv("ACTIVITYSYNC_PLATFORM_TOKEN"),
		}),
		Pipeline:           pipeline,
		Watermarks:         watermarks,
		Logger:             logger,
		FocusInterval:      durationEnv("ACTIVITYSYNC_POLL_INTERVAL", 0),
		BackgroundInterval: durationEnv("ACTIVITYSYNC_BACKGROUND_POLL_INTERVAL", 0),
	})
	defer scheduler.Stop()

	channels, focused := channelsFromEnv(platform)
	startPolling := func() {
		mode.Set("polling")
		scheduler.Start(channels, focused)
	}

	realtimeURL := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_REALTIME_URL"))
	if realtimeURL == "" {
		logger.Printf("no realtime url configured; running in polling mode")
		startPolling()
	} else {
		go func() {
			for _, channel := range channels {
				if err := manager.Subscribe(ctx, channel.ID); err != nil {
					logger.Printf("subscribe %s: %v", channel.ID, err)
				}
			}
			if err := manager.Connect(ctx); err != nil {
				if stream.IsAuthError(err) {
					logger.Printf("realtime credential rejected, re-authentication required: %v", err)
					stop()
					return
				}
				logger.Printf("realtime unavailable: %v", err)
			}
		}()
		go func() {
			select {
			case <-manager.FallbackC():
				logger.Printf("realtime exhausted, switching to polling")
				startPolling()
			case <-ctx.Done():
			}
		}()
		defer manager.Disconnect()
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Pipeline:      pipeline,
			Connection:    manager,
			Mode:          mode.Get,
			Notifications: notifications,
			Executions:    lister,
			Watermarks:    watermarks,
		}, httpapi.ServerConfig{
			Token:           os.Getenv("ACTIVITYSYNC_API_TOKEN"),
			RateLimitMax:    intEnv("ACTIVITYSYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("ACTIVITYSYNC_RATE_LIMIT_WINDOW", time.Minute),
		}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("activitysync listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	if err := watermarks.Flush(); err != nil {
		logger.Printf("watermark flush failed: %v", err)
	}
}

func buildStoresFromEnv(logger stream.Logger) (stream.ActivityStore, stream.ExecutionStore, httpapi.ExecutionLister, stream.RuleSource, func(), error) {
	dsn := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_POSTGRES_DSN"))
	if dsn != "" {
		store, err := stream.NewPostgresStore(dsn, logger)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return store, store, store, store, func() { _ = store.Close() }, nil
	}
	if apiURL := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_ACTIVITY_API_URL")); apiURL != "" {
		client := stream.NewHTTPActivityStore(stream.HTTPActivityStoreOptions{
			BaseURL: apiURL,
			Token:   os.Getenv("ACTIVITYSYNC_ACTIVITY_API_TOKEN"),
		})
		memory := stream.NewMemoryStore()
		return client, memory, memory, nil, func() {}, nil
	}
	memory := stream.NewMemoryStore()
	return memory, memory, memory, nil, func() {}, nil
}

func buildRuleSourceFromEnv(postgresRules stream.RuleSource, logger stream.Logger) (stream.RuleSource, func(), error) {
	rulesFile := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_RULES_FILE"))
	if rulesFile != "" {
		source, err := stream.NewFileRuleSource(rulesFile, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := source.Watch(); err != nil {
			source.Close()
			return nil, nil, err
		}
		return source, source.Close, nil
	}
	if postgresRules != nil {
		return postgresRules, func() {}, nil
	}
	return stream.NewStaticRuleSource(nil), func() {}, nil
}

func buildActionExecutorFromEnv(logger stream.Logger) stream.ActionExecutor {
	executorURL := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_ACTION_EXECUTOR_URL"))
	if executorURL == "" {
		return &stream.LogActionExecutor{Logger: logger}
	}
	return stream.NewHTTPActionExecutor(executorURL, os.Getenv("ACTIVITYSYNC_ACTION_EXECUTOR_TOKEN"), nil)
}

func watermarkBackendFromEnv() stream.WatermarkBackend {
	stateFile := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_STATE_FILE"))
	if stateFile == "" {
		return nil
	}
	return stream.NewJSONFileWatermarkBackend(stateFile)
}

func platformFromEnv() stream.Platform {
	platform, ok := stream.ParsePlatform(os.Getenv("ACTIVITYSYNC_PLATFORM"))
	if !ok {
		return stream.PlatformChat
	}
	return platform
}

func channelsFromEnv(platform stream.Platform) ([]realtime.Channel, *realtime.Channel) {
	var channels []realtime.Channel
	for _, id := range strings.Split(os.Getenv("ACTIVITYSYNC_CHANNELS"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		channels = append(channels, realtime.Channel{Platform: platform, ID: id})
	}
	var focused *realtime.Channel
	if focusID := strings.TrimSpace(os.Getenv("ACTIVITYSYNC_FOCUS_CHANNEL")); focusID != "" {
		focused = &realtime.Channel{Platform: platform, ID: focusID}
	}
	return channels, focused
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
