package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is one inbound platform notification before normalization.
type Event struct {
	Platform Platform
	Name     string
	Payload  map[string]any
}

type PipelineStats struct {
	EventsTotal        uint64 `json:"eventsTotal"`
	StoredTotal        uint64 `json:"storedTotal"`
	DroppedTotal       uint64 `json:"droppedTotal"`
	MatchedRulesTotal  uint64 `json:"matchedRulesTotal"`
	ExecutionsTotal    uint64 `json:"executionsTotal"`
	NotificationsTotal uint64 `json:"notificationsTotal"`
}

type PipelineOptions struct {
	Mapper        *EventMapper
	Activities    ActivityStore
	Evaluator     *TriggerEvaluator
	Executor      *WorkflowExecutor
	Deduplicator  *NotificationDeduplicator
	Logger        Logger
	EventQueueLen int
	DisableWorker bool
}

// Pipeline consumes the unified event channel and drives every stage:
// store insert, trigger evaluation, workflow execution, and, for message
// events, notification dedup. Events are processed one at a time so
// per-activity side effects stay deterministic in rule order.
type Pipeline struct {
	mapper       *EventMapper
	activities   ActivityStore
	evaluator    *TriggerEvaluator
	executor     *WorkflowExecutor
	deduplicator *NotificationDeduplicator
	logger       Logger

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	eventsTotal        atomic.Uint64
	storedTotal        atomic.Uint64
	droppedTotal       atomic.Uint64
	matchedRulesTotal  atomic.Uint64
	executionsTotal    atomic.Uint64
	notificationsTotal atomic.Uint64
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	queueLen := opts.EventQueueLen
	if queueLen <= 0 {
		queueLen = 256
	}
	mapper := opts.Mapper
	if mapper == nil {
		mapper = NewEventMapper()
	}
	p := &Pipeline{
		mapper:       mapper,
		activities:   opts.Activities,
		evaluator:    opts.Evaluator,
		executor:     opts.Executor,
		deduplicator: opts.Deduplicator,
		logger:       opts.Logger,
		events:       make(chan Event, queueLen),
		closed:       make(chan struct{}),
	}
	if !opts.DisableWorker {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit hands an event to the pipeline. It reports false once the pipeline
// is closed or the queue is full; callers drop-and-log rather than block an
// ingestion path.
func (p *Pipeline) Submit(event Event) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.events <- event:
		return true
	default:
		p.droppedTotal.Add(1)
		return false
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			// Drain what already arrived before shutting down.
			for {
				select {
				case event := <-p.events:
					p.Process(context.Background(), event)
				default:
					return
				}
			}
		case event := <-p.events:
			p.Process(context.Background(), event)
		}
	}
}

// Process runs one event through every stage synchronously. Exposed so the
// polling scheduler and tests can drive the pipeline without the worker.
func (p *Pipeline) Process(ctx context.Context, event Event) Activity {
	return p.ProcessActivity(ctx, p.mapper.Map(event.Platform, event.Name, event.Payload))
}

// Map normalizes an event without running the pipeline stages.
func (p *Pipeline) Map(event Event) Activity {
	return p.mapper.Map(event.Platform, event.Name, event.Payload)
}

func (p *Pipeline) ProcessActivity(ctx context.Context, activity Activity) Activity {
	p.eventsTotal.Add(1)

	if p.activities != nil {
		stored, err := p.activities.InsertActivity(ctx, activity)
		switch {
		case err != nil:
			p.droppedTotal.Add(1)
			p.logf("activity %s not persisted: %v", activity.ID, err)
		case stored == nil:
			p.droppedTotal.Add(1)
			p.logf("activity %s refused by store", activity.ID)
		default:
			p.storedTotal.Add(1)
		}
	}

	if p.evaluator != nil {
		matched := p.evaluator.Evaluate(activity)
		p.matchedRulesTotal.Add(uint64(len(matched)))
		if p.executor != nil {
			for _, rule := range matched {
				execution, err := p.executor.Execute(ctx, rule, activity)
				if err != nil {
					p.logf("execution for rule %s: %v", rule.ID, err)
					continue
				}
				p.executionsTotal.Add(1)
				if execution.Status == ExecutionFailed {
					p.logf("workflow %s failed: %s", rule.ID, execution.ErrorMessage)
				}
			}
		}
	}

	activity.Processed = true
	if p.activities != nil {
		if err := p.activities.MarkProcessed(ctx, activity.ID); err != nil {
			p.logf("mark processed %s: %v", activity.ID, err)
		}
	}

	if p.deduplicator != nil && isMessageEvent(activity) {
		if _, notified := p.deduplicator.Observe(activity.ChannelID, activity); notified {
			p.notificationsTotal.Add(1)
		}
	}
	return activity
}

func isMessageEvent(activity Activity) bool {
	if activity.ChannelID == "" {
		return false
	}
	switch activity.Platform {
	case PlatformChat, PlatformMessaging:
	default:
		return false
	}
	switch activity.EventType {
	case "message_created", "reaction_added":
		return true
	default:
		return false
	}
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		EventsTotal:        p.eventsTotal.Load(),
		StoredTotal:        p.storedTotal.Load(),
		DroppedTotal:       p.droppedTotal.Load(),
		MatchedRulesTotal:  p.matchedRulesTotal.Load(),
		ExecutionsTotal:    p.executionsTotal.Load(),
		NotificationsTotal: p.notificationsTotal.Load(),
	}
}

func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
	})
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
