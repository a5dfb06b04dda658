package stream

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ActivityFilters narrows QueryActivities results. Zero values match all.
type ActivityFilters struct {
	Platform  Platform
	EventType string
	ChannelID string
	UserID    string
	Processed *bool
}

// ActivityStore is the durable-store gateway the pipeline writes through.
// InsertActivity returning (nil, nil) signals the store refused the record
// without a transport error.
type ActivityStore interface {
	InsertActivity(ctx context.Context, activity Activity) (*Activity, error)
	QueryActivities(ctx context.Context, filters ActivityFilters, limit, offset int) ([]Activity, error)
	MarkProcessed(ctx context.Context, activityID string) error
}

type RuleSource interface {
	ListEnabledRules(platform Platform, eventType string) []TriggerRule
}

type ExecutionStore interface {
	InsertExecution(ctx context.Context, execution WorkflowExecution) error
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, fields ExecutionUpdate) error
}

// ExecutionUpdate carries the terminal fields of a status transition.
type ExecutionUpdate struct {
	Result       map[string]any
	ErrorMessage string
	DurationMs   int64
}

// ActionExecutor runs the automation attached to a matched rule. It is an
// external collaborator; timeout policy is its own responsibility.
type ActionExecutor interface {
	Execute(ctx context.Context, actionConfig map[string]any, activity Activity) (map[string]any, error)
}

type MemoryStore struct {
	mu         sync.RWMutex
	activities []Activity
	executions map[string]WorkflowExecution
	execOrder  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: map[string]WorkflowExecution{}}
}

func (s *MemoryStore) InsertActivity(ctx context.Context, activity Activity) (*Activity, error) {
	if strings.TrimSpace(activity.ID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, activity)
	stored := activity
	return &stored, nil
}

func (s *MemoryStore) QueryActivities(ctx context.Context, filters ActivityFilters, limit, offset int) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]Activity, 0, len(s.activities))
	for _, activity := range s.activities {
		if !matchesFilters(activity, filters) {
			continue
		}
		matched = append(matched, activity)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if offset >= len(matched) {
		return []Activity{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.activities {
		if s.activities[i].ID == activityID {
			s.activities[i].Processed = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) InsertExecution(ctx context.Context, execution WorkflowExecution) error {
	if strings.TrimSpace(execution.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; !exists {
		s.execOrder = append(s.execOrder, execution.ID)
	}
	s.executions[execution.ID] = execution
	return nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, fields ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	execution.Status = status
	if fields.Result != nil {
		execution.Result = fields.Result
	}
	if fields.ErrorMessage != "" {
		execution.ErrorMessage = fields.ErrorMessage
	}
	if fields.DurationMs > 0 {
		execution.DurationMs = fields.DurationMs
	}
	s.executions[id] = execution
	return nil
}

// RecentExecutions returns up to limit executions, newest insertion first.
func (s *MemoryStore) RecentExecutions(limit int) []WorkflowExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]WorkflowExecution, 0, len(s.execOrder))
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		result = append(result, s.executions[s.execOrder[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

func matchesFilters(activity Activity, filters ActivityFilters) bool {
	if filters.Platform != "" && activity.Platform != filters.Platform {
		return false
	}
	if filters.EventType != "" && activity.EventType != filters.EventType {
		return false
	}
	if filters.ChannelID != "" && activity.ChannelID != filters.ChannelID {
		return false
	}
	if filters.UserID != "" && activity.UserID != filters.UserID {
		return false
	}
	if filters.Processed != nil && activity.Processed != *filters.Processed {
		return false
	}
	return true
}
