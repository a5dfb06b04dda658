package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const ruleFileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "platform", "eventType"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "platform": {"enum": ["chat", "board", "messaging"]},
          "eventType": {"type": "string", "minLength": 1},
          "enabled": {"type": "boolean"},
          "conditions": {"type": "object"},
          "actionConfig": {"type": "object"}
        }
      }
    }
  }
}`

// StaticRuleSource serves a fixed rule set; used by tests and as the swap
// target of the file source.
type StaticRuleSource struct {
	mu    sync.RWMutex
	rules []TriggerRule
}

func NewStaticRuleSource(rules []TriggerRule) *StaticRuleSource {
	return &StaticRuleSource{rules: rules}
}

func (s *StaticRuleSource) Replace(rules []TriggerRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

func (s *StaticRuleSource) ListEnabledRules(platform Platform, eventType string) []TriggerRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]TriggerRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Enabled && rule.Platform == platform && rule.EventType == eventType {
			matched = append(matched, rule)
		}
	}
	return matched
}

type ruleFileDocument struct {
	Rules []TriggerRule `json:"rules"`
}

// FileRuleSource loads trigger rules from a JSON file validated against an
// embedded schema. The file is re-read on filesystem writes; a reload that
// fails validation keeps the previous rule set.
type FileRuleSource struct {
	path    string
	schema  *jsonschema.Schema
	current *StaticRuleSource
	logger  Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	closeWG sync.WaitGroup
	once    sync.Once
}

func NewFileRuleSource(path string, logger Logger) (*FileRuleSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	schema, err := compileRuleSchema()
	if err != nil {
		return nil, err
	}
	s := &FileRuleSource{
		path:    path,
		schema:  schema,
		current: NewStaticRuleSource(nil),
		logger:  logger,
		done:    make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts the fsnotify reload loop. Safe to skip in tests that drive
// reloads directly.
func (s *FileRuleSource) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	s.closeWG.Add(1)
	go s.watchLoop()
	return nil
}

func (s *FileRuleSource) watchLoop() {
	defer s.closeWG.Done()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.logf("rule file reload failed, keeping previous rules: %v", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logf("rule file watcher: %v", err)
		}
	}
}

func (s *FileRuleSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	rules, err := parseRuleFile(s.schema, data)
	if err != nil {
		return err
	}
	s.current.Replace(rules)
	return nil
}

func (s *FileRuleSource) ListEnabledRules(platform Platform, eventType string) []TriggerRule {
	return s.current.ListEnabledRules(platform, eventType)
}

func (s *FileRuleSource) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.closeWG.Wait()
	})
}

func (s *FileRuleSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func compileRuleSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ruleFileSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rules.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("rules.json")
}

func parseRuleFile(schema *jsonschema.Schema, data []byte) ([]TriggerRule, error) {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("rule file is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("rule file rejected: %w", err)
	}
	var doc ruleFileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for i := range doc.Rules {
		platform, ok := ParsePlatform(string(doc.Rules[i].Platform))
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown platform %q", doc.Rules[i].ID, doc.Rules[i].Platform)
		}
		doc.Rules[i].Platform = platform
	}
	return doc.Rules, nil
}
