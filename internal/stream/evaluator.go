package stream

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

type predicateKind int

const (
	predicateUserID predicateKind = iota
	predicateChannelID
	predicateContainsText
	predicateUserMention
	predicateKeyword
	predicateFieldEquality
)

func predicateKindFor(conditionKey string) predicateKind {
	switch conditionKey {
	case "user_id":
		return predicateUserID
	case "channel_id":
		return predicateChannelID
	case "contains_text":
		return predicateContainsText
	case "user_mention":
		return predicateUserMention
	case "keyword":
		return predicateKeyword
	default:
		return predicateFieldEquality
	}
}

// TriggerEvaluator selects the enabled rules whose platform and event type
// equal the activity's, then evaluates each rule's condition set as a
// conjunction. A rule whose condition cannot be evaluated is treated as not
// matched; other rules are unaffected.
type TriggerEvaluator struct {
	rules  RuleSource
	logger Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

func NewTriggerEvaluator(rules RuleSource, logger Logger) *TriggerEvaluator {
	return &TriggerEvaluator{rules: rules, logger: logger}
}

func (e *TriggerEvaluator) Evaluate(activity Activity) []TriggerRule {
	candidates := e.rules.ListEnabledRules(activity.Platform, activity.EventType)
	matched := make([]TriggerRule, 0, len(candidates))
	for _, rule := range candidates {
		ok, err := ruleMatches(rule, activity)
		if err != nil {
			e.logf("rule %s skipped: %v", rule.ID, err)
			continue
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	return matched
}

// ruleMatches recovers from condition panics so one bad rule cannot take
// down the pipeline worker.
func ruleMatches(rule TriggerRule, activity Activity) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("condition evaluation: %v", r)
		}
	}()
	for key, expected := range rule.Conditions {
		ok, err := evalPredicate(predicateKindFor(key), key, expected, activity)
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalPredicate(kind predicateKind, key string, expected any, activity Activity) (bool, error) {
	switch kind {
	case predicateUserID:
		want, err := expectString(expected)
		if err != nil {
			return false, err
		}
		return activity.UserID == want, nil
	case predicateChannelID:
		want, err := expectString(expected)
		if err != nil {
			return false, err
		}
		return activity.ChannelID == want, nil
	case predicateContainsText:
		want, err := expectString(expected)
		if err != nil {
			return false, err
		}
		serialized, err := json.Marshal(activity.Payload)
		if err != nil {
			return false, err
		}
		return containsFold(string(serialized), want), nil
	case predicateUserMention:
		want, err := expectString(expected)
		if err != nil {
			return false, err
		}
		mentions := toList(activity.Payload["mentions"])
		if mentions == nil {
			return false, fmt.Errorf("payload has no mentions list")
		}
		for _, mention := range mentions {
			if toString(mention) == want {
				return true, nil
			}
		}
		return false, nil
	case predicateKeyword:
		want, err := expectString(expected)
		if err != nil {
			return false, err
		}
		text := messageText(activity.Payload)
		if text == "" {
			return false, fmt.Errorf("payload has no message text")
		}
		return containsFold(text, want), nil
	case predicateFieldEquality:
		value, ok := activity.Payload[key]
		if !ok {
			return false, fmt.Errorf("payload field %q missing", key)
		}
		return equalLoose(value, expected), nil
	}
	return false, fmt.Errorf("unknown predicate kind %d", kind)
}

func messageText(payload map[string]any) string {
	if text := toString(payload["message"]); text != "" {
		return text
	}
	return toString(payload["text"])
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func expectString(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("expected string condition, got %T", raw)
	}
	return s, nil
}

// equalLoose compares payload values against condition values across the
// numeric representations JSON decoding produces.
func equalLoose(value, expected any) bool {
	// == on interface values with map or slice dynamic types panics.
	if isComparable(value) && isComparable(expected) && value == expected {
		return true
	}
	vn, vok := asFloat(value)
	en, eok := asFloat(expected)
	if vok && eok {
		return vn == en
	}
	return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", expected)
}

func isComparable(raw any) bool {
	if raw == nil {
		return true
	}
	return reflect.TypeOf(raw).Comparable()
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (e *TriggerEvaluator) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
