package service

import (
	"strings"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/remoteconfig"
)

// shouldTrigger reports whether storing msg should expedite an upload.
// Push receipts always do; otherwise a listed type-name hash or one fully
// matching field pattern is enough. Patterns are alternatives: a message
// does not have to match all of them.
func shouldTrigger(msg model.Message, snap *remoteconfig.Snapshot) bool {
	if msg.Type == model.TypePushReceived {
		return true
	}
	if snap == nil {
		return false
	}
	for _, pattern := range snap.TriggerMatches {
		if matchesPattern(msg, pattern) {
			return true
		}
	}
	return snap.TriggerHashCount() > 0 && snap.HasTriggerHash(msg.TypeNameHash())
}

// matchesPattern requires every key of pattern to be present in msg with
// an equal value.
func matchesPattern(msg model.Message, pattern map[string]model.Value) bool {
	if len(pattern) == 0 {
		return false
	}
	for key, expected := range pattern {
		actual, ok := msg.Lookup(key)
		if !ok || !valuesMatch(actual, expected) {
			return false
		}
	}
	return true
}

// valuesMatch compares as strings ignoring case, then as booleans, then
// as numbers. The first comparison both sides support decides.
func valuesMatch(actual, expected model.Value) bool {
	if a, ok := actual.AsString(); ok {
		if e, ok := expected.AsString(); ok {
			return strings.EqualFold(a, e)
		}
	}
	if a, ok := actual.AsBool(); ok {
		if e, ok := expected.AsBool(); ok {
			return a == e
		}
	}
	if a, ok := actual.AsNumber(); ok {
		if e, ok := expected.AsNumber(); ok {
			return a == e
		}
	}
	return false
}
