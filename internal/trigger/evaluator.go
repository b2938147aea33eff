// Package trigger decides whether an observed state transition should be
// reported to the collector.
package trigger

import "strings"

// Normalize lowercases a state value for comparison. Trigger matching is
// case-insensitive throughout.
func Normalize(value string) string {
	return strings.ToLower(value)
}

// NormalizeSet lowercases and trims a configured trigger-state list,
// dropping empty entries.
func NormalizeSet(states []string) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ShouldFire reports whether a transition from oldValue to newValue warrants
// an event. hasOld is false when no previous value exists (a fresh entity);
// an absent old value never equals any new value. An empty trigger set means
// every change fires.
func ShouldFire(oldValue string, hasOld bool, newValue string, triggers []string) bool {
	newNorm := Normalize(newValue)
	if hasOld && Normalize(oldValue) == newNorm {
		return false
	}
	if len(triggers) == 0 {
		return true
	}
	return contains(triggers, newNorm)
}

// Matches reports whether value is in the trigger set, with an empty set
// matching anything. Used for the initial-state check at monitor start,
// which has no previous value to compare against.
func Matches(value string, triggers []string) bool {
	if len(triggers) == 0 {
		return true
	}
	return contains(triggers, Normalize(value))
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}
