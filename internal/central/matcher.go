package central

import (
	"fmt"
	"strings"
)

// MatchMode selects how a peripheral name is compared with the target.
type MatchMode string

const (
	MatchSubstring MatchMode = "substring"
	MatchExact     MatchMode = "exact"
	MatchPrefix    MatchMode = "prefix"
)

// NameMatcher decides whether an advertised name selects a peripheral.
// The zero value is a case-sensitive substring match.
type NameMatcher struct {
	Mode       MatchMode
	IgnoreCase bool
}

// ParseMatchMode accepts the configuration spelling of a mode. Empty means substring.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchSubstring:
		return MatchSubstring, nil
	case MatchExact:
		return MatchExact, nil
	case MatchPrefix:
		return MatchPrefix, nil
	default:
		return "", fmt.Errorf("unknown name match mode %q (want substring, exact or prefix)", s)
	}
}

// Match reports whether name selects target. An empty name never matches.
func (m NameMatcher) Match(name, target string) bool {
	if name == "" {
		return false
	}
	if m.IgnoreCase {
		name, target = strings.ToLower(name), strings.ToLower(target)
	}
	switch m.Mode {
	case MatchExact:
		return name == target
	case MatchPrefix:
		return strings.HasPrefix(name, target)
	default:
		return strings.Contains(name, target)
	}
}

func (m NameMatcher) String() string {
	mode := m.Mode
	if mode == "" {
		mode = MatchSubstring
	}
	if m.IgnoreCase {
		return string(mode) + " (ignore case)"
	}
	return string(mode)
}
