package eventbus

import "strings"

// Matcher is a compiled subscription pattern. Patterns are compiled once at
// subscribe time so the hot path (Match) is a linear walk with no regex
// engine involved.
//
// Grammar: a pattern is a dotted string whose segments are each either a
// literal token, "*" (match exactly one segment), or "**" (match zero or
// more trailing segments; only valid as the final segment).
type Matcher struct {
	pattern  string
	segments []string
	tailAny  bool // true if the last segment is "**"
}

// Compile validates pattern and returns a reusable Matcher, or
// ErrInvalidPattern if the pattern is malformed.
//
// A pattern is malformed if it is empty, contains an empty segment (leading,
// trailing, or doubled '.'), contains "**" anywhere but the last segment, or
// contains more than one "**".
func Compile(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, ErrInvalidPattern
	}

	segments := strings.Split(pattern, ".")
	tailAny := false
	for i, seg := range segments {
		switch {
		case seg == "":
			return nil, ErrInvalidPattern
		case seg == "**":
			if i != len(segments)-1 {
				return nil, ErrInvalidPattern
			}
			tailAny = true
		case seg == "*":
			// single-segment wildcard, always valid
		default:
			if !validLiteralSegment(seg) {
				return nil, ErrInvalidPattern
			}
		}
	}

	return &Matcher{pattern: pattern, segments: segments, tailAny: tailAny}, nil
}

// validLiteralSegment reports whether seg's charset is letters, digits, '_'
// or '-' — the charset spec.md §3 constrains topic segments to, which also
// bounds what a literal pattern segment may contain.
func validLiteralSegment(seg string) bool {
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			continue
		default:
			return false
		}
	}
	return true
}

// Pattern returns the original, uncompiled pattern string.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Match reports whether topic matches the compiled pattern. O(|topic| +
// |pattern|): a single pass over both segment lists.
func (m *Matcher) Match(topic string) bool {
	if topic == "" {
		return false
	}
	topicSegments := strings.Split(topic, ".")

	if m.tailAny {
		head := m.segments[:len(m.segments)-1]
		if len(topicSegments) < len(head) {
			return false
		}
		for i, seg := range head {
			if seg != "*" && seg != topicSegments[i] {
				return false
			}
		}
		return true
	}

	if len(topicSegments) != len(m.segments) {
		return false
	}
	for i, seg := range m.segments {
		if seg != "*" && seg != topicSegments[i] {
			return false
		}
	}
	return true
}

// ValidTopic reports whether topic is a non-empty, well-formed dotted
// string per spec.md §3: segments separated by '.', charset letters,
// digits, '_' and '-'.
func ValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" || !validLiteralSegment(seg) {
			return false
		}
	}
	return true
}
