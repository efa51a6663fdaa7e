package events

import (
	"fmt"
	"strings"
)

// Topics are dot-separated tokens. In patterns "*" matches exactly one
// token and a trailing ">" matches one or more tokens.
const (
	tokenWildcard = "*"
	tokenTail     = ">"
)

func splitTopic(topic string) []string {
	return strings.Split(topic, ".")
}

// ValidateTopic checks a concrete topic (no wildcards).
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	for _, tok := range splitTopic(topic) {
		if tok == "" {
			return fmt.Errorf("%w: empty token in %q", ErrInvalidTopic, topic)
		}
		if tok == tokenWildcard || tok == tokenTail {
			return fmt.Errorf("%w: wildcard in topic %q", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidTopic)
	}
	toks := splitTopic(pattern)
	for i, tok := range toks {
		if tok == "" {
			return fmt.Errorf("%w: empty token in %q", ErrInvalidTopic, pattern)
		}
		if tok == tokenTail && i != len(toks)-1 {
			return fmt.Errorf("%w: %q must be the last token in %q", ErrInvalidTopic, tokenTail, pattern)
		}
	}
	return nil
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	return matchTokens(splitTopic(pattern), splitTopic(topic))
}

func matchTokens(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == tokenTail {
			return len(topic) > i
		}
		if i >= len(topic) {
			return false
		}
		if p != tokenWildcard && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
