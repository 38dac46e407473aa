package transport

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidBindingPattern is returned for routing-key patterns a topic exchange would reject or misread.
var ErrInvalidBindingPattern = errors.New("invalid binding pattern")

// MatchTopic reports whether routingKey matches a topic-exchange binding pattern.
// Words are separated by dots; `*` matches exactly one word and `#` matches
// zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// ValidateBindingPattern checks that pattern is a well-formed binding key:
// non-empty dot-separated words, wildcards only as whole words, no whitespace.
func ValidateBindingPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidBindingPattern)
	}
	if strings.IndexFunc(pattern, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidBindingPattern, pattern)
	}
	for _, word := range strings.Split(pattern, ".") {
		switch {
		case word == "":
			return fmt.Errorf("%w: %q has an empty word", ErrInvalidBindingPattern, pattern)
		case word == "*" || word == "#":
		case strings.ContainsAny(word, "*#"):
			return fmt.Errorf("%w: %q mixes a wildcard into word %q", ErrInvalidBindingPattern, pattern, word)
		}
	}
	return nil
}

// IsWildcard reports whether pattern contains a `*` or `#` word.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*#")
}
