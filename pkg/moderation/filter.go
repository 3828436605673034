// Package moderation screens inbound messages and agent replies against
// blocked keywords and patterns.
package moderation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBlocked is wrapped by every rejection.
var ErrBlocked = errors.New("content blocked")

// WithheldText replaces a reply that failed the filter.
const WithheldText = "[response withheld by content filter]"

// Config lists what the filter rejects. Keywords match case-insensitively
// as substrings; patterns are Go regular expressions.
type Config struct {
	BlockedKeywords []string
	BlockedPatterns []string
}

// ContentFilter checks content against configured keywords and patterns.
// A nil filter allows everything.
type ContentFilter struct {
	keywords []string
	patterns []*regexp.Regexp
}

// New compiles cfg. It returns nil when cfg blocks nothing.
func New(cfg Config) (*ContentFilter, error) {
	if len(cfg.BlockedKeywords) == 0 && len(cfg.BlockedPatterns) == 0 {
		return nil, nil
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(cfg.BlockedKeywords))
	for _, kw := range cfg.BlockedKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return &ContentFilter{keywords: keywords, patterns: patterns}, nil
}

// Check returns an error wrapping ErrBlocked when text contains blocked
// content.
func (f *ContentFilter) Check(text string) error {
	if f == nil {
		return nil
	}

	normalized := strings.ToLower(text)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return fmt.Errorf("%w: keyword %q", ErrBlocked, kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(text) {
			return fmt.Errorf("%w: pattern #%d", ErrBlocked, i+1)
		}
	}
	return nil
}
