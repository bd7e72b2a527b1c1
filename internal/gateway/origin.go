package gateway

import (
	"log/slog"
	"net/url"
	"strings"
)

// originSet is the normalized allow-list an upgrade request's Origin
// header is checked against.
type originSet struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginSet(origins []string, logger *slog.Logger) *originSet {
	s := &originSet{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			s.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		s.allowed[normalized] = struct{}{}
	}
	return s
}

func (s *originSet) allows(header string) bool {
	if s.allowAll {
		return true
	}
	if header == "" {
		return false
	}
	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	_, exists := s.allowed[normalized]
	return exists
}

// normalizeOrigin reduces an origin to lowercase scheme://host so
// comparisons ignore case and trailing paths.
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
