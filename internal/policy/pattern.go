package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// PatternType describes how a pattern string is interpreted when matching
// destinations.
type PatternType string

const (
	PatternExact    PatternType = "exact"
	PatternWildcard PatternType = "wildcard"
	PatternRegex    PatternType = "regex"
)

// PatternSource records where a pattern came from.
const (
	SourceAuto     = "auto"
	SourceUser     = "user"
	SourceApproved = "approved"
)

// MCPSource returns the source tag for a pattern seeded by an MCP tool.
func MCPSource(name string) string {
	return "mcp:" + name
}

// Pattern is a single egress allowlist rule.
type Pattern struct {
	ID      string      `json:"id" yaml:"id"`
	Pattern string      `json:"pattern" yaml:"pattern"`
	Type    PatternType `json:"pattern_type" yaml:"pattern_type"`
	Source  string      `json:"source" yaml:"source"`
	AddedAt time.Time   `json:"added_at" yaml:"added_at"`

	compiled *regexp.Regexp
}

// Validate checks the pattern at add-time. A regex that does not compile is
// rejected rather than silently coerced.
func (p *Pattern) Validate() error {
	if strings.TrimSpace(p.Pattern) == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	switch p.Type {
	case PatternExact, PatternWildcard:
		return nil
	case PatternRegex:
		_, err := p.regex()
		if err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", p.Pattern, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown pattern type %q", p.Type)
	}
}

func (p *Pattern) regex() (*regexp.Regexp, error) {
	if p.compiled != nil {
		return p.compiled, nil
	}
	expr := strings.TrimPrefix(p.Pattern, "regex:")
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, err
	}
	p.compiled = re
	return re, nil
}

// Matches reports whether the pattern matches the given destination URL or
// bare host.
func (p *Pattern) Matches(rawURL string) bool {
	host := hostOf(rawURL)
	switch p.Type {
	case PatternExact:
		if host == strings.ToLower(p.Pattern) {
			return true
		}
		// Host-prefixed path form: "example.com/api" matches
		// "example.com/api" and "example.com/api/x" but not
		// "example.com/apix".
		candidate := stripScheme(rawURL)
		target := strings.ToLower(p.Pattern)
		if strings.EqualFold(candidate, target) {
			return true
		}
		return strings.HasPrefix(strings.ToLower(candidate), target+"/")
	case PatternWildcard:
		for _, candidate := range wildcardCandidates(rawURL, host) {
			if globMatch(strings.ToLower(p.Pattern), candidate) {
				return true
			}
		}
		return false
	case PatternRegex:
		re, err := p.regex()
		if err != nil {
			return false
		}
		return re.MatchString(rawURL) || re.MatchString(host)
	default:
		return false
	}
}

// hostOf extracts the lowercase hostname (without port) from a URL or bare
// host string.
func hostOf(rawURL string) string {
	s := stripScheme(rawURL)
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, ok := splitHostPort(s); ok {
		s = h
	}
	return strings.ToLower(s)
}

func stripScheme(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		rest := u.Host + u.Path
		if u.RawQuery != "" {
			rest += "?" + u.RawQuery
		}
		return rest
	}
	if i := strings.Index(rawURL, "://"); i >= 0 {
		return rawURL[i+3:]
	}
	return rawURL
}

func splitHostPort(s string) (host, port string, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, "", false
	}
	port = s[i+1:]
	if port == "" {
		return s, "", false
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return s, "", false
		}
	}
	return s[:i], port, true
}

// wildcardCandidates returns the candidate strings a wildcard pattern is
// tried against: bare host, host:port, and the full URL without scheme.
func wildcardCandidates(rawURL, host string) []string {
	full := strings.ToLower(stripScheme(rawURL))
	hostPort := full
	if i := strings.IndexAny(hostPort, "/?#"); i >= 0 {
		hostPort = hostPort[:i]
	}
	out := []string{host}
	if hostPort != host {
		out = append(out, hostPort)
	}
	if full != hostPort {
		out = append(out, full)
	}
	return out
}

// globMatch matches pattern against s, where '*' matches any run of
// characters. The pattern is anchored to the whole string, so "api.*.com"
// matches "api.x.com" but not "api.x.com.evil.net".
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
