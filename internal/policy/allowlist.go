package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicatePattern is returned when a (pattern, type) pair already exists
// in either list.
var ErrDuplicatePattern = errors.New("duplicate pattern")

// Allowlist holds the egress rules for one sandbox instance. The user list
// is the persisted part; the auto list is rebuilt for every run and never
// written back.
type Allowlist struct {
	User []Pattern `json:"user" yaml:"user"`
	Auto []Pattern `json:"auto" yaml:"auto"`
}

// Matches returns the first pattern matching the destination, trying the
// user list before the auto list, each in insertion order. Returns nil when
// nothing matches.
func (a *Allowlist) Matches(rawURL string) *Pattern {
	for i := range a.User {
		if a.User[i].Matches(rawURL) {
			return &a.User[i]
		}
	}
	for i := range a.Auto {
		if a.Auto[i].Matches(rawURL) {
			return &a.Auto[i]
		}
	}
	return nil
}

// AddUser validates and appends a persisted pattern. Duplicate
// (pattern, type) pairs are rejected across both lists.
func (a *Allowlist) AddUser(pattern string, typ PatternType, source string) (*Pattern, error) {
	return a.add(&a.User, pattern, typ, source)
}

// AddAuto validates and appends an ephemeral pattern.
func (a *Allowlist) AddAuto(pattern string, typ PatternType, source string) (*Pattern, error) {
	return a.add(&a.Auto, pattern, typ, source)
}

func (a *Allowlist) add(list *[]Pattern, pattern string, typ PatternType, source string) (*Pattern, error) {
	p := Pattern{
		ID:      uuid.NewString()[:8],
		Pattern: pattern,
		Type:    typ,
		Source:  source,
		AddedAt: time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if a.contains(pattern, typ) {
		return nil, fmt.Errorf("%w: %q (%s)", ErrDuplicatePattern, pattern, typ)
	}
	*list = append(*list, p)
	return &(*list)[len(*list)-1], nil
}

// RemoveUser deletes a persisted pattern by id. Returns false when the id is
// unknown.
func (a *Allowlist) RemoveUser(id string) bool {
	for i := range a.User {
		if a.User[i].ID == id {
			a.User = append(a.User[:i], a.User[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Allowlist) contains(pattern string, typ PatternType) bool {
	for i := range a.User {
		if a.User[i].Pattern == pattern && a.User[i].Type == typ {
			return true
		}
	}
	for i := range a.Auto {
		if a.Auto[i].Pattern == pattern && a.Auto[i].Type == typ {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; compiled regexes are not shared.
func (a *Allowlist) Clone() *Allowlist {
	out := &Allowlist{
		User: make([]Pattern, len(a.User)),
		Auto: make([]Pattern, len(a.Auto)),
	}
	for i, p := range a.User {
		p.compiled = nil
		out.User[i] = p
	}
	for i, p := range a.Auto {
		p.compiled = nil
		out.Auto[i] = p
	}
	return out
}

// requiredEgress is the static set of destinations every sandbox needs
// regardless of user policy: model API hosts, package registries, source
// hosting, and the gateway's own webhook callback host.
var requiredEgress = []struct {
	pattern string
	typ     PatternType
}{
	{"api.anthropic.com", PatternExact},
	{"api.openai.com", PatternExact},
	{"generativelanguage.googleapis.com", PatternExact},
	{"pypi.org", PatternExact},
	{"files.pythonhosted.org", PatternExact},
	{"registry.npmjs.org", PatternExact},
	{"proxy.golang.org", PatternExact},
	{"github.com", PatternExact},
	{"*.githubusercontent.com", PatternWildcard},
}

// WithDefaults returns a copy of the allowlist whose auto list includes the
// static required-egress set plus the gateway's webhook callback host. The
// copy is regenerated per start and never persisted.
func (a *Allowlist) WithDefaults(callbackHost string) *Allowlist {
	out := a.Clone()
	for _, d := range requiredEgress {
		_, _ = out.AddAuto(d.pattern, d.typ, SourceAuto)
	}
	if callbackHost != "" {
		_, _ = out.AddAuto(callbackHost, PatternExact, SourceAuto)
	}
	return out
}
