package policy

import (
	"testing"
)

func TestAllowlistUserPrecedesAuto(t *testing.T) {
	a := &Allowlist{}
	if _, err := a.AddAuto("example.com", PatternExact, SourceAuto); err != nil {
		t.Fatalf("AddAuto() error = %v", err)
	}
	if _, err := a.AddUser("*.com", PatternWildcard, SourceUser); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}

	m := a.Matches("https://example.com/x")
	if m == nil {
		t.Fatalf("Matches() = nil, want user pattern")
	}
	if m.Source != SourceUser {
		t.Fatalf("Matches() source = %q, want user precedence", m.Source)
	}
}

func TestAllowlistRejectsDuplicates(t *testing.T) {
	a := &Allowlist{}
	if _, err := a.AddUser("example.com", PatternExact, SourceUser); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if _, err := a.AddUser("example.com", PatternExact, SourceApproved); err == nil {
		t.Fatalf("AddUser() accepted duplicate (pattern, type) pair")
	}
	// Same pattern with a different type is a distinct rule.
	if _, err := a.AddUser("example.com", PatternWildcard, SourceUser); err != nil {
		t.Fatalf("AddUser() with different type error = %v", err)
	}
}

func TestAllowlistRejectsBadRegexAtAdd(t *testing.T) {
	a := &Allowlist{}
	if _, err := a.AddUser("([", PatternRegex, SourceUser); err == nil {
		t.Fatalf("AddUser() accepted non-compiling regex")
	}
	if len(a.User) != 0 {
		t.Fatalf("rejected pattern was still appended")
	}
}

func TestAllowlistRemoveUser(t *testing.T) {
	a := &Allowlist{}
	p, err := a.AddUser("example.com", PatternExact, SourceUser)
	if err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if !a.RemoveUser(p.ID) {
		t.Fatalf("RemoveUser() = false for known id")
	}
	if a.RemoveUser(p.ID) {
		t.Fatalf("RemoveUser() = true for already-removed id")
	}
	if a.Matches("example.com") != nil {
		t.Fatalf("removed pattern still matches")
	}
}

func TestWithDefaultsDoesNotMutateOriginal(t *testing.T) {
	a := &Allowlist{}
	if _, err := a.AddUser("internal.corp", PatternExact, SourceUser); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}

	merged := a.WithDefaults("webhook.warden.svc")
	if len(a.Auto) != 0 {
		t.Fatalf("WithDefaults() mutated the receiver's auto list")
	}
	if merged.Matches("pypi.org") == nil {
		t.Fatalf("required egress host missing from merged auto list")
	}
	if merged.Matches("webhook.warden.svc") == nil {
		t.Fatalf("callback host missing from merged auto list")
	}
	if m := merged.Matches("internal.corp"); m == nil || m.Source != SourceUser {
		t.Fatalf("user pattern lost in merge: %+v", m)
	}
	if merged.Matches("raw.githubusercontent.com") == nil {
		t.Fatalf("wildcard default missing")
	}
}
