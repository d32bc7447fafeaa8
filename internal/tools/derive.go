package tools

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
)

// StdioToolConfig is one subprocess the agent spawns itself. Proxy variables
// are carried explicitly because subprocess environment inheritance is
// typically partial.
type StdioToolConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Risk    RiskTier          `yaml:"risk"`
}

// SSEToolSpec is one auxiliary process that needs its own network presence
// and is run as a separate pod.
type SSEToolSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Risk    RiskTier
}

// Derived is the full output of classification for one sandbox run.
type Derived struct {
	// SeedDomains feed the allowlist's auto set, tagged mcp:<name>.
	SeedDomains map[string][]string
	Stdio       []StdioToolConfig
	SSE         []SSEToolSpec
}

// Derive classifies each declared tool and produces the allowlist seeds, the
// stdio config blob, and the sse pod specs.
func Derive(decls []model.MCPServerDecl, proxyEnv map[string]string) *Derived {
	out := &Derived{SeedDomains: make(map[string][]string)}

	for _, decl := range decls {
		c := Classify(decl.Name)
		if c.RequiresNetwork && len(c.AllowedDomains) > 0 {
			out.SeedDomains[decl.Name] = append([]string(nil), c.AllowedDomains...)
		}

		env := make(map[string]string, len(decl.Env)+len(proxyEnv))
		for k, v := range decl.Env {
			env[k] = v
		}
		if c.RequiresNetwork {
			for k, v := range proxyEnv {
				env[k] = v
			}
		}

		switch c.Transport {
		case TransportSSE:
			out.SSE = append(out.SSE, SSEToolSpec{
				Name:    decl.Name,
				Command: decl.Command,
				Args:    decl.Args,
				Env:     env,
				Risk:    c.Risk,
			})
		default:
			out.Stdio = append(out.Stdio, StdioToolConfig{
				Name:    decl.Name,
				Command: decl.Command,
				Args:    decl.Args,
				Env:     env,
				Risk:    c.Risk,
			})
		}
	}

	sort.Slice(out.Stdio, func(i, j int) bool { return out.Stdio[i].Name < out.Stdio[j].Name })
	sort.Slice(out.SSE, func(i, j int) bool { return out.SSE[i].Name < out.SSE[j].Name })
	return out
}

// SeedAllowlist adds every derived domain to the allowlist's auto set,
// tagged with the contributing tool.
func (d *Derived) SeedAllowlist(list *policy.Allowlist) {
	names := make([]string, 0, len(d.SeedDomains))
	for name := range d.SeedDomains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, domain := range d.SeedDomains[name] {
			_, _ = list.AddAuto(domain, policy.PatternExact, policy.MCPSource(name))
		}
	}
}

// StdioConfigYAML renders the config blob mounted into the agent for the
// subprocess tools.
func (d *Derived) StdioConfigYAML() ([]byte, error) {
	doc := struct {
		Tools []StdioToolConfig `yaml:"tools"`
	}{Tools: d.Stdio}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stdio tool config: %w", err)
	}
	return raw, nil
}
