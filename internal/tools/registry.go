// Package tools classifies the auxiliary tool processes a workload declares
// and derives the network and transport configuration the sandbox needs for
// them.
package tools

import "strings"

// Transport is how a tool process is attached to the agent.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
)

// RiskTier is a coarse audit label for a tool's network exposure.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Classification is the static profile of a known tool.
type Classification struct {
	Transport       Transport
	RequiresNetwork bool
	AllowedDomains  []string
	Risk            RiskTier
}

// registry maps normalized tool names to their profiles. Unknown tools fall
// back to unknownProfile (network-requiring, high risk, no pre-approved
// domains) so an unrecognized name never widens access.
var registry = map[string]Classification{
	"filesystem": {
		Transport:       TransportStdio,
		RequiresNetwork: false,
		Risk:            RiskLow,
	},
	"memory": {
		Transport:       TransportStdio,
		RequiresNetwork: false,
		Risk:            RiskLow,
	},
	"fetch": {
		Transport:       TransportStdio,
		RequiresNetwork: true,
		Risk:            RiskHigh,
	},
	"github": {
		Transport:       TransportStdio,
		RequiresNetwork: true,
		AllowedDomains:  []string{"api.github.com", "github.com", "raw.githubusercontent.com"},
		Risk:            RiskMedium,
	},
	"gitlab": {
		Transport:       TransportStdio,
		RequiresNetwork: true,
		AllowedDomains:  []string{"gitlab.com"},
		Risk:            RiskMedium,
	},
	"brave-search": {
		Transport:       TransportStdio,
		RequiresNetwork: true,
		AllowedDomains:  []string{"api.search.brave.com"},
		Risk:            RiskMedium,
	},
	"slack": {
		Transport:       TransportStdio,
		RequiresNetwork: true,
		AllowedDomains:  []string{"slack.com", "api.slack.com"},
		Risk:            RiskMedium,
	},
	"postgres": {
		Transport:       TransportSSE,
		RequiresNetwork: true,
		Risk:            RiskMedium,
	},
	"puppeteer": {
		Transport:       TransportSSE,
		RequiresNetwork: true,
		Risk:            RiskHigh,
	},
}

var unknownProfile = Classification{
	Transport:       TransportStdio,
	RequiresNetwork: true,
	Risk:            RiskHigh,
}

// Classify returns the profile for a declared tool name. Matching is by
// normalized name: lowercase, with common server-name prefixes stripped.
func Classify(name string) Classification {
	if c, ok := registry[normalize(name)]; ok {
		return c
	}
	return unknownProfile
}

func normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, prefix := range []string{"mcp-server-", "mcp-", "server-"} {
		if strings.HasPrefix(n, prefix) {
			n = strings.TrimPrefix(n, prefix)
			break
		}
	}
	return n
}
