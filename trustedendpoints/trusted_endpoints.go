// Package trustedendpoints guards against sending credentials to a cluster
// the caller didn't intend to talk to. Every client built by this module
// runs the ingest/query endpoint it was given through ValidateTrustedEndpoint
// before the first token is ever acquired for it.
//
// The well-known allowlist below is keyed by login (authority) endpoint,
// mirroring the teacher's WellKnownKustoEndpoints.json resource: a host is
// only trusted against the login it actually authenticates against, not
// against every cloud's allowlist at once.
package trustedendpoints

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultLoginURL is the Azure public cloud login authority, used when a
// client is constructed without an explicit authority override.
const DefaultLoginURL = "https://login.microsoftonline.com"

//go:embed wellknown.json
var wellKnownRaw []byte

// MatchRule is one entry of a trusted-host allowlist. Exact rules compare
// the whole hostname; non-exact rules additionally accept any subdomain.
type MatchRule struct {
	Suffix string
	Exact  bool
}

type allowedEndpoints struct {
	AllowedKustoSuffixes  []string
	AllowedKustoHostnames []string
}

type wellKnownDoc struct {
	AllowedEndpointsByLogin map[string]allowedEndpoints
}

func loadWellKnown(raw []byte) map[string][]MatchRule {
	var doc wellKnownDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		// The resource is compiled in; a parse failure is a build-time bug,
		// not a runtime condition callers can recover from.
		panic(fmt.Sprintf("trustedendpoints: malformed wellknown.json: %v", err))
	}

	out := make(map[string][]MatchRule, len(doc.AllowedEndpointsByLogin))
	for login, entry := range doc.AllowedEndpointsByLogin {
		rules := make([]MatchRule, 0, len(entry.AllowedKustoSuffixes)+len(entry.AllowedKustoHostnames))
		for _, s := range entry.AllowedKustoSuffixes {
			rules = append(rules, MatchRule{Suffix: s, Exact: false})
		}
		for _, h := range entry.AllowedKustoHostnames {
			rules = append(rules, MatchRule{Suffix: h, Exact: true})
		}
		out[strings.ToLower(login)] = rules
	}
	return out
}

// Matcher is the trusted-endpoint validator described as component B. The
// zero value is not usable; use NewMatcher or the package-level Instance.
type Matcher struct {
	mu                sync.RWMutex
	loginMatchers     map[string][]MatchRule
	additional        []MatchRule
	overridePolicy    func(host string) bool
	validationEnabled bool
}

// NewMatcher builds a Matcher preloaded with the well-known public and
// national-cloud allowlists.
func NewMatcher() *Matcher {
	return &Matcher{
		loginMatchers:     loadWellKnown(wellKnownRaw),
		validationEnabled: true,
	}
}

// Instance is the process-wide matcher every client built by this module
// consults, matching the teacher's singleton-style Instance.
var Instance = NewMatcher()

// SetOverridePolicy installs a function that takes precedence over every
// other check. When installed, its decision is authoritative: a true
// return trusts the host outright; a false return skips straight past the
// login-keyed and additional allowlists to the loopback/localhost check.
// Passing nil restores normal allowlist-based validation.
func (m *Matcher) SetOverridePolicy(policy func(host string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overridePolicy = policy
}

// AddTrustedHosts appends rules consulted in addition to (not instead of)
// the login-keyed allowlist, regardless of which login endpoint is being
// validated against. When clearFirst is true the existing additional rules
// are discarded before the new ones are added.
func (m *Matcher) AddTrustedHosts(rules []MatchRule, clearFirst bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clearFirst {
		m.additional = nil
	}
	m.additional = append(m.additional, rules...)
}

// SetValidationEnabled toggles whether ValidateTrustedEndpoint enforces its
// result. Disabling it only logs a warning instead of failing; it exists
// for callers that manage trust some other way (e.g. a private network).
func (m *Matcher) SetValidationEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validationEnabled = enabled
}

// ValidateTrustedEndpoint checks address's host against loginEndpoint's
// allowlist per spec.md §4.B:
//
//  1. If an override policy is installed, its decision is authoritative.
//  2. Otherwise, the host is trusted if it matches the login-keyed
//     allowlist for loginEndpoint.
//  3. Or if it matches any additional host added via AddTrustedHosts.
//  4. Or if the host is loopback ("localhost" or "127.0.0.1" family);
//     local testing clusters are always trusted.
//  5. Otherwise validation fails, unless SetValidationEnabled(false) was
//     called, in which case a warning is logged and the call succeeds.
func (m *Matcher) ValidateTrustedEndpoint(address string, loginEndpoint string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("trustedendpoints: invalid address %q: %w", address, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("trustedendpoints: address %q has no host", address)
	}

	m.mu.RLock()
	override := m.overridePolicy
	additional := m.additional
	loginRules := m.loginMatchers[strings.ToLower(loginEndpoint)]
	enabled := m.validationEnabled
	m.mu.RUnlock()

	if override != nil {
		if override(host) {
			return nil
		}
		return m.finalDecision(host, address, enabled)
	}

	if matchHost(host, loginRules) || matchHost(host, additional) {
		return nil
	}

	return m.finalDecision(host, address, enabled)
}

func (m *Matcher) finalDecision(host, address string, enabled bool) error {
	if isLoopback(host) {
		return nil
	}
	if !enabled {
		log.Warn().Str("host", host).Msg("trustedendpoints: validation disabled, allowing untrusted host")
		return nil
	}
	return fmt.Errorf("trustedendpoints: %q is not a trusted endpoint", address)
}

func matchHost(host string, rules []MatchRule) bool {
	lhost := strings.ToLower(host)
	for _, r := range rules {
		suffix := strings.ToLower(r.Suffix)
		if strings.EqualFold(lhost, suffix) {
			return true
		}
		if !r.Exact && strings.HasSuffix(lhost, "."+suffix) {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if strings.HasPrefix(host, "127.") {
		return true
	}
	return host == "::1"
}

// ValidateTrustedEndpoint validates against the process-wide Instance.
func ValidateTrustedEndpoint(address string, loginEndpoint string) error {
	return Instance.ValidateTrustedEndpoint(address, loginEndpoint)
}
