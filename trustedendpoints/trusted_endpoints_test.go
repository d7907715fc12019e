package trustedendpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshMatcher() *Matcher {
	return NewMatcher()
}

func TestValidateTrustedEndpoint_PublicCloudPositive(t *testing.T) {
	m := freshMatcher()
	hosts := []string{
		"https://kustozszokb5yrauyq.westeurope.kusto.windows.net",
		"https://kustozszokb5yrauyq.westeurope.kustomfa.windows.net",
		"https://kustozszokb5yrauyq.westeurope.kustodev.windows.net",
		"https://stopt402211020t0606.automationtestworkspace402.kusto.azuresynapse.net",
		"https://dflskfdslfkdslkdsfldfs.westeurope.kusto.data.microsoft.com",
		"https://dflskfdslfkdslkdsfldfs.westeurope.kusto.fabric.microsoft.com",
	}
	for _, h := range hosts {
		assert.NoError(t, m.ValidateTrustedEndpoint(h, DefaultLoginURL), h)
	}
}

func TestValidateTrustedEndpoint_PublicCloudNegative(t *testing.T) {
	m := freshMatcher()
	hosts := []string{
		"https://some.azurewebsites.net",
		"https://kusto.azurewebsites.net",
		"https://test.kusto.core.microsoft.scloud",
		"https://cluster.kusto.azuresynapse.azure.cn",
	}
	for _, h := range hosts {
		assert.Error(t, m.ValidateTrustedEndpoint(h, DefaultLoginURL), h)
	}
}

func TestValidateTrustedEndpoint_NationalClouds(t *testing.T) {
	m := freshMatcher()
	cases := []struct {
		host  string
		login string
	}{
		{"https://rpe2e0422132101fct2.kusto.core.eaglex.ic.gov", "https://login.microsoftonline.eaglex.ic.gov"},
		{"https://rpe2e0422132101fct2.kusto.core.microsoft.scloud", "https://login.microsoftonline.microsoft.scloud"},
		{"https://rpe2e.kusto.usgovcloudapi.net", "https://login.microsoftonline.us"},
		{"https://rpe2e.kusto.chinacloudapi.cn", "https://login.partner.microsoftonline.cn"},
	}
	for _, c := range cases {
		assert.NoError(t, m.ValidateTrustedEndpoint(c.host, c.login), c.host)
	}
}

func TestValidateTrustedEndpoint_ProxyPositive(t *testing.T) {
	m := freshMatcher()
	hosts := []string{
		"https://kusto.aria.microsoft.com",
		"https://ade.loganalytics.io",
		"https://ade.applicationinsights.io",
		"https://adx.monitor.azure.com",
		"https://cluster.playfab.com",
		"https://cluster.playfabapi.com",
	}
	for _, h := range hosts {
		assert.NoError(t, m.ValidateTrustedEndpoint(h, DefaultLoginURL), h)
	}
}

func TestValidateTrustedEndpoint_ProxyNegative(t *testing.T) {
	m := freshMatcher()
	hosts := []string{
		"https://cluster.kusto.aria.microsoft.com",
		"https://cluster.eu.kusto.aria.microsoft.com",
		"https://cluster.ade.loganalytics.io",
		"https://cluster.ade.applicationinsights.io",
		"https://cluster.adx.monitor.azure.com",
	}
	for _, h := range hosts {
		assert.Error(t, m.ValidateTrustedEndpoint(h, DefaultLoginURL), h)
	}
}

func TestValidateTrustedEndpoint_LoopbackAlwaysTrusted(t *testing.T) {
	m := freshMatcher()
	assert.NoError(t, m.ValidateTrustedEndpoint("https://localhost:8080", DefaultLoginURL))
	assert.NoError(t, m.ValidateTrustedEndpoint("https://127.0.0.1:8080", DefaultLoginURL))
}

func TestValidateTrustedEndpoint_WrongLoginAuthorityFails(t *testing.T) {
	m := freshMatcher()
	// Trusted under the china allowlist, but validated against the public
	// login authority: the per-login keying must reject this.
	err := m.ValidateTrustedEndpoint("https://rpe2e.kusto.chinacloudapi.cn", DefaultLoginURL)
	require.Error(t, err)
}

func TestValidateTrustedEndpoint_OverridePolicy(t *testing.T) {
	m := freshMatcher()

	m.SetOverridePolicy(func(host string) bool { return true })
	assert.NoError(t, m.ValidateTrustedEndpoint("https://anything.example.com", DefaultLoginURL))

	m.SetOverridePolicy(func(host string) bool { return false })
	assert.Error(t, m.ValidateTrustedEndpoint("https://kusto.kusto.windows.net", DefaultLoginURL))
	assert.Error(t, m.ValidateTrustedEndpoint("https://bing.com", DefaultLoginURL))

	m.SetOverridePolicy(nil)
	assert.NoError(t, m.ValidateTrustedEndpoint("https://kusto.kusto.windows.net", DefaultLoginURL))
	assert.Error(t, m.ValidateTrustedEndpoint("https://bing.com", DefaultLoginURL))
}

func TestValidateTrustedEndpoint_AdditionalTrustedHosts(t *testing.T) {
	m := freshMatcher()

	m.AddTrustedHosts([]MatchRule{{Suffix: "someotherdomain1.net", Exact: false}}, true)
	assert.NoError(t, m.ValidateTrustedEndpoint("https://cluster.someotherdomain1.net", DefaultLoginURL))
	assert.Error(t, m.ValidateTrustedEndpoint("https://cluster.someotherdomain2.net", DefaultLoginURL))

	m.AddTrustedHosts([]MatchRule{{Suffix: "someotherdomain2.net", Exact: false}}, false)
	assert.NoError(t, m.ValidateTrustedEndpoint("https://cluster.someotherdomain1.net", DefaultLoginURL))
	assert.NoError(t, m.ValidateTrustedEndpoint("https://cluster.someotherdomain2.net", DefaultLoginURL))

	m.AddTrustedHosts([]MatchRule{{Suffix: "someotherdomain3.net", Exact: false}}, true)
	assert.Error(t, m.ValidateTrustedEndpoint("https://cluster.someotherdomain1.net", DefaultLoginURL))
	assert.NoError(t, m.ValidateTrustedEndpoint("https://cluster.someotherdomain3.net", DefaultLoginURL))
}

func TestValidateTrustedEndpoint_ValidationDisabledWarnsInsteadOfFailing(t *testing.T) {
	m := freshMatcher()
	m.SetValidationEnabled(false)
	assert.NoError(t, m.ValidateTrustedEndpoint("https://bing.com", DefaultLoginURL))
}

func TestToIngestEndpoint(t *testing.T) {
	assert.Equal(t, "https://ingest-cluster.kusto.windows.net", ToIngestEndpoint("https://cluster.kusto.windows.net"))
	assert.Equal(t, "https://ingest-cluster.kusto.windows.net", ToIngestEndpoint("https://ingest-cluster.kusto.windows.net"))
	assert.Equal(t, "https://localhost:8080", ToIngestEndpoint("https://localhost:8080"))
}

func TestToQueryEndpoint(t *testing.T) {
	assert.Equal(t, "https://cluster.kusto.windows.net", ToQueryEndpoint("https://ingest-cluster.kusto.windows.net"))
	assert.Equal(t, "https://localhost:8080", ToQueryEndpoint("https://localhost:8080"))
}

func TestIsReserved(t *testing.T) {
	assert.True(t, isReserved("https://localhost:8080"))
	assert.True(t, isReserved("https://127.0.0.1:8080"))
	assert.True(t, isReserved("https://[::1]:8080"))
	assert.True(t, isReserved("https://onebox.dev.kusto.windows.net"))
	assert.False(t, isReserved("https://cluster.kusto.windows.net"))
}
