package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

type Homeserver struct {
	// The base URL of the homeserver whose /sync API is bridged, e.g.
	// https://matrix.example.com
	URL string `yaml:"url"`

	// The client-server API prefix to issue requests under.
	ClientAPIPrefix string `yaml:"client_api_prefix"`

	// The long-poll timeout passed to /sync.
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// An upper bound on a single /sync request, after which it is treated
	// as failed. Zero disables the bound.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// How long to wait when establishing connections to the homeserver.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Check that the homeserver is reachable and speaks a supported
	// client API version before accepting connections.
	VerifyOnStartup bool `yaml:"verify_on_startup"`

	// The oldest client-server API version the homeserver must advertise.
	MinimumVersion string `yaml:"minimum_version"`

	// If set, access tokens are checked against /account/whoami before a
	// stream is opened, rather than only on the first /sync.
	VerifyTokens bool `yaml:"verify_tokens"`

	// How long a verified token is remembered.
	TokenCacheLifetime time.Duration `yaml:"token_cache_lifetime"`

	// Networks the bridge may (or may not) connect to when talking to the
	// homeserver, as CIDRs. Denies take precedence.
	AllowNetworkCIDRs []string `yaml:"allow_networks"`
	DenyNetworkCIDRs  []string `yaml:"deny_networks"`
}

func (c *Homeserver) Defaults() {
	c.ClientAPIPrefix = "/_matrix/client/v3"
	c.SyncTimeout = 30 * time.Second
	c.QueryTimeout = 2 * time.Minute
	c.DialTimeout = 5 * time.Second
	c.VerifyOnStartup = true
	c.MinimumVersion = "r0.5.0"
	c.TokenCacheLifetime = 5 * time.Minute
}

func (c *Homeserver) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "homeserver.url", c.URL)
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			configErrs.Add(fmt.Sprintf("invalid URL for config key %q: %s", "homeserver.url", c.URL))
		}
	}
	if !strings.HasPrefix(c.ClientAPIPrefix, "/") {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: must start with /", "homeserver.client_api_prefix"))
	}
	if c.SyncTimeout < 0 {
		configErrs.Add(fmt.Sprintf("invalid duration for config key %q: %s", "homeserver.sync_timeout", c.SyncTimeout))
	}
	if c.QueryTimeout < 0 {
		configErrs.Add(fmt.Sprintf("invalid duration for config key %q: %s", "homeserver.query_timeout", c.QueryTimeout))
	}
	if c.QueryTimeout > 0 && c.QueryTimeout <= c.SyncTimeout {
		configErrs.Add("homeserver.query_timeout must be longer than homeserver.sync_timeout, otherwise every idle long-poll fails")
	}
	checkPositive(configErrs, "homeserver.dial_timeout", int64(c.DialTimeout))
	if c.MinimumVersion != "" {
		if _, err := ParseClientVersion(c.MinimumVersion); err != nil {
			configErrs.Add(fmt.Sprintf("invalid version for config key %q: %s", "homeserver.minimum_version", c.MinimumVersion))
		}
	}
	if c.VerifyTokens {
		checkPositive(configErrs, "homeserver.token_cache_lifetime", int64(c.TokenCacheLifetime))
	}
	for _, cidr := range append(append([]string{}, c.AllowNetworkCIDRs...), c.DenyNetworkCIDRs...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			configErrs.Add(fmt.Sprintf("invalid CIDR for config key %q: %s", "homeserver.allow_networks/deny_networks", cidr))
		}
	}
}

// ParseClientVersion parses a client-server API version string as
// advertised by /versions. Both the legacy "r0.6.1" form and the current
// "v1.11" form are accepted.
func ParseClientVersion(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(v, "r"))
}
