package config

import (
	"fmt"
	"net"
)

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many streams a client can open in quick succession before we
	// apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 5
	r.CooloffMS = 500
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	checkPositive(configErrs, "rate_limiting.threshold", r.Threshold)
	checkPositive(configErrs, "rate_limiting.cooloff_ms", r.CooloffMS)
	for _, ip := range r.ExemptIPAddresses {
		if net.ParseIP(ip) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(ip); err == nil {
			continue
		}
		configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "rate_limiting.exempt_ip_addresses", ip))
	}
}
