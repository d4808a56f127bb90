// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package homeserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

var (
	ErrDeniedAddress = fmt.Errorf("address is denied")
)

// newTransport builds the transport shared by every request to the
// homeserver. Long-polls hold their connection for the sync timeout, so
// keep plenty of idle connections per host around for reuse.
func newTransport(allowNetworks, denyNetworks []string, dialTimeout time.Duration) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = newDialer(allowNetworks, denyNetworks, dialTimeout).DialContext
	transport.MaxIdleConnsPerHost = 1024
	transport.MaxIdleConns = 1024
	return transport
}

func newDialer(allowNetworks, denyNetworks []string, dialTimeout time.Duration) *net.Dialer {
	if len(allowNetworks) == 0 && len(denyNetworks) == 0 {
		return &net.Dialer{
			Timeout: dialTimeout,
		}
	}

	return &net.Dialer{
		Timeout:        dialTimeout,
		ControlContext: allowDenyNetworksControl(parseCIDRs(allowNetworks), parseCIDRs(denyNetworks), len(allowNetworks) > 0),
	}
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			networks = append(networks, network)
		}
	}
	return networks
}

// allowDenyNetworksControl is used to allow/deny access to certain networks.
// With no allow list configured, everything not denied is allowed.
func allowDenyNetworksControl(allow, deny []*net.IPNet, haveAllowList bool) func(_ context.Context, network string, address string, conn syscall.RawConn) error {
	return func(_ context.Context, network string, address string, conn syscall.RawConn) error {
		if network != "tcp4" && network != "tcp6" {
			return fmt.Errorf("%s is not a safe network type", network)
		}

		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return fmt.Errorf("%s is not a valid host/port pair: %s", address, err)
		}

		ipaddress := net.ParseIP(host)
		if ipaddress == nil {
			return fmt.Errorf("%s is not a valid IP address", host)
		}

		if !isAllowed(ipaddress, allow, deny, haveAllowList) {
			return ErrDeniedAddress
		}

		return nil
	}
}

func isAllowed(ip net.IP, allow, deny []*net.IPNet, haveAllowList bool) bool {
	if inRange(ip, deny) {
		return false
	}
	if !haveAllowList {
		return true
	}
	return inRange(ip, allow)
}

func inRange(ip net.IP, networks []*net.IPNet) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// contextTransport attaches a context to every request passing through it.
// gomatrix builds its requests without one, so this is how an in-flight
// /sync is aborted when its query is cancelled.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}
