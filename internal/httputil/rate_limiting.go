// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/element-hq/matrix-sse/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixsse",
			Subsystem: "http",
			Name:      "rate_limit_rejections",
			Help:      "Total number of stream requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixsse",
			Subsystem: "http",
			Name:      "rate_limit_allowed",
			Help:      "Total number of stream requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits throttles how quickly a single client address may open
// streams. Each address gets a token bucket holding threshold tokens which
// refills completely every cooloff period.
type RateLimits struct {
	limits      map[string]*limiterEntry
	mutex       sync.Mutex
	enabled     bool
	threshold   int64
	cooloff     time.Duration
	exemptIPs   []net.IP
	exemptCIDRs []*net.IPNet
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:      make(map[string]*limiterEntry),
		enabled:     cfg.Enabled,
		threshold:   cfg.Threshold,
		cooloff:     time.Duration(cfg.CooloffMS) * time.Millisecond,
		cleanupDone: make(chan struct{}),
	}
	for _, ip := range cfg.ExemptIPAddresses {
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			l.exemptIPs = append(l.exemptIPs, parsedIP)
			continue
		}
		if _, network, err := net.ParseCIDR(ip); err == nil {
			l.exemptCIDRs = append(l.exemptCIDRs, network)
		}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

// clean forgets addresses that haven't been seen for a minute.
func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			l.removeStale(time.Now().Add(-time.Minute))
		}
	}
}

func (l *RateLimits) removeStale(cutoff time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for key, entry := range l.limits {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limits, key)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() {
		close(l.cleanupDone)
	})
}

// Limit returns a 429 response if the caller has opened too many streams
// too quickly, or nil if the request may proceed.
func (l *RateLimits) Limit(req *http.Request) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	caller := req.RemoteAddr
	ip := RequestIP(req)
	if ip != nil {
		caller = ip.String()
	}
	if l.isExempt(ip) || l.allow(caller) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	rateLimitRejections.WithLabelValues(endpoint).Inc()
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: spec.LimitExceeded("You are opening streams too quickly!", l.cooloff.Milliseconds()),
	}
}

// allow takes a token from the caller's bucket. The bucket refills at
// threshold tokens per cooloff period, so threshold=5, cooloff=500ms gives
// 10 streams per second with bursts of 5.
func (l *RateLimits) allow(caller string) bool {
	if l.threshold <= 0 {
		return false
	}
	if l.cooloff <= 0 {
		return true
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	entry, ok := l.limits[caller]
	if !ok {
		perSecond := rate.Limit(float64(l.threshold) * float64(time.Second) / float64(l.cooloff))
		entry = &limiterEntry{limiter: rate.NewLimiter(perSecond, int(l.threshold))}
		l.limits[caller] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func endpointLabel(req *http.Request) string {
	if route := req.URL.Path; strings.HasSuffix(route, "/sync/sse") {
		return "sync_sse"
	}
	return req.URL.Path
}

// RequestIP returns the address of the client. X-Forwarded-For is only
// believed when the direct peer is a loopback address, i.e. a reverse
// proxy on the same host; the first non-loopback entry is used.
func RequestIP(req *http.Request) net.IP {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil
	}

	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return remoteIP
	}
	if !remoteIP.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remoteIP.String(),
			"x_forwarded_for": forwardedFor,
		}).Debug("Ignoring X-Forwarded-For from non-loopback peer")
		return remoteIP
	}
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip
		}
	}
	return remoteIP
}

func (l *RateLimits) isExempt(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, exemptIP := range l.exemptIPs {
		if exemptIP.Equal(ip) {
			return true
		}
	}
	for _, network := range l.exemptCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
