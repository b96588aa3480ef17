package middleware

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/billing-backend/pkg/redis"
)

const (
	rejectRateLimited = "rate_limited"
	rejectUserAgent   = "user_agent"
	rejectStale       = "stale_timestamp"
	rejectFuture      = "future_timestamp"
	rejectTimestamp   = "invalid_timestamp"
	rejectSourceIP    = "source_ip"
	rejectContentType = "content_type"
)

type rejectionCounter interface {
	IncRejection(reason string)
}

// WebhookGatePolicy holds the checks applied to inbound gateway callbacks before any processing.
type WebhookGatePolicy struct {
	userAgent       string
	timestampHeader string
	freshness       time.Duration
	futureSkew      time.Duration
	rateLimit       int64
	rateWindow      time.Duration
	enforceSource   bool
	allowed         []netip.Prefix
	trustedProxies  []netip.Prefix
	now             func() time.Time
}

// NewWebhookGatePolicy parses the allow-list. The source check only applies in production.
func NewWebhookGatePolicy(cfg config.WebhookGateConfig, production bool) (WebhookGatePolicy, error) {
	policy := WebhookGatePolicy{
		userAgent:       strings.TrimSpace(cfg.UserAgent),
		timestampHeader: strings.TrimSpace(cfg.TimestampHeader),
		freshness:       cfg.FreshnessWindow,
		futureSkew:      cfg.MaxFutureSkew,
		rateLimit:       int64(cfg.RateLimit),
		rateWindow:      cfg.RateWindow,
		enforceSource:   production,
		now:             time.Now,
	}
	allowed, err := parsePrefixes("webhook allow-list", cfg.AllowedCIDRs)
	if err != nil {
		return WebhookGatePolicy{}, err
	}
	trusted, err := parsePrefixes("webhook trusted proxy", cfg.TrustedProxyCIDRs)
	if err != nil {
		return WebhookGatePolicy{}, err
	}
	policy.allowed = allowed
	policy.trustedProxies = trusted
	return policy, nil
}

func parsePrefixes(label string, entries []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("%s entry %q: %w", label, raw, err)
			}
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("%s entry %q: %w", label, raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// WebhookGate rejects callbacks that fail the rate limit, user agent, freshness, source or content type checks.
func WebhookGate(policy WebhookGatePolicy, limiter pkgredis.RateLimiter, rejections rejectionCounter, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := policy.clientIP(r)

			if limiter != nil && policy.rateLimit > 0 && policy.rateWindow > 0 {
				allowed, count, err := limiter.SlidingWindowAllow(ctx, "webhook:"+ip, policy.rateLimit, policy.rateWindow)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if !allowed {
					reject(ctx, logg, w, rejections, rejectRateLimited, ip, map[string]any{"attempts": count, "limit": policy.rateLimit},
						pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
					return
				}
			}

			if policy.userAgent != "" && !strings.Contains(strings.ToLower(r.UserAgent()), strings.ToLower(policy.userAgent)) {
				reject(ctx, logg, w, rejections, rejectUserAgent, ip, map[string]any{"user_agent": r.UserAgent()},
					pkgerrors.New(pkgerrors.CodeWebhookSecurity, "unexpected user agent"))
				return
			}

			if reason := policy.checkTimestamp(r.Header.Get(policy.timestampHeader)); reason != "" {
				reject(ctx, logg, w, rejections, reason, ip, nil,
					pkgerrors.New(pkgerrors.CodeWebhookSecurity, "callback timestamp outside window"))
				return
			}

			if policy.enforceSource && !policy.sourceAllowed(ip) {
				reject(ctx, logg, w, rejections, rejectSourceIP, ip, nil,
					pkgerrors.New(pkgerrors.CodeWebhookSecurity, "source not allowed"))
				return
			}

			if !isJSON(r.Header.Get("Content-Type")) {
				reject(ctx, logg, w, rejections, rejectContentType, ip, map[string]any{"content_type": r.Header.Get("Content-Type")},
					pkgerrors.New(pkgerrors.CodeValidation, "content type must be application/json"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkTimestamp returns a rejection reason, or "" when the header is absent or fresh.
func (p WebhookGatePolicy) checkTimestamp(raw string) string {
	raw = strings.TrimSpace(raw)
	if p.timestampHeader == "" || raw == "" {
		return ""
	}
	sent, ok := parseTimestamp(raw)
	if !ok {
		return rejectTimestamp
	}
	now := p.now()
	if p.freshness > 0 && now.Sub(sent) > p.freshness {
		return rejectStale
	}
	if sent.Sub(now) > p.futureSkew {
		return rejectFuture
	}
	return ""
}

func (p WebhookGatePolicy) sourceAllowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return containsAddr(p.allowed, addr)
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseTimestamp(raw string) (time.Time, bool) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func reject(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, rejections rejectionCounter, reason, ip string, fields map[string]any, err error) {
	if rejections != nil {
		rejections.IncRejection(reason)
	}
	if logg != nil {
		logFields := map[string]any{"reason": reason, "ip": ip}
		for k, v := range fields {
			logFields[k] = v
		}
		logg.Warn(logg.WithFields(ctx, logFields), "webhook.gate.rejected")
	}
	responses.WriteError(ctx, nil, w, err)
}

// clientIP returns the direct peer address. X-Forwarded-For is only honoured when the peer is a
// trusted proxy, and then the rightmost hop that is not itself a trusted proxy wins.
func (p WebhookGatePolicy) clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	peer := remoteHost(r.RemoteAddr)
	peerAddr, err := netip.ParseAddr(peer)
	if err != nil || !containsAddr(p.trustedProxies, peerAddr) {
		return peer
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(header, ",") {
			if hop := strings.TrimSpace(part); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			return peer
		}
		if !containsAddr(p.trustedProxies, addr) {
			return addr.Unmap().String()
		}
	}
	return peer
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}
