package startup

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/mixaill76/auto_ai_gateway/internal/config"
	"github.com/mixaill76/auto_ai_gateway/internal/httputil"
)

const dialTimeout = 5 * time.Second

// ProxyCheck is the outcome of ValidateOutboundProxiesAtStartup.
type ProxyCheck struct {
	Total       int
	Reachable   int
	Unreachable []string
}

// ValidateOutboundProxiesAtStartup opens a TCP connection to every distinct
// outbound proxy: the global one and those set per credential. Failures are
// logged as warnings and never block startup; a proxy may come up later.
func ValidateOutboundProxiesAtStartup(ctx context.Context, cfg *config.Config, log *slog.Logger) ProxyCheck {
	var check ProxyCheck
	proxies := outboundProxies(cfg)
	if len(proxies) == 0 {
		return check
	}

	log.Info("Checking outbound proxies at startup", "total_proxies", len(proxies))

	dialer := &net.Dialer{Timeout: dialTimeout}
	for _, raw := range proxies {
		check.Total++
		u, err := httputil.ParseProxyURL(raw)
		if err != nil {
			check.Unreachable = append(check.Unreachable, "invalid proxy url")
			log.Warn("Outbound proxy invalid", "error", err)
			continue
		}
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), defaultPort(u.Scheme))
		}

		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			check.Unreachable = append(check.Unreachable, u.Redacted())
			log.Warn("Outbound proxy unreachable at startup",
				"proxy", u.Redacted(),
				"error", err.Error(),
			)
			continue
		}
		_ = conn.Close()
		check.Reachable++
		log.Debug("Outbound proxy reachable at startup", "proxy", u.Redacted())
	}

	log.Info("Outbound proxy check completed at startup",
		"total_proxies", check.Total,
		"reachable", check.Reachable,
		"unreachable", len(check.Unreachable),
	)
	if check.Reachable == 0 {
		log.Error("All outbound proxies are unreachable at startup",
			"total", check.Total,
			"impact", "requests through these proxies fail and put their credentials on cooldown",
		)
	}
	return check
}

func outboundProxies(cfg *config.Config) []string {
	var out []string
	if cfg.Balancer.GlobalProxy != "" {
		out = append(out, cfg.Balancer.GlobalProxy)
	}
	for _, cc := range cfg.Credentials {
		if cc.ProxyURL != "" {
			out = append(out, cc.ProxyURL)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https":
		return "443"
	case "socks5", "socks5h":
		return "1080"
	default:
		return "80"
	}
}
