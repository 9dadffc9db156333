// Package server decides which browser origins may open the WebSocket
// gateway. Native peers use the framed TCP listener and never pass here.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the WebSocket origin allow-list built from Config.
// An empty list admits nobody; "*" admits any well-formed origin.
type originPolicy struct {
	any     bool
	origins map[string]struct{}
	logger  *slog.Logger
}

func newOriginPolicy(configured []string, logger *slog.Logger) *originPolicy {
	p := &originPolicy{
		origins: make(map[string]struct{}, len(configured)),
		logger:  logger,
	}
	for _, raw := range configured {
		raw = strings.TrimSpace(raw)
		switch {
		case raw == "":
		case raw == "*":
			p.any = true
		default:
			key, ok := canonicalOrigin(raw)
			if !ok {
				logger.Warn("Ignoring invalid allowed origin", slog.String("origin", raw))
				continue
			}
			p.origins[key] = struct{}{}
		}
	}
	return p
}

// canonicalOrigin lowercases scheme and host and drops the scheme's default
// port, so "HTTP://Example.com:80" and "http://example.com" compare equal.
func canonicalOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	var defaultPort string
	switch scheme {
	case "http":
		defaultPort = "80"
	case "https":
		defaultPort = "443"
	default:
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if port := u.Port(); port != "" && port != defaultPort {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, true
}

func (p *originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	key, ok := canonicalOrigin(origin)
	if !ok {
		return false
	}
	if p.any {
		return true
	}
	_, ok = p.origins[key]
	return ok
}

// checkOrigin is the websocket.Upgrader hook.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.allows(origin) {
		return true
	}
	p.logger.Warn("Rejected WebSocket origin",
		slog.String("origin", origin),
		slog.String("remote_addr", r.RemoteAddr))
	return false
}
