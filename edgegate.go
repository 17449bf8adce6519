// Package edgegate is a Caddy HTTP handler that fronts the clinic directory:
// it rejects requests for non-canonical hosts and known probe paths, blocks
// abusive bots by user agent, rate-limits per client IP, detects systematic
// crawling of the browse hierarchy, and 301s legacy clinic URLs to their
// canonical form. Everything the gate needs lives in process memory; its
// counters are per-process approximations by design.
package edgegate

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/clinicdir/caddy-edgegate/internal/botmatch"
	"github.com/clinicdir/caddy-edgegate/internal/iptrack"
	"github.com/clinicdir/caddy-edgegate/internal/redirects"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("edge_gate", parseCaddyfile)
}

const (
	defaultCanonicalHost = "painmanagementdirectory.com"

	// unknownIP disables the IP-keyed gates for a single request when no
	// usable client address can be resolved.
	unknownIP = "unknown"

	assetPrefix = "/_next/"
	adminPrefix = "/admin"
)

// blockedPathPrefixes are probe paths matched by prefix. Kept narrow on
// purpose: only families that can never be legitimate for this site.
var blockedPathPrefixes = []string{
	"/wp-",
	"/wordpress",
}

// blockedPathsExact are login-style probe paths matched exactly, so a real
// route that merely shares the prefix string is not swallowed.
var blockedPathsExact = []string{
	"/login",
	"/signin",
	"/user/login",
	"/administrator",
}

// browsePathPattern matches state ("/ms") and state/city ("/ms/jackson")
// browse pages, the only routes that count toward crawl detection.
var browsePathPattern = regexp.MustCompile(`^/[a-z]{2}(/[a-z0-9-]+)?/?$`)

// Middleware gates every inbound request before the application sees it.
type Middleware struct {
	// CanonicalHost is the production domain; requests whose Host header
	// does not contain it (and is not localhost) get a 404.
	CanonicalHost string `json:"canonical_host,omitempty"`

	// RateLimit is the number of requests allowed per IP per window.
	RateLimit int `json:"rate_limit,omitempty"`

	// Window is the shared accounting window for the rate limiter and the
	// crawl detector.
	Window caddy.Duration `json:"window,omitempty"`

	// CrawlPageLimit is the number of distinct browse pages an IP may fetch
	// per window before being treated as a crawler.
	CrawlPageLimit int `json:"crawl_page_limit,omitempty"`

	// MinAgentLength blocks present-but-shorter User-Agent headers.
	MinAgentLength int `json:"min_agent_length,omitempty"`

	// BlockAgents adds case-insensitive user-agent patterns to the built-in
	// blocklist.
	BlockAgents []string `json:"block_agents,omitempty"`

	tracker *iptrack.Tracker
	bots    *botmatch.Matcher
	legacy  *redirects.Table
	logger  *zap.Logger
}

// CaddyModule registers the module.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.edge_gate",
		New: func() caddy.Module { return new(Middleware) },
	}
}

// Provision configures the middleware during initialization.
func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger(m)

	if m.CanonicalHost == "" {
		m.CanonicalHost = defaultCanonicalHost
	}
	if m.RateLimit == 0 {
		m.RateLimit = iptrack.DefaultMaxRequests
	}
	if m.Window == 0 {
		m.Window = caddy.Duration(iptrack.DefaultWindow)
	}
	if m.CrawlPageLimit == 0 {
		m.CrawlPageLimit = iptrack.DefaultMaxBrowsePaths
	}
	if m.MinAgentLength == 0 {
		m.MinAgentLength = botmatch.DefaultMinAgentLength
	}

	bots, err := botmatch.New(m.MinAgentLength, m.BlockAgents...)
	if err != nil {
		return err
	}
	m.bots = bots

	legacy, err := redirects.Load()
	if err != nil {
		return err
	}
	m.legacy = legacy

	m.tracker = iptrack.New(time.Duration(m.Window), m.RateLimit, m.CrawlPageLimit, browsePathPattern)

	m.logger.Info("edge gate provisioned",
		zap.String("canonical_host", m.CanonicalHost),
		zap.Int("rate_limit", m.RateLimit),
		zap.Duration("window", time.Duration(m.Window)),
		zap.Int("crawl_page_limit", m.CrawlPageLimit),
		zap.Int("legacy_slugs", legacy.Len()),
	)
	return nil
}

// Validate ensures the configuration is valid.
func (m *Middleware) Validate() error {
	if m.CanonicalHost == "" {
		return fmt.Errorf("canonical_host must not be empty")
	}
	if m.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be greater than 0")
	}
	if m.Window <= 0 {
		return fmt.Errorf("window must be greater than 0")
	}
	if m.CrawlPageLimit <= 0 {
		return fmt.Errorf("crawl_page_limit must be greater than 0")
	}
	return nil
}

// ServeHTTP runs the gating pipeline. Each stage either writes a terminal
// response or hands the request to the next stage; requests that clear every
// gate and need no canonicalization go to the next handler untouched.
func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	path := r.URL.Path

	// Stage 1: host filter. Preview and staging hostnames get crawled as
	// soon as bots discover them; a bare 404 gives probers nothing to
	// distinguish from a missing page.
	if !m.hostAllowed(r.Host) {
		m.logger.Debug("unknown host rejected",
			zap.String("host", r.Host),
			zap.String("path", path),
		)
		return respond(w, http.StatusNotFound, "Not Found")
	}

	// Stage 2: asset bypass. Build assets and dotted-extension paths carry
	// no routing semantics and must never be blocked or redirected.
	if strings.HasPrefix(path, assetPrefix) || strings.Contains(path, ".") {
		return next.ServeHTTP(w, r)
	}

	// Stage 3: probe-path blocklist.
	if isBlockedPath(path) {
		m.logger.Info("probe path rejected",
			zap.String("path", path),
			zap.String("ip", clientIP(r)),
		)
		return respond(w, http.StatusNotFound, "Not Found")
	}

	// Stage 4: bot user-agent gate. A missing header is not blocked here.
	if ua := r.Header.Get("User-Agent"); m.bots.Blocked(ua) {
		m.logger.Info("bot user agent rejected",
			zap.String("user_agent", ua),
			zap.String("ip", clientIP(r)),
			zap.String("path", path),
		)
		return respond(w, http.StatusForbidden, "Forbidden")
	}

	// Stages 5-7 need a client IP; the unknown sentinel fails open for
	// both IP-keyed gates rather than misclassifying an unidentifiable
	// visitor.
	ip := clientIP(r)
	if ip != unknownIP {
		if m.tracker.IsRateLimited(ip) {
			m.logger.Info("rate limit exceeded",
				zap.String("ip", ip),
				zap.String("path", path),
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Duration(m.Window).Seconds())))
			return respond(w, http.StatusTooManyRequests, "Too Many Requests")
		}

		// Crawl detection skips prefetches and admin routes; neither says
		// anything about browse-hierarchy enumeration.
		if !isPrefetch(r) && !strings.HasPrefix(path, adminPrefix) {
			if m.tracker.IsDirectoryCrawler(ip, path) {
				m.logger.Info("directory crawl detected",
					zap.String("ip", ip),
					zap.String("path", path),
				)
				return respond(w, http.StatusForbidden, "Forbidden")
			}
		}
	}

	// Stage 8: legacy URL canonicalization, last because it only matters
	// for requests judged legitimate enough to proceed.
	if location, ok := m.legacy.Resolve(r.URL); ok {
		m.logger.Debug("legacy url canonicalized",
			zap.String("from", r.URL.RequestURI()),
			zap.String("to", location),
		)
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusMovedPermanently)
		return nil
	}

	return next.ServeHTTP(w, r)
}

func (m *Middleware) hostAllowed(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Contains(host, m.CanonicalHost) || host == "localhost"
}

func isBlockedPath(path string) bool {
	for _, p := range blockedPathPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, p := range blockedPathsExact {
		if path == p {
			return true
		}
	}
	return false
}

// clientIP resolves the forwarded client address: first X-Forwarded-For
// element, then X-Real-IP, then the unknown sentinel. RemoteAddr is not
// consulted; at the edge it is always the fronting proxy.
func clientIP(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		return strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	return unknownIP
}

func isPrefetch(r *http.Request) bool {
	return r.Header.Get("Purpose") == "prefetch" || r.Header.Get("X-Middleware-Prefetch") != ""
}

func respond(w http.ResponseWriter, status int, body string) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile configuration for this module.
func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if d.NextArg() && d.Val() != "edge_gate" {
			return d.ArgErr()
		}
		for d.NextBlock(0) {
			switch d.Val() {
			case "canonical_host":
				if !d.Args(&m.CanonicalHost) {
					return d.ArgErr()
				}
			case "rate_limit":
				if !d.NextArg() {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid rate_limit: %v", err)
				}
				m.RateLimit = n
			case "window":
				if !d.NextArg() {
					return d.ArgErr()
				}
				dur, err := time.ParseDuration(d.Val())
				if err != nil {
					return d.Errf("invalid window: %v", err)
				}
				m.Window = caddy.Duration(dur)
			case "crawl_page_limit":
				if !d.NextArg() {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid crawl_page_limit: %v", err)
				}
				m.CrawlPageLimit = n
			case "min_agent_length":
				if !d.NextArg() {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid min_agent_length: %v", err)
				}
				m.MinAgentLength = n
			case "block_agents":
				m.BlockAgents = append(m.BlockAgents, d.RemainingArgs()...)
			default:
				return d.Errf("unrecognized subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	m := new(Middleware)
	if err := m.UnmarshalCaddyfile(h.Dispenser); err != nil {
		return nil, err
	}
	return m, nil
}
