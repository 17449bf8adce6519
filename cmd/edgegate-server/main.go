// Command edgegate-server runs the edge gate as a standalone daemon in front
// of a reverse-proxied upstream, for deployments that do not embed the module
// in Caddy and for local smoke testing.
package main

import (
	"flag"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"

	edgegate "github.com/clinicdir/caddy-edgegate"
)

// Config holds the daemon configuration.
type Config struct {
	Addr          string
	Upstream      string
	CanonicalHost string
	RateLimit     int
	Window        time.Duration
	CrawlLimit    int
}

// upstreamHandler returns the handler requests are forwarded to after
// clearing the gate: a reverse proxy when an upstream is configured, or a
// plain 200 responder for smoke testing.
func upstreamHandler(upstream string) (caddyhttp.Handler, error) {
	if upstream == "" {
		return caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return nil
		}), nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	return caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		proxy.ServeHTTP(w, r)
		return nil
	}), nil
}

// createHandler provisions the gate and wraps it as a plain http.Handler.
func createHandler(cfg *Config) (http.Handler, error) {
	gate := &edgegate.Middleware{
		CanonicalHost:  cfg.CanonicalHost,
		RateLimit:      cfg.RateLimit,
		Window:         caddy.Duration(cfg.Window),
		CrawlPageLimit: cfg.CrawlLimit,
	}
	if err := gate.Provision(caddy.Context{}); err != nil {
		return nil, err
	}
	if err := gate.Validate(); err != nil {
		return nil, err
	}

	next, err := upstreamHandler(cfg.Upstream)
	if err != nil {
		return nil, err
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		if err := gate.ServeHTTP(w, r, next); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
	return handlers.CombinedLoggingHandler(os.Stdout, h), nil
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	upstream := flag.String("upstream", "", "Upstream URL to proxy passing requests to (empty serves a stub)")
	host := flag.String("host", "", "Canonical host (default production domain)")
	rateLimit := flag.Int("rate-limit", 0, "Requests allowed per IP per window (0 uses the default)")
	window := flag.Duration("window", 0, "Accounting window (0 uses the default)")
	crawlLimit := flag.Int("crawl-limit", 0, "Distinct browse pages per IP per window (0 uses the default)")
	flag.Parse()

	cfg := &Config{
		Addr:          *addr,
		Upstream:      *upstream,
		CanonicalHost: *host,
		RateLimit:     *rateLimit,
		Window:        *window,
		CrawlLimit:    *crawlLimit,
	}

	handler, err := createHandler(cfg)
	if err != nil {
		log.Fatalf("Failed to create handler: %v", err)
	}

	log.Printf("Starting edge gate on %s", cfg.Addr)
	if cfg.Upstream == "" {
		log.Printf("WARNING: no upstream configured; passing requests get a stub response")
	} else {
		log.Printf("Proxying passing requests to %s", cfg.Upstream)
	}

	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
