// Package botmatch classifies User-Agent strings. It blocks aggressive SEO
// crawlers, scanning tools and bare HTTP client libraries while deliberately
// leaving mainstream search-engine bots (Googlebot, Bingbot, DuckDuckBot)
// unlisted so the site stays indexable.
package botmatch

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMinAgentLength is the shortest User-Agent accepted when the header
// is present. Real browser and search-bot agents are far longer; very short
// values are almost always stripped or fabricated.
const DefaultMinAgentLength = 20

// defaultPatterns are matched case-insensitively as substrings of the
// User-Agent header.
var defaultPatterns = []string{
	// SEO / backlink crawlers
	"ahrefsbot",
	"semrushbot",
	"mj12bot",
	"dotbot",
	"blexbot",
	"dataforseobot",
	"serpstatbot",
	"megaindex",
	"petalbot",
	"bytespider",
	// scanning tools
	"nikto",
	"sqlmap",
	"masscan",
	"zgrab",
	"nuclei",
	// bare HTTP client libraries
	"python-requests",
	"python-urllib",
	"go-http-client",
	"libwww-perl",
	"okhttp",
	"httpclient",
	"scrapy",
	"curl/",
	"wget/",
}

// Matcher reports whether a User-Agent should be blocked. It holds only
// compiled patterns and is safe for concurrent use; Blocked never consults or
// mutates shared state.
type Matcher struct {
	minLength int
	pattern   *regexp.Regexp
}

// New compiles the default pattern list plus any extra patterns. Extra
// entries may be plain substrings or regular expressions; all matching is
// case-insensitive.
func New(minLength int, extra ...string) (*Matcher, error) {
	if minLength <= 0 {
		minLength = DefaultMinAgentLength
	}
	alternatives := make([]string, 0, len(defaultPatterns)+len(extra))
	for _, p := range defaultPatterns {
		alternatives = append(alternatives, regexp.QuoteMeta(p))
	}
	for _, p := range extra {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("invalid user-agent pattern %q: %v", p, err)
		}
		alternatives = append(alternatives, p)
	}
	re, err := regexp.Compile("(?i)(" + strings.Join(alternatives, "|") + ")")
	if err != nil {
		return nil, fmt.Errorf("compiling user-agent patterns: %v", err)
	}
	return &Matcher{minLength: minLength, pattern: re}, nil
}

// Blocked classifies a User-Agent header value. An empty value (header
// absent) is never blocked here; a present header is blocked when it is
// shorter than the minimum length or matches a blocklisted pattern.
func (m *Matcher) Blocked(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	if len(userAgent) < m.minLength {
		return true
	}
	return m.pattern.MatchString(userAgent)
}
