// Package redirects canonicalizes legacy clinic URLs. Three rule families,
// all issuing permanent redirects so search engines index exactly one URL
// per resource:
//
//   - the historical "?clinics=<slug>" query form on the site root,
//     resolved through a static slug table;
//   - the retired plural "/clinics/<slug>" path prefix;
//   - case variants of canonical "/pain-management/..." paths.
package redirects

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	// CanonicalPrefix is the path prefix of current clinic detail pages.
	CanonicalPrefix = "/pain-management"

	// LegacyPrefix is the retired plural alias of CanonicalPrefix.
	LegacyPrefix = "/clinics"

	// FallbackPath receives legacy slug lookups that no longer resolve.
	FallbackPath = "/clinics"

	// SlugParam is the legacy query parameter carrying a clinic slug.
	SlugParam = "clinics"
)

//go:embed legacy_slugs.json
var legacySlugData []byte

// Table maps legacy clinic slugs to canonical destination paths. It is
// loaded once at startup and never mutated.
type Table struct {
	slugs map[string]string
}

// Load decodes the embedded slug table.
func Load() (*Table, error) {
	var slugs map[string]string
	if err := json.Unmarshal(legacySlugData, &slugs); err != nil {
		return nil, fmt.Errorf("decoding legacy slug table: %v", err)
	}
	return &Table{slugs: slugs}, nil
}

// Len reports the number of mapped slugs.
func (t *Table) Len() int { return len(t.slugs) }

// Resolve returns the canonical location for u and true when u is a legacy
// or non-canonical form, or ("", false) when no redirect is needed.
// Canonical inputs pass through unchanged and any produced location is a
// fixed point, so one redirect hop always suffices.
func (t *Table) Resolve(u *url.URL) (string, bool) {
	if u.Path == "/" {
		slug := u.Query().Get(SlugParam)
		if slug == "" {
			return "", false
		}
		if dest, ok := t.slugs[slug]; ok {
			return dest, true
		}
		return FallbackPath, true
	}

	if rest, ok := strings.CutPrefix(u.Path, LegacyPrefix+"/"); ok && rest != "" {
		slug := strings.TrimSuffix(rest, "/")
		return CanonicalPrefix + "/" + strings.ToLower(slug), true
	}

	lower := strings.ToLower(u.Path)
	if strings.HasPrefix(lower, CanonicalPrefix) && u.Path != lower {
		return lower, true
	}

	return "", false
}
