package redirects

import (
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u
}

func TestLoad(t *testing.T) {
	table, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if table.Len() == 0 {
		t.Fatal("expected a non-empty slug table")
	}
}

func TestTable_Resolve(t *testing.T) {
	table, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name     string
		raw      string
		location string
		redirect bool
	}{
		{"mapped legacy slug", "/?clinics=laurel-pain-clinic", "/pain-management/laurel-pain-clinic-ms-39440", true},
		{"unmapped legacy slug", "/?clinics=unknown-slug-xyz", "/clinics", true},
		{"root without slug param", "/", "", false},
		{"plural prefix", "/clinics/acme-pain-center", "/pain-management/acme-pain-center", true},
		{"plural prefix trailing slash", "/clinics/acme-pain-center/", "/pain-management/acme-pain-center", true},
		{"plural prefix mixed case", "/clinics/Acme-Pain-Center", "/pain-management/acme-pain-center", true},
		{"listing page itself", "/clinics", "", false},
		{"case variant", "/PAIN-MANAGEMENT/Acme-Clinic", "/pain-management/acme-clinic", true},
		{"canonical path", "/pain-management/acme-clinic", "", false},
		{"unrelated path", "/ms/jackson", "", false},
	}

	for _, tt := range tests {
		location, redirect := table.Resolve(mustParse(t, tt.raw))
		if redirect != tt.redirect {
			t.Errorf("%s: redirect = %v, want %v", tt.name, redirect, tt.redirect)
			continue
		}
		if location != tt.location {
			t.Errorf("%s: location = %q, want %q", tt.name, location, tt.location)
		}
	}
}

func TestTable_ResolveIsIdempotent(t *testing.T) {
	table, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	inputs := []string{
		"/?clinics=laurel-pain-clinic",
		"/?clinics=unknown-slug-xyz",
		"/clinics/Biloxi-Back-And-Neck/",
		"/PAIN-MANAGEMENT/Tupelo-Pain-Institute-MS-38801",
	}

	for _, raw := range inputs {
		location, redirect := table.Resolve(mustParse(t, raw))
		if !redirect {
			t.Fatalf("%s: expected a redirect", raw)
		}
		// One hop reaches the fixed point.
		if again, more := table.Resolve(mustParse(t, location)); more {
			t.Errorf("%s: canonical form %q redirected again to %q", raw, location, again)
		}
	}
}
