package iptrack

import (
	"fmt"
	"regexp"
	"testing"
	"time"
)

var browse = regexp.MustCompile(`^/[a-z]{2}(/[a-z0-9-]+)?/?$`)

// fakeClock pins the tracker to a controllable time.
func fakeClock(t *Tracker) func(time.Duration) {
	current := time.Now()
	t.now = func() time.Time { return current }
	return func(d time.Duration) { current = current.Add(d) }
}

func TestTracker_RateLimitThreshold(t *testing.T) {
	tr := New(time.Minute, 3, 5, browse)

	for i := 1; i <= 3; i++ {
		if tr.IsRateLimited("1.1.1.1") {
			t.Fatalf("request %d: expected not limited", i)
		}
	}
	if !tr.IsRateLimited("1.1.1.1") {
		t.Error("request 4: expected limited")
	}
}

func TestTracker_WindowReset(t *testing.T) {
	tr := New(time.Minute, 2, 5, browse)
	advance := fakeClock(tr)

	tr.IsRateLimited("1.1.1.1")
	tr.IsRateLimited("1.1.1.1")
	if !tr.IsRateLimited("1.1.1.1") {
		t.Fatal("expected limited within window")
	}

	// Past the window the record is treated as absent and recreated.
	advance(61 * time.Second)
	if tr.IsRateLimited("1.1.1.1") {
		t.Error("expected fresh window after expiry")
	}
}

func TestTracker_RateLimitIsolatedPerIP(t *testing.T) {
	tr := New(time.Minute, 1, 5, browse)

	tr.IsRateLimited("1.1.1.1")
	if tr.IsRateLimited("2.2.2.2") {
		t.Error("expected second IP to have its own window")
	}
}

func TestTracker_DirectoryCrawlDistinctPaths(t *testing.T) {
	tr := New(time.Minute, 60, 2, browse)

	if tr.IsDirectoryCrawler("1.1.1.1", "/ms") {
		t.Error("first browse page flagged")
	}
	if tr.IsDirectoryCrawler("1.1.1.1", "/al") {
		t.Error("second browse page flagged")
	}
	if tr.IsDirectoryCrawler("1.1.1.1", "/ms") {
		t.Error("repeated page must not count as distinct")
	}
	if !tr.IsDirectoryCrawler("1.1.1.1", "/tn") {
		t.Error("third distinct page not flagged")
	}
}

func TestTracker_DirectoryCrawlIgnoresNonBrowsePaths(t *testing.T) {
	tr := New(time.Minute, 60, 1, browse)

	for i := 0; i < 20; i++ {
		if tr.IsDirectoryCrawler("1.1.1.1", fmt.Sprintf("/pain-management/clinic-%d", i)) {
			t.Fatal("detail pages must never count toward crawl detection")
		}
	}
}

func TestTracker_DirectoryCrawlWindowReset(t *testing.T) {
	tr := New(time.Minute, 60, 1, browse)
	advance := fakeClock(tr)

	tr.IsDirectoryCrawler("1.1.1.1", "/ms")
	if !tr.IsDirectoryCrawler("1.1.1.1", "/al") {
		t.Fatal("expected flag within window")
	}

	advance(61 * time.Second)
	if tr.IsDirectoryCrawler("1.1.1.1", "/tn") {
		t.Error("expected fresh path set after window expiry")
	}
}

func TestTracker_SweepEvictsStaleRecords(t *testing.T) {
	tr := New(time.Minute, 60, 5, browse)
	advance := fakeClock(tr)

	tr.IsRateLimited("stale-ip")
	tr.IsDirectoryCrawler("stale-ip", "/ms")

	// Far enough for both the sweep gate (2m) and staleness (2x window).
	advance(5 * time.Minute)
	tr.IsRateLimited("fresh-ip")

	if tr.rates.Has("stale-ip") {
		t.Error("expected stale rate record to be evicted")
	}
	if tr.crawls.Has("stale-ip") {
		t.Error("expected stale crawl record to be evicted")
	}
	if !tr.rates.Has("fresh-ip") {
		t.Error("expected fresh record to survive the sweep")
	}
}

func TestTracker_SweepRespectsInterval(t *testing.T) {
	tr := New(time.Minute, 60, 5, browse)
	advance := fakeClock(tr)

	tr.IsRateLimited("stale-ip")

	// Record is stale by age, but a sweep just ran: the next request must
	// not pay for another one.
	advance(130 * time.Second)
	tr.lastSweep.Store(tr.now().UnixNano())
	tr.IsRateLimited("fresh-ip")

	if !tr.rates.Has("stale-ip") {
		t.Error("sweep ran before the interval elapsed")
	}
}
