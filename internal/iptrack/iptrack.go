// Package iptrack keeps per-IP request accounting for the edge gate: a fixed
// 60-second window rate counter and a per-window set of distinct directory
// browse pages. Both caches are best-effort and process-local; instances in
// other processes or regions keep their own counts and no cross-process
// synchronization is attempted.
package iptrack

import (
	"regexp"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	// DefaultWindow is the accounting window shared by the rate counter and
	// the crawl detector.
	DefaultWindow = 60 * time.Second

	// DefaultMaxRequests is the number of requests allowed per IP per window.
	DefaultMaxRequests = 60

	// DefaultMaxBrowsePaths is the number of distinct browse pages an IP may
	// fetch per window before being classified as a crawler.
	DefaultMaxBrowsePaths = 5

	// sweepEvery bounds how often the stale-entry sweep may run.
	sweepEvery = 2 * time.Minute
)

type rateRecord struct {
	count       int
	windowStart time.Time
}

type crawlRecord struct {
	paths       map[string]struct{}
	windowStart time.Time
}

// Tracker owns the two per-IP maps. All record mutation happens inside
// Upsert callbacks, which the map runs under its shard lock, so the
// read-window-then-increment sequences stay atomic per key under concurrent
// request handlers.
type Tracker struct {
	window      time.Duration
	maxRequests int
	maxPaths    int
	browsePath  *regexp.Regexp

	rates  cmap.ConcurrentMap[string, rateRecord]
	crawls cmap.ConcurrentMap[string, crawlRecord]

	lastSweep atomic.Int64 // unix nanos of the last sweep

	now func() time.Time // swapped out in tests
}

// New builds a Tracker. browsePath decides which request paths count toward
// crawl detection; non-matching paths never do, regardless of IP behavior.
func New(window time.Duration, maxRequests, maxPaths int, browsePath *regexp.Regexp) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if maxPaths <= 0 {
		maxPaths = DefaultMaxBrowsePaths
	}
	t := &Tracker{
		window:      window,
		maxRequests: maxRequests,
		maxPaths:    maxPaths,
		browsePath:  browsePath,
		rates:       cmap.New[rateRecord](),
		crawls:      cmap.New[crawlRecord](),
		now:         time.Now,
	}
	t.lastSweep.Store(t.now().UnixNano())
	return t
}

// IsRateLimited counts one request from ip against the current window and
// reports whether the post-increment count exceeds the limit. An expired
// record is replaced by a fresh window with count 1, so a client can burst
// close to twice the limit across a window boundary; that imprecision is
// accepted for a best-effort edge defense.
func (t *Tracker) IsRateLimited(ip string) bool {
	now := t.now()
	t.maybeSweep(now)

	limited := false
	t.rates.Upsert(ip, rateRecord{}, func(exists bool, current, _ rateRecord) rateRecord {
		if !exists || now.Sub(current.windowStart) > t.window {
			return rateRecord{count: 1, windowStart: now}
		}
		current.count++
		limited = current.count > t.maxRequests
		return current
	})
	return limited
}

// IsDirectoryCrawler records path for ip when it is a browse page and
// reports whether the IP has now fetched more distinct browse pages than
// allowed within the window. Re-requesting an already-seen path does not
// grow the set.
func (t *Tracker) IsDirectoryCrawler(ip, path string) bool {
	if !t.browsePath.MatchString(path) {
		return false
	}
	now := t.now()

	flagged := false
	t.crawls.Upsert(ip, crawlRecord{}, func(exists bool, current, _ crawlRecord) crawlRecord {
		if !exists || now.Sub(current.windowStart) > t.window {
			current = crawlRecord{paths: make(map[string]struct{}), windowStart: now}
		}
		current.paths[path] = struct{}{}
		flagged = len(current.paths) > t.maxPaths
		return current
	})
	return flagged
}

// maybeSweep evicts records staler than twice the window from both maps.
// It is piggybacked on request handling rather than a background timer and
// runs at most once per sweepEvery; the CAS makes sure only one request
// pays for a given sweep.
func (t *Tracker) maybeSweep(now time.Time) {
	last := t.lastSweep.Load()
	if now.UnixNano()-last < int64(sweepEvery) {
		return
	}
	if !t.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	staleBefore := now.Add(-2 * t.window)
	for _, ip := range t.rates.Keys() {
		t.rates.RemoveCb(ip, func(_ string, rec rateRecord, exists bool) bool {
			return exists && rec.windowStart.Before(staleBefore)
		})
	}
	for _, ip := range t.crawls.Keys() {
		t.crawls.RemoveCb(ip, func(_ string, rec crawlRecord, exists bool) bool {
			return exists && rec.windowStart.Before(staleBefore)
		})
	}
}
