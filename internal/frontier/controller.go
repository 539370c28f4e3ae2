// Package frontier implements crawl-order control: the visited set, the
// breadth-first frontier queue, and the depth/page budgets. The controller
// owns the resumable CrawlState.
package frontier

import (
	"sort"

	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
)

// State is the lifecycle position of a URL known to the controller.
type State string

// URL lifecycle states.
const (
	StateQueued     State = "queued"
	StateInProgress State = "in-progress"
	StateCaptured   State = "captured"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// Controller decides crawl order and enforces budgets. It is not safe for
// concurrent use; the crawl engine serializes access behind its own mutex,
// keeping frontier decisions single-threaded while captures run in parallel.
type Controller struct {
	seed     string
	maxDepth int
	maxPages int
	allow    map[string]struct{}
	logger   *zap.Logger

	queue  []archive.FrontierEntry
	states map[string]State
	depths map[string]int

	issued   int // captured + in-progress, gates maxPages under concurrency
	captured int
	failed   int
}

// New creates a Controller for one archive run. seed must already be
// normalized. maxPages <= 0 means unbounded; maxDepth < 0 means unbounded.
func New(seed string, maxDepth, maxPages int, allowHosts []string, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	allow := make(map[string]struct{}, len(allowHosts))
	for _, h := range allowHosts {
		allow[h] = struct{}{}
	}
	c := &Controller{
		seed:     seed,
		maxDepth: maxDepth,
		maxPages: maxPages,
		allow:    allow,
		logger:   logger,
		states:   make(map[string]State),
		depths:   make(map[string]int),
	}
	c.Enqueue(seed, 0, "")
	return c
}

// InScope reports whether a discovered link is a crawl candidate: same
// origin as the seed, or a host on the explicit allowlist.
func (c *Controller) InScope(rawURL string) bool {
	if archive.SameHost(c.seed, rawURL) {
		return true
	}
	for h := range c.allow {
		if archive.SameHost("https://"+h+"/", rawURL) {
			return true
		}
	}
	return false
}

// Enqueue adds url to the frontier at the given depth. Out-of-scope URLs
// are skipped permanently; URLs past the depth budget are left unrecorded,
// because captures complete out of order and a shallower parent may still
// rediscover them within budget. Rediscovering a queued URL through a
// shallower parent lowers its depth, keeping depth = min(parent depths)+1.
func (c *Controller) Enqueue(url string, depth int, referrer string) {
	if st, known := c.states[url]; known {
		if st == StateQueued && depth < c.depths[url] {
			c.depths[url] = depth
			for i := range c.queue {
				if c.queue[i].URL == url {
					c.queue[i].Depth = depth
					c.queue[i].Referrer = referrer
					break
				}
			}
		}
		return
	}
	if depth > 0 && !c.InScope(url) {
		c.states[url] = StateSkipped
		return
	}
	if c.maxDepth >= 0 && depth > c.maxDepth {
		return
	}
	c.states[url] = StateQueued
	c.depths[url] = depth
	c.queue = append(c.queue, archive.FrontierEntry{URL: url, Depth: depth, Referrer: referrer})
}

// Next pops the next frontier entry, or ok=false when the frontier is empty
// or the page budget is exhausted. The popped URL transitions to
// in-progress and counts against maxPages immediately, so concurrent
// callers can never oversubscribe the budget.
func (c *Controller) Next() (entry archive.FrontierEntry, ok bool) {
	if c.maxPages > 0 && c.issued >= c.maxPages {
		return archive.FrontierEntry{}, false
	}
	for len(c.queue) > 0 {
		entry, c.queue = c.queue[0], c.queue[1:]
		if c.states[entry.URL] != StateQueued {
			continue
		}
		c.states[entry.URL] = StateInProgress
		c.issued++
		return entry, true
	}
	return archive.FrontierEntry{}, false
}

// BudgetReached reports whether Next stopped because of maxPages rather
// than frontier exhaustion.
func (c *Controller) BudgetReached() bool {
	return c.maxPages > 0 && c.issued >= c.maxPages && len(c.queue) > 0
}

// Idle reports whether nothing is in flight.
func (c *Controller) Idle() bool {
	return c.issued == c.captured+c.failed
}

// MarkCaptured transitions an in-progress URL to captured.
func (c *Controller) MarkCaptured(url string) {
	if c.states[url] != StateInProgress {
		return
	}
	c.states[url] = StateCaptured
	c.captured++
}

// MarkFailed transitions an in-progress URL to failed. Failed pages do not
// retry within a run but remain in the state map so they are never
// re-enqueued.
func (c *Controller) MarkFailed(url string) {
	if c.states[url] != StateInProgress {
		return
	}
	c.states[url] = StateFailed
	c.failed++
	// A failed page never produced a manifest entry, so its budget slot is
	// returned to the pool.
	c.issued--
	c.logger.Debug("page marked failed", zap.String("url", url))
}

// MarkSkipped transitions an in-progress URL to skipped, returning its
// budget slot. Used for pages ruled out after popping, e.g. by robots.txt.
func (c *Controller) MarkSkipped(url string) {
	if c.states[url] != StateInProgress {
		return
	}
	c.states[url] = StateSkipped
	c.issued--
	c.logger.Debug("page skipped", zap.String("url", url))
}

// Captured returns the number of successfully captured pages.
func (c *Controller) Captured() int { return c.captured }

// Failed returns the number of failed pages.
func (c *Controller) Failed() int { return c.failed }

// Snapshot exports the controller state for persistence. Visited covers
// URLs resolved for good (captured or skipped); Pending is the remaining
// frontier in pop order. In-progress and failed URLs have no manifest entry,
// so both persist as pending: an interrupted or transiently failed page gets
// another attempt on resume instead of being excluded forever.
func (c *Controller) Snapshot() archive.CrawlState {
	state := archive.CrawlState{
		Captured: c.captured,
		Failed:   c.failed,
	}
	var retry []archive.FrontierEntry
	for url, st := range c.states {
		switch st {
		case StateCaptured, StateSkipped:
			state.Visited = append(state.Visited, url)
		case StateInProgress, StateFailed:
			retry = append(retry, archive.FrontierEntry{URL: url, Depth: c.depths[url]})
		}
	}
	sort.Strings(state.Visited)
	sort.Slice(retry, func(i, j int) bool { return retry[i].URL < retry[j].URL })
	state.Pending = append(state.Pending, retry...)
	for _, e := range c.queue {
		if c.states[e.URL] == StateQueued {
			state.Pending = append(state.Pending, e)
		}
	}
	return state
}

// Restore rebuilds a Controller from persisted state plus the manifest's
// captured pages. Previously captured URLs are marked captured (and count
// against the budget) so they are never re-fetched; pending entries are
// re-queued breadth-first.
func Restore(seed string, maxDepth, maxPages int, allowHosts []string,
	state archive.CrawlState, capturedPages []archive.PageManifest, logger *zap.Logger) *Controller {
	c := New(seed, maxDepth, maxPages, allowHosts, logger)
	// Drop the implicit seed enqueue; the persisted state governs.
	c.queue = nil
	c.states = make(map[string]State)
	c.depths = make(map[string]int)

	for _, p := range capturedPages {
		c.states[p.URL] = StateCaptured
		c.depths[p.URL] = p.Depth
		c.captured++
		c.issued++
	}
	for _, url := range state.Visited {
		if _, known := c.states[url]; !known {
			c.states[url] = StateSkipped
		}
	}

	pending := append([]archive.FrontierEntry(nil), state.Pending...)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Depth < pending[j].Depth })
	for _, e := range pending {
		if _, known := c.states[e.URL]; known {
			continue
		}
		c.states[e.URL] = StateQueued
		c.depths[e.URL] = e.Depth
		c.queue = append(c.queue, e)
	}

	if len(c.states) == 0 {
		// Nothing persisted; behave like a fresh run.
		c.Enqueue(seed, 0, "")
	}
	return c
}
