// Package lifecycle owns crawl job state transitions and admission.
package lifecycle

import "github.com/JakeFAU/crawl-orchestrator/internal/crawl"

var transitions = map[crawl.Status][]crawl.Status{
	crawl.StatusPending:  {crawl.StatusQueued, crawl.StatusFailed, crawl.StatusCancelled},
	crawl.StatusQueued:   {crawl.StatusCrawling, crawl.StatusScoring, crawl.StatusFailed, crawl.StatusCancelled},
	crawl.StatusCrawling: {crawl.StatusScoring, crawl.StatusFailed, crawl.StatusCancelled},
	crawl.StatusScoring:  {crawl.StatusComplete, crawl.StatusFailed, crawl.StatusCancelled},
}

// Allowed reports whether a job may move from one status to another.
func Allowed(from, to crawl.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources lists every status from which to is reachable.
func Sources(to crawl.Status) []crawl.Status {
	var out []crawl.Status
	for _, from := range crawl.ActiveStatuses {
		if Allowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}
