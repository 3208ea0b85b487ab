package orchestrator

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// frontier is the FIFO of links waiting to be crawled. Links are keyed by
// crawler.VisitKey so a URL is queued at most once per job.
type frontier struct {
	items  []crawler.CandidateLink
	queued mapset.Set[string]
}

func newFrontier() *frontier {
	return &frontier{queued: mapset.NewThreadUnsafeSet[string]()}
}

// Push appends link unless an equivalent URL was queued before. It reports
// whether the link was added.
func (f *frontier) Push(link crawler.CandidateLink) bool {
	key, err := crawler.VisitKey(link.URL)
	if err != nil {
		return false
	}
	if !f.queued.Add(key) {
		return false
	}
	f.items = append(f.items, link)
	return true
}

// PopLevel removes and returns every link at the depth of the head of the
// queue. Links are pushed in depth order, so a level is a prefix.
func (f *frontier) PopLevel() []crawler.CandidateLink {
	if len(f.items) == 0 {
		return nil
	}
	depth := f.items[0].Depth
	n := 0
	for n < len(f.items) && f.items[n].Depth == depth {
		n++
	}
	level := f.items[:n:n]
	f.items = f.items[n:]
	return level
}

// Len reports the number of queued links.
func (f *frontier) Len() int {
	return len(f.items)
}
