package collector

import (
	"context"
	"time"

	"github.com/queueobs/queueobs/pkg/udm"
)

// Multi fans a fetch out to several sources and yields their samples in
// source order. Hybrid mode runs the query-backed collector alongside the
// simulator so live clusters and synthetic topology share one pipeline.
type Multi struct {
	sources []Collector
}

func NewMulti(sources ...Collector) *Multi {
	return &Multi{sources: sources}
}

// Fetch fails when any source fails; a partial tick would make the absence
// sweep remove entities that are still alive on the failed source.
func (m *Multi) Fetch(ctx context.Context, since time.Duration) (Iterator, error) {
	iterators := make([]Iterator, 0, len(m.sources))
	for _, src := range m.sources {
		it, err := src.Fetch(ctx, since)
		if err != nil {
			return nil, err
		}
		iterators = append(iterators, it)
	}
	return &chainIterator{iterators: iterators}, nil
}

type chainIterator struct {
	iterators []Iterator
	pos       int
}

func (it *chainIterator) Next() (udm.RawSample, bool) {
	for it.pos < len(it.iterators) {
		if s, ok := it.iterators[it.pos].Next(); ok {
			return s, true
		}
		it.pos++
	}
	return nil, false
}
