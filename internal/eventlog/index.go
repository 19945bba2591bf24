package eventlog

import "sync"

// index is the compact in-memory read index rebuilt on boot:
// aggregate → sequence list and kind → sparse sequence list. Queries
// use it to skip segments and to answer aggregate/kind range probes
// without touching disk.
type index struct {
	mu         sync.RWMutex
	byAggregate map[string][]uint64
	byKind      map[Kind][]uint64
}

func newIndex() *index {
	return &index{
		byAggregate: make(map[string][]uint64),
		byKind:      make(map[Kind][]uint64),
	}
}

// add records an event. Sequences arrive in ascending order, so the
// per-key slices stay sorted without extra work.
func (ix *index) add(e *Event) {
	ix.mu.Lock()
	ix.byAggregate[e.AggregateID] = append(ix.byAggregate[e.AggregateID], e.Sequence)
	ix.byKind[e.Kind] = append(ix.byKind[e.Kind], e.Sequence)
	ix.mu.Unlock()
}

// aggregateRange returns the first and last sequence for an aggregate,
// or ok=false if the aggregate has no events.
func (ix *index) aggregateRange(aggregateID string) (first, last uint64, ok bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seqs := ix.byAggregate[aggregateID]
	if len(seqs) == 0 {
		return 0, 0, false
	}
	return seqs[0], seqs[len(seqs)-1], true
}

// kindCount returns how many events of kind k have been appended.
func (ix *index) kindCount(k Kind) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byKind[k])
}

// narrow tightens a filter's sequence bounds using the indexes so the
// cursor can skip whole segments.
func (ix *index) narrow(f *Filter) (fromSeq, toSeq uint64) {
	fromSeq, toSeq = f.FromSeq, f.ToSeq
	if f.AggregateID == "" {
		return fromSeq, toSeq
	}
	first, last, ok := ix.aggregateRange(f.AggregateID)
	if !ok {
		// No events: force an empty range.
		return 1, 0
	}
	if first > fromSeq {
		fromSeq = first
	}
	if toSeq == 0 || last < toSeq {
		toSeq = last
	}
	return fromSeq, toSeq
}
