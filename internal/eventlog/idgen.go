package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/lighthouse/broker/internal/errs"
)

// idGenerator produces strictly increasing event IDs of the form
// {ns}_{seq}_{node}. Both components are zero-padded so lexicographic
// order on the string matches numeric order on (ns, seq).
//
// A clock sample below the last observed value is a ClockFault, not a
// warning: the generator refuses to emit and the broker halts. The
// highest observed ns is persisted across restarts (segments .meta) and
// seeded back in via restore().
type idGenerator struct {
	mu     sync.Mutex
	lastNS int64
	seq    uint32
	node   string
	nowNS  func() int64
}

func newIDGenerator(node string) *idGenerator {
	return &idGenerator{
		node:  node,
		nowNS: func() int64 { return time.Now().UnixNano() },
	}
}

// restore seeds the generator with the highest ns observed before a
// restart so IDs can never go backwards across process lifetimes.
func (g *idGenerator) restore(lastNS int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if lastNS > g.lastNS {
		g.lastNS = lastNS
		g.seq = 0
	}
}

// next returns a fresh ID and the ns it embeds.
func (g *idGenerator) next() (string, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowNS()
	switch {
	case now > g.lastNS:
		g.lastNS = now
		g.seq = 0
	case now == g.lastNS:
		g.seq++
	default:
		return "", 0, errs.New(errs.KindClockFault,
			"clock regression: now=%d < last=%d", now, g.lastNS)
	}
	return fmt.Sprintf("%019d_%06d_%s", g.lastNS, g.seq, g.node), g.lastNS, nil
}

// last returns the highest ns handed out so far.
func (g *idGenerator) last() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastNS
}
