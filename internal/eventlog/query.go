package eventlog

import (
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/perms"
)

// Query opens a lazy cursor over events matching f, in sequence order.
// The cursor reflects every event durably stored at call time and never
// returns later ones; use Subscribe for a live stream. Every event is
// MAC-verified before it is handed out.
func (s *Store) Query(f Filter, agentID string) (*Cursor, error) {
	if err := s.auth.Authorize(agentID, perms.EventsQuery); err != nil {
		return nil, err
	}

	head := s.HeadSequence()
	if f.ToSeq == 0 || f.ToSeq > head {
		f.ToSeq = head
	}
	f.FromSeq, f.ToSeq = s.idx.narrow(&f)

	return &Cursor{store: s, filter: f, segs: s.segmentsSnapshot()}, nil
}

// QueryAll collects a bounded query into a slice. Intended for RPC
// handlers and tests; large unbounded scans should iterate the cursor.
func (s *Store) QueryAll(f Filter, agentID string) ([]*Event, error) {
	start := time.Now()
	cur, err := s.Query(f, agentID)
	if err != nil {
		return nil, err
	}
	defer func() {
		cur.Close()
		queryDuration.Observe(time.Since(start).Seconds())
	}()

	var out []*Event
	for cur.Next() {
		out = append(out, cur.Event())
	}
	return out, cur.Err()
}

// segmentsSnapshot returns rolled segments plus the active one, in
// index order, with their sequence ranges as of now.
func (s *Store) segmentsSnapshot() []*segmentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := make([]*segmentInfo, 0, len(s.writer.rolled)+1)
	for _, seg := range s.writer.rolled {
		cp := *seg
		segs = append(segs, &cp)
	}
	if s.writer.activeInfo != nil {
		cp := *s.writer.activeInfo
		segs = append(segs, &cp)
	}
	return segs
}

// Cursor iterates query results lazily, sql.Rows style:
//
//	for cur.Next() { use(cur.Event()) }
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	store  *Store
	filter Filter
	segs   []*segmentInfo

	segIdx  int
	file    *os.File
	zr      *gzip.Reader
	reader  io.Reader
	current *Event
	emitted int
	err     error
	done    bool
}

// Next advances to the next matching event. It returns false at the end
// of the result set or on error; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	if c.filter.ToSeq > 0 && c.filter.FromSeq > c.filter.ToSeq {
		c.finish()
		return false
	}
	if c.filter.Limit > 0 && c.emitted >= c.filter.Limit {
		c.finish()
		return false
	}

	for {
		if c.reader == nil {
			if !c.openNextSegment() {
				return false
			}
		}
		e, err := decodeRecord(c.reader)
		if err == io.EOF {
			c.closeSegment()
			continue
		}
		if err != nil {
			c.fail(err)
			return false
		}
		if e.Sequence > c.filter.ToSeq {
			c.finish()
			return false
		}
		if !c.filter.Match(e) {
			continue
		}
		if err := verifyEvent(e, c.store.secret); err != nil {
			c.fail(err)
			return false
		}
		c.current = e
		c.emitted++
		return true
	}
}

// Event returns the event positioned by the last successful Next.
func (c *Cursor) Event() *Event { return c.current }

// Err returns the first error encountered during iteration.
func (c *Cursor) Err() error { return c.err }

// Close releases any open segment readers. Safe to call repeatedly.
func (c *Cursor) Close() error {
	c.finish()
	return nil
}

func (c *Cursor) openNextSegment() bool {
	for c.segIdx < len(c.segs) {
		seg := c.segs[c.segIdx]
		c.segIdx++

		// Skip segments that cannot intersect the sequence window.
		if seg.MaxSeq > 0 && seg.MaxSeq < c.filter.FromSeq {
			continue
		}
		if c.filter.ToSeq > 0 && seg.MinSeq > c.filter.ToSeq {
			continue
		}

		f, err := os.Open(seg.Path)
		if err != nil {
			c.fail(errs.Wrap(errs.KindTransient, err, "open segment %s", seg.Path))
			return false
		}
		c.file = f
		if seg.Compressed {
			zr, err := gzip.NewReader(f)
			if err != nil {
				f.Close()
				c.fail(errs.Wrap(errs.KindIntegrityFault, err, "open compressed segment %s", seg.Path))
				return false
			}
			c.zr = zr
			c.reader = zr
		} else {
			c.reader = f
		}
		return true
	}
	c.finish()
	return false
}

func (c *Cursor) closeSegment() {
	if c.zr != nil {
		c.zr.Close()
		c.zr = nil
	}
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
	c.reader = nil
}

func (c *Cursor) finish() {
	c.closeSegment()
	c.done = true
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.finish()
}
