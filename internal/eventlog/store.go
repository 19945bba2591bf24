package eventlog

import (
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/perms"
)

// Authorizer is the slice of the coordinated authenticator the log
// needs. Injecting the interface keeps the dependency one-directional:
// auth emits events through the store, the store only asks auth whether
// an agent may act.
type Authorizer interface {
	Authorize(agentID string, p perms.Permission) error
}

// Options configures a Store.
type Options struct {
	DataDir      string
	NodeID       string
	Secret       []byte
	MaxEventSize int
	SegmentSize  int64
	SubBufferSize int
	// SystemAgentID is the identity used for broker-internal appends
	// such as subscriber-drop audit events.
	SystemAgentID string
}

const (
	maxBatchEvents = 1000
	maxBatchBytes  = 10 << 20
)

// Store is the append-only event log. A single writer lock spans
// serialize+MAC+write+fsync; readers go to the in-memory index and the
// segment files and never block the writer for long.
type Store struct {
	auth   Authorizer
	secret []byte
	dir    string
	nodeID string
	maxEventSize int

	// mu is the writer lock. Held through fsync: the critical section
	// around a single append is deliberately non-suspendable.
	mu     sync.Mutex
	writer *segmentWriter
	idgen  *idGenerator
	seq    uint64

	idx *index

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
	subBuf int

	systemAgent string

	logger *slog.Logger
}

// Open recovers the log from disk: every segment is scanned, CRCs and
// MACs verified, the active segment truncated at the first corrupt
// record, and the sequence counter and ID generator restored so neither
// can go backwards across restarts.
func Open(opts Options, auth Authorizer) (*Store, error) {
	if len(opts.Secret) == 0 {
		return nil, errs.New(errs.KindIntegrityFault, "event log opened without a MAC secret")
	}
	if opts.MaxEventSize == 0 {
		opts.MaxEventSize = 1 << 20
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = 100 << 20
	}
	if opts.SubBufferSize == 0 {
		opts.SubBufferSize = 1000
	}
	if opts.SystemAgentID == "" {
		opts.SystemAgentID = "lighthouse-system"
	}

	dir := filepath.Join(opts.DataDir, "events")
	logger := slog.With("component", "eventlog")

	w, err := openSegmentWriter(dir, opts.SegmentSize, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		auth:         auth,
		secret:       opts.Secret,
		dir:          dir,
		nodeID:       opts.NodeID,
		maxEventSize: opts.MaxEventSize,
		writer:       w,
		idgen:        newIDGenerator(opts.NodeID),
		idx:          newIndex(),
		subs:         make(map[*Subscription]struct{}),
		subBuf:       opts.SubBufferSize,
		systemAgent:  opts.SystemAgentID,
		logger:       logger,
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover scans all segments in order, rebuilding indexes and counters.
func (s *Store) recover() error {
	segs, err := listSegments(s.dir)
	if err != nil {
		return errs.Wrap(errs.KindIntegrityFault, err, "list segments")
	}

	meta, err := readMeta(s.dir)
	if err != nil {
		return errs.Wrap(errs.KindIntegrityFault, err, "read log meta")
	}

	var maxNS int64
	var activeSeg *segmentInfo
	activeIndex := 0
	for i, seg := range segs {
		last := i == len(segs)-1
		segCopy := seg

		endOffset, scanErr := scanSegment(seg.Path, seg.Compressed, func(e *Event) error {
			if verr := verifyEvent(e, s.secret); verr != nil {
				return verr
			}
			if e.Sequence != s.seq+1 {
				return errs.New(errs.KindIntegrityFault,
					"sequence gap in %s: have %d want %d", segCopy.Path, e.Sequence, s.seq+1)
			}
			s.seq = e.Sequence
			if ns := nsFromID(e.ID); ns > maxNS {
				maxNS = ns
			}
			s.idx.add(e)
			if segCopy.MinSeq == 0 {
				segCopy.MinSeq = e.Sequence
			}
			segCopy.MaxSeq = e.Sequence
			return nil
		})

		if scanErr != nil {
			if !last || seg.Compressed {
				// Corruption in a sealed segment is beyond recoverable
				// truncation; surface it and let the broker exit 2.
				return errs.Wrap(errs.KindIntegrityFault, scanErr,
					"corrupt sealed segment %s", seg.Path)
			}
			// Active segment: truncate at the first corrupt record.
			s.logger.Warn("truncating corrupt tail of active segment",
				"segment", seg.Path, "offset", endOffset, "error", scanErr)
			if terr := truncateFile(seg.Path, endOffset); terr != nil {
				return errs.Wrap(errs.KindIntegrityFault, terr, "truncate active segment")
			}
		}

		if last && !seg.Compressed {
			activeIndex = seg.Index
			activeSeg = segCopy
		} else {
			s.writer.rolled = append(s.writer.rolled, segCopy)
			// Crash between roll and reopen: start a fresh segment
			// after the highest sealed one.
			if last {
				activeIndex = seg.Index + 1
			}
		}
	}

	if meta != nil {
		if meta.LastSequence > s.seq {
			return errs.New(errs.KindIntegrityFault,
				"meta sequence %d ahead of recovered %d: missing events", meta.LastSequence, s.seq)
		}
		if meta.LastMonotonicNS > maxNS {
			maxNS = meta.LastMonotonicNS
		}
	}
	s.idgen.restore(maxNS)

	if err := s.writer.openActive(activeIndex); err != nil {
		return errs.Wrap(errs.KindIntegrityFault, err, "open active segment")
	}
	if activeSeg != nil {
		s.writer.activeInfo.MinSeq = activeSeg.MinSeq
		s.writer.activeInfo.MaxSeq = activeSeg.MaxSeq
	}

	s.logger.Info("event log recovered",
		"segments", len(segs), "head_sequence", s.seq, "last_ns", maxNS)
	return nil
}

// Append validates, orders, signs, and durably writes one event. On
// success the assigned id and sequence are set on e and returned.
func (s *Store) Append(e *Event, appendingAgent string) (string, uint64, error) {
	if err := s.auth.Authorize(appendingAgent, perms.EventsWrite); err != nil {
		return "", 0, err
	}
	if err := s.validate(e); err != nil {
		return "", 0, err
	}

	start := time.Now()
	s.mu.Lock()
	id, _, err := s.idgen.next()
	if err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	e.ID = id
	e.Sequence = s.seq + 1
	e.AgentID = appendingAgent
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	sig, err := signEvent(e, s.secret)
	if err != nil {
		s.mu.Unlock()
		return "", 0, errs.Wrap(errs.KindIntegrityFault, err, "sign event")
	}
	e.Signature = sig

	rec, err := encodeRecord(e)
	if err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	if err := s.writer.append(rec, e.Sequence); err != nil {
		s.mu.Unlock()
		return "", 0, errs.Wrap(errs.KindTransient, err, "append to segment")
	}
	s.seq = e.Sequence
	s.idx.add(e)
	s.maybeRoll()
	// Publish before releasing the writer lock: a concurrent appender
	// must not get its higher sequence into subscriber buffers first.
	published := *e
	s.publish(&published)
	s.mu.Unlock()

	appendDuration.Observe(time.Since(start).Seconds())
	appendTotal.WithLabelValues(string(e.Kind)).Inc()
	return e.ID, e.Sequence, nil
}

// AppendBatch appends up to 1000 events (10 MiB encoded) atomically:
// contiguous sequences, one fsync, and on any failure the segment is
// truncated back so no partial batch is ever visible.
func (s *Store) AppendBatch(events []*Event, appendingAgent string) ([]string, error) {
	if err := s.auth.Authorize(appendingAgent, perms.EventsWrite); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	if len(events) > maxBatchEvents {
		return nil, errs.New(errs.KindInvalidPayload, "batch of %d exceeds %d events", len(events), maxBatchEvents)
	}
	for _, e := range events {
		if err := s.validate(e); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	startSize := s.writer.activeSize
	startSeq := s.seq
	firstSeq := s.seq + 1

	records := make([][]byte, 0, len(events))
	ids := make([]string, 0, len(events))
	total := 0
	for i, e := range events {
		id, _, err := s.idgen.next()
		if err != nil {
			return nil, err
		}
		e.ID = id
		e.Sequence = firstSeq + uint64(i)
		e.AgentID = appendingAgent
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		sig, err := signEvent(e, s.secret)
		if err != nil {
			return nil, errs.Wrap(errs.KindIntegrityFault, err, "sign batch event")
		}
		e.Signature = sig
		rec, err := encodeRecord(e)
		if err != nil {
			return nil, err
		}
		total += len(rec)
		if total > maxBatchBytes {
			return nil, errs.New(errs.KindInvalidPayload, "batch exceeds %d encoded bytes", maxBatchBytes)
		}
		records = append(records, rec)
		ids = append(ids, id)
	}

	if err := s.writer.appendAll(records, firstSeq); err != nil {
		// Roll back: nothing from the batch may be observable.
		if terr := truncateFile(s.writer.activeInfo.Path, startSize); terr == nil {
			s.writer.activeSize = startSize
		}
		s.seq = startSeq
		return nil, errs.Wrap(errs.KindTransient, err, "append batch")
	}
	s.seq = firstSeq + uint64(len(events)) - 1
	for _, e := range events {
		s.idx.add(e)
	}
	s.maybeRoll()

	for _, e := range events {
		published := *e
		s.publish(&published)
	}
	return ids, nil
}

func (s *Store) validate(e *Event) error {
	if !e.Kind.Valid() {
		return errs.New(errs.KindInvalidPayload, "unknown event kind %q", e.Kind)
	}
	if e.AggregateID == "" {
		return errs.New(errs.KindInvalidPayload, "event missing aggregate id")
	}
	if len(e.Payload) > s.maxEventSize {
		return errs.New(errs.KindInvalidPayload,
			"payload %d bytes exceeds %d limit", len(e.Payload), s.maxEventSize)
	}
	return nil
}

// maybeRoll is called with the writer lock held.
func (s *Store) maybeRoll() {
	if !s.writer.shouldRoll() {
		return
	}
	if err := s.writer.roll(); err != nil {
		s.logger.Error("segment roll failed", "error", err)
		return
	}
	segmentRolls.Inc()
	// Pin the high-water marks so a restart cannot reuse an id or
	// sequence even if the active segment is lost.
	if err := writeMeta(s.dir, &logMeta{
		LastMonotonicNS: s.idgen.last(),
		LastSequence:    s.seq,
		NodeID:          s.nodeID,
	}); err != nil {
		s.logger.Error("meta write failed", "error", err)
	}
}

// HeadSequence returns the last assigned sequence number.
func (s *Store) HeadSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Stats describes the log for health reporting.
type Stats struct {
	HeadSequence   uint64 `json:"head_sequence"`
	Segments       int    `json:"segments"`
	ActiveSegBytes int64  `json:"active_segment_bytes"`
	Subscribers    int    `json:"subscribers"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	segs := len(s.writer.rolled) + 1
	size := s.writer.activeSize
	head := s.seq
	s.mu.Unlock()

	s.subMu.Lock()
	subs := len(s.subs)
	s.subMu.Unlock()

	return Stats{HeadSequence: head, Segments: segs, ActiveSegBytes: size, Subscribers: subs}
}

// Close flushes the active segment and persists the meta file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeMeta(s.dir, &logMeta{
		LastMonotonicNS: s.idgen.last(),
		LastSequence:    s.seq,
		NodeID:          s.nodeID,
	}); err != nil {
		s.logger.Error("meta write on close failed", "error", err)
	}
	return s.writer.close()
}

// nsFromID parses the monotonic ns prefix out of an event id.
func nsFromID(id string) int64 {
	i := strings.IndexByte(id, '_')
	if i < 0 {
		return 0
	}
	ns, err := strconv.ParseInt(id[:i], 10, 64)
	if err != nil {
		return 0
	}
	return ns
}
