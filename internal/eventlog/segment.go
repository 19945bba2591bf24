package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Segment files live under <dataDir>/events as NNNNNN.log (active or
// not yet compressed) and NNNNNN.log.gz (rolled). The .meta file pins
// the highest monotonic ns and sequence so restarts cannot reuse either.

const (
	segmentExt   = ".log"
	gzExt        = ".log.gz"
	metaFileName = ".meta"
)

type segmentInfo struct {
	Index      int
	Path       string
	Compressed bool
	MinSeq     uint64
	MaxSeq     uint64
}

type logMeta struct {
	LastMonotonicNS int64  `json:"last_monotonic_ns"`
	LastSequence    uint64 `json:"last_sequence"`
	NodeID          string `json:"node_id"`
}

func segmentName(index int) string {
	return fmt.Sprintf("%06d%s", index, segmentExt)
}

func parseSegmentName(name string) (index int, compressed bool, ok bool) {
	base := name
	switch {
	case strings.HasSuffix(name, gzExt):
		base = strings.TrimSuffix(name, gzExt)
		compressed = true
	case strings.HasSuffix(name, segmentExt):
		base = strings.TrimSuffix(name, segmentExt)
	default:
		return 0, false, false
	}
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false, false
	}
	return n, compressed, true
}

// segmentWriter owns the active segment file. All appends happen under
// the store's writer lock; the writer itself is not goroutine-safe.
type segmentWriter struct {
	dir     string
	maxSize int64
	logger  *slog.Logger

	active     *os.File
	activeInfo *segmentInfo
	activeSize int64
	rolled     []*segmentInfo
}

func openSegmentWriter(dir string, maxSize int64, logger *slog.Logger) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	return &segmentWriter{dir: dir, maxSize: maxSize, logger: logger}, nil
}

// openActive opens (or creates) the segment with the given index for
// appending. Called during recovery and after each roll.
func (w *segmentWriter) openActive(index int) error {
	path := filepath.Join(w.dir, segmentName(index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.active = f
	w.activeInfo = &segmentInfo{Index: index, Path: path}
	w.activeSize = st.Size()
	return nil
}

// append writes one framed record and fsyncs. The caller holds the
// writer lock through this call; acknowledgement implies durability.
func (w *segmentWriter) append(record []byte, seq uint64) error {
	if _, err := w.active.Write(record); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("fsync segment: %w", err)
	}
	w.activeSize += int64(len(record))
	if w.activeInfo.MinSeq == 0 {
		w.activeInfo.MinSeq = seq
	}
	w.activeInfo.MaxSeq = seq
	return nil
}

// appendAll writes a batch of records with a single fsync, keeping the
// batch atomic from the durability acknowledgement's point of view.
func (w *segmentWriter) appendAll(records [][]byte, firstSeq uint64) error {
	for _, rec := range records {
		if _, err := w.active.Write(rec); err != nil {
			return fmt.Errorf("write batch record: %w", err)
		}
		w.activeSize += int64(len(rec))
	}
	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("fsync segment: %w", err)
	}
	if w.activeInfo.MinSeq == 0 {
		w.activeInfo.MinSeq = firstSeq
	}
	w.activeInfo.MaxSeq = firstSeq + uint64(len(records)) - 1
	return nil
}

func (w *segmentWriter) shouldRoll() bool {
	return w.activeSize >= w.maxSize
}

// roll closes the active segment, gzips it, removes the plain file, and
// opens the next segment. Compression failure leaves the plain segment
// in place; the log stays readable either way.
func (w *segmentWriter) roll() error {
	info := w.activeInfo
	if err := w.active.Close(); err != nil {
		return fmt.Errorf("close segment for roll: %w", err)
	}

	if err := compressSegment(info.Path); err != nil {
		w.logger.Warn("segment compression failed, keeping plain file",
			"segment", info.Path, "error", err)
	} else {
		info.Path += ".gz"
		info.Compressed = true
	}
	w.rolled = append(w.rolled, info)

	w.logger.Info("rolled segment",
		"index", info.Index, "min_seq", info.MinSeq, "max_seq", info.MaxSeq)
	return w.openActive(info.Index + 1)
}

func (w *segmentWriter) close() error {
	if w.active == nil {
		return nil
	}
	if err := w.active.Sync(); err != nil {
		return err
	}
	return w.active.Close()
}

func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// scanSegment iterates every decodable record in a segment, calling fn
// with the byte offset of each record's frame start. It stops at the
// first corrupt record and returns its offset with the error.
func scanSegment(path string, compressed bool, fn func(e *Event) error) (lastGood int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer zr.Close()
		r = zr
	}

	cr := &countingReader{r: r}
	for {
		offset := cr.n
		e, derr := decodeRecord(cr)
		if derr == io.EOF {
			return cr.n, nil
		}
		if derr != nil {
			return offset, derr
		}
		if ferr := fn(e); ferr != nil {
			return offset, ferr
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// listSegments returns every segment in dir, ascending by index.
func listSegments(dir string) ([]*segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var segs []*segmentInfo
	for _, ent := range entries {
		index, compressed, ok := parseSegmentName(ent.Name())
		if !ok {
			continue
		}
		segs = append(segs, &segmentInfo{
			Index:      index,
			Path:       filepath.Join(dir, ent.Name()),
			Compressed: compressed,
		})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })
	return segs, nil
}

func truncateFile(path string, size int64) error {
	return os.Truncate(path, size)
}

func readMeta(dir string) (*logMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m logMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", metaFileName, err)
	}
	return &m, nil
}

func writeMeta(dir string, m *logMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, metaFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, metaFileName))
}
