package eventlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/lighthouse/broker/internal/errs"
)

// Record framing on disk:
//
//	[4 bytes big-endian body length][4 bytes CRC32C of body][body]
//
// where body is the deterministic CBOR encoding of the Event including
// its Signature. The CRC detects torn or bit-rotted writes; the HMAC
// signature inside the body detects tampering.

const (
	frameHeaderSize = 8
	// maxRecordSize bounds a single framed record: 1 MiB payload plus
	// generous envelope headroom.
	maxRecordSize = (1 << 20) + (64 << 10)
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// signEvent computes the HMAC-SHA256 over the event body with the
// signature field cleared. The appending agent's id is part of the
// signed body, binding the MAC to that identity.
func signEvent(e *Event, secret []byte) ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	body, err := encMode.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal event for signing: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil), nil
}

// verifyEvent recomputes the MAC and compares in constant time.
func verifyEvent(e *Event, secret []byte) error {
	want, err := signEvent(e, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, e.Signature) {
		return errs.New(errs.KindIntegrityFault, "event %s failed MAC verification", e.ID)
	}
	return nil
}

// encodeRecord frames a signed event for disk.
func encodeRecord(e *Event) ([]byte, error) {
	body, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if len(body) > maxRecordSize {
		return nil, errs.New(errs.KindInvalidPayload, "encoded record %d bytes exceeds limit", len(body))
	}
	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(body, crcTable))
	copy(buf[frameHeaderSize:], body)
	return buf, nil
}

// decodeRecord reads one framed record from r. Returns io.EOF cleanly at
// end of stream and an IntegrityFault on CRC mismatch or truncation.
func decodeRecord(r io.Reader) (*Event, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.KindIntegrityFault, err, "truncated record header")
	}
	length := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])
	if length == 0 || length > maxRecordSize {
		return nil, errs.New(errs.KindIntegrityFault, "record length %d out of range", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errs.Wrap(errs.KindIntegrityFault, err, "truncated record body")
	}
	if got := crc32.Checksum(body, crcTable); got != wantCRC {
		return nil, errs.New(errs.KindIntegrityFault, "record CRC mismatch: got %08x want %08x", got, wantCRC)
	}
	var e Event
	if err := cbor.Unmarshal(body, &e); err != nil {
		return nil, errs.Wrap(errs.KindIntegrityFault, err, "undecodable record body")
	}
	return &e, nil
}
