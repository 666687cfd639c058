package catalog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// MagicBytes is the magic string that identifies a snapgc journal v1 file.
const MagicBytes = "SNAPJL1"

// JournalVersion is the current journal format version.
const JournalVersion uint16 = 1

// journalHeaderSize is the fixed size of the journal file header in bytes:
// 7-byte magic followed by a big-endian uint16 version.
const journalHeaderSize = 9

// maxRecordSize bounds a single journal record. A length prefix beyond this
// is treated as a torn or corrupt tail.
const maxRecordSize = 16 << 20

// recordKind discriminates journal records.
type recordKind uint8

const (
	recordUpsert recordKind = 1
	recordState  recordKind = 2
	recordEvent  recordKind = 3
)

// crc32cTable is the Castagnoli polynomial table used for record checksums.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Codec errors.
var (
	// ErrBadMagic is returned when the journal header does not start with
	// MagicBytes.
	ErrBadMagic = errors.New("catalog: bad journal magic")

	// ErrBadVersion is returned for an unsupported journal format version.
	ErrBadVersion = errors.New("catalog: unsupported journal version")

	// errTornRecord signals that the remaining bytes do not form a complete,
	// checksummed record. Replay stops at the last valid boundary.
	errTornRecord = errors.New("catalog: torn journal record")
)

// stateRecord is the payload of a recordState frame. The integer codes match
// the State enumeration order.
type stateRecord struct {
	ID       string `json:"id"`
	Expected int    `json:"expected"`
	Desired  int    `json:"desired"`
}

// writeJournalHeader writes the file header to w.
func writeJournalHeader(w io.Writer) error {
	buf := make([]byte, journalHeaderSize)
	copy(buf, MagicBytes)
	binary.BigEndian.PutUint16(buf[7:], JournalVersion)
	_, err := w.Write(buf)
	return err
}

// readJournalHeader validates the file header read from r.
func readJournalHeader(r io.Reader) error {
	buf := make([]byte, journalHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("catalog: read journal header: %w", err)
	}
	if string(buf[:7]) != MagicBytes {
		return ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(buf[7:]); v != JournalVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	return nil
}

// encodeRecord frames a record: length, kind, payload, CRC32C.
func encodeRecord(kind recordKind, payload []byte) []byte {
	body := len(payload) + 1
	buf := make([]byte, 4+body+4)
	binary.BigEndian.PutUint32(buf, uint32(body))
	buf[4] = byte(kind)
	copy(buf[5:], payload)
	crc := crc32.Checksum(buf[4:4+body], crc32cTable)
	binary.BigEndian.PutUint32(buf[4+body:], crc)
	return buf
}

// encodeUpsert frames an upsert record for the given snapshot.
func encodeUpsert(s Snapshot) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("catalog: marshal snapshot %q: %w", s.ID, err)
	}
	return encodeRecord(recordUpsert, payload), nil
}

// encodeState frames a state-transition record.
func encodeState(id string, expected, desired State) ([]byte, error) {
	payload, err := json.Marshal(stateRecord{ID: id, Expected: int(expected), Desired: int(desired)})
	if err != nil {
		return nil, fmt.Errorf("catalog: marshal state record %q: %w", id, err)
	}
	return encodeRecord(recordState, payload), nil
}

// encodeEvent frames an event record.
func encodeEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("catalog: marshal event %q: %w", e.SnapshotID, err)
	}
	return encodeRecord(recordEvent, payload), nil
}

// decodedRecord is one record read back from the journal.
type decodedRecord struct {
	kind    recordKind
	payload []byte
}

// recordDecoder reads framed records sequentially and tracks the offset of
// the last fully valid record so a torn tail can be truncated away.
type recordDecoder struct {
	r *offsetReader

	// validOffset is the file offset immediately after the last record that
	// decoded cleanly (or after the header when none have).
	validOffset int64
}

// offsetReader counts bytes consumed from the underlying reader.
type offsetReader struct {
	r io.Reader
	n int64
}

func (o *offsetReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.n += int64(n)
	return n, err
}

// newRecordDecoder validates the header and positions the decoder at the
// first record.
func newRecordDecoder(r io.Reader) (*recordDecoder, error) {
	or := &offsetReader{r: r}
	if err := readJournalHeader(or); err != nil {
		return nil, err
	}
	return &recordDecoder{r: or, validOffset: or.n}, nil
}

// next returns the next record. io.EOF signals a clean end of journal;
// errTornRecord signals an incomplete or corrupt tail. In both cases
// validOffset marks the end of the replayable prefix.
func (d *recordDecoder) next() (decodedRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return decodedRecord{}, io.EOF
		}
		return decodedRecord{}, errTornRecord
	}
	body := binary.BigEndian.Uint32(lenBuf[:])
	if body == 0 || body > maxRecordSize {
		return decodedRecord{}, errTornRecord
	}

	buf := make([]byte, int(body)+4)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return decodedRecord{}, errTornRecord
	}

	want := binary.BigEndian.Uint32(buf[body:])
	if crc32.Checksum(buf[:body], crc32cTable) != want {
		return decodedRecord{}, errTornRecord
	}

	d.validOffset = d.r.n
	return decodedRecord{kind: recordKind(buf[0]), payload: buf[1:body]}, nil
}
