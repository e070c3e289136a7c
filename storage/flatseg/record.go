package flatseg

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hupe1980/docengine/storage"
)

// Record framing inside a segment's compressed stream:
//
//	[CRC32: 4] [Length: 4] [Payload: Length]
//
// Payload: seqno u64, term u64, version u64, flags u8, id (u16 len),
// routing (u16 len), source (u32 len). Little-endian throughout; the
// checksum covers the payload.
const recordHeaderSize = 4 + 4

const recFlagDeleted = 1 << 0

func encodeDoc(buf []byte, doc *storage.Document) ([]byte, error) {
	if len(doc.ID) > 0xFFFF {
		return nil, fmt.Errorf("flatseg: document id too long (%d bytes)", len(doc.ID))
	}

	payload := make([]byte, 0, 32+len(doc.ID)+len(doc.Routing)+len(doc.Source))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(doc.SeqNo))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(doc.PrimaryTerm))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(doc.Version))
	var flags byte
	if doc.Deleted {
		flags |= recFlagDeleted
	}
	payload = append(payload, flags)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(doc.ID)))
	payload = append(payload, doc.ID...)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(doc.Routing)))
	payload = append(payload, doc.Routing...)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(doc.Source)))
	payload = append(payload, doc.Source...)

	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...), nil
}

func decodeDoc(r io.Reader) (*storage.Document, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: record header: %v", errCorrupted, err)
	}
	checksum := binary.LittleEndian.Uint32(hdr[:4])
	length := binary.LittleEndian.Uint32(hdr[4:])
	if length > maxSegmentRecordSize {
		return nil, fmt.Errorf("%w: record length %d", errCorrupted, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: record payload: %v", errCorrupted, err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: record checksum mismatch", errCorrupted)
	}

	need := func(n int, off *int) ([]byte, error) {
		if len(payload)-*off < n {
			return nil, fmt.Errorf("%w: short record payload", errCorrupted)
		}
		b := payload[*off : *off+n]
		*off += n
		return b, nil
	}

	off := 0
	fixed, err := need(8+8+8+1, &off)
	if err != nil {
		return nil, err
	}
	doc := &storage.Document{}
	doc.SeqNo = int64(binary.LittleEndian.Uint64(fixed[0:]))
	doc.PrimaryTerm = int64(binary.LittleEndian.Uint64(fixed[8:]))
	doc.Version = int64(binary.LittleEndian.Uint64(fixed[16:]))
	doc.Deleted = fixed[24]&recFlagDeleted != 0

	lenBuf, err := need(2, &off)
	if err != nil {
		return nil, err
	}
	id, err := need(int(binary.LittleEndian.Uint16(lenBuf)), &off)
	if err != nil {
		return nil, err
	}
	doc.ID = string(id)

	lenBuf, err = need(2, &off)
	if err != nil {
		return nil, err
	}
	routing, err := need(int(binary.LittleEndian.Uint16(lenBuf)), &off)
	if err != nil {
		return nil, err
	}
	doc.Routing = string(routing)

	lenBuf, err = need(4, &off)
	if err != nil {
		return nil, err
	}
	source, err := need(int(binary.LittleEndian.Uint32(lenBuf)), &off)
	if err != nil {
		return nil, err
	}
	if len(source) > 0 {
		doc.Source = make([]byte, len(source))
		copy(doc.Source, source)
	}
	return doc, nil
}
