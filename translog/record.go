package translog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hupe1980/docengine/model"
)

// Record framing:
//
//	[CRC32: 4] [Kind: 1] [SeqNo: 8] [Length: 4] [Payload: Length]
//
// The checksum covers kind, seqno, length and payload. All integers are
// little-endian.
const recordHeaderSize = 4 + 1 + 8 + 4

// maxRecordSize bounds a single record; larger lengths indicate
// corruption.
const maxRecordSize = 512 << 20

const (
	opFlagAutogenerated = 1 << 0
	opFlagRetry         = 1 << 1
)

func appendString16(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes32(buf []byte, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// encodeRecord appends the framed record for op to buf and returns it.
func encodeRecord(buf []byte, op *model.Operation) ([]byte, error) {
	if op.SeqNo == model.UnassignedSeqNo {
		return nil, fmt.Errorf("%w: missing sequence number", errEncode)
	}
	if len(op.ID) > 0xFFFF {
		return nil, fmt.Errorf("%w: document id too long (%d bytes)", errEncode, len(op.ID))
	}

	payload := make([]byte, 0, 64)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(op.PrimaryTerm))

	switch op.Kind {
	case model.KindIndex:
		payload = binary.LittleEndian.AppendUint64(payload, uint64(op.Version))
		payload = append(payload, byte(op.VersionType))
		var flags byte
		if op.Autogenerated {
			flags |= opFlagAutogenerated
		}
		if op.Retry {
			flags |= opFlagRetry
		}
		payload = append(payload, flags)
		payload = appendString16(payload, op.ID)
		payload = appendString16(payload, op.Doc.Routing)
		payload = appendBytes32(payload, op.Doc.Source)
	case model.KindDelete:
		payload = binary.LittleEndian.AppendUint64(payload, uint64(op.Version))
		payload = append(payload, byte(op.VersionType))
		payload = appendString16(payload, op.ID)
	case model.KindNoOp:
		payload = appendString16(payload, op.Reason)
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %d", errEncode, op.Kind)
	}

	header := make([]byte, recordHeaderSize-4)
	header[0] = byte(op.Kind)
	binary.LittleEndian.PutUint64(header[1:], uint64(op.SeqNo))
	binary.LittleEndian.PutUint32(header[9:], uint32(len(payload)))

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(payload)

	buf = binary.LittleEndian.AppendUint32(buf, crc.Sum32())
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf, nil
}

// decodeRecord reads one framed record. It returns the decoded
// operation and the number of bytes consumed. io.EOF at a record
// boundary means the stream ended cleanly.
func decodeRecord(r io.Reader) (model.Operation, int64, error) {
	var frame [recordHeaderSize]byte
	if _, err := io.ReadFull(r, frame[:4]); err != nil {
		return model.Operation{}, 0, err
	}
	checksum := binary.LittleEndian.Uint32(frame[:4])

	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return model.Operation{}, 4, unexpectedEOF(err)
	}

	kind := model.Kind(frame[4])
	seqNo := int64(binary.LittleEndian.Uint64(frame[5:]))
	length := binary.LittleEndian.Uint32(frame[13:])
	if length > maxRecordSize {
		return model.Operation{}, recordHeaderSize, fmt.Errorf("%w: record length %d", ErrCorrupted, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return model.Operation{}, recordHeaderSize, unexpectedEOF(err)
	}

	crc := crc32.NewIEEE()
	crc.Write(frame[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return model.Operation{}, recordHeaderSize + int64(length), fmt.Errorf("%w: record checksum mismatch at seqno %d", ErrCorrupted, seqNo)
	}

	op, err := parsePayload(kind, seqNo, payload)
	if err != nil {
		return model.Operation{}, recordHeaderSize + int64(length), err
	}
	return op, recordHeaderSize + int64(length), nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

type payloadReader struct {
	buf []byte
	off int
}

func (p *payloadReader) uint64() (uint64, error) {
	if len(p.buf)-p.off < 8 {
		return 0, fmt.Errorf("%w: short record payload", ErrCorrupted)
	}
	v := binary.LittleEndian.Uint64(p.buf[p.off:])
	p.off += 8
	return v, nil
}

func (p *payloadReader) byte() (byte, error) {
	if len(p.buf)-p.off < 1 {
		return 0, fmt.Errorf("%w: short record payload", ErrCorrupted)
	}
	b := p.buf[p.off]
	p.off++
	return b, nil
}

func (p *payloadReader) string16() (string, error) {
	if len(p.buf)-p.off < 2 {
		return "", fmt.Errorf("%w: short record payload", ErrCorrupted)
	}
	n := int(binary.LittleEndian.Uint16(p.buf[p.off:]))
	p.off += 2
	if len(p.buf)-p.off < n {
		return "", fmt.Errorf("%w: short record payload", ErrCorrupted)
	}
	s := string(p.buf[p.off : p.off+n])
	p.off += n
	return s, nil
}

func (p *payloadReader) bytes32() ([]byte, error) {
	if len(p.buf)-p.off < 4 {
		return nil, fmt.Errorf("%w: short record payload", ErrCorrupted)
	}
	n := int(binary.LittleEndian.Uint32(p.buf[p.off:]))
	p.off += 4
	if len(p.buf)-p.off < n {
		return nil, fmt.Errorf("%w: short record payload", ErrCorrupted)
	}
	b := make([]byte, n)
	copy(b, p.buf[p.off:])
	p.off += n
	return b, nil
}

func parsePayload(kind model.Kind, seqNo int64, payload []byte) (model.Operation, error) {
	p := &payloadReader{buf: payload}

	term, err := p.uint64()
	if err != nil {
		return model.Operation{}, err
	}

	op := model.Operation{
		Kind:        kind,
		SeqNo:       seqNo,
		PrimaryTerm: int64(term),
		IfSeqNo:     model.MatchAnySeqNo,
	}

	switch kind {
	case model.KindIndex:
		version, err := p.uint64()
		if err != nil {
			return model.Operation{}, err
		}
		vt, err := p.byte()
		if err != nil {
			return model.Operation{}, err
		}
		flags, err := p.byte()
		if err != nil {
			return model.Operation{}, err
		}
		id, err := p.string16()
		if err != nil {
			return model.Operation{}, err
		}
		routing, err := p.string16()
		if err != nil {
			return model.Operation{}, err
		}
		source, err := p.bytes32()
		if err != nil {
			return model.Operation{}, err
		}
		op.Version = int64(version)
		op.VersionType = model.VersionType(vt)
		op.Autogenerated = flags&opFlagAutogenerated != 0
		op.Retry = flags&opFlagRetry != 0
		op.ID = id
		op.Doc = &model.Document{ID: id, Routing: routing, Source: source}
	case model.KindDelete:
		version, err := p.uint64()
		if err != nil {
			return model.Operation{}, err
		}
		vt, err := p.byte()
		if err != nil {
			return model.Operation{}, err
		}
		id, err := p.string16()
		if err != nil {
			return model.Operation{}, err
		}
		op.Version = int64(version)
		op.VersionType = model.VersionType(vt)
		op.ID = id
	case model.KindNoOp:
		reason, err := p.string16()
		if err != nil {
			return model.Operation{}, err
		}
		op.Reason = reason
	default:
		return model.Operation{}, fmt.Errorf("%w: unknown record kind %d", ErrCorrupted, kind)
	}
	return op, nil
}
