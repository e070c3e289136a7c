package flatseg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/docengine/internal/fs"
	"github.com/hupe1980/docengine/internal/resource"
	"github.com/hupe1980/docengine/storage"
)

var segmentMagic = [8]byte{'D', 'O', 'C', 'S', 'E', 'G', '0', '1'}

const (
	segmentFormatVersion = 1
	maxSegmentRecordSize = 512 << 20
)

var errCorrupted = errors.New("flatseg: segment corrupted")

// segment is one immutable batch of history records, fully resident in
// memory. records are sorted by sequence number.
type segment struct {
	file string

	records []*storage.Document
	// byID resolves the latest record per document id within this
	// segment.
	byID map[string]*storage.Document

	seqnos   *roaring64.Bitmap
	minSeqNo int64
	maxSeqNo int64
}

// newSegment builds the in-memory form from seqno-sorted records.
func newSegment(file string, records []*storage.Document) *segment {
	s := &segment{
		file:     file,
		records:  records,
		byID:     make(map[string]*storage.Document, len(records)),
		seqnos:   roaring64.New(),
		minSeqNo: -1,
		maxSeqNo: -1,
	}
	for _, rec := range records {
		if prev, ok := s.byID[rec.ID]; !ok || rec.SeqNo > prev.SeqNo {
			s.byID[rec.ID] = rec
		}
		s.seqnos.Add(uint64(rec.SeqNo))
		if s.minSeqNo == -1 || rec.SeqNo < s.minSeqNo {
			s.minSeqNo = rec.SeqNo
		}
		if rec.SeqNo > s.maxSeqNo {
			s.maxSeqNo = rec.SeqNo
		}
	}
	return s
}

// writeSegment persists seqno-sorted records as an lz4-compressed
// segment file, charging writes against the resource controller.
func writeSegment(ctx context.Context, fsys fs.FileSystem, path string, records []*storage.Document, ctrl *resource.Controller) error {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	cleanup := func(err error) error {
		f.Close()
		fsys.Remove(path)
		return err
	}

	hdr := make([]byte, 0, 8+4+8)
	hdr = append(hdr, segmentMagic[:]...)
	hdr = binary.LittleEndian.AppendUint32(hdr, segmentFormatVersion)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(len(records)))
	if _, err := f.Write(hdr); err != nil {
		return cleanup(err)
	}

	zw := lz4.NewWriter(resource.NewRateLimitedWriter(ctx, f, ctrl))
	var buf []byte
	for _, rec := range records {
		buf, err = encodeDoc(buf[:0], rec)
		if err != nil {
			return cleanup(err)
		}
		if _, err := zw.Write(buf); err != nil {
			return cleanup(err)
		}
	}
	if err := zw.Close(); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	return f.Close()
}

// loadSegment reads a segment file back into memory.
func loadSegment(fsys fs.FileSystem, path string) (*segment, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdr [8 + 4 + 8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header of %s: %v", errCorrupted, path, err)
	}
	if [8]byte(hdr[:8]) != segmentMagic {
		return nil, fmt.Errorf("%w: bad magic in %s", errCorrupted, path)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != segmentFormatVersion {
		return nil, fmt.Errorf("%w: unsupported segment format %d in %s", errCorrupted, v, path)
	}
	numRecords := binary.LittleEndian.Uint64(hdr[12:])

	zr := lz4.NewReader(f)
	records := make([]*storage.Document, 0, numRecords)
	for i := uint64(0); i < numRecords; i++ {
		rec, err := decodeDoc(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d of %s: %v", errCorrupted, i, path, err)
		}
		records = append(records, rec)
	}
	return newSegment(path, records), nil
}
