package translog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/docengine/internal/fs"
	"github.com/hupe1980/docengine/model"
)

var generationMagic = [8]byte{'D', 'O', 'C', 'T', 'L', 'G', '0', '1'}

const generationFormatVersion = 1

const genFlagCompressed = 1 << 0

// generationHeader is the self-describing prefix of every generation
// file.
type generationHeader struct {
	Compressed   bool
	TranslogUUID string
}

func writeGenerationHeader(w io.Writer, hdr generationHeader) error {
	buf := make([]byte, 0, 8+4+4+2+len(hdr.TranslogUUID))
	buf = append(buf, generationMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, generationFormatVersion)
	var flags uint32
	if hdr.Compressed {
		flags |= genFlagCompressed
	}
	buf = binary.LittleEndian.AppendUint32(buf, flags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(hdr.TranslogUUID)))
	buf = append(buf, hdr.TranslogUUID...)
	_, err := w.Write(buf)
	return err
}

func readGenerationHeader(r io.Reader) (generationHeader, error) {
	var fixed [8 + 4 + 4 + 2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return generationHeader{}, fmt.Errorf("%w: generation header: %v", ErrCorrupted, err)
	}
	if [8]byte(fixed[:8]) != generationMagic {
		return generationHeader{}, fmt.Errorf("%w: bad generation magic %q", ErrCorrupted, fixed[:8])
	}
	version := binary.LittleEndian.Uint32(fixed[8:12])
	if version != generationFormatVersion {
		return generationHeader{}, fmt.Errorf("%w: unsupported generation format %d", ErrCorrupted, version)
	}
	flags := binary.LittleEndian.Uint32(fixed[12:16])
	uuidLen := int(binary.LittleEndian.Uint16(fixed[16:18]))

	uuid := make([]byte, uuidLen)
	if _, err := io.ReadFull(r, uuid); err != nil {
		return generationHeader{}, fmt.Errorf("%w: generation header uuid: %v", ErrCorrupted, err)
	}
	return generationHeader{
		Compressed:   flags&genFlagCompressed != 0,
		TranslogUUID: string(uuid),
	}, nil
}

// generationWriter appends records to the current generation file.
//
// Writes flow through an in-memory buffer (and optionally a zstd
// encoder) into the file; offsets are logical record-stream bytes, not
// physical file bytes, so locations stay stable under compression.
type generationWriter struct {
	fsys fs.FileSystem
	file fs.File
	path string

	zw *zstd.Encoder
	bw *bufio.Writer

	generation int64
	// offset is the logical number of record bytes appended.
	offset int64
	// syncedOffset is the logical offset known to be fsynced.
	syncedOffset int64

	minSeqNo int64
	maxSeqNo int64
	numOps   int64

	scratch []byte
}

// newGenerationWriter creates the file for a fresh generation and writes
// its header.
func newGenerationWriter(fsys fs.FileSystem, path string, generation int64, uuid string, compress bool) (*generationWriter, error) {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	if err := writeGenerationHeader(f, generationHeader{Compressed: compress, TranslogUUID: uuid}); err != nil {
		f.Close()
		fsys.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(path)
		return nil, err
	}

	w := &generationWriter{
		fsys:       fsys,
		file:       f,
		path:       path,
		generation: generation,
		minSeqNo:   model.NoOpsPerformed,
		maxSeqNo:   model.NoOpsPerformed,
	}
	if compress {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			fsys.Remove(path)
			return nil, err
		}
		w.zw = zw
		w.bw = bufio.NewWriter(zw)
	} else {
		w.bw = bufio.NewWriter(f)
	}
	return w, nil
}

// add appends one operation and returns its location.
func (w *generationWriter) add(op *model.Operation) (model.Location, error) {
	encoded, err := encodeRecord(w.scratch[:0], op)
	if err != nil {
		return model.Location{}, err
	}
	w.scratch = encoded[:0]

	if _, err := w.bw.Write(encoded); err != nil {
		return model.Location{}, err
	}

	loc := model.Location{
		Generation: w.generation,
		Offset:     w.offset,
		Size:       int64(len(encoded)),
	}
	w.offset += int64(len(encoded))
	w.numOps++
	if w.minSeqNo == model.NoOpsPerformed || op.SeqNo < w.minSeqNo {
		w.minSeqNo = op.SeqNo
	}
	if op.SeqNo > w.maxSeqNo {
		w.maxSeqNo = op.SeqNo
	}
	return loc, nil
}

// flush pushes buffered records into the OS file without fsync, making
// them visible to a fresh read handle.
func (w *generationWriter) flush() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if w.zw != nil {
		return w.zw.Flush()
	}
	return nil
}

// sync flushes and fsyncs; afterwards every appended record is durable.
func (w *generationWriter) sync() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.syncedOffset = w.offset
	return nil
}

// needsSync reports whether the record at loc is not durable yet.
func (w *generationWriter) needsSync(loc model.Location) bool {
	return loc.Generation == w.generation && loc.Offset+loc.Size > w.syncedOffset
}

func (w *generationWriter) checkpoint(uuid string, globalCheckpoint, minGeneration int64) Checkpoint {
	return Checkpoint{
		Generation:       w.generation,
		MinSeqNo:         w.minSeqNo,
		MaxSeqNo:         w.maxSeqNo,
		NumOps:           w.numOps,
		GlobalCheckpoint: globalCheckpoint,
		Offset:           w.offset,
		TranslogUUID:     uuid,
		MinGeneration:    minGeneration,
	}
}

// close finalizes the file. The zstd stream footer is written here, so
// close must happen before the generation is read back in full.
func (w *generationWriter) close() error {
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			w.file.Close()
			return err
		}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// generationReader sequentially decodes one generation file.
type generationReader struct {
	file fs.File
	zr   *zstd.Decoder
	r    io.Reader
}

func openGenerationReader(fsys fs.FileSystem, path, expectUUID string) (*generationReader, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	hdr, err := readGenerationHeader(br)
	if err != nil {
		f.Close()
		return nil, err
	}
	if expectUUID != "" && hdr.TranslogUUID != expectUUID {
		f.Close()
		return nil, fmt.Errorf("%w: generation %s carries uuid %q, want %q", ErrUUIDMismatch, path, hdr.TranslogUUID, expectUUID)
	}

	gr := &generationReader{file: f}
	if hdr.Compressed {
		zr, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, err
		}
		gr.zr = zr
		gr.r = zr
	} else {
		gr.r = br
	}
	return gr, nil
}

// next decodes the next record; io.EOF signals a clean end.
func (gr *generationReader) next() (model.Operation, error) {
	op, _, err := decodeRecord(gr.r)
	return op, err
}

func (gr *generationReader) Close() error {
	if gr.zr != nil {
		gr.zr.Close()
	}
	return gr.file.Close()
}
