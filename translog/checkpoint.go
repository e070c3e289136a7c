package translog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/docengine/internal/fs"
)

// checkpointMagic identifies a checkpoint file.
var checkpointMagic = [8]byte{'D', 'O', 'C', 'C', 'K', 'P', '0', '1'}

// CheckpointFileName is the live checkpoint of the current generation.
const CheckpointFileName = "translog.ckp"

// Checkpoint summarizes one translog generation. The live copy
// (translog.ckp) is rewritten on every sync; a final copy is persisted
// as translog-<gen>.ckp when the generation is rolled.
type Checkpoint struct {
	Generation       int64
	MinSeqNo         int64
	MaxSeqNo         int64
	NumOps           int64
	GlobalCheckpoint int64
	// Offset is the logical size of the synced record stream.
	Offset int64
	// TranslogUUID ties the generation to one index history.
	TranslogUUID string
	// MinGeneration is the oldest generation still referenced when this
	// checkpoint was written.
	MinGeneration int64
}

func (c Checkpoint) encode() []byte {
	buf := make([]byte, 0, 8+7*8+2+len(c.TranslogUUID)+4)
	buf = append(buf, checkpointMagic[:]...)
	for _, v := range []int64{c.Generation, c.MinSeqNo, c.MaxSeqNo, c.NumOps, c.GlobalCheckpoint, c.Offset, c.MinGeneration} {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.TranslogUUID)))
	buf = append(buf, c.TranslogUUID...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	const fixed = 8 + 7*8 + 2
	if len(data) < fixed+4 {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint too small (%d bytes)", ErrCorrupted, len(data))
	}
	if [8]byte(data[:8]) != checkpointMagic {
		return Checkpoint{}, fmt.Errorf("%w: bad checkpoint magic %q", ErrCorrupted, data[:8])
	}

	uuidLen := int(binary.LittleEndian.Uint16(data[fixed-2:]))
	total := fixed + uuidLen + 4
	if len(data) < total {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint truncated", ErrCorrupted)
	}
	sum := binary.LittleEndian.Uint32(data[total-4:])
	if crc32.ChecksumIEEE(data[:total-4]) != sum {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint checksum mismatch", ErrCorrupted)
	}

	var c Checkpoint
	off := 8
	read := func() int64 {
		v := int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		return v
	}
	c.Generation = read()
	c.MinSeqNo = read()
	c.MaxSeqNo = read()
	c.NumOps = read()
	c.GlobalCheckpoint = read()
	c.Offset = read()
	c.MinGeneration = read()
	c.TranslogUUID = string(data[fixed : fixed+uuidLen])
	return c, nil
}

// writeCheckpoint atomically replaces the checkpoint file at path.
func writeCheckpoint(fsys fs.FileSystem, path string, c Checkpoint) error {
	tmp := path + ".tmp"

	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(c.encode()); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return err
	}
	return fs.SyncDir(fsys, filepath.Dir(path))
}

// readCheckpoint loads and validates the checkpoint file at path.
func readCheckpoint(fsys fs.FileSystem, path string) (Checkpoint, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return Checkpoint{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Checkpoint{}, err
	}
	return decodeCheckpoint(data)
}
