package flatseg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/docengine/internal/codec"
	"github.com/hupe1980/docengine/internal/fs"
)

const (
	currentFileName       = "CURRENT"
	manifestFilePrefix    = "MANIFEST-"
	manifestFileSuffix    = ".json"
	manifestFormatVersion = 1
	segmentFilePrefix     = "seg-"
	segmentFileSuffix     = ".seg"
)

// manifest describes one commit: the segment files making up the index
// plus the engine's user data.
type manifest struct {
	Version     int    `json:"version"`
	Codec       string `json:"codec"`
	Generation  int64  `json:"generation"`
	NextSegment int64  `json:"next_segment"`
	// PrunedBelow is the lowest seqno whose history is still complete.
	PrunedBelow int64             `json:"pruned_below"`
	Segments    []segmentInfo     `json:"segments"`
	UserData    map[string]string `json:"user_data"`
}

// segmentInfo describes a single segment file.
type segmentInfo struct {
	Path       string `json:"path"` // relative to the data dir
	NumRecords int64  `json:"num_records"`
	MinSeqNo   int64  `json:"min_seq_no"`
	MaxSeqNo   int64  `json:"max_seq_no"`
}

func manifestFileName(generation int64) string {
	return fmt.Sprintf("%s%06d%s", manifestFilePrefix, generation, manifestFileSuffix)
}

func segmentFileName(id int64) string {
	return fmt.Sprintf("%s%06d%s", segmentFilePrefix, id, segmentFileSuffix)
}

// AdoptCommit rewrites the user data of a commit and repoints CURRENT
// at it. Used when binding restored commit files to a fresh translog
// before opening the backend.
func AdoptCommit(fsys fs.FileSystem, dir string, generation int64, userData map[string]string) error {
	if fsys == nil {
		fsys = fs.Default
	}
	s := &manifestStore{fsys: fsys, dir: dir}
	m, err := s.loadAt(generation)
	if err != nil {
		return err
	}
	m.UserData = cloneUserData(userData)
	return s.save(m)
}

// manifestStore manages manifest files and atomic CURRENT updates.
type manifestStore struct {
	fsys fs.FileSystem
	dir  string
}

func (s *manifestStore) readFile(path string) ([]byte, error) {
	f, err := s.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// loadCurrent loads the manifest CURRENT points at, or (nil, nil) on a
// virgin directory.
func (s *manifestStore) loadCurrent() (*manifest, error) {
	content, err := s.readFile(filepath.Join(s.dir, currentFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.loadFile(strings.TrimSpace(string(content)))
}

// loadAt loads the manifest of a specific commit generation.
func (s *manifestStore) loadAt(generation int64) (*manifest, error) {
	return s.loadFile(manifestFileName(generation))
}

func (s *manifestStore) loadFile(name string) (*manifest, error) {
	data, err := s.readFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := codec.Default.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("flatseg: decoding manifest %s: %w", name, err)
	}
	if m.Version != manifestFormatVersion {
		return nil, fmt.Errorf("flatseg: unsupported manifest version %d in %s", m.Version, name)
	}
	return &m, nil
}

// save atomically writes a new manifest and repoints CURRENT at it.
func (s *manifestStore) save(m *manifest) error {
	m.Version = manifestFormatVersion
	m.Codec = codec.Default.Name()

	data, err := codec.Default.Marshal(m)
	if err != nil {
		return err
	}

	filename := manifestFileName(m.Generation)
	if err := s.writeAtomic(filename, data); err != nil {
		return err
	}
	return s.writeAtomic(currentFileName, []byte(filename))
}

// writeAtomic writes name via a temp file, rename and directory fsync.
func (s *manifestStore) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"

	f, err := s.fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fsys.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fsys.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		s.fsys.Remove(tmpPath)
		return err
	}
	if err := s.fsys.Rename(tmpPath, path); err != nil {
		s.fsys.Remove(tmpPath)
		return err
	}
	return fs.SyncDir(s.fsys, s.dir)
}

// listGenerations returns the commit generations on disk, ascending.
func (s *manifestStore) listGenerations() ([]int64, error) {
	entries, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var gens []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, manifestFilePrefix) || !strings.HasSuffix(name, manifestFileSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, manifestFilePrefix), manifestFileSuffix)
		gen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// remove deletes the manifest file of a commit generation.
func (s *manifestStore) remove(generation int64) error {
	err := s.fsys.Remove(filepath.Join(s.dir, manifestFileName(generation)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
