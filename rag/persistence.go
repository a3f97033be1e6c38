package rag

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/knowledgeflow/types"
)

// A snapshot is a pair of artifacts written together: <path>.index holds the
// vector structure, <path>.meta holds the id mappings, metadata bags and
// tombstone set. The two files share a snapshot id and are only valid as a
// pair; loading one without a matching other is a CORRUPT_INDEX error.
const (
	indexFileSuffix = ".index"
	metaFileSuffix  = ".meta"
	snapshotMagic   = "kfvec1"
)

type indexFile struct {
	Magic      string
	SnapshotID string
	Dimension  int
	IDs        []string
	Vectors    [][]float64
}

type metaFile struct {
	Magic      string
	SnapshotID string
	Metadata   map[string]EntryMetadata
	Tombstones []string
	EverIDs    []string
}

// Snapshot durably saves the full index state so that a later Restore answers
// searches identically. Snapshot is serialized against other mutators but
// concurrent searches proceed against the frozen state.
func (idx *FlatIndex) Snapshot(path string) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	s := idx.state
	snapID := uuid.NewString()

	ixf := indexFile{
		Magic:      snapshotMagic,
		SnapshotID: snapID,
		Dimension:  idx.config.Dimension,
		IDs:        s.ids,
		Vectors:    s.vectors,
	}
	mf := metaFile{
		Magic:      snapshotMagic,
		SnapshotID: snapID,
		Metadata:   s.metadata,
		Tombstones: setToSlice(s.tombstones),
		EverIDs:    setToSlice(s.everIDs),
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	if err := writeGob(path+indexFileSuffix, &ixf); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	if err := writeGob(path+metaFileSuffix, &mf); err != nil {
		return fmt.Errorf("write meta file: %w", err)
	}

	idx.logger.Info("index snapshot written",
		zap.String("path", path),
		zap.Int("vectors", len(s.vectors)),
		zap.Int("tombstones", len(s.tombstones)))

	return nil
}

// Restore replaces the index state with a previously written snapshot pair.
// Fails with CORRUPT_INDEX when either file is missing, unreadable, or the
// two do not belong to the same snapshot.
func (idx *FlatIndex) Restore(path string) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	fresh, err := idx.loadState(path)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.state = fresh
	idx.mu.Unlock()

	idx.logger.Info("index restored from snapshot",
		zap.String("path", path),
		zap.Int("vectors", len(fresh.vectors)),
		zap.Int("tombstones", len(fresh.tombstones)))

	return nil
}

// LoadOrInit restores the snapshot pair at path when it exists. When neither
// artifact exists the index stays empty, but only if allowEmpty is set:
// starting empty is an explicit operator decision, never a silent fallback.
func (idx *FlatIndex) LoadOrInit(path string, allowEmpty bool) error {
	_, ixErr := os.Stat(path + indexFileSuffix)
	_, mErr := os.Stat(path + metaFileSuffix)

	if os.IsNotExist(ixErr) && os.IsNotExist(mErr) {
		if !allowEmpty {
			return types.NewErrorf(types.ErrCorruptIndex,
				"no snapshot at %s and empty start not permitted", path)
		}
		idx.logger.Info("no snapshot found, starting with empty index",
			zap.String("path", path))
		return nil
	}
	return idx.Restore(path)
}

func (idx *FlatIndex) loadState(path string) (*flatState, error) {
	var ixf indexFile
	if err := readGob(path+indexFileSuffix, &ixf); err != nil {
		return nil, types.NewErrorf(types.ErrCorruptIndex,
			"read index file %s", path+indexFileSuffix).WithCause(err)
	}
	var mf metaFile
	if err := readGob(path+metaFileSuffix, &mf); err != nil {
		return nil, types.NewErrorf(types.ErrCorruptIndex,
			"read meta file %s", path+metaFileSuffix).WithCause(err)
	}

	if ixf.Magic != snapshotMagic || mf.Magic != snapshotMagic {
		return nil, types.NewError(types.ErrCorruptIndex, "unrecognized snapshot format")
	}
	if ixf.SnapshotID != mf.SnapshotID {
		return nil, types.NewErrorf(types.ErrCorruptIndex,
			"index/meta snapshot mismatch: %s vs %s", ixf.SnapshotID, mf.SnapshotID)
	}
	if ixf.Dimension != idx.config.Dimension {
		return nil, types.NewErrorf(types.ErrCorruptIndex,
			"snapshot dimension %d, index configured for %d", ixf.Dimension, idx.config.Dimension)
	}
	if len(ixf.IDs) != len(ixf.Vectors) {
		return nil, types.NewErrorf(types.ErrCorruptIndex,
			"%d ids for %d vectors", len(ixf.IDs), len(ixf.Vectors))
	}

	fresh := newFlatState()
	for pos, id := range ixf.IDs {
		if len(ixf.Vectors[pos]) != idx.config.Dimension {
			return nil, types.NewErrorf(types.ErrCorruptIndex,
				"vector %q has %d dims in snapshot", id, len(ixf.Vectors[pos]))
		}
		fresh.idToPos[id] = pos
		fresh.everIDs[id] = struct{}{}
	}
	fresh.vectors = ixf.Vectors
	fresh.ids = ixf.IDs
	if mf.Metadata != nil {
		fresh.metadata = mf.Metadata
	}
	for _, id := range mf.Tombstones {
		fresh.tombstones[id] = struct{}{}
	}
	for _, id := range mf.EverIDs {
		fresh.everIDs[id] = struct{}{}
	}
	return fresh, nil
}

// writeGob writes v to path via a temp file and rename, so the artifact is
// never observed half-written.
func writeGob(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
