package rag

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgeflow/types"
)

// EntryMetadata is the metadata bag stored with every vector entry. It
// carries what retrieval needs to correlate an entry back to its chunk and to
// enforce visibility: the owning document, the chunk's 0-based sequence
// index, and the owning scope ("" = globally visible).
type EntryMetadata struct {
	DocumentID uint              `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Scope      string            `json:"scope,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// SearchResult is a single search hit: a vector id, its cosine similarity to
// the query in [-1, 1], and the entry's metadata.
type SearchResult struct {
	ID         string
	Similarity float64
	Metadata   EntryMetadata
}

// IndexConfig configures a FlatIndex.
type IndexConfig struct {
	// Embedding dimension every vector must match
	Dimension int `json:"dimension"`
	// Tombstone ratio above which Delete triggers an automatic rebuild;
	// 0 disables automatic rebuilds
	RebuildThreshold float64 `json:"rebuild_threshold"`
}

// flatState is the swappable interior of a FlatIndex. A rebuild constructs a
// replacement off to the side and swaps the pointer under the read-write
// lock, so a reader sees either the old state or the new one, never a
// partial mix.
type flatState struct {
	vectors    [][]float64
	ids        []string
	idToPos    map[string]int
	metadata   map[string]EntryMetadata
	tombstones map[string]struct{}
	// every id ever inserted, including tombstoned and rebuilt-away ones;
	// ids are never reused
	everIDs map[string]struct{}
}

func newFlatState() *flatState {
	return &flatState{
		idToPos:    make(map[string]int),
		metadata:   make(map[string]EntryMetadata),
		tombstones: make(map[string]struct{}),
		everIDs:    make(map[string]struct{}),
	}
}

// FlatIndex is an exact nearest-neighbor index over L2-normalized vectors.
// Vectors are normalized at insertion time and queries are normalized at
// search time, so the stored inner product is cosine similarity. Deletion is
// a tombstone: entries stop appearing in search results immediately but
// occupy capacity until Rebuild discards them.
//
// Locking: writeMu serializes all mutators (Add, Delete, Rebuild, Snapshot,
// Restore); mu additionally excludes readers during the short windows where
// state is mutated or swapped. While a rebuild constructs its replacement the
// current state is frozen (writeMu held) and searches proceed against it
// concurrently. Safe for concurrent use.
type FlatIndex struct {
	config IndexConfig
	logger *zap.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *flatState
}

// NewFlatIndex creates an empty index for vectors of the configured
// dimension.
func NewFlatIndex(config IndexConfig, logger *zap.Logger) *FlatIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlatIndex{
		config: config,
		logger: logger,
		state:  newFlatState(),
	}
}

// Dimension returns the configured embedding dimension.
func (idx *FlatIndex) Dimension() int { return idx.config.Dimension }

// Add batch-appends vectors with their ids and metadata. The whole batch is
// validated before anything is appended, so a failed Add leaves the index
// unchanged. Fails with DIMENSION_MISMATCH when any vector's length differs
// from the index dimension and with DUPLICATE_ID when an id was ever inserted
// before, tombstoned ids included.
func (idx *FlatIndex) Add(vectors [][]float64, ids []string, metadata []EntryMetadata) error {
	if len(vectors) != len(ids) {
		return types.NewErrorf(types.ErrInvalidRequest,
			"got %d vectors for %d ids", len(vectors), len(ids))
	}
	if metadata != nil && len(metadata) != len(ids) {
		return types.NewErrorf(types.ErrInvalidRequest,
			"got %d metadata entries for %d ids", len(metadata), len(ids))
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	s := idx.state
	seen := make(map[string]struct{}, len(ids))
	for i, vec := range vectors {
		if len(vec) != idx.config.Dimension {
			return types.NewErrorf(types.ErrDimensionMismatch,
				"vector %q has %d dims, index expects %d", ids[i], len(vec), idx.config.Dimension)
		}
		if _, ok := s.everIDs[ids[i]]; ok {
			return types.NewErrorf(types.ErrDuplicateID, "id %q already inserted", ids[i])
		}
		if _, ok := seen[ids[i]]; ok {
			return types.NewErrorf(types.ErrDuplicateID, "id %q repeated within batch", ids[i])
		}
		seen[ids[i]] = struct{}{}
	}

	normalized := make([][]float64, len(vectors))
	for i, vec := range vectors {
		normalized[i] = normalize(vec)
	}

	idx.mu.Lock()
	for i, vec := range normalized {
		id := ids[i]
		s.idToPos[id] = len(s.vectors)
		s.vectors = append(s.vectors, vec)
		s.ids = append(s.ids, id)
		s.everIDs[id] = struct{}{}
		if metadata != nil {
			s.metadata[id] = metadata[i]
		}
	}
	total := len(s.vectors)
	idx.mu.Unlock()

	idx.logger.Debug("vectors added",
		zap.Int("count", len(vectors)),
		zap.Int("total", total))

	return nil
}

// Search returns up to topK live entries ordered by descending cosine
// similarity to query; ties are broken by insertion order, earlier first.
// Tombstoned entries are excluded. An empty index yields an empty result.
func (idx *FlatIndex) Search(query []float64, topK int) ([]SearchResult, error) {
	if len(query) != idx.config.Dimension {
		return nil, types.NewErrorf(types.ErrDimensionMismatch,
			"query has %d dims, index expects %d", len(query), idx.config.Dimension)
	}
	if topK <= 0 {
		return []SearchResult{}, nil
	}

	q := normalize(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s := idx.state

	type scored struct {
		pos int
		sim float64
	}
	candidates := make([]scored, 0, len(s.vectors))
	for pos, vec := range s.vectors {
		if _, dead := s.tombstones[s.ids[pos]]; dead {
			continue
		}
		candidates = append(candidates, scored{pos: pos, sim: dot(q, vec)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].pos < candidates[j].pos
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}
	results := make([]SearchResult, 0, topK)
	for _, c := range candidates[:topK] {
		id := s.ids[c.pos]
		results = append(results, SearchResult{
			ID:         id,
			Similarity: c.sim,
			Metadata:   s.metadata[id],
		})
	}
	return results, nil
}

// Delete marks the given ids tombstoned. Deleting an unknown or already
// tombstoned id is a no-op, not an error. Capacity is not reclaimed until a
// rebuild; when the tombstone ratio exceeds the configured threshold a
// rebuild runs before Delete returns.
func (idx *FlatIndex) Delete(ids []string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	s := idx.state
	idx.mu.Lock()
	marked := 0
	for _, id := range ids {
		if _, ok := s.idToPos[id]; !ok {
			continue
		}
		if _, dead := s.tombstones[id]; dead {
			continue
		}
		s.tombstones[id] = struct{}{}
		marked++
	}
	total := len(s.vectors)
	dead := len(s.tombstones)
	idx.mu.Unlock()

	if marked > 0 {
		idx.logger.Info("vectors tombstoned",
			zap.Int("marked", marked),
			zap.Int("tombstones", dead),
			zap.Int("total", total))
	}

	if idx.config.RebuildThreshold > 0 && total > 0 &&
		float64(dead)/float64(total) > idx.config.RebuildThreshold {
		idx.rebuildLocked()
	}
}

// Count returns the number of live (non-tombstoned) entries.
func (idx *FlatIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.state.vectors) - len(idx.state.tombstones)
}

// TombstoneCount returns the number of tombstoned entries awaiting rebuild.
func (idx *FlatIndex) TombstoneCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.state.tombstones)
}

// Rebuild reconstructs the index with only live entries, preserving their
// ids, vectors, metadata and relative order, and discards tombstones
// permanently. Discarded ids remain unusable for future Adds. The replacement
// is built off to the side and swapped in atomically; in-flight searches
// complete against the old structure.
func (idx *FlatIndex) Rebuild() {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	idx.rebuildLocked()
}

// rebuildLocked requires writeMu to be held: with all mutators excluded the
// current state is frozen and can be read without mu while searches proceed.
func (idx *FlatIndex) rebuildLocked() {
	old := idx.state

	fresh := newFlatState()
	for pos, id := range old.ids {
		if _, dead := old.tombstones[id]; dead {
			continue
		}
		fresh.idToPos[id] = len(fresh.vectors)
		fresh.vectors = append(fresh.vectors, old.vectors[pos])
		fresh.ids = append(fresh.ids, id)
		if meta, ok := old.metadata[id]; ok {
			fresh.metadata[id] = meta
		}
	}
	// The full insertion history survives the rebuild.
	for id := range old.everIDs {
		fresh.everIDs[id] = struct{}{}
	}

	idx.mu.Lock()
	idx.state = fresh
	idx.mu.Unlock()

	idx.logger.Info("index rebuilt",
		zap.Int("live", len(fresh.vectors)),
		zap.Int("discarded", len(old.vectors)-len(fresh.vectors)))
}

// normalize returns an L2-normalized copy of vec. The zero vector is
// returned as a copy unchanged.
func normalize(vec []float64) []float64 {
	out := make([]float64, len(vec))
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		copy(out, vec)
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
