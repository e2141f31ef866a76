// Package merkle implements the RFC 9162 Merkle tree: leaf insertion,
// tree-head recomputation, and audit (inclusion) / consistency proof
// generation and validation.
//
// The proof algebra itself is delegated to golang.org/x/mod/sumdb/tlog,
// which implements the same stored-hash-index tree (the Go checksum
// database's transparency log was modeled directly on RFC 6962's Merkle
// tree: 0x00-prefixed leaf hashes, 0x01-prefixed node hashes, and the
// same audit/consistency proof shapes). internal/ctmonitor/logic.go
// already builds a tlog.HashReaderFunc and calls tlog.ProveRecord /
// tlog.ProveTree against tile-backed storage; this package generalizes
// that pattern into a reusable synchronous tree plus proof validators,
// and internal/tiling supplies the asynchronous, tile-fetching reader.
package merkle

import (
	"fmt"
	"sync"

	"golang.org/x/mod/sumdb/tlog"
)

// TreeHead is the (tree_size, root hash) pair spec.md calls TreeHead.
type TreeHead struct {
	Size uint64
	Hash [32]byte
}

// Compare totally orders two tree heads by (Size, Hash).
func (h TreeHead) Compare(o TreeHead) int {
	if h.Size != o.Size {
		if h.Size < o.Size {
			return -1
		}
		return 1
	}
	for i := range h.Hash {
		if h.Hash[i] != o.Hash[i] {
			if h.Hash[i] < o.Hash[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// MemoryNodeStore is a synchronous, append-only in-memory node store,
// holding every stored-hash-index entry for a tree built by local
// insertion. It is the sync NodeStore spec.md 4.5 describes, used by
// tests and by any caller that already has the full leaf sequence.
type MemoryNodeStore struct {
	mu     sync.RWMutex
	hashes []tlog.Hash
}

// ReadHash implements tlog.HashReader.
func (s *MemoryNodeStore) ReadHash(indexes []int64) ([]tlog.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tlog.Hash, len(indexes))
	for i, idx := range indexes {
		if idx < 0 || idx >= int64(len(s.hashes)) {
			return nil, fmt.Errorf("merkle: %w: stored hash index %d", ErrNodeNotAvailable, idx)
		}
		out[i] = s.hashes[idx]
	}
	return out, nil
}

func (s *MemoryNodeStore) append(hashes []tlog.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes = append(s.hashes, hashes...)
}

func (s *MemoryNodeStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// Tree is a locally constructed Merkle tree: every leaf is known and
// every stored hash is materialized eagerly on insert.
type Tree struct {
	store *MemoryNodeStore
	n     int64 // number of leaves inserted so far
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{store: &MemoryNodeStore{}}
}

// InsertEntry appends a new leaf with the given already-encoded
// MerkleTreeLeaf bytes, computing and storing every stored-hash-index
// entry the RFC 9162 insertion algorithm requires (spec.md 4.5
// "Insert"). Concurrent calls are not detected: InsertEntry neither
// locks nor panics, so callers must serialize inserts.
func (t *Tree) InsertEntry(leaf []byte) (index int64, err error) {
	hashes, err := tlog.StoredHashes(t.n, leaf, t.store)
	if err != nil {
		return 0, fmt.Errorf("merkle: insert entry %d: %w", t.n, err)
	}
	t.store.append(hashes)
	index = t.n
	t.n++
	return index, nil
}

// Size returns the number of leaves inserted so far.
func (t *Tree) Size() int64 { return t.n }

// RecomputeTreeHead returns the current TreeHead for the tree's full
// leaf set.
func (t *Tree) RecomputeTreeHead() (TreeHead, error) {
	h, err := tlog.TreeHash(t.n, t.store)
	if err != nil {
		return TreeHead{}, fmt.Errorf("merkle: recompute tree head: %w", err)
	}
	return TreeHead{Size: uint64(t.n), Hash: [32]byte(h)}, nil
}

// AuditProof generates an RFC 9162 2.1.3.1 audit (inclusion) proof for
// leaf index within a tree of the given size.
func (t *Tree) AuditProof(treeSize uint64, index int64) ([][32]byte, error) {
	return auditProof(treeSize, index, t.store)
}

// ConsistencyProof generates an RFC 9162 2.1.4.1 consistency proof
// between a smaller tree of size oldSize and this tree at newSize.
func (t *Tree) ConsistencyProof(oldSize, newSize uint64) ([][32]byte, error) {
	return consistencyProof(oldSize, newSize, t.store)
}

// AuditProofWithReader generates an audit proof using an arbitrary
// tlog.HashReader, such as the asynchronous tile-fetching reader
// internal/tiling provides for remote verification (spec.md 4.5,
// "Async variants").
func AuditProofWithReader(treeSize uint64, index int64, r tlog.HashReader) ([][32]byte, error) {
	return auditProof(treeSize, index, r)
}

// ConsistencyProofWithReader generates a consistency proof using an
// arbitrary tlog.HashReader.
func ConsistencyProofWithReader(oldSize, newSize uint64, r tlog.HashReader) ([][32]byte, error) {
	return consistencyProof(oldSize, newSize, r)
}

func auditProof(treeSize uint64, index int64, r tlog.HashReader) ([][32]byte, error) {
	if index < 0 || uint64(index) >= treeSize {
		return nil, fmt.Errorf("merkle: %w: index %d, tree size %d", ErrInvalidIndex, index, treeSize)
	}
	proof, err := tlog.ProveRecord(int64(treeSize), index, r)
	if err != nil {
		return nil, fmt.Errorf("merkle: generate audit proof: %w", err)
	}
	return toHashSlice(proof), nil
}

func consistencyProof(oldSize, newSize uint64, r tlog.HashReader) ([][32]byte, error) {
	if oldSize > newSize {
		return nil, fmt.Errorf("merkle: %w: old size %d > new size %d", ErrInvalidTreeSize, oldSize, newSize)
	}
	if oldSize == 0 || oldSize == newSize {
		return nil, nil
	}
	proof, err := tlog.ProveTree(int64(newSize), int64(oldSize), r)
	if err != nil {
		return nil, fmt.Errorf("merkle: generate consistency proof: %w", err)
	}
	return toHashSlice(proof), nil
}

// ValidateAuditProof validates an RFC 9162 2.1.3.2 audit proof: that
// leafHash at index is included in the tree described by head.
func ValidateAuditProof(proof [][32]byte, head TreeHead, index int64, leafHash [32]byte) error {
	if index < 0 || uint64(index) >= head.Size {
		return fmt.Errorf("merkle: %w: index %d, tree size %d", ErrValidationIndex, index, head.Size)
	}
	err := tlog.CheckRecord(fromHashSlice(proof), int64(head.Size), tlog.Hash(head.Hash), index, tlog.Hash(leafHash))
	if err != nil {
		return fmt.Errorf("merkle: %w: %v", ErrHashMismatch, err)
	}
	return nil
}

// ValidateConsistencyProof validates an RFC 9162 2.1.4.2 consistency
// proof between an older and a newer tree head. A first.tree_size
// larger than second.tree_size has no RFC-defined meaning and is
// refused (spec.md 9, open question).
func ValidateConsistencyProof(proof [][32]byte, first, second TreeHead) error {
	if first.Size > second.Size {
		return fmt.Errorf("merkle: %w: first %d > second %d", ErrValidationTreeSize, first.Size, second.Size)
	}
	if first.Size == 0 || first.Size == second.Size {
		if first.Size == second.Size && first.Hash != second.Hash {
			return fmt.Errorf("merkle: %w: equal sizes but different hashes", ErrHashMismatch)
		}
		return nil
	}
	err := tlog.CheckTree(fromHashSlice(proof), int64(second.Size), tlog.Hash(second.Hash), int64(first.Size), tlog.Hash(first.Hash))
	if err != nil {
		return fmt.Errorf("merkle: %w: %v", ErrHashMismatch, err)
	}
	return nil
}

func toHashSlice(p []tlog.Hash) [][32]byte {
	if p == nil {
		return nil
	}
	out := make([][32]byte, len(p))
	for i, h := range p {
		out[i] = [32]byte(h)
	}
	return out
}

func fromHashSlice(p [][32]byte) []tlog.Hash {
	if p == nil {
		return nil
	}
	out := make([]tlog.Hash, len(p))
	for i, h := range p {
		out[i] = tlog.Hash(h)
	}
	return out
}
