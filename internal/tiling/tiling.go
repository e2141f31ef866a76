// Package tiling implements the c2sp.org static-ct-api tile addressing
// and fetching layer (spec.md C6): TileId computation from a node key,
// URL path rendering, tile decoding, and an asynchronous Merkle node
// store that reconstructs node hashes on demand by fetching tiles.
//
// Tile addressing and the "read hashes by fetching tiles" algorithm are
// both already implemented by golang.org/x/mod/sumdb/tlog (its Tile
// type, Tile.Path, TileForIndex, HashFromTile, and TileHashReader) —
// the same primitives internal/sunlight/tile_reader_ol.go and
// internal/ctmonitor/fetch.go/logic.go already build on for the log's
// own tile serving path. This package adapts that machinery to the
// auditor's read side: fetch over HTTP instead of from local storage,
// with the partial-tile-404-falls-back-to-full-tile behavior spec.md
// 4.8 requires.
package tiling

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/tlog"
)

// TileHeight is the c2sp.org/static-ct-api tile height: each tile holds
// 2^TileHeight = 256 hashes.
const TileHeight = 8

// Fetcher is the minimal transport contract this package needs: fetch
// the raw bytes of one tile (or data tile) by path, distinguishing "not
// found" so the caller can fall back from a partial to a full tile.
type Fetcher interface {
	FetchTile(ctx context.Context, path string) (data []byte, notFound bool, err error)
}

// TileID re-exports tlog.Tile as this package's TileId (spec.md C6):
// it carries (height, level, index, width), with a width below 256
// marking a partial tile.
type TileID = tlog.Tile

// FromNodeKey returns the level-0 tile holding the leaf hash at index
// start, as tlog.TileForIndex computes it: its width W runs up to and
// including that hash. treeSize is not consulted, so the result is
// always a level-0 tile; tiles at higher levels and partial widths
// taken from the tree size are not computed here.
func FromNodeKey(start int64, treeSize int64) TileID {
	index := tlog.StoredHashIndex(0, start) // level 0 index of the range start
	return tlog.TileForIndex(TileHeight, index)
}

// URLPath renders a tile's URL suffix, e.g. "tile/0/x001/x234/067" or,
// for a partial tile, "tile/0/x001/000.p/67".
func URLPath(t TileID) string {
	// tlog's Path inserts the tile height after "tile/"; static-ct-api
	// URLs carry no height segment.
	return "tile/" + strings.TrimPrefix(t.Path(), fmt.Sprintf("tile/%d/", t.H))
}

// DecodeTile validates that tile data has the expected number of
// 32-byte hashes for its declared width (256 for a full tile, or the
// partial count), per spec.md 4.6 "Tile decoding".
func DecodeTile(t TileID, data []byte) ([][32]byte, error) {
	want := t.W
	if want == 0 {
		want = 1 << TileHeight
	}
	if len(data) != want*32 {
		return nil, fmt.Errorf("tiling: malformed tile %s: got %d bytes, want %d", t.Path(), len(data), want*32)
	}
	out := make([][32]byte, want)
	for i := range out {
		copy(out[i][:], data[i*32:(i+1)*32])
	}
	return out, nil
}

// tileReader adapts a Fetcher into a tlog.TileReader, the contract
// golang.org/x/mod/sumdb/tlog's own tile-backed hash reader consumes
// (see internal/sunlight/tile_reader_ol.go's TileReader for the
// symmetric write-side shape of this same interface).
type tileReader struct {
	ctx     context.Context
	fetcher Fetcher
	cache   map[tlog.Tile][]byte
}

func (r *tileReader) Height() int { return TileHeight }

func (r *tileReader) ReadTiles(tiles []tlog.Tile) ([][]byte, error) {
	out := make([][]byte, len(tiles))
	for i, t := range tiles {
		if cached, ok := r.cache[t]; ok {
			out[i] = cached
			continue
		}
		data, err := r.fetchWithFallback(t)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (r *tileReader) SaveTiles(tiles []tlog.Tile, data [][]byte) {
	if r.cache == nil {
		r.cache = make(map[tlog.Tile][]byte)
	}
	for i, t := range tiles {
		r.cache[t] = data[i]
	}
}

// fetchWithFallback implements spec.md 4.8's "partial tile 404 → full
// tile" rule: a partial tile is tried first (it is always a strict
// prefix of the eventual full tile), and a 404 triggers a retry against
// the same coordinates with the partial width cleared.
func (r *tileReader) fetchWithFallback(t tlog.Tile) ([]byte, error) {
	data, notFound, err := r.fetcher.FetchTile(r.ctx, URLPath(t))
	if err == nil && !notFound {
		return data, nil
	}
	if err == nil && t.W != 1<<TileHeight {
		full := t
		full.W = 1 << TileHeight
		data, notFound, err2 := r.fetcher.FetchTile(r.ctx, URLPath(full))
		if err2 == nil && (notFound || len(data) < t.W*32) {
			err2 = fmt.Errorf("full tile not found or shorter than partial width %d", t.W)
		}
		if err2 != nil {
			return nil, fmt.Errorf("tiling: fetch tile %s (fallback from partial %s): %w", URLPath(full), URLPath(t), err2)
		}
		return data[:t.W*32], nil
	}
	if err == nil {
		err = fmt.Errorf("not found")
	}
	return nil, fmt.Errorf("tiling: fetch tile %s: %w", URLPath(t), err)
}

// NodeStore is an asynchronous Merkle node store (spec.md C6
// TileFetchStore): it answers tlog.HashReader-shaped requests by
// fetching and caching static-ct tiles. A NodeStore's tree size must be
// set before any proof-driven read; a zero tree size is a caller bug.
type NodeStore struct {
	fetcher  Fetcher
	treeSize int64
}

// NewNodeStore returns a NodeStore backed by fetcher. SetTreeSize must
// be called with a non-zero size before ReadHash is used.
func NewNodeStore(fetcher Fetcher) *NodeStore {
	return &NodeStore{fetcher: fetcher}
}

// SetTreeSize records the tree size address computation is relative to.
// The log verifier (internal/logverifier) calls this before driving any
// proof-fetch against a particular STH.
func (s *NodeStore) SetTreeSize(treeSize int64) { s.treeSize = treeSize }

// Reader returns a tlog.HashReader bound to ctx and the store's current
// tree size, suitable for passing to merkle.AuditProofWithReader /
// merkle.ConsistencyProofWithReader.
func (s *NodeStore) Reader(ctx context.Context) (tlog.HashReader, error) {
	if s.treeSize == 0 {
		return nil, fmt.Errorf("tiling: tree size not set before proof-driven read")
	}
	tr := &tileReader{ctx: ctx, fetcher: s.fetcher}
	return tlog.TileHashReader(tlog.Tree{N: s.treeSize}, tr), nil
}
