// Package logverifier tracks one CT log's trusted state — its STH
// history and public key — and answers SCT-inclusion and STH-update
// queries against it (spec.md C9).
//
// Grounded on internal/ctlog/config.go's flat per-log configuration
// style (a log is identified by its public key and base URL, nothing
// more exotic) and on the consistency-proof-before-accept discipline
// internal/ctmonitor/logic.go's get_sth_consistency handler embodies on
// the serving side; here the same discipline runs on the client,
// refusing to adopt a new STH unless it proves consistent with the one
// already held.
package logverifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"ctaudit.dev/internal/checkpoint"
	"ctaudit.dev/internal/ctclient"
	"ctaudit.dev/internal/merkle"
	"ctaudit.dev/internal/sigverify"
	"ctaudit.dev/internal/store"
	"ctaudit.dev/internal/tiling"
	"ctaudit.dev/internal/wire"
)

var tracer = otel.Tracer("ctaudit.dev/internal/logverifier")

// ErrLeafIndexMissing is returned by CheckSCTInclusionByIndex (and so by
// CheckSCTInclusion for a tiling log) when the SCT carries no leaf_index
// extension. Tiling logs serve no get-proof-by-hash endpoint, so the
// check fails closed here rather than falling back to a hash-based
// lookup.
var ErrLeafIndexMissing = errors.New("logverifier: sct has no leaf_index extension")

// Log is one CT log's identity: its origin, RFC 6962 public key, and
// the HTTP endpoints to reach it at.
type Log struct {
	Origin    string
	SPKIDER   []byte
	Endpoints ctclient.Endpoints
	Tiles     *tiling.NodeStore
}

// Verifier holds a log's STH history, keyed by tree size, updating it
// only through verified consistency proofs. Each stored STH carries
// the time it was validated at (store.Validated), so callers can tell
// how stale a cached tree head is without conflating it with an
// unrelated timestamp such as an SCT's own signature-check time.
type Verifier struct {
	log Log

	mu   sync.Mutex
	sths store.OrderedStore[uint64, store.Validated[wire.STH]]
	now  func() time.Time
}

// New returns a Verifier for log with an empty STH history.
func New(log Log) *Verifier {
	return &Verifier{
		log:  log,
		sths: store.NewMemoryStore[uint64, store.Validated[wire.STH]](func(a, b uint64) bool { return a < b }),
		now:  time.Now,
	}
}

// SPKI returns the log's DER SubjectPublicKeyInfo, as registered.
func (v *Verifier) SPKI() []byte { return v.log.SPKIDER }

// Origin returns the log's configured origin/description, for use in
// messages that need to name the log (e.g. a rejected root).
func (v *Verifier) Origin() string { return v.log.Origin }

// LatestSTH returns the log's most recently trusted STH and the time it
// was validated, fetching and validating one first if the history is
// still empty. This is the cheap path most callers want: it never
// forces a fresh fetch against a log that has already been checked at
// least once.
func (v *Verifier) LatestSTH(ctx context.Context) (wire.STH, time.Time, error) {
	v.mu.Lock()
	_, last, err := v.sths.Last(ctx)
	v.mu.Unlock()
	if err == nil {
		return last.Inner, last.ValidatedAt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return wire.STH{}, time.Time{}, err
	}
	return v.UpdateSTH(ctx)
}

// UpdateSTH fetches the log's current tree head, verifies its
// signature, and — if an older one is already trusted — proves the new
// head is consistent with it before accepting it into the history. A
// candidate head older (smaller tree_size) than the one already
// trusted is accepted as a no-op rather than an error: logs do not
// shrink, but a racing fetch against a lagging mirror is not itself
// evidence of misbehavior. A candidate at the same tree size but with a
// different root hash is rejected outright.
//
// A tiling-enabled log (static-ct-api) publishes its tree head as a
// c2sp.org/checkpoint signed note rather than RFC 6962's get-sth, so
// this fetches and validates that instead; internal/checkpoint.Validate
// performs the signature check itself, so no separate sigverify.Verify
// call is needed on that path.
func (v *Verifier) UpdateSTH(ctx context.Context) (wire.STH, time.Time, error) {
	ctx, span := tracer.Start(ctx, "logverifier.UpdateSTH")
	defer span.End()

	candidate, err := v.fetchTreeHead(ctx)
	if err != nil {
		return wire.STH{}, time.Time{}, err
	}
	validatedAt := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	_, last, err := v.sths.Last(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return wire.STH{}, time.Time{}, err
		}
		if err := v.sths.Insert(ctx, candidate.TreeSize, store.Validated[wire.STH]{Inner: candidate, ValidatedAt: validatedAt}); err != nil {
			return wire.STH{}, time.Time{}, err
		}
		return candidate, validatedAt, nil
	}

	switch {
	case candidate.TreeSize < last.Inner.TreeSize:
		return last.Inner, last.ValidatedAt, nil
	case candidate.TreeSize == last.Inner.TreeSize:
		if candidate.SHA256RootHash != last.Inner.SHA256RootHash {
			return wire.STH{}, time.Time{}, fmt.Errorf("logverifier: %w: two different roots reported for tree size %d", merkle.ErrHashMismatch, candidate.TreeSize)
		}
		return last.Inner, last.ValidatedAt, nil
	}

	proof, err := v.log.Endpoints.CheckConsistencyV1(ctx, last.Inner.TreeSize, candidate.TreeSize)
	if err != nil {
		return wire.STH{}, time.Time{}, fmt.Errorf("logverifier: fetch consistency proof: %w", err)
	}
	first := merkle.TreeHead{Size: last.Inner.TreeSize, Hash: last.Inner.SHA256RootHash}
	second := merkle.TreeHead{Size: candidate.TreeSize, Hash: candidate.SHA256RootHash}
	if err := merkle.ValidateConsistencyProof(proof, first, second); err != nil {
		return wire.STH{}, time.Time{}, fmt.Errorf("logverifier: %w: new sth does not extend trusted sth", err)
	}

	if err := v.sths.Insert(ctx, candidate.TreeSize, store.Validated[wire.STH]{Inner: candidate, ValidatedAt: validatedAt}); err != nil {
		return wire.STH{}, time.Time{}, err
	}
	return candidate, validatedAt, nil
}

// fetchTreeHead fetches and verifies the log's current tree head,
// taking the checkpoint path for a tiling-enabled log and RFC 6962's
// get-sth otherwise.
func (v *Verifier) fetchTreeHead(ctx context.Context) (wire.STH, error) {
	if v.log.Tiles != nil {
		text, err := v.log.Endpoints.GetCheckpoint(ctx)
		if err != nil {
			return wire.STH{}, fmt.Errorf("logverifier: fetch checkpoint: %w", err)
		}
		sth, err := checkpoint.Validate(text, v.log.Origin, v.log.SPKIDER)
		if err != nil {
			return wire.STH{}, fmt.Errorf("logverifier: checkpoint: %w", err)
		}
		return sth, nil
	}

	candidate, err := v.log.Endpoints.GetSTHV1(ctx)
	if err != nil {
		return wire.STH{}, fmt.Errorf("logverifier: fetch sth: %w", err)
	}
	if err := sigverify.Verify(v.log.SPKIDER, candidate.SignatureInput(), candidate.Signature); err != nil {
		return wire.STH{}, fmt.Errorf("logverifier: sth signature: %w", err)
	}
	return candidate, nil
}

// CheckSCTInclusion proves that the certificate/SCT pair described by
// leaf is included in a tree no smaller than the candidate tree size.
// Tiling logs don't serve get-proof-by-hash at all, so a tiling-enabled
// log dispatches to the tile-based audit-proof routine keyed off the
// SCT's leaf_index extension instead of the JSON endpoint, mirroring
// fetchTreeHead's checkpoint-vs-get-sth split.
func (v *Verifier) CheckSCTInclusion(ctx context.Context, leaf wire.MerkleTreeLeaf, treeSize uint64, rootHash [32]byte) error {
	if v.log.Tiles != nil {
		return v.CheckSCTInclusionByIndex(ctx, leaf, treeSize, rootHash)
	}
	return v.checkSCTInclusionV1(ctx, leaf, treeSize, rootHash)
}

// checkSCTInclusionV1 proves inclusion via the RFC 6962 JSON
// get-proof-by-hash endpoint.
func (v *Verifier) checkSCTInclusionV1(ctx context.Context, leaf wire.MerkleTreeLeaf, treeSize uint64, rootHash [32]byte) error {
	leafHash, err := leaf.LeafHash()
	if err != nil {
		return fmt.Errorf("logverifier: hash merkle tree leaf: %w", err)
	}

	index, path, err := v.log.Endpoints.CheckSCTInclusionV1(ctx, leafHash, treeSize)
	if err != nil {
		return fmt.Errorf("logverifier: fetch inclusion proof: %w", err)
	}

	head := merkle.TreeHead{Size: treeSize, Hash: rootHash}
	if err := merkle.ValidateAuditProof(path, head, index, leafHash); err != nil {
		return fmt.Errorf("logverifier: %w", err)
	}
	return nil
}

// CheckSCTInclusionByIndex proves inclusion using an SCT's leaf_index
// extension directly against a tile-backed asynchronous node store,
// without a get-proof-by-hash round trip. It returns ErrLeafIndexMissing
// if the extension is absent.
func (v *Verifier) CheckSCTInclusionByIndex(ctx context.Context, leaf wire.MerkleTreeLeaf, treeSize uint64, rootHash [32]byte) error {
	if !leaf.Extensions.HasLeafIndex {
		return ErrLeafIndexMissing
	}
	if v.log.Tiles == nil {
		return fmt.Errorf("logverifier: no tile store configured for index-based inclusion check")
	}
	leafHash, err := leaf.LeafHash()
	if err != nil {
		return fmt.Errorf("logverifier: hash merkle tree leaf: %w", err)
	}

	v.log.Tiles.SetTreeSize(int64(treeSize))
	reader, err := v.log.Tiles.Reader(ctx)
	if err != nil {
		return fmt.Errorf("logverifier: tile reader: %w", err)
	}

	proof, err := merkle.AuditProofWithReader(treeSize, int64(leaf.Extensions.LeafIndex), reader)
	if err != nil {
		return fmt.Errorf("logverifier: generate audit proof from tiles: %w", err)
	}
	head := merkle.TreeHead{Size: treeSize, Hash: rootHash}
	if err := merkle.ValidateAuditProof(proof, head, int64(leaf.Extensions.LeafIndex), leafHash); err != nil {
		return fmt.Errorf("logverifier: %w", err)
	}
	return nil
}
