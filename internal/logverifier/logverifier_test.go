package logverifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/cryptobyte"

	"ctaudit.dev/internal/checkpoint"
	"ctaudit.dev/internal/ctclient"
	"ctaudit.dev/internal/sigverify"
	"ctaudit.dev/internal/tiling"
	"ctaudit.dev/internal/wire"
)

// fakeClient answers ctclient.Client by path, used to drive logverifier
// without a real HTTP server or real log.
type fakeClient struct {
	responses map[string][]byte
	notFound  map[string]bool
}

func (f *fakeClient) Get(_ context.Context, path string) ([]byte, bool, error) {
	if f.notFound[path] {
		return nil, true, nil
	}
	body, ok := f.responses[path]
	if !ok {
		return nil, false, fmt.Errorf("fakeClient: no response registered for %q", path)
	}
	return body, false, nil
}

func testKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return key, spki
}

func signSTH(t *testing.T, key *ecdsa.PrivateKey, sth wire.STH) wire.STH {
	t.Helper()
	digest := sha256.Sum256(sth.SignatureInput())
	body, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	sth.Signature = wire.Signature{Hash: wire.HashAlgorithmSHA256, Algorithm: wire.SignatureAlgorithmECDSA, Body: body}
	return sth
}

func sthResponseJSON(sth wire.STH) []byte {
	sigBody := append([]byte{byte(sth.Signature.Hash), byte(sth.Signature.Algorithm)}, encodeU16Prefixed(sth.Signature.Body)...)
	return []byte(fmt.Sprintf(`{"tree_size":%d,"timestamp":%d,"sha256_root_hash":%q,"tree_head_signature":%q}`,
		sth.TreeSize, sth.Timestamp,
		base64.StdEncoding.EncodeToString(sth.SHA256RootHash[:]),
		base64.StdEncoding.EncodeToString(sigBody)))
}

func encodeU16Prefixed(b []byte) []byte {
	out := make([]byte, 2+len(b))
	out[0] = byte(len(b) >> 8)
	out[1] = byte(len(b))
	copy(out[2:], b)
	return out
}

func newVerifier(t *testing.T, key *ecdsa.PrivateKey, spki []byte, responses map[string][]byte) *Verifier {
	t.Helper()
	client := &fakeClient{responses: responses}
	return New(Log{
		Origin:    "test-log",
		SPKIDER:   spki,
		Endpoints: ctclient.NewEndpoints(client),
	})
}

func TestUpdateSTHFirstFetchAccepted(t *testing.T) {
	key, spki := testKey(t)
	sth := signSTH(t, key, wire.STH{TreeSize: 5, Timestamp: 1, SHA256RootHash: [32]byte{1}})
	v := newVerifier(t, key, spki, map[string][]byte{
		"ct/v1/get-sth": sthResponseJSON(sth),
	})

	got, _, err := v.UpdateSTH(context.Background())
	if err != nil {
		t.Fatalf("UpdateSTH: %v", err)
	}
	if got.TreeSize != 5 {
		t.Errorf("got tree size %d, want 5", got.TreeSize)
	}
	latest, _, err := v.LatestSTH(context.Background())
	if err != nil {
		t.Fatalf("LatestSTH: %v", err)
	}
	if latest.TreeSize != 5 {
		t.Errorf("LatestSTH tree size = %d, want 5", latest.TreeSize)
	}
}

func TestUpdateSTHRejectsBadSignature(t *testing.T) {
	key, spki := testKey(t)
	sth := signSTH(t, key, wire.STH{TreeSize: 5, Timestamp: 1, SHA256RootHash: [32]byte{1}})
	sth.SHA256RootHash[0] ^= 0xff // tamper after signing

	v := newVerifier(t, key, spki, map[string][]byte{
		"ct/v1/get-sth": sthResponseJSON(sth),
	})
	if _, _, err := v.UpdateSTH(context.Background()); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestLatestSTHFetchesOnFirstCall(t *testing.T) {
	key, spki := testKey(t)
	sth := signSTH(t, key, wire.STH{TreeSize: 5, Timestamp: 1, SHA256RootHash: [32]byte{1}})
	v := newVerifier(t, key, spki, map[string][]byte{
		"ct/v1/get-sth": sthResponseJSON(sth),
	})

	got, validatedAt, err := v.LatestSTH(context.Background())
	if err != nil {
		t.Fatalf("LatestSTH: %v", err)
	}
	if got.TreeSize != 5 {
		t.Fatalf("got tree size %d, want 5", got.TreeSize)
	}
	if validatedAt.IsZero() {
		t.Fatal("expected a non-zero validation time")
	}
}

func TestLatestSTHDoesNotRefetchOnceCached(t *testing.T) {
	key, spki := testKey(t)
	sth := signSTH(t, key, wire.STH{TreeSize: 5, Timestamp: 1, SHA256RootHash: [32]byte{1}})
	client := &fakeClient{responses: map[string][]byte{
		"ct/v1/get-sth": sthResponseJSON(sth),
	}}
	v := New(Log{Origin: "test-log", SPKIDER: spki, Endpoints: ctclient.NewEndpoints(client)})

	if _, _, err := v.LatestSTH(context.Background()); err != nil {
		t.Fatalf("first LatestSTH: %v", err)
	}

	// Remove the fixture: if LatestSTH fetched again it would fail.
	delete(client.responses, "ct/v1/get-sth")
	got, _, err := v.LatestSTH(context.Background())
	if err != nil {
		t.Fatalf("second LatestSTH should be served from the cached history: %v", err)
	}
	if got.TreeSize != 5 {
		t.Fatalf("got tree size %d, want 5", got.TreeSize)
	}
}

func TestUpdateSTHAcceptsIdenticalTree(t *testing.T) {
	key, spki := testKey(t)

	first := signSTH(t, key, wire.STH{TreeSize: 4, Timestamp: 1, SHA256RootHash: [32]byte{1}})
	second := signSTH(t, key, wire.STH{TreeSize: 4, Timestamp: 1, SHA256RootHash: [32]byte{1}})

	client := &fakeClient{responses: map[string][]byte{
		"ct/v1/get-sth": sthResponseJSON(first),
	}}
	v := New(Log{Origin: "test-log", SPKIDER: spki, Endpoints: ctclient.NewEndpoints(client)})
	if _, _, err := v.UpdateSTH(context.Background()); err != nil {
		t.Fatalf("first UpdateSTH: %v", err)
	}

	client.responses["ct/v1/get-sth"] = sthResponseJSON(second)
	if _, _, err := v.UpdateSTH(context.Background()); err != nil {
		t.Fatalf("second UpdateSTH (identical tree): %v", err)
	}
}

func TestUpdateSTHRejectsSameSizeDifferentRoot(t *testing.T) {
	key, spki := testKey(t)
	first := signSTH(t, key, wire.STH{TreeSize: 4, Timestamp: 1, SHA256RootHash: [32]byte{1}})
	second := signSTH(t, key, wire.STH{TreeSize: 4, Timestamp: 2, SHA256RootHash: [32]byte{2}})

	client := &fakeClient{responses: map[string][]byte{
		"ct/v1/get-sth": sthResponseJSON(first),
	}}
	v := New(Log{Origin: "test-log", SPKIDER: spki, Endpoints: ctclient.NewEndpoints(client)})
	if _, _, err := v.UpdateSTH(context.Background()); err != nil {
		t.Fatalf("first UpdateSTH: %v", err)
	}

	client.responses["ct/v1/get-sth"] = sthResponseJSON(second)
	if _, _, err := v.UpdateSTH(context.Background()); err == nil {
		t.Fatal("expected error for two different roots at the same tree size")
	}
}

func TestUpdateSTHIgnoresShrinkage(t *testing.T) {
	key, spki := testKey(t)
	big := signSTH(t, key, wire.STH{TreeSize: 10, Timestamp: 2, SHA256RootHash: [32]byte{3}})
	small := signSTH(t, key, wire.STH{TreeSize: 4, Timestamp: 1, SHA256RootHash: [32]byte{1}})

	client := &fakeClient{responses: map[string][]byte{
		"ct/v1/get-sth": sthResponseJSON(big),
	}}
	v := New(Log{Origin: "test-log", SPKIDER: spki, Endpoints: ctclient.NewEndpoints(client)})
	if _, _, err := v.UpdateSTH(context.Background()); err != nil {
		t.Fatalf("first UpdateSTH: %v", err)
	}

	client.responses["ct/v1/get-sth"] = sthResponseJSON(small)
	got, _, err := v.UpdateSTH(context.Background())
	if err != nil {
		t.Fatalf("second UpdateSTH (shrinking): %v", err)
	}
	if got.TreeSize != 10 {
		t.Fatalf("expected trust to remain at tree size 10, got %d", got.TreeSize)
	}
}

func buildSignedCheckpointText(t *testing.T, origin string, treeSize int64, root [32]byte, key *ecdsa.PrivateKey, spkiDER []byte) string {
	t.Helper()
	logID := sigverify.LogID(spkiDER)
	keyID := checkpoint.KeyID(origin, logID)

	payload := checkpoint.SignaturePayload(origin, treeSize, root)
	digest := sha256.Sum256(payload)
	sigBytes, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}

	b := &cryptobyte.Builder{}
	b.AddUint64(1700000000000)
	b.AddUint8(4) // sha256
	b.AddUint8(3) // ecdsa
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(sigBytes) })
	body, err := b.Bytes()
	if err != nil {
		t.Fatalf("build signature body: %v", err)
	}

	sigLine := append(append([]byte{}, keyID[:]...), body...)
	return fmt.Sprintf("%s\n%d\n%s\n\n— %s %s\n",
		origin, treeSize, base64.StdEncoding.EncodeToString(root[:]),
		origin, base64.StdEncoding.EncodeToString(sigLine))
}

func TestUpdateSTHTiledLogUsesCheckpoint(t *testing.T) {
	key, spki := testKey(t)
	const origin = "ct.example.com/2026"
	root := [32]byte{4, 5, 6}
	text := buildSignedCheckpointText(t, origin, 7, root, key, spki)

	client := &fakeClient{responses: map[string][]byte{
		"checkpoint": []byte(text),
	}}
	v := New(Log{
		Origin:    origin,
		SPKIDER:   spki,
		Endpoints: ctclient.NewEndpoints(client),
		Tiles:     tiling.NewNodeStore(nil),
	})

	got, _, err := v.UpdateSTH(context.Background())
	if err != nil {
		t.Fatalf("UpdateSTH: %v", err)
	}
	if got.TreeSize != 7 || got.SHA256RootHash != root {
		t.Errorf("unexpected sth from checkpoint: %+v", got)
	}
}

func TestUpdateSTHTiledLogRejectsBadCheckpointSignature(t *testing.T) {
	key, spki := testKey(t)
	const origin = "ct.example.com/2026"
	root := [32]byte{4, 5, 6}
	text := buildSignedCheckpointText(t, origin, 7, root, key, spki)
	tampered := strings.Replace(text,
		base64.StdEncoding.EncodeToString(root[:]),
		base64.StdEncoding.EncodeToString([32]byte{9, 9, 9}[:]), 1)

	client := &fakeClient{responses: map[string][]byte{
		"checkpoint": []byte(tampered),
	}}
	v := New(Log{
		Origin:    origin,
		SPKIDER:   spki,
		Endpoints: ctclient.NewEndpoints(client),
		Tiles:     tiling.NewNodeStore(nil),
	})
	if _, _, err := v.UpdateSTH(context.Background()); err == nil {
		t.Fatal("expected error for a checkpoint whose root hash was tampered with")
	}
}

func TestCheckSCTInclusionDispatchesToIndexForTilingLogs(t *testing.T) {
	_, spki := testKey(t)
	v := New(Log{
		Origin:    "test-log",
		SPKIDER:   spki,
		Tiles:     tiling.NewNodeStore(nil),
	})
	leaf := wire.MerkleTreeLeaf{}
	// No leaf_index extension: CheckSCTInclusion must take the
	// tile-based path (which fails closed on a missing extension)
	// rather than the JSON path (which would instead complain about a
	// missing Endpoints client).
	err := v.CheckSCTInclusion(context.Background(), leaf, 10, [32]byte{})
	if err != ErrLeafIndexMissing {
		t.Fatalf("expected CheckSCTInclusion to dispatch to the tile-based path and fail with ErrLeafIndexMissing, got %v", err)
	}
}

func TestCheckSCTInclusionByIndexRequiresExtension(t *testing.T) {
	_, spki := testKey(t)
	v := New(Log{Origin: "test-log", SPKIDER: spki})
	leaf := wire.MerkleTreeLeaf{}
	err := v.CheckSCTInclusionByIndex(context.Background(), leaf, 10, [32]byte{})
	if err != ErrLeafIndexMissing {
		t.Fatalf("expected ErrLeafIndexMissing, got %v", err)
	}
}

func TestCheckSCTInclusionByIndexRequiresTileStore(t *testing.T) {
	_, spki := testKey(t)
	v := New(Log{Origin: "test-log", SPKIDER: spki})
	leaf := wire.MerkleTreeLeaf{Extensions: wire.Extensions{HasLeafIndex: true, LeafIndex: 2}}
	err := v.CheckSCTInclusionByIndex(context.Background(), leaf, 10, [32]byte{})
	if err == nil || !strings.Contains(err.Error(), "no tile store") {
		t.Fatalf("expected a no-tile-store error, got %v", err)
	}
}

func TestSPKIAccessor(t *testing.T) {
	_, spki := testKey(t)
	v := New(Log{SPKIDER: spki})
	if string(v.SPKI()) != string(spki) {
		t.Fatal("SPKI() should return the configured key")
	}
}

func TestOriginAccessor(t *testing.T) {
	_, spki := testKey(t)
	v := New(Log{Origin: "ct.example.com/2026", SPKIDER: spki})
	if v.Origin() != "ct.example.com/2026" {
		t.Fatalf("Origin() = %q, want %q", v.Origin(), "ct.example.com/2026")
	}
}
