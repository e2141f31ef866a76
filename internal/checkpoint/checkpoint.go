// Package checkpoint parses and validates c2sp.org/checkpoint signed
// notes, recovering the Signed Tree Head they encode.
//
// This is adapted from internal/sunlight/checkpoint_ol.go's
// ParseCheckpoint/NewRFC6962Verifier pair, which this auditor only ever
// runs in the verify direction (a log's checkpoint, never its own).
package checkpoint

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"

	"ctaudit.dev/internal/sigverify"
	"ctaudit.dev/internal/wire"
)

const maxCheckpointSize = 1e6

// ErrMalformedCheckpoint covers every checkpoint text that doesn't
// parse into origin/tree_size/root_hash/signatures, per spec.md 4.7's
// parse-error taxonomy (MissingField, MalformedField,
// UnexpectedExtensions, NoSignatures, MalformedSignature).
var ErrMalformedCheckpoint = errors.New("checkpoint: malformed checkpoint")

// Checkpoint is a parsed, not-yet-verified c2sp.org/checkpoint body.
type Checkpoint struct {
	Origin   string
	TreeSize int64
	RootHash [32]byte
}

type signatureLine struct {
	name  string
	keyID []byte
	body  []byte
}

// Parse parses the checkpoint body (everything before the first
// signature line). The signature-line prefix must be the literal UTF-8
// em-dash "— " (U+2014, U+0020); a three-byte mojibake substitute or
// any other prefix is rejected, per spec.md's open question on
// checkpoint em-dash encoding.
func Parse(text string) (Checkpoint, []signatureLine, error) {
	if strings.Count(text, "\n") < 4 || len(text) > maxCheckpointSize {
		return Checkpoint{}, nil, fmt.Errorf("%w: too short or too long", ErrMalformedCheckpoint)
	}
	lines := strings.Split(text, "\n")
	if lines[0] == "" {
		return Checkpoint{}, nil, fmt.Errorf("%w: missing origin", ErrMalformedCheckpoint)
	}
	n, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil || n < 0 || lines[1] != strconv.FormatInt(n, 10) {
		return Checkpoint{}, nil, fmt.Errorf("%w: malformed tree_size", ErrMalformedCheckpoint)
	}
	rootRaw, err := base64.StdEncoding.DecodeString(lines[2])
	if err != nil || len(rootRaw) != 32 {
		return Checkpoint{}, nil, fmt.Errorf("%w: malformed root hash", ErrMalformedCheckpoint)
	}
	if lines[3] != "" {
		return Checkpoint{}, nil, fmt.Errorf("%w: unexpected extension lines", ErrMalformedCheckpoint)
	}

	var sigs []signatureLine
	for _, l := range lines[4:] {
		if l == "" {
			continue
		}
		if !strings.HasPrefix(l, "— ") {
			return Checkpoint{}, nil, fmt.Errorf("%w: signature line missing em-dash prefix", ErrMalformedCheckpoint)
		}
		rest := strings.TrimPrefix(l, "— ")
		name, b64, found := strings.Cut(rest, " ")
		if !found || name == "" {
			return Checkpoint{}, nil, fmt.Errorf("%w: malformed signature line", ErrMalformedCheckpoint)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(raw) < 4 {
			return Checkpoint{}, nil, fmt.Errorf("%w: malformed signature body", ErrMalformedCheckpoint)
		}
		sigs = append(sigs, signatureLine{name: name, keyID: raw[:4], body: raw[4:]})
	}
	if len(sigs) == 0 {
		return Checkpoint{}, nil, fmt.Errorf("%w: no signatures", ErrMalformedCheckpoint)
	}

	var cp Checkpoint
	cp.Origin = lines[0]
	cp.TreeSize = n
	copy(cp.RootHash[:], rootRaw)
	return cp, sigs, nil
}

// KeyID derives the checkpoint key id for a log, per spec.md 4.7:
// SHA256(origin || 0x0A || 0x05 || log_id)[0:4].
func KeyID(origin string, logID [32]byte) [4]byte {
	h := sha256.New()
	h.Write([]byte(origin))
	h.Write([]byte{'\n'})
	h.Write([]byte{0x05})
	h.Write(logID[:])
	sum := h.Sum(nil)
	var out [4]byte
	copy(out[:], sum)
	return out
}

// SignaturePayload is the c2sp.org/checkpoint note payload a log's
// signature actually covers: "origin\ntree_size\nroot_hash\n", with no
// extension or signature lines included.
func SignaturePayload(origin string, treeSize int64, rootHash [32]byte) []byte {
	return []byte(fmt.Sprintf("%s\n%d\n%s\n", origin, treeSize, base64.StdEncoding.EncodeToString(rootHash[:])))
}

// Validate parses a signed checkpoint, verifies it against a log's DER
// SPKI key, and returns the equivalent RFC 6962 SignedTreeHead.
func Validate(text string, origin string, spkiDER []byte) (wire.STH, error) {
	cp, sigs, err := Parse(text)
	if err != nil {
		return wire.STH{}, err
	}
	if cp.Origin != origin {
		return wire.STH{}, fmt.Errorf("%w: origin %q does not match log %q", ErrMalformedCheckpoint, cp.Origin, origin)
	}

	logID := sha256.Sum256(spkiDER)
	wantKeyID := KeyID(origin, logID)

	var match *signatureLine
	for i := range sigs {
		if len(sigs[i].keyID) == 4 && [4]byte(sigs[i].keyID) == wantKeyID && sigs[i].name == origin {
			match = &sigs[i]
			break
		}
	}
	if match == nil {
		return wire.STH{}, fmt.Errorf("%w: no signature with matching name/key id", ErrMalformedCheckpoint)
	}

	var timestamp uint64
	var hashAlg, sigAlg uint8
	var signature cryptobyte.String
	s := cryptobyte.String(match.body)
	if !s.ReadUint64(&timestamp) ||
		!s.ReadUint8(&hashAlg) || hashAlg != 4 || !s.ReadUint8(&sigAlg) ||
		!s.ReadUint16LengthPrefixed(&signature) || !s.Empty() {
		return wire.STH{}, fmt.Errorf("%w: malformed RFC6962NoteSignature", ErrMalformedCheckpoint)
	}

	sig := wire.Signature{
		Hash:      wire.HashAlgorithm(hashAlg),
		Algorithm: wire.SignatureAlgorithm(sigAlg),
		Body:      []byte(signature),
	}
	if err := sigverify.Verify(spkiDER, SignaturePayload(origin, cp.TreeSize, cp.RootHash), sig); err != nil {
		return wire.STH{}, fmt.Errorf("checkpoint: signature: %w", err)
	}

	return wire.STH{
		TreeSize:       uint64(cp.TreeSize),
		Timestamp:      int64(timestamp),
		SHA256RootHash: cp.RootHash,
		Signature:      sig,
	}, nil
}
