package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// STH is a RFC 6962 v1 SignedTreeHead.
type STH struct {
	TreeSize       uint64
	Timestamp      int64
	SHA256RootHash [32]byte
	Signature      Signature
}

// SignatureInput returns the digitally-signed payload an STH's
// Signature is computed over (RFC 6962 3.5, TreeHeadSignature):
//
//	digitally-signed struct {
//	    Version version = v1;
//	    SignatureType signature_type = tree_hash;
//	    uint64 timestamp;
//	    uint64 tree_size;
//	    opaque sha256_root_hash[32];
//	}
func (s STH) SignatureInput() []byte {
	b := &cryptobyte.Builder{}
	b.AddUint8(0) // Version.V1
	b.AddUint8(uint8(SignatureTypeTreeHash))
	b.AddUint64(uint64(s.Timestamp))
	b.AddUint64(s.TreeSize)
	b.AddBytes(s.SHA256RootHash[:])
	return b.BytesOrPanic()
}

// Compare totally orders two tree heads by (tree_size, head), per
// spec.md's TreeHead ordering.
func (s STH) Compare(o STH) int {
	if s.TreeSize != o.TreeSize {
		if s.TreeSize < o.TreeSize {
			return -1
		}
		return 1
	}
	for i := range s.SHA256RootHash {
		if s.SHA256RootHash[i] != o.SHA256RootHash[i] {
			if s.SHA256RootHash[i] < o.SHA256RootHash[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// getSTHJSON is the wire shape of the RFC 6962 get-sth JSON response.
type getSTHJSON struct {
	TreeSize          uint64 `json:"tree_size"`
	Timestamp         int64  `json:"timestamp"`
	SHA256RootHash    string `json:"sha256_root_hash"`
	TreeHeadSignature string `json:"tree_head_signature"`
}

// DecodeSTHResponse parses a RFC 6962 get-sth JSON response body into an
// STH with its embedded TLS-encoded signature decoded.
func DecodeSTHResponse(body []byte) (STH, error) {
	var j getSTHJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return STH{}, fmt.Errorf("wire: malformed get-sth response: %w", err)
	}
	root, err := base64.StdEncoding.DecodeString(j.SHA256RootHash)
	if err != nil || len(root) != 32 {
		return STH{}, fmt.Errorf("wire: malformed sha256_root_hash")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(j.TreeHeadSignature)
	if err != nil {
		return STH{}, fmt.Errorf("wire: malformed tree_head_signature: %w", err)
	}
	s := cryptobyte.String(sigBytes)
	sig, err := decodeSignature(&s)
	if err != nil || !s.Empty() {
		return STH{}, fmt.Errorf("wire: malformed tree_head_signature body")
	}
	var sth STH
	sth.TreeSize = j.TreeSize
	sth.Timestamp = j.Timestamp
	copy(sth.SHA256RootHash[:], root)
	sth.Signature = sig
	return sth, nil
}

// getSTHConsistencyJSON is the wire shape of the get-sth-consistency
// JSON response.
type getSTHConsistencyJSON struct {
	Consistency []string `json:"consistency"`
}

// DecodeConsistencyResponse parses the base64 hash list in a
// get-sth-consistency response.
func DecodeConsistencyResponse(body []byte) ([][32]byte, error) {
	var j getSTHConsistencyJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("wire: malformed get-sth-consistency response: %w", err)
	}
	return decodeHashList(j.Consistency)
}

type getProofByHashJSON struct {
	LeafIndex int64    `json:"leaf_index"`
	AuditPath []string `json:"audit_path"`
}

// DecodeAuditProofResponse parses a get-proof-by-hash JSON response.
func DecodeAuditProofResponse(body []byte) (leafIndex int64, path [][32]byte, err error) {
	var j getProofByHashJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return 0, nil, fmt.Errorf("wire: malformed get-proof-by-hash response: %w", err)
	}
	path, err = decodeHashList(j.AuditPath)
	if err != nil {
		return 0, nil, err
	}
	return j.LeafIndex, path, nil
}

type getRootsJSON struct {
	Certificates []string `json:"certificates"`
}

// DecodeRootsResponse parses a get-roots JSON response into raw DER
// certificates, skipping entries that fail to base64-decode.
func DecodeRootsResponse(body []byte) ([][]byte, error) {
	var j getRootsJSON
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("wire: malformed get-roots response: %w", err)
	}
	out := make([][]byte, 0, len(j.Certificates))
	for _, c := range j.Certificates {
		der, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			continue
		}
		out = append(out, der)
	}
	return out, nil
}

func decodeHashList(in []string) ([][32]byte, error) {
	out := make([][32]byte, 0, len(in))
	for _, s := range in {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("wire: malformed hash %q", s)
		}
		var h [32]byte
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, nil
}
