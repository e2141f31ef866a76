// Package wire implements the RFC 6962 / c2sp.org tile-log binary wire
// types: SCTs, STHs, Merkle tree leaves, and their extensions.
package wire

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ExtensionLeafIndex is the CtExtension type tag carrying the zero-based
// leaf index of an entry, used by tiling logs that need it to locate a
// SCT's position without a get-proof-by-hash style index.
const ExtensionLeafIndex uint8 = 0

// Extensions is the RFC 6962 CtExtensions structure, restricted to the
// one extension kind this auditor understands (LeafIndex). Unknown
// extension tags round-trip as opaque blobs via UnknownExtension.
type Extensions struct {
	// LeafIndex is set when a LeafIndex extension (tag 0) was present.
	HasLeafIndex bool
	LeafIndex    uint64

	// Unknown carries any extensions this auditor does not interpret,
	// preserved byte-for-byte for round-tripping.
	Unknown []UnknownExtension
}

// UnknownExtension is an extension whose tag this auditor does not
// recognize. Its payload is kept opaque.
type UnknownExtension struct {
	Tag  uint8
	Data []byte
}

// MarshalExtensions encodes e as a SizedAppendVec<CtExtension> (a u16
// length-prefixed sequence of extensions).
func MarshalExtensions(e Extensions) ([]byte, error) {
	b := &cryptobyte.Builder{}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		if e.HasLeafIndex {
			b.AddUint8(ExtensionLeafIndex)
			b.AddUint16(5)
			addUint40(b, e.LeafIndex)
		}
		for _, u := range e.Unknown {
			b.AddUint8(u.Tag)
			b.AddUint16(uint16(len(u.Data)))
			b.AddBytes(u.Data)
		}
	})
	return b.Bytes()
}

// ParseExtensions decodes a SizedAppendVec<CtExtension>.
func ParseExtensions(data []byte) (Extensions, error) {
	var e Extensions
	s := cryptobyte.String(data)
	var body cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&body) || !s.Empty() {
		return Extensions{}, fmt.Errorf("wire: malformed extensions container")
	}
	for !body.Empty() {
		var tag uint8
		var payload cryptobyte.String
		if !body.ReadUint8(&tag) || !body.ReadUint16LengthPrefixed(&payload) {
			return Extensions{}, fmt.Errorf("wire: malformed extension entry")
		}
		switch tag {
		case ExtensionLeafIndex:
			if len(payload) != 5 {
				return Extensions{}, fmt.Errorf("wire: leaf index extension must be 5 bytes, got %d", len(payload))
			}
			var idx uint64
			if !readUint40(&payload, &idx) || !payload.Empty() {
				return Extensions{}, fmt.Errorf("wire: malformed leaf index extension")
			}
			e.HasLeafIndex = true
			e.LeafIndex = idx
		default:
			e.Unknown = append(e.Unknown, UnknownExtension{Tag: tag, Data: append([]byte(nil), payload...)})
		}
	}
	return e, nil
}

func addUint40(b *cryptobyte.Builder, v uint64) {
	b.AddUint8(uint8(v >> 32))
	b.AddUint32(uint32(v))
}

func readUint40(s *cryptobyte.String, out *uint64) bool {
	var hi uint8
	var lo uint32
	if !s.ReadUint8(&hi) || !s.ReadUint32(&lo) {
		return false
	}
	*out = uint64(hi)<<32 | uint64(lo)
	return true
}
