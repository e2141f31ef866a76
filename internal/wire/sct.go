package wire

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// SignatureType distinguishes what a Signature's signed payload is, per
// RFC 5246 4.7 "digitally-signed" framing as reused by RFC 6962 3.2.
type SignatureType uint8

const (
	SignatureTypeCertificateTimestamp SignatureType = 0
	SignatureTypeTreeHash             SignatureType = 1
)

// HashAlgorithm and SignatureAlgorithm mirror RFC 5246 7.4.1.4.1; this
// auditor only ever expects SHA256/ECDSA (RFC 6962 2.1.4).
type HashAlgorithm uint8
type SignatureAlgorithm uint8

const (
	HashAlgorithmSHA256        HashAlgorithm      = 4
	SignatureAlgorithmECDSA    SignatureAlgorithm = 3
	SignatureAlgorithmRSA      SignatureAlgorithm = 1
	SignatureAlgorithmUnknown0 SignatureAlgorithm = 0
)

// Signature is RFC 5246's "digitally-signed" struct:
//
//	struct { HashAlgorithm hash; SignatureAlgorithm signature; } SignatureAndHashAlgorithm;
//	struct { SignatureAndHashAlgorithm algorithm; opaque signature<0..2^16-1>; } DigitallySigned;
type Signature struct {
	Hash      HashAlgorithm
	Algorithm SignatureAlgorithm
	Body      []byte
}

func (s Signature) encode(b *cryptobyte.Builder) {
	b.AddUint8(uint8(s.Hash))
	b.AddUint8(uint8(s.Algorithm))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(s.Body) })
}

func decodeSignature(s *cryptobyte.String) (Signature, error) {
	var sig Signature
	var h, a uint8
	var body cryptobyte.String
	if !s.ReadUint8(&h) || !s.ReadUint8(&a) || !s.ReadUint16LengthPrefixed(&body) {
		return Signature{}, fmt.Errorf("wire: truncated signature")
	}
	sig.Hash = HashAlgorithm(h)
	sig.Algorithm = SignatureAlgorithm(a)
	sig.Body = append([]byte(nil), body...)
	return sig, nil
}

// SCT is a RFC 6962 v1 SignedCertificateTimestamp.
type SCT struct {
	LogID      [32]byte
	Timestamp  int64
	Extensions Extensions
	Signature  Signature
}

// Encode renders the SCT per RFC 6962 3.2.
func (s SCT) Encode() ([]byte, error) {
	b := &cryptobyte.Builder{}
	b.AddUint8(0) // Version.V1
	b.AddBytes(s.LogID[:])
	b.AddUint64(uint64(s.Timestamp))
	ext, err := MarshalExtensions(s.Extensions)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal sct extensions: %w", err)
	}
	b.AddBytes(ext)
	s.Signature.encode(b)
	return b.Bytes()
}

// DecodeSCT parses a single RFC 6962 v1 SignedCertificateTimestamp.
func DecodeSCT(data []byte) (SCT, error) {
	s := cryptobyte.String(data)
	var sct SCT
	var version uint8
	if !s.ReadUint8(&version) || version != 0 {
		return SCT{}, fmt.Errorf("wire: unsupported sct version %d", version)
	}
	if !s.CopyBytes(sct.LogID[:]) {
		return SCT{}, fmt.Errorf("wire: truncated sct log id")
	}
	var timestamp uint64
	if !s.ReadUint64(&timestamp) {
		return SCT{}, fmt.Errorf("wire: truncated sct timestamp")
	}
	sct.Timestamp = int64(timestamp)
	var extBody cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extBody) {
		return SCT{}, fmt.Errorf("wire: truncated sct extensions")
	}
	ext, err := ParseExtensions(prefixLen16(extBody))
	if err != nil {
		return SCT{}, err
	}
	sct.Extensions = ext
	sig, err := decodeSignature(&s)
	if err != nil {
		return SCT{}, err
	}
	sct.Signature = sig
	if !s.Empty() {
		return SCT{}, fmt.Errorf("wire: trailing bytes after sct")
	}
	return sct, nil
}

// SignatureInput returns the bytes an SCT's Signature is computed over:
//
//	digitally-signed struct {
//	    Version sct_version;
//	    SignatureType signature_type = certificate_timestamp;
//	    uint64 timestamp;
//	    LogEntryType entry_type;
//	    select(entry_type) { ... } signed_entry;
//	    CtExtensions extensions;
//	}
func (s SCT) SignatureInput(entry LogEntry) ([]byte, error) {
	b := &cryptobyte.Builder{}
	b.AddUint8(0) // Version.V1
	b.AddUint8(uint8(SignatureTypeCertificateTimestamp))
	b.AddUint64(uint64(s.Timestamp))
	entry.encode(b)
	ext, err := MarshalExtensions(s.Extensions)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal sct signature-input extensions: %w", err)
	}
	b.AddBytes(ext)
	return b.Bytes()
}

// DecodeSCTList parses an X.509 "Signed Certificate Timestamp List"
// extension value (RFC 6962 3.3): a DER OCTET STRING whose content is a
// SizedAppendVec<SCT>, here already unwrapped to the inner bytes.
func DecodeSCTList(data []byte) ([]SCT, error) {
	s := cryptobyte.String(data)
	var body cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&body) || !s.Empty() {
		return nil, fmt.Errorf("wire: malformed sct list")
	}
	var out []SCT
	for !body.Empty() {
		var one cryptobyte.String
		if !body.ReadUint16LengthPrefixed(&one) {
			return nil, fmt.Errorf("wire: malformed sct list entry")
		}
		sct, err := DecodeSCT(one)
		if err != nil {
			return nil, fmt.Errorf("wire: sct list entry: %w", err)
		}
		out = append(out, sct)
	}
	return out, nil
}

// EncodeSCTList renders a SCT list back into the SizedAppendVec<SCT>
// encoding used inside the X.509 extension, for round-trip testing.
func EncodeSCTList(scts []SCT) ([]byte, error) {
	b := &cryptobyte.Builder{}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, sct := range scts {
			enc, err := sct.Encode()
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(enc) })
		}
	})
	return b.Bytes()
}
