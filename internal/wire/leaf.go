package wire

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// LogEntryType distinguishes an ordinary X.509 chain entry from a
// precertificate entry (RFC 6962 3.4).
type LogEntryType uint16

const (
	X509LogEntryType    LogEntryType = 0
	PrecertLogEntryType LogEntryType = 1
)

// LogEntry is the RFC 6962 LogEntry tagged union: either a plain X.509
// leaf certificate, or a precertificate TBSCertificate plus the hash of
// the SPKI of the certificate that issued it.
type LogEntry struct {
	Type LogEntryType

	// X509 is the DER leaf certificate, set when Type == X509LogEntryType.
	X509 []byte

	// IssuerKeyHash is SHA-256(issuer SPKI DER), set when
	// Type == PrecertLogEntryType.
	IssuerKeyHash [32]byte
	// TBSCertificate is the DER TBSCertificate with the poison extension
	// and any embedded SCT extension stripped, set when
	// Type == PrecertLogEntryType.
	TBSCertificate []byte
}

func (e LogEntry) encode(b *cryptobyte.Builder) {
	b.AddUint16(uint16(e.Type))
	switch e.Type {
	case X509LogEntryType:
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(e.X509) })
	case PrecertLogEntryType:
		b.AddBytes(e.IssuerKeyHash[:])
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(e.TBSCertificate) })
	default:
		b.SetError(fmt.Errorf("wire: unknown log entry type %d", e.Type))
	}
}

func decodeLogEntry(s *cryptobyte.String) (LogEntry, error) {
	var e LogEntry
	var typ uint16
	if !s.ReadUint16(&typ) {
		return LogEntry{}, fmt.Errorf("wire: truncated log entry")
	}
	e.Type = LogEntryType(typ)
	switch e.Type {
	case X509LogEntryType:
		if !s.ReadUint24LengthPrefixed((*cryptobyte.String)(&e.X509)) {
			return LogEntry{}, fmt.Errorf("wire: truncated x509_entry")
		}
	case PrecertLogEntryType:
		if !s.CopyBytes(e.IssuerKeyHash[:]) ||
			!s.ReadUint24LengthPrefixed((*cryptobyte.String)(&e.TBSCertificate)) {
			return LogEntry{}, fmt.Errorf("wire: truncated precert_entry")
		}
	default:
		return LogEntry{}, fmt.Errorf("wire: unknown log entry type %d", e.Type)
	}
	return e, nil
}

// MerkleTreeLeaf is the RFC 6962 TimestampedEntry wrapped as a
// MerkleTreeLeaf: the structure whose SHA-256 (with the 0x00 leaf
// prefix) is the tree's leaf hash.
type MerkleTreeLeaf struct {
	Timestamp  int64
	Entry      LogEntry
	Extensions Extensions
}

// Encode renders the MerkleTreeLeaf per RFC 6962 3.4:
//
//	version(1) || leaf_type(1)=timestamped_entry || timestamp(8) ||
//	    LogEntry || CtExtensions
func (l MerkleTreeLeaf) Encode() ([]byte, error) {
	b := &cryptobyte.Builder{}
	b.AddUint8(0) // Version.V1
	b.AddUint8(0) // LeafType.TimestampedEntry
	b.AddUint64(uint64(l.Timestamp))
	l.Entry.encode(b)
	ext, err := MarshalExtensions(l.Extensions)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal leaf extensions: %w", err)
	}
	b.AddBytes(ext)
	return b.Bytes()
}

// LeafHash returns SHA256(0x00 || Encode()), the tree leaf hash.
func (l MerkleTreeLeaf) LeafHash() ([32]byte, error) {
	enc, err := l.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return hashLeaf(enc), nil
}

// ReadTileLeaf reads a LogEntry-derived tile leaf record (c2sp.org/static-ct-api
// data tile format), returning the remaining bytes in the tile.
//
//	struct {
//	    TimestampedEntry timestamped_entry;
//	    select (entry_type) {
//	        case x509_entry: Empty;
//	        case precert_entry: ASN.1Cert pre_certificate;
//	    } extra_data;
//	    Fingerprint fingerprints<0..2^16-1>;
//	} TileLeaf;
func ReadTileLeaf(tile []byte) (leaf MerkleTreeLeaf, preCertificate []byte, fingerprints [][32]byte, rest []byte, err error) {
	s := cryptobyte.String(tile)
	var timestamp uint64
	if !s.ReadUint64(&timestamp) {
		return MerkleTreeLeaf{}, nil, nil, nil, fmt.Errorf("wire: truncated tile leaf")
	}
	entry, err := decodeLogEntry(&s)
	if err != nil {
		return MerkleTreeLeaf{}, nil, nil, nil, err
	}
	var extData cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extData) {
		return MerkleTreeLeaf{}, nil, nil, nil, fmt.Errorf("wire: truncated tile leaf extensions")
	}
	ext, err := ParseExtensions(prefixLen16(extData))
	if err != nil {
		return MerkleTreeLeaf{}, nil, nil, nil, err
	}
	if entry.Type == PrecertLogEntryType {
		if !s.ReadUint24LengthPrefixed((*cryptobyte.String)(&preCertificate)) {
			return MerkleTreeLeaf{}, nil, nil, nil, fmt.Errorf("wire: truncated precert extra_data")
		}
	}
	var fpData cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&fpData) {
		return MerkleTreeLeaf{}, nil, nil, nil, fmt.Errorf("wire: truncated fingerprints")
	}
	fingerprints = make([][32]byte, 0, len(fpData)/32)
	for !fpData.Empty() {
		var fp [32]byte
		if !fpData.CopyBytes(fp[:]) {
			return MerkleTreeLeaf{}, nil, nil, nil, fmt.Errorf("wire: truncated fingerprint")
		}
		fingerprints = append(fingerprints, fp)
	}
	return MerkleTreeLeaf{Timestamp: int64(timestamp), Entry: entry, Extensions: ext}, preCertificate, fingerprints, []byte(s), nil
}

// prefixLen16 re-adds the u16 length prefix ParseExtensions expects,
// since ReadUint16LengthPrefixed already stripped it from the reader.
func prefixLen16(body cryptobyte.String) []byte {
	b := &cryptobyte.Builder{}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(body) })
	return b.BytesOrPanic()
}
