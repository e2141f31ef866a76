// Package certchain models a DER/PEM X.509 certificate chain and the
// RFC 6962-specific accessors a CT auditor needs: embedded SCT
// extraction, precert detection, and precert TBSCertificate
// canonicalization.
//
// Parsing is done with github.com/google/certificate-transparency-go's
// x509 fork, the same parser internal/ctlog used on the submission
// side (ctlog.go's stageZero), so precert/TBS handling stays bit-for-bit
// compatible with what a real log operator does.
package certchain

import (
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/google/certificate-transparency-go/x509"

	"ctaudit.dev/internal/wire"
)

// sctListOID and ctPoisonOID are the well-known CT X.509 extension OIDs
// (RFC 6962 3.3, 3.2).
var (
	sctListOID = []int{1, 3, 6, 1, 4, 1, 11129, 2, 4, 2}
	ctPoisonOID = []int{1, 3, 6, 1, 4, 1, 11129, 2, 4, 3}
)

// ErrPreIssuerAmbiguous is returned when a certificate was issued by a
// dedicated precert-signing certificate. RFC 6962 says the PreCert's
// issuer_key_hash must then come from the *issuer of the signing
// certificate*, not the signing certificate itself, but this auditor
// does not have enough chain context to disambiguate that case
// reliably and fails closed instead of guessing (spec open question).
var ErrPreIssuerAmbiguous = errors.New("certchain: certificate issued by a precert-signing certificate; issuer key hash is ambiguous")

// ErrInvalidPreCert is returned when a certificate carries more than
// one CT poison, or carries both a poison and an embedded SCT list.
var ErrInvalidPreCert = errors.New("certchain: invalid precertificate extensions")

// ErrChainTooShort is returned for chains of fewer than 2 certificates;
// a lone leaf cannot prove anything about the issuer that logged it.
var ErrChainTooShort = errors.New("certchain: chain must contain at least a leaf and an issuer")

// Chain is a non-empty, leaf-first, root-last certificate chain whose
// adjacent links have been verified to chain-sign one another.
type Chain struct {
	certs []*x509.Certificate
}

// FromPEM parses a PEM block stream into a chain and verifies adjacent
// links. The chain must contain at least two certificates.
func FromPEM(text []byte) (*Chain, error) {
	var certs []*x509.Certificate
	rest := text
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certchain: parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return FromCertificates(certs)
}

// FromCertificates builds a chain from already-parsed certificates and
// verifies adjacent links.
func FromCertificates(certs []*x509.Certificate) (*Chain, error) {
	if len(certs) < 2 {
		return nil, ErrChainTooShort
	}
	c := &Chain{certs: certs}
	if err := c.verifyChain(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) verifyChain() error {
	for i := 1; i < len(c.certs); i++ {
		if err := c.certs[i-1].CheckSignatureFrom(c.certs[i]); err != nil {
			return fmt.Errorf("certchain: certificate %d does not chain to certificate %d: %w", i-1, i, err)
		}
	}
	return nil
}

// VerifyAgainstRoot additionally checks that the chain's tail is signed
// by root (i.e. root() == root, and the tail itself verifies against it
// if root is not already the tail).
func (c *Chain) VerifyAgainstRoot(root *x509.Certificate) error {
	tail := c.certs[len(c.certs)-1]
	if tail.Equal(root) {
		return nil
	}
	if err := tail.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("certchain: chain tail does not chain to supplied root: %w", err)
	}
	return nil
}

// Leaf returns the chain's first (end-entity) certificate.
func (c *Chain) Leaf() *x509.Certificate { return c.certs[0] }

// Root returns the chain's last certificate.
func (c *Chain) Root() *x509.Certificate { return c.certs[len(c.certs)-1] }

// Certificates returns the full chain, leaf first.
func (c *Chain) Certificates() []*x509.Certificate { return c.certs }

// ExtractSCTsV1 enumerates every SCT list extension on the leaf
// certificate and returns the flattened, decoded SCT list.
func (c *Chain) ExtractSCTsV1() ([]wire.SCT, error) {
	leaf := c.Leaf()
	var out []wire.SCT
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(sctListOID) {
			continue
		}
		// ext.Value is the DER encoding of an OCTET STRING whose
		// content is the SCT list; unwrap the outer OCTET STRING tag.
		inner, err := unwrapOctetString(ext.Value)
		if err != nil {
			return nil, fmt.Errorf("certchain: sct list extension: %w", err)
		}
		scts, err := wire.DecodeSCTList(inner)
		if err != nil {
			return nil, fmt.Errorf("certchain: sct list extension: %w", err)
		}
		out = append(out, scts...)
	}
	return out, nil
}

// IsPrecert reports whether the leaf certificate is a precertificate:
// exactly one critical CT poison extension, and no embedded SCT list.
func (c *Chain) IsPrecert() (bool, error) {
	leaf := c.Leaf()
	poisonCount := 0
	hasSCTList := false
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(ctPoisonOID) {
			poisonCount++
			if !ext.Critical {
				return false, fmt.Errorf("%w: ct poison must be critical", ErrInvalidPreCert)
			}
		}
		if ext.Id.Equal(sctListOID) {
			hasSCTList = true
		}
	}
	if poisonCount == 0 {
		return false, nil
	}
	if poisonCount > 1 || hasSCTList {
		return false, ErrInvalidPreCert
	}
	return true, nil
}

// AsLogEntryV1 produces the RFC 6962 LogEntry this chain's leaf would
// have been submitted to a log as. When asPrecert is true, the
// TBSCertificate is rebuilt with all SCT-list and poison extensions
// stripped, and the issuer key hash is computed from chain[1]'s SPKI —
// unless chain[1] is itself a dedicated precert-signing certificate, in
// which case the true issuer is ambiguous (see ErrPreIssuerAmbiguous).
func (c *Chain) AsLogEntryV1(asPrecert bool) (wire.LogEntry, error) {
	leaf := c.Leaf()
	if !asPrecert {
		return wire.LogEntry{Type: wire.X509LogEntryType, X509: leaf.Raw}, nil
	}
	if len(c.certs) < 2 {
		return wire.LogEntry{}, ErrChainTooShort
	}
	issuer := c.certs[1]
	if isPreIssuer(issuer) {
		return wire.LogEntry{}, ErrPreIssuerAmbiguous
	}

	tbs, err := stripPoisonAndSCTExtensions(leaf)
	if err != nil {
		return wire.LogEntry{}, fmt.Errorf("certchain: rebuild precert tbs: %w", err)
	}

	return wire.LogEntry{
		Type:           wire.PrecertLogEntryType,
		IssuerKeyHash:  sha256.Sum256(issuer.RawSubjectPublicKeyInfo),
		TBSCertificate: tbs,
	}, nil
}

// AsLeafV1 wraps AsLogEntryV1's result into a MerkleTreeLeaf using the
// SCT's timestamp and extensions, as a log would have when it issued
// the SCT.
func (c *Chain) AsLeafV1(sct wire.SCT, asPrecert bool) (wire.MerkleTreeLeaf, error) {
	entry, err := c.AsLogEntryV1(asPrecert)
	if err != nil {
		return wire.MerkleTreeLeaf{}, err
	}
	return wire.MerkleTreeLeaf{
		Timestamp:  sct.Timestamp,
		Entry:      entry,
		Extensions: sct.Extensions,
	}, nil
}

// isPreIssuer reports whether cert is a dedicated precertificate
// signing certificate (RFC 6962 3.1): it carries the CT precertificate
// signing extended key usage OID 1.3.6.1.4.1.11129.2.4.4.
func isPreIssuer(cert *x509.Certificate) bool {
	preIssuerOID := []int{1, 3, 6, 1, 4, 1, 11129, 2, 4, 4}
	for _, u := range cert.UnknownExtKeyUsage {
		if u.Equal(preIssuerOID) {
			return true
		}
	}
	return false
}

// stripPoisonAndSCTExtensions removes the CT poison and SCT-list
// extensions from a certificate's TBSCertificate, returning the
// re-encoded DER TBSCertificate suitable for precert log-entry
// submission.
func stripPoisonAndSCTExtensions(cert *x509.Certificate) ([]byte, error) {
	tbs := cert.RawTBSCertificate
	var err error
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(sctListOID):
			tbs, err = x509.RemoveSCTList(tbs)
		case ext.Id.Equal(ctPoisonOID):
			tbs, err = x509.BuildPrecertTBS(tbs, nil)
		}
		if err != nil {
			return nil, err
		}
	}
	return tbs, nil
}

// unwrapOctetString strips a single DER OCTET STRING tag+length,
// returning its content.
func unwrapOctetString(der []byte) ([]byte, error) {
	if len(der) < 2 || der[0] != 0x04 {
		return nil, errors.New("certchain: expected DER OCTET STRING")
	}
	length := int(der[1])
	offset := 2
	if length&0x80 != 0 {
		n := length & 0x7f
		if n == 0 || n > 4 || len(der) < 2+n {
			return nil, errors.New("certchain: malformed OCTET STRING length")
		}
		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(der[2+i])
		}
		offset = 2 + n
	}
	if len(der) < offset+length {
		return nil, errors.New("certchain: truncated OCTET STRING")
	}
	return der[offset : offset+length], nil
}
