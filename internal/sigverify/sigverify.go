// Package sigverify validates RFC 6962 "digitally-signed" payloads
// (SCT and STH signatures) against a log's DER SubjectPublicKeyInfo.
//
// It mirrors internal/sunlight's checkpoint signing/verification code
// from the other direction: that code signs a TreeHeadSignature and
// builds a verifier to check it; this package only ever verifies,
// since an auditor never holds a log's private key.
package sigverify

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"ctaudit.dev/internal/wire"
)

var (
	ErrUnsupportedHashAlgorithm      = errors.New("sigverify: unsupported hash algorithm")
	ErrUnsupportedSignatureAlgorithm = errors.New("sigverify: unsupported signature algorithm")
	ErrMalformedKey                  = errors.New("sigverify: malformed key")
	ErrMalformedSignature            = errors.New("sigverify: malformed signature")
	ErrInvalidSignature              = errors.New("sigverify: invalid signature")
)

// Verify checks that sig is a valid ECDSA-P256/SHA-256 signature over
// payload under the SPKI DER key spkiDER. Any other
// (hash, signature-algorithm) combination is rejected as unsupported
// rather than silently accepted.
func Verify(spkiDER []byte, payload []byte, sig wire.Signature) error {
	if sig.Hash != wire.HashAlgorithmSHA256 {
		return fmt.Errorf("%w: %d", ErrUnsupportedHashAlgorithm, sig.Hash)
	}
	if sig.Algorithm != wire.SignatureAlgorithmECDSA {
		return fmt.Errorf("%w: %d", ErrUnsupportedSignatureAlgorithm, sig.Algorithm)
	}

	pub, err := x509.ParsePKIXPublicKey(spkiDER)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	ecdsaKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: key is not ECDSA", ErrMalformedKey)
	}

	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(ecdsaKey, digest[:], sig.Body) {
		return ErrInvalidSignature
	}
	return nil
}

// LogID returns SHA256(spkiDER), the RFC 6962 log id.
func LogID(spkiDER []byte) [32]byte {
	return sha256.Sum256(spkiDER)
}
