package wire

import "golang.org/x/mod/sumdb/tlog"

// hashLeaf and hashNode implement the RFC 6962 Merkle tree hash:
//
//	MTH({}) = SHA256()
//	MTH(leaf) = SHA256(0x00 || leaf)
//	MTH(left, right) = SHA256(0x01 || MTH(left) || MTH(right))
//
// This is exactly the hash function golang.org/x/mod/sumdb/tlog uses for
// the Go checksum database's transparency log (it was modeled on the CT
// Merkle tree), so we delegate to it rather than reimplementing SHA-256
// framing by hand.
func hashLeaf(data []byte) [32]byte {
	return [32]byte(tlog.RecordHash(data))
}

func hashNode(left, right [32]byte) [32]byte {
	return [32]byte(tlog.NodeHash(tlog.Hash(left), tlog.Hash(right)))
}
