package merkle

import "errors"

// Proof generation errors (spec.md 4.5 ProofGenerationError).
var (
	ErrInvalidIndex     = errors.New("merkle: invalid leaf index")
	ErrInvalidTreeSize  = errors.New("merkle: invalid tree size")
	ErrNodeNotAvailable = errors.New("merkle: required node hash not available")
)

// Proof validation errors (spec.md 4.5 ProofValidationError).
var (
	ErrValidationTreeSize = errors.New("merkle: invalid tree size")
	ErrValidationIndex    = errors.New("merkle: invalid leaf index")
	ErrPathTooShort       = errors.New("merkle: audit/consistency path too short")
	ErrPathTooLong        = errors.New("merkle: audit/consistency path too long")
	ErrHashMismatch       = errors.New("merkle: computed hash does not match expected head")
)
