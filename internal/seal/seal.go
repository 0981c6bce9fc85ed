// Package seal models encrypted integer values as opaque handles backed by a
// coprocessor that alone can see plaintexts. The ledger side of the system
// only ever holds handles and the constrained algebra below; decryption is a
// separately authorized operation that never runs inside ledger code.
package seal

import (
	"context"
	"errors"
)

// Errors returned by sealed-value operations.
var (
	ErrInvalidProof  = errors.New("ciphertext proof rejected")
	ErrUnknownHandle = errors.New("unknown value handle")
	ErrAccessDenied  = errors.New("identity not authorized to decrypt value")
)

// Identity is an opaque caller identity supplied by the host environment.
type Identity string

// Value references an encrypted integer. The handle is a hex-encoded MiMC
// commitment; everything about the underlying plaintext stays inside the
// coprocessor.
type Value struct {
	handle string
}

// ValueFromHandle reconstructs a Value reference from its handle, e.g. when
// replaying persisted events. It does not validate that the handle exists.
func ValueFromHandle(h string) Value { return Value{handle: h} }

// Handle returns the public handle of the value.
func (v Value) Handle() string { return v.handle }

// IsZero reports whether v is the unset zero Value (not an encryption of 0).
func (v Value) IsZero() bool { return v.handle == "" }

// Bool references an encrypted boolean, produced by comparisons.
type Bool struct {
	handle string
}

// Handle returns the public handle of the encrypted boolean.
func (b Bool) Handle() string { return b.handle }

// Service is the constrained algebra available to the ledger. None of these
// operations reveal operand plaintexts.
type Service interface {
	// EncryptZero returns a fresh encryption of 0.
	EncryptZero() Value
	// EncryptConstant returns a fresh encryption of n.
	EncryptConstant(n uint64) Value
	// ImportExternal admits an externally produced ciphertext. The proof
	// must certify that the ciphertext is well formed and bound to caller;
	// otherwise ErrInvalidProof is returned.
	ImportExternal(ctx context.Context, rawCiphertext, proof []byte, caller Identity) (Value, error)
	// Add returns an encryption of a+b.
	Add(a, b Value) (Value, error)
	// GreaterThan returns an encrypted a>b.
	GreaterThan(a, b Value) (Bool, error)
	// Select returns a re-randomized copy of a if cond holds, else of b.
	Select(cond Bool, a, b Value) (Value, error)
	// GrantAccess authorizes id to later decrypt v out of band.
	GrantAccess(v Value, id Identity)
	// GrantBoolAccess authorizes id to later decrypt b out of band.
	GrantBoolAccess(b Bool, id Identity)
}

// Oracle is the authorized out-of-band decryption channel. Only identities
// previously granted access may reveal a value.
type Oracle interface {
	Reveal(ctx context.Context, v Value, caller Identity) (uint64, error)
	RevealBool(ctx context.Context, b Bool, caller Identity) (bool, error)
	// VerifyDecryption reports whether claimed is the plaintext behind v,
	// binding a revealed amount back to the handle it came from.
	VerifyDecryption(v Value, claimed uint64) bool
}

// ProofVerifier checks an import proof against the public commitment and
// bidder tag. Implemented by GrothVerifier; nil disables cryptographic
// verification (the coprocessor then relies on commitment recomputation).
type ProofVerifier interface {
	Verify(proof []byte, commitment, bidderTag []byte) error
}
