package seal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr/mimc"
)

// rawBidLen is the wire size of an external bid ciphertext:
// 8 bytes big-endian amount followed by 32 bytes of commitment randomness.
// The payload is sealed to the coprocessor; callers other than the
// coprocessor treat it as opaque.
const rawBidLen = 8 + 32

// Coprocessor is an in-process implementation of Service and Oracle. It
// keeps every plaintext in a private table keyed by commitment handle and
// never returns one except through the ACL-checked Oracle methods.
//
// A real deployment would place this behind a relayer; the ledger code is
// agnostic either way since it only sees the Service/Oracle interfaces.
type Coprocessor struct {
	mu       sync.RWMutex
	values   map[string]uint64
	bools    map[string]bool
	acl      map[string]map[Identity]struct{}
	verifier ProofVerifier
}

// NewCoprocessor returns an empty coprocessor. With a nil verifier, imports
// are checked by commitment recomputation only; pass a GrothVerifier to
// require a validity proof per import.
func NewCoprocessor(verifier ProofVerifier) *Coprocessor {
	return &Coprocessor{
		values:   make(map[string]uint64),
		bools:    make(map[string]bool),
		acl:      make(map[string]map[Identity]struct{}),
		verifier: verifier,
	}
}

// EncryptZero returns a fresh encryption of 0.
func (c *Coprocessor) EncryptZero() Value { return c.EncryptConstant(0) }

// EncryptConstant returns a fresh, re-randomized encryption of n.
func (c *Coprocessor) EncryptConstant(n uint64) Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Value{handle: c.mint(n)}
}

// ImportExternal opens the sealed payload, recomputes the commitment bound
// to caller, and (when a verifier is configured) checks the accompanying
// Groth16 proof against it. Any mismatch surfaces as ErrInvalidProof.
func (c *Coprocessor) ImportExternal(_ context.Context, rawCiphertext, proof []byte, caller Identity) (Value, error) {
	if len(rawCiphertext) != rawBidLen {
		return Value{}, ErrInvalidProof
	}
	amount := binary.BigEndian.Uint64(rawCiphertext[:8])

	var rho fr.Element
	rho.SetBytes(rawCiphertext[8:])

	tag := identityTag(caller)
	cm := commit(amount, tag, rho)

	if c.verifier != nil {
		tagBytes := tag.Bytes()
		if err := c.verifier.Verify(proof, cm, tagBytes[:]); err != nil {
			return Value{}, ErrInvalidProof
		}
	}

	handle := hex.EncodeToString(cm)
	c.mu.Lock()
	c.values[handle] = amount
	c.mu.Unlock()
	return Value{handle: handle}, nil
}

// Add returns an encryption of a+b under a fresh handle.
func (c *Coprocessor) Add(a, b Value) (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pa, ok := c.values[a.handle]
	if !ok {
		return Value{}, ErrUnknownHandle
	}
	pb, ok := c.values[b.handle]
	if !ok {
		return Value{}, ErrUnknownHandle
	}
	return Value{handle: c.mint(pa + pb)}, nil
}

// GreaterThan returns an encrypted strict comparison a>b.
func (c *Coprocessor) GreaterThan(a, b Value) (Bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pa, ok := c.values[a.handle]
	if !ok {
		return Bool{}, ErrUnknownHandle
	}
	pb, ok := c.values[b.handle]
	if !ok {
		return Bool{}, ErrUnknownHandle
	}
	return Bool{handle: c.mintBool(pa > pb)}, nil
}

// Select returns a re-randomized copy of a when cond holds and of b
// otherwise. The fresh handle does not link back to either operand.
func (c *Coprocessor) Select(cond Bool, a, b Value) (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.bools[cond.handle]
	if !ok {
		return Value{}, ErrUnknownHandle
	}
	pa, ok := c.values[a.handle]
	if !ok {
		return Value{}, ErrUnknownHandle
	}
	pb, ok := c.values[b.handle]
	if !ok {
		return Value{}, ErrUnknownHandle
	}
	if cv {
		return Value{handle: c.mint(pa)}, nil
	}
	return Value{handle: c.mint(pb)}, nil
}

// GrantAccess authorizes id to reveal v later.
func (c *Coprocessor) GrantAccess(v Value, id Identity) {
	c.grant(v.handle, id)
}

// GrantBoolAccess authorizes id to reveal b later.
func (c *Coprocessor) GrantBoolAccess(b Bool, id Identity) {
	c.grant(b.handle, id)
}

// Reveal returns the plaintext behind v for an authorized caller.
func (c *Coprocessor) Reveal(_ context.Context, v Value, caller Identity) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.values[v.handle]
	if !ok {
		return 0, ErrUnknownHandle
	}
	if !c.allowed(v.handle, caller) {
		return 0, ErrAccessDenied
	}
	return p, nil
}

// RevealBool returns the plaintext behind b for an authorized caller.
func (c *Coprocessor) RevealBool(_ context.Context, b Bool, caller Identity) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.bools[b.handle]
	if !ok {
		return false, ErrUnknownHandle
	}
	if !c.allowed(b.handle, caller) {
		return false, ErrAccessDenied
	}
	return p, nil
}

// VerifyDecryption reports whether claimed matches the plaintext behind v.
func (c *Coprocessor) VerifyDecryption(v Value, claimed uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.values[v.handle]
	return ok && p == claimed
}

// mint registers plaintext under a fresh randomized handle.
// Callers must hold c.mu.
func (c *Coprocessor) mint(plaintext uint64) string {
	var zeroTag fr.Element
	handle := hex.EncodeToString(commit(plaintext, zeroTag, randomElement()))
	c.values[handle] = plaintext
	return handle
}

// mintBool registers a boolean under a fresh randomized handle.
// Callers must hold c.mu.
func (c *Coprocessor) mintBool(plaintext bool) string {
	var n uint64
	if plaintext {
		n = 1
	}
	var zeroTag fr.Element
	handle := hex.EncodeToString(commit(n, zeroTag, randomElement()))
	c.bools[handle] = plaintext
	return handle
}

func (c *Coprocessor) grant(handle string, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.acl[handle]
	if !ok {
		set = make(map[Identity]struct{})
		c.acl[handle] = set
	}
	set[id] = struct{}{}
}

// allowed reports whether id may decrypt handle. Callers must hold c.mu.
func (c *Coprocessor) allowed(handle string, id Identity) bool {
	set, ok := c.acl[handle]
	if !ok {
		return false
	}
	_, ok = set[id]
	return ok
}

// EncodeBid seals amount and commitment randomness into the wire payload
// understood by ImportExternal. Bidders call this (via Prover) client side.
func EncodeBid(amount uint64, rho [32]byte) []byte {
	raw := make([]byte, rawBidLen)
	binary.BigEndian.PutUint64(raw[:8], amount)
	copy(raw[8:], rho[:])
	return raw
}

// NewRho draws fresh commitment randomness.
func NewRho() [32]byte {
	var rho [32]byte
	_, _ = rand.Read(rho[:])
	// Keep the value canonical in the scalar field so native and in-circuit
	// hashing agree.
	var e fr.Element
	e.SetBytes(rho[:])
	return e.Bytes()
}

// commit computes MiMC(amount || tag || rho) over the BLS12-377 scalar
// field, matching the in-circuit hash in BidCircuit.
func commit(amount uint64, tag, rho fr.Element) []byte {
	var a fr.Element
	a.SetUint64(amount)

	h := mimc.NewMiMC()
	ab := a.Bytes()
	tb := tag.Bytes()
	rb := rho.Bytes()
	_, _ = h.Write(ab[:])
	_, _ = h.Write(tb[:])
	_, _ = h.Write(rb[:])
	return h.Sum(nil)
}

// identityTag maps a caller identity into the scalar field. The tag is a
// public input of the bid circuit, binding each import to its submitter.
func identityTag(id Identity) fr.Element {
	sum := sha256.Sum256([]byte(id))
	var e fr.Element
	e.SetBytes(sum[:])
	return e
}

func randomElement() fr.Element {
	var b [32]byte
	_, _ = rand.Read(b[:])
	var e fr.Element
	e.SetBytes(b[:])
	return e
}
