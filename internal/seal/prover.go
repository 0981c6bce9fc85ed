package seal

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

// Prover produces import proofs for bid ciphertexts. It lives client side;
// the ledger only ever sees the resulting (raw, proof) pair.
type Prover struct {
	cs constraint.ConstraintSystem
	pk groth16.ProvingKey
}

// GrothVerifier checks import proofs against the bid circuit verifying key.
// It implements ProofVerifier.
type GrothVerifier struct {
	vk groth16.VerifyingKey
}

// Setup compiles the bid circuit and runs the Groth16 setup, returning the
// proving and verifying halves. A single-party setup like this suits tests
// and single-operator deployments; key ceremonies are out of scope.
func Setup() (*Prover, *GrothVerifier, error) {
	cs, err := frontend.Compile(ecc.BLS12_377.ScalarField(), r1cs.NewBuilder, &BidCircuit{})
	if err != nil {
		return nil, nil, fmt.Errorf("compiling bid circuit: %w", err)
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return nil, nil, fmt.Errorf("groth16 setup: %w", err)
	}
	return &Prover{cs: cs, pk: pk}, &GrothVerifier{vk: vk}, nil
}

// Seal builds the raw ciphertext for amount bound to bidder and proves its
// well-formedness.
func (p *Prover) Seal(amount uint64, bidder Identity) (raw, proof []byte, err error) {
	rho := NewRho()
	raw = EncodeBid(amount, rho)

	var rhoE fr.Element
	rhoE.SetBytes(rho[:])
	tag := identityTag(bidder)
	cm := commit(amount, tag, rhoE)
	tagBytes := tag.Bytes()

	assignment := &BidCircuit{
		Commitment: new(big.Int).SetBytes(cm),
		BidderTag:  new(big.Int).SetBytes(tagBytes[:]),
		Amount:     amount,
		Rho:        new(big.Int).SetBytes(rho[:]),
	}
	w, err := frontend.NewWitness(assignment, ecc.BLS12_377.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("building witness: %w", err)
	}

	prf, err := groth16.Prove(p.cs, p.pk, w)
	if err != nil {
		return nil, nil, fmt.Errorf("proving bid: %w", err)
	}

	var buf bytes.Buffer
	if _, err := prf.WriteTo(&buf); err != nil {
		return nil, nil, fmt.Errorf("serializing proof: %w", err)
	}
	return raw, buf.Bytes(), nil
}

// Verify checks proofBytes against the public commitment and bidder tag.
func (v *GrothVerifier) Verify(proofBytes []byte, commitment, bidderTag []byte) error {
	proof := groth16.NewProof(ecc.BLS12_377)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("unmarshalling proof: %w", err)
	}

	public := &BidCircuit{
		Commitment: new(big.Int).SetBytes(commitment),
		BidderTag:  new(big.Int).SetBytes(bidderTag),
	}
	w, err := frontend.NewWitness(public, ecc.BLS12_377.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("building public witness: %w", err)
	}

	if err := groth16.Verify(proof, v.vk, w); err != nil {
		return fmt.Errorf("verifying proof: %w", err)
	}
	return nil
}
