package seal

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// BidCircuit proves that a bid commitment opens to an in-range amount and is
// bound to the submitting bidder's tag, without revealing the amount.
type BidCircuit struct {
	// Public
	Commitment frontend.Variable `gnark:",public"`
	BidderTag  frontend.Variable `gnark:",public"`

	// Private
	Amount frontend.Variable
	Rho    frontend.Variable
}

// Define enforces Commitment = MiMC(Amount || BidderTag || Rho) with Amount
// constrained to the 64-bit range the ledger operates on.
func (c *BidCircuit) Define(api frontend.API) error {
	api.ToBinary(c.Amount, 64)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.Amount)
	h.Write(c.BidderTag)
	h.Write(c.Rho)
	api.AssertIsEqual(c.Commitment, h.Sum())
	return nil
}
