package seal_test

import (
	"context"
	"testing"

	"github.com/sealbid/auctiond/internal/seal"
)

const oracle = seal.Identity("oracle")

// importPlain runs an un-proved import for amount bound to bidder.
func importPlain(t *testing.T, c *seal.Coprocessor, amount uint64, bidder seal.Identity) seal.Value {
	t.Helper()
	raw := seal.EncodeBid(amount, seal.NewRho())
	v, err := c.ImportExternal(context.Background(), raw, nil, bidder)
	if err != nil {
		t.Fatalf("ImportExternal(%d): %v", amount, err)
	}
	return v
}

func TestCoprocessor_MaxAccumulation(t *testing.T) {
	tests := []struct {
		name string
		bids []uint64
		want uint64
	}{
		{"increasing", []uint64{10, 20, 30}, 30},
		{"decreasing", []uint64{30, 20, 10}, 30},
		{"mixed", []uint64{50, 80, 20, 80, 79}, 80},
		{"single", []uint64{7}, 7},
		{"all zero", []uint64{0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := seal.NewCoprocessor(nil)
			highest := c.EncryptZero()

			for i, amount := range tt.bids {
				bid := importPlain(t, c, amount, seal.Identity("bidder"))
				cond, err := c.GreaterThan(bid, highest)
				if err != nil {
					t.Fatalf("GreaterThan(bid %d): %v", i, err)
				}
				highest, err = c.Select(cond, bid, highest)
				if err != nil {
					t.Fatalf("Select(bid %d): %v", i, err)
				}
			}

			c.GrantAccess(highest, oracle)
			got, err := c.Reveal(context.Background(), highest, oracle)
			if err != nil {
				t.Fatalf("Reveal: %v", err)
			}
			if got != tt.want {
				t.Errorf("accumulated max = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCoprocessor_SelectRerandomizes(t *testing.T) {
	c := seal.NewCoprocessor(nil)
	a := c.EncryptConstant(5)
	b := c.EncryptConstant(9)

	cond, err := c.GreaterThan(a, b)
	if err != nil {
		t.Fatalf("GreaterThan: %v", err)
	}
	out, err := c.Select(cond, a, b)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	// The result handle must not equal either operand handle, otherwise the
	// selection would reveal which branch was taken.
	if out.Handle() == a.Handle() || out.Handle() == b.Handle() {
		t.Errorf("Select returned an operand handle verbatim: %s", out.Handle())
	}
	if !c.VerifyDecryption(out, 9) {
		t.Error("Select picked the wrong operand")
	}
}

func TestCoprocessor_Add(t *testing.T) {
	c := seal.NewCoprocessor(nil)
	a := c.EncryptConstant(12)
	b := c.EncryptConstant(30)

	sum, err := c.Add(a, b)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !c.VerifyDecryption(sum, 42) {
		t.Error("Add result does not decrypt to 42")
	}

	if _, err := c.Add(a, seal.ValueFromHandle("deadbeef")); err != seal.ErrUnknownHandle {
		t.Errorf("Add with unknown handle error = %v, want ErrUnknownHandle", err)
	}
}

func TestCoprocessor_ImportExternal_Malformed(t *testing.T) {
	c := seal.NewCoprocessor(nil)

	for _, raw := range [][]byte{nil, {}, make([]byte, 8), make([]byte, 64)} {
		if _, err := c.ImportExternal(context.Background(), raw, nil, "bidder"); err != seal.ErrInvalidProof {
			t.Errorf("ImportExternal(len=%d) error = %v, want ErrInvalidProof", len(raw), err)
		}
	}
}

func TestCoprocessor_AccessControl(t *testing.T) {
	c := seal.NewCoprocessor(nil)
	v := c.EncryptConstant(77)
	ctx := context.Background()

	if _, err := c.Reveal(ctx, v, "stranger"); err != seal.ErrAccessDenied {
		t.Errorf("Reveal without grant error = %v, want ErrAccessDenied", err)
	}

	c.GrantAccess(v, "stranger")
	got, err := c.Reveal(ctx, v, "stranger")
	if err != nil {
		t.Fatalf("Reveal after grant: %v", err)
	}
	if got != 77 {
		t.Errorf("Reveal = %d, want 77", got)
	}

	// Grants are per identity, not per value.
	other := c.EncryptConstant(1)
	if _, err := c.Reveal(ctx, other, "stranger"); err != seal.ErrAccessDenied {
		t.Errorf("Reveal of ungranted value error = %v, want ErrAccessDenied", err)
	}

	if _, err := c.Reveal(ctx, seal.ValueFromHandle("ffff"), "stranger"); err != seal.ErrUnknownHandle {
		t.Errorf("Reveal of unknown handle error = %v, want ErrUnknownHandle", err)
	}
}

func TestCoprocessor_VerifyDecryption(t *testing.T) {
	c := seal.NewCoprocessor(nil)
	v := c.EncryptConstant(1950)

	if !c.VerifyDecryption(v, 1950) {
		t.Error("VerifyDecryption rejected the true plaintext")
	}
	if c.VerifyDecryption(v, 1951) {
		t.Error("VerifyDecryption accepted a stale plaintext")
	}
	if c.VerifyDecryption(seal.ValueFromHandle("unknown"), 0) {
		t.Error("VerifyDecryption accepted an unknown handle")
	}
}

func TestProver_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Groth16 setup in short mode")
	}

	prover, verifier, err := seal.Setup()
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	c := seal.NewCoprocessor(verifier)
	ctx := context.Background()

	raw, proof, err := prover.Seal(500, "alice")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	v, err := c.ImportExternal(ctx, raw, proof, "alice")
	if err != nil {
		t.Fatalf("ImportExternal with valid proof: %v", err)
	}
	if !c.VerifyDecryption(v, 500) {
		t.Error("imported value does not decrypt to 500")
	}

	// Proof bound to alice must not import for bob.
	if _, err := c.ImportExternal(ctx, raw, proof, "bob"); err != seal.ErrInvalidProof {
		t.Errorf("import under wrong identity error = %v, want ErrInvalidProof", err)
	}

	// Garbage proof bytes.
	if _, err := c.ImportExternal(ctx, raw, []byte("junk"), "alice"); err != seal.ErrInvalidProof {
		t.Errorf("import with garbage proof error = %v, want ErrInvalidProof", err)
	}

	// Payload tampered after proving: the recomputed commitment no longer
	// matches the proof's public input.
	tampered := append([]byte(nil), raw...)
	tampered[7] ^= 0x01
	if _, err := c.ImportExternal(ctx, tampered, proof, "alice"); err != seal.ErrInvalidProof {
		t.Errorf("import of tampered payload error = %v, want ErrInvalidProof", err)
	}
}
