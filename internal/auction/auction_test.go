package auction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sealbid/auctiond/internal/auction"
	"github.com/sealbid/auctiond/internal/clock"
	"github.com/sealbid/auctiond/internal/seal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const operator = seal.Identity("operator")

func sealedBid(amount uint64) []byte {
	return seal.EncodeBid(amount, seal.NewRho())
}

// newOpenAuction builds an open one-hour auction with the given sealed
// reserve, backed by a fresh coprocessor and mock clock.
func newOpenAuction(t *testing.T, reserve uint64) (*auction.Auction, *seal.Coprocessor, *clock.Mock) {
	t.Helper()
	cop := seal.NewCoprocessor(nil)
	clk := clock.NewMock(t0)

	r, err := cop.ImportExternal(context.Background(), sealedBid(reserve), nil, "seller")
	if err != nil {
		t.Fatalf("importing reserve: %v", err)
	}
	a, err := auction.New(1, "Rare Plot", "a sealed-bid sale", "seller", r, time.Hour, cop, operator, clk)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, cop, clk
}

func TestNew_Validation(t *testing.T) {
	cop := seal.NewCoprocessor(nil)
	clk := clock.NewMock(t0)
	reserve := cop.EncryptConstant(10)

	tests := []struct {
		name     string
		title    string
		duration time.Duration
		wantErr  error
	}{
		{"empty title", "  ", time.Hour, auction.ErrTitleRequired},
		{"zero duration", "Plot", 0, auction.ErrBadDuration},
		{"negative duration", "Plot", -time.Minute, auction.ErrBadDuration},
		{"over seven days", "Plot", 8 * 24 * time.Hour, auction.ErrBadDuration},
		{"max duration ok", "Plot", auction.MaxDuration, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auction.New(1, tt.title, "", "seller", reserve, tt.duration, cop, operator, clk)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuction_PlaceBid_Rules(t *testing.T) {
	ctx := context.Background()

	t.Run("seller cannot bid", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		err := a.PlaceBid(ctx, "seller", sealedBid(50), nil, 100)
		if !errors.Is(err, auction.ErrUnauthorized) {
			t.Errorf("PlaceBid() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("zero payment", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		err := a.PlaceBid(ctx, "alice", sealedBid(50), nil, 0)
		if !errors.Is(err, auction.ErrZeroPayment) {
			t.Errorf("PlaceBid() error = %v, want ErrZeroPayment", err)
		}
	})

	t.Run("after deadline", func(t *testing.T) {
		a, _, clk := newOpenAuction(t, 10)
		clk.Advance(2 * time.Hour)
		err := a.PlaceBid(ctx, "alice", sealedBid(50), nil, 100)
		if !errors.Is(err, auction.ErrAuctionEnded) {
			t.Errorf("PlaceBid() error = %v, want ErrAuctionEnded", err)
		}
	})

	t.Run("malformed ciphertext", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		err := a.PlaceBid(ctx, "alice", []byte("short"), nil, 100)
		if !errors.Is(err, seal.ErrInvalidProof) {
			t.Errorf("PlaceBid() error = %v, want ErrInvalidProof", err)
		}
	})

	t.Run("after cancel", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		if _, err := a.Cancel(ctx, "seller"); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		err := a.PlaceBid(ctx, "alice", sealedBid(50), nil, 100)
		if !errors.Is(err, auction.ErrAuctionNotActive) {
			t.Errorf("PlaceBid() error = %v, want ErrAuctionNotActive", err)
		}
	})
}

func TestAuction_Finalize_PicksHighestSealedBid(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 10)

	// Deliberately out of order: the higher bid lands first.
	if err := a.PlaceBid(ctx, "bob", sealedBid(80), nil, 2000); err != nil {
		t.Fatalf("PlaceBid(bob) error = %v", err)
	}
	if err := a.PlaceBid(ctx, "alice", sealedBid(50), nil, 1000); err != nil {
		t.Fatalf("PlaceBid(alice) error = %v", err)
	}

	clk.Advance(2 * time.Hour)
	st, err := a.Finalize(ctx, "seller", cop, 250)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if st.Winner != "bob" {
		t.Errorf("Winner = %q, want %q", st.Winner, "bob")
	}
	if st.WinningBid != 80 {
		t.Errorf("WinningBid = %d, want 80", st.WinningBid)
	}
	if st.Amount != 2000 {
		t.Errorf("Amount = %d, want 2000 (winner's deposit)", st.Amount)
	}
	if st.Fee != 50 {
		t.Errorf("Fee = %d, want 50 (2.5%% of 2000)", st.Fee)
	}
	if !st.ReserveMet {
		t.Error("ReserveMet = false, want true")
	}
	if len(st.Refunds) != 1 || st.Refunds[0].Bidder != "alice" || st.Refunds[0].Amount != 1000 {
		t.Errorf("Refunds = %+v, want alice's 1000 released", st.Refunds)
	}
}

func TestAuction_Finalize_TieGoesToEarlierBidder(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 0)

	if err := a.PlaceBid(ctx, "alice", sealedBid(70), nil, 500); err != nil {
		t.Fatal(err)
	}
	if err := a.PlaceBid(ctx, "bob", sealedBid(70), nil, 500); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Hour)
	st, err := a.Finalize(ctx, operator, cop, 0)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if st.Winner != "alice" {
		t.Errorf("Winner = %q, want the earlier bidder alice", st.Winner)
	}
}

func TestAuction_Finalize_ReserveNotMet(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 100)

	if err := a.PlaceBid(ctx, "alice", sealedBid(50), nil, 700); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Hour)
	st, err := a.Finalize(ctx, "seller", cop, 250)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if st.ReserveMet {
		t.Error("ReserveMet = true, want false")
	}
	if st.Winner != "" {
		t.Errorf("Winner = %q, want none", st.Winner)
	}
	if len(st.Refunds) != 1 || st.Refunds[0].Amount != 700 {
		t.Errorf("Refunds = %+v, want alice's full deposit back", st.Refunds)
	}
}

func TestAuction_Finalize_NoBids(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 10)

	clk.Advance(2 * time.Hour)
	st, err := a.Finalize(ctx, "seller", cop, 250)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if st.Winner != "" || st.ReserveMet || len(st.Refunds) != 0 {
		t.Errorf("settlement = %+v, want empty", st)
	}
}

func TestAuction_Finalize_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("before deadline", func(t *testing.T) {
		a, cop, _ := newOpenAuction(t, 10)
		_, err := a.Finalize(ctx, "seller", cop, 250)
		if !errors.Is(err, auction.ErrAuctionNotEnded) {
			t.Errorf("Finalize() error = %v, want ErrAuctionNotEnded", err)
		}
	})

	t.Run("unauthorized caller", func(t *testing.T) {
		a, cop, clk := newOpenAuction(t, 10)
		clk.Advance(2 * time.Hour)
		_, err := a.Finalize(ctx, "alice", cop, 250)
		if !errors.Is(err, auction.ErrUnauthorized) {
			t.Errorf("Finalize() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("double finalize", func(t *testing.T) {
		a, cop, clk := newOpenAuction(t, 10)
		clk.Advance(2 * time.Hour)
		if _, err := a.Finalize(ctx, "seller", cop, 250); err != nil {
			t.Fatalf("first Finalize() error = %v", err)
		}
		_, err := a.Finalize(ctx, "seller", cop, 250)
		if !errors.Is(err, auction.ErrAuctionFinalized) {
			t.Errorf("second Finalize() error = %v, want ErrAuctionFinalized", err)
		}
	})
}

func TestAuction_ReplacementBid(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 0)

	if err := a.PlaceBid(ctx, "bob", sealedBid(90), nil, 300); err != nil {
		t.Fatal(err)
	}
	if err := a.PlaceBid(ctx, "alice", sealedBid(40), nil, 100); err != nil {
		t.Fatal(err)
	}
	// Alice rebids above bob; her deposits stack.
	if err := a.PlaceBid(ctx, "alice", sealedBid(95), nil, 200); err != nil {
		t.Fatal(err)
	}

	bidders := a.Bidders()
	if len(bidders) != 2 {
		t.Fatalf("bidders = %d, want 2 (replacement, not a new row)", len(bidders))
	}

	clk.Advance(2 * time.Hour)
	st, err := a.Finalize(ctx, "seller", cop, 0)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if st.Winner != "alice" {
		t.Errorf("Winner = %q, want alice after rebid", st.Winner)
	}
	if st.WinningBid != 95 {
		t.Errorf("WinningBid = %d, want 95", st.WinningBid)
	}
	if st.Amount != 300 {
		t.Errorf("Amount = %d, want 300 (stacked deposits)", st.Amount)
	}
}

func TestAuction_Finalize_AfterLowerRebid(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 10)

	if err := a.PlaceBid(ctx, "alice", sealedBid(90), nil, 200); err != nil {
		t.Fatal(err)
	}
	if err := a.PlaceBid(ctx, "bob", sealedBid(50), nil, 500); err != nil {
		t.Fatal(err)
	}
	// Alice replaces her leading bid with one below bob's. The withdrawn 90
	// must not count at settlement.
	if err := a.PlaceBid(ctx, "alice", sealedBid(40), nil, 100); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Hour)
	st, err := a.Finalize(ctx, "seller", cop, 0)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if st.Winner != "bob" {
		t.Errorf("Winner = %q, want bob once alice's 90 is withdrawn", st.Winner)
	}
	if st.WinningBid != 50 {
		t.Errorf("WinningBid = %d, want 50", st.WinningBid)
	}
	if st.Amount != 500 {
		t.Errorf("Amount = %d, want 500", st.Amount)
	}
	if len(st.Refunds) != 1 || st.Refunds[0].Bidder != "alice" || st.Refunds[0].Amount != 300 {
		t.Errorf("Refunds = %+v, want alice's stacked 300 released", st.Refunds)
	}
}

// flakyOracle fails every reveal until fail is cleared.
type flakyOracle struct {
	inner seal.Oracle
	fail  bool
}

func (o *flakyOracle) Reveal(ctx context.Context, v seal.Value, caller seal.Identity) (uint64, error) {
	if o.fail {
		return 0, errors.New("oracle unavailable")
	}
	return o.inner.Reveal(ctx, v, caller)
}

func (o *flakyOracle) RevealBool(ctx context.Context, b seal.Bool, caller seal.Identity) (bool, error) {
	if o.fail {
		return false, errors.New("oracle unavailable")
	}
	return o.inner.RevealBool(ctx, b, caller)
}

func (o *flakyOracle) VerifyDecryption(v seal.Value, claimed uint64) bool {
	return o.inner.VerifyDecryption(v, claimed)
}

func TestAuction_Finalize_RetriesAfterSettleFailure(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 10)

	if err := a.PlaceBid(ctx, "alice", sealedBid(50), nil, 1000); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Hour)
	a.PendingEvents() // drain the creation and bid events

	oracle := &flakyOracle{inner: cop, fail: true}
	if _, err := a.Finalize(ctx, "seller", oracle, 250); err == nil {
		t.Fatal("Finalize() with failing oracle succeeded, want error")
	}
	if got := a.State(); got != auction.StateOpen {
		t.Fatalf("State() after failed settlement = %q, want %q", got, auction.StateOpen)
	}
	if events := a.PendingEvents(); len(events) != 0 {
		t.Fatalf("pending events after failed settlement = %d, want 0", len(events))
	}

	oracle.fail = false
	st, err := a.Finalize(ctx, "seller", oracle, 250)
	if err != nil {
		t.Fatalf("Finalize() retry error = %v", err)
	}
	if st.Winner != "alice" {
		t.Errorf("Winner = %q, want alice", st.Winner)
	}
	if got := a.State(); got != auction.StateFinalized {
		t.Errorf("State() = %q, want %q", got, auction.StateFinalized)
	}
}

func TestAuction_Extend(t *testing.T) {
	ctx := context.Background()

	t.Run("moves deadline later", func(t *testing.T) {
		a, _, clk := newOpenAuction(t, 10)
		newEnd := t0.Add(3 * time.Hour)
		if err := a.Extend(ctx, "seller", newEnd); err != nil {
			t.Fatalf("Extend() error = %v", err)
		}

		// Bidding stays open past the original deadline.
		clk.Advance(2 * time.Hour)
		if err := a.PlaceBid(ctx, "alice", sealedBid(50), nil, 100); err != nil {
			t.Errorf("PlaceBid() after extend error = %v", err)
		}
	})

	t.Run("never backwards", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		err := a.Extend(ctx, "seller", t0.Add(30*time.Minute))
		if !errors.Is(err, auction.ErrBadExtension) {
			t.Errorf("Extend() error = %v, want ErrBadExtension", err)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		err := a.Extend(ctx, "alice", t0.Add(3*time.Hour))
		if !errors.Is(err, auction.ErrUnauthorized) {
			t.Errorf("Extend() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("after deadline", func(t *testing.T) {
		a, _, clk := newOpenAuction(t, 10)
		clk.Advance(2 * time.Hour)
		err := a.Extend(ctx, "seller", t0.Add(3*time.Hour))
		if !errors.Is(err, auction.ErrAuctionEnded) {
			t.Errorf("Extend() error = %v, want ErrAuctionEnded", err)
		}
	})
}

func TestAuction_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("releases every deposit", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		_ = a.PlaceBid(ctx, "alice", sealedBid(50), nil, 100)
		_ = a.PlaceBid(ctx, "bob", sealedBid(60), nil, 200)

		refunds, err := a.Cancel(ctx, "seller")
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if len(refunds) != 2 {
			t.Errorf("refunds = %d, want 2", len(refunds))
		}
		if a.State() != auction.StateCancelled {
			t.Errorf("State = %q, want cancelled", a.State())
		}
	})

	t.Run("twice fails", func(t *testing.T) {
		a, _, _ := newOpenAuction(t, 10)
		if _, err := a.Cancel(ctx, "seller"); err != nil {
			t.Fatal(err)
		}
		_, err := a.Cancel(ctx, "seller")
		if !errors.Is(err, auction.ErrAuctionFinalized) {
			t.Errorf("Cancel() error = %v, want ErrAuctionFinalized", err)
		}
	})

	t.Run("after deadline fails", func(t *testing.T) {
		a, _, clk := newOpenAuction(t, 10)
		clk.Advance(2 * time.Hour)
		_, err := a.Cancel(ctx, "seller")
		if !errors.Is(err, auction.ErrAuctionEnded) {
			t.Errorf("Cancel() error = %v, want ErrAuctionEnded", err)
		}
	})
}

func TestReplay_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cop := seal.NewCoprocessor(nil)
	clk := clock.NewMock(t0)

	reserve, _ := cop.ImportExternal(ctx, sealedBid(10), nil, "seller")
	a, err := auction.New(7, "Replayed Plot", "", "seller", reserve, time.Hour, cop, operator, clk)
	if err != nil {
		t.Fatal(err)
	}
	_ = a.PlaceBid(ctx, "alice", sealedBid(50), nil, 1000)
	_ = a.PlaceBid(ctx, "bob", sealedBid(80), nil, 2000)

	replayed, err := auction.Replay(a.PendingEvents(), cop, operator, clk)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if replayed.ID != 7 {
		t.Errorf("ID = %d, want 7", replayed.ID)
	}
	if replayed.Title != "Replayed Plot" {
		t.Errorf("Title = %q, want %q", replayed.Title, "Replayed Plot")
	}
	if replayed.State() != auction.StateOpen {
		t.Errorf("State = %q, want open", replayed.State())
	}
	if got := len(replayed.Bidders()); got != 2 {
		t.Errorf("bidders = %d, want 2", got)
	}

	// The replayed aggregate still settles: handles resolve against the
	// same coprocessor.
	clk.Advance(2 * time.Hour)
	st, err := replayed.Finalize(ctx, "seller", cop, 250)
	if err != nil {
		t.Fatalf("Finalize() after replay error = %v", err)
	}
	if st.Winner != "bob" || st.WinningBid != 80 {
		t.Errorf("settlement = %+v, want bob at 80", st)
	}
}

func TestReplay_CancelledState(t *testing.T) {
	ctx := context.Background()
	a, cop, clk := newOpenAuction(t, 10)
	_ = a.PlaceBid(ctx, "alice", sealedBid(50), nil, 100)
	if _, err := a.Cancel(ctx, "seller"); err != nil {
		t.Fatal(err)
	}

	replayed, err := auction.Replay(a.PendingEvents(), cop, operator, clk)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if replayed.State() != auction.StateCancelled {
		t.Errorf("State = %q, want cancelled", replayed.State())
	}
	for _, b := range replayed.Bidders() {
		if !b.Refunded {
			t.Errorf("bidder %s not marked refunded after replay", b.ID)
		}
	}
}

func TestReplay_EmptyEvents(t *testing.T) {
	if _, err := auction.Replay(nil, seal.NewCoprocessor(nil), operator, clock.NewMock(t0)); err == nil {
		t.Fatal("expected error for empty events")
	}
}
