package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sealbid/auctiond/internal/clock"
	"github.com/sealbid/auctiond/internal/event"
	"github.com/sealbid/auctiond/internal/seal"
)

var tracer = otel.Tracer("github.com/sealbid/auctiond/internal/auction")

// MaxDuration caps the bidding window at auction creation.
const MaxDuration = 7 * 24 * time.Hour

// Errors returned by auction operations.
var (
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrAuctionNotActive  = errors.New("auction is not open for bidding")
	ErrAuctionEnded      = errors.New("auction bidding window has ended")
	ErrAuctionNotEnded   = errors.New("auction bidding window has not ended yet")
	ErrAuctionFinalized  = errors.New("auction is already finalized")
	ErrUnauthorized      = errors.New("caller is not authorized")
	ErrZeroPayment       = errors.New("payment must be positive")
	ErrTransferFailed    = errors.New("funds transfer failed")
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	ErrTitleRequired     = errors.New("title must not be empty")
	ErrBadDuration       = errors.New("duration must be positive and at most 7 days")
	ErrBadExtension      = errors.New("end time may only move later")
	ErrStaleDecryption   = errors.New("revealed amount does not match the encrypted highest bid")
)

// State is the derived lifecycle state of an auction.
type State string

const (
	StateOpen      State = "open"
	StateFinalized State = "finalized"
	StateCancelled State = "cancelled"
)

// Bidder is one participant's record in an auction. The bid itself is a
// sealed handle; only the collateral deposit is public.
type Bidder struct {
	ID       seal.Identity
	Bid      seal.Value
	Deposit  uint64
	Refunded bool
}

// Refund is a bookkeeping note that a bidder's deposit is released. No funds
// move here; deposits were credited to the bidder's balance at bid time.
type Refund struct {
	Bidder seal.Identity
	Amount uint64
}

// Settlement is the outcome of finalizing an auction.
type Settlement struct {
	// Winner is empty when there were no bids or the reserve was not met.
	Winner seal.Identity
	// WinningBid is the revealed plaintext of the highest sealed bid.
	WinningBid uint64
	// Amount is what the winner pays: their deposited collateral.
	Amount uint64
	// Fee is the platform cut of Amount.
	Fee        uint64
	ReserveMet bool
	Refunds    []Refund
}

// Auction is the aggregate root for a single sealed-bid auction.
// It is safe for concurrent use.
type Auction struct {
	mu sync.RWMutex

	ID          uint64
	Title       string
	Description string
	Seller      seal.Identity
	Reserve     seal.Value
	Highest     seal.Value
	StartTime   time.Time
	EndTime     time.Time
	Version     int

	finalized bool
	cancelled bool
	bidders   []*Bidder
	index     map[seal.Identity]int

	svc      seal.Service
	operator seal.Identity
	clock    clock.Clock
	events   []event.Event
}

// New creates a new open auction and records a created event. The highest
// bid starts as an encryption of zero; seller and operator are granted
// decrypt access on both the reserve and the running highest bid.
func New(id uint64, title, description string, seller seal.Identity, reserve seal.Value, duration time.Duration, svc seal.Service, operator seal.Identity, clk clock.Clock) (*Auction, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ErrTitleRequired
	}
	if duration <= 0 || duration > MaxDuration {
		return nil, ErrBadDuration
	}

	now := clk.Now().UTC()
	a := &Auction{
		ID:          id,
		Title:       title,
		Description: description,
		Seller:      seller,
		Reserve:     reserve,
		Highest:     svc.EncryptZero(),
		StartTime:   now,
		EndTime:     now.Add(duration),
		index:       make(map[seal.Identity]int),
		svc:         svc,
		operator:    operator,
		clock:       clk,
	}

	svc.GrantAccess(a.Reserve, seller)
	svc.GrantAccess(a.Reserve, operator)
	svc.GrantAccess(a.Highest, seller)
	svc.GrantAccess(a.Highest, operator)

	data, _ := json.Marshal(event.AuctionCreatedData{
		Title:         title,
		Description:   description,
		Seller:        string(seller),
		ReserveHandle: a.Reserve.Handle(),
		HighestHandle: a.Highest.Handle(),
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
	})
	a.recordEvent(event.AuctionCreated, data)
	return a, nil
}

// AggregateID returns the event-store aggregate id for this auction.
func (a *Auction) AggregateID() string { return AggregateID(a.ID) }

// AggregateID formats an auction id for the event store.
func AggregateID(id uint64) string { return fmt.Sprintf("auction-%d", id) }

// ParseAggregateID extracts the numeric auction id from an aggregate id.
func ParseAggregateID(s string) (uint64, error) {
	raw, ok := strings.CutPrefix(s, "auction-")
	if !ok {
		return 0, fmt.Errorf("not an auction aggregate id: %q", s)
	}
	return strconv.ParseUint(raw, 10, 64)
}

// State returns the derived lifecycle state (thread-safe).
func (a *Auction) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state()
}

func (a *Auction) state() State {
	switch {
	case a.cancelled:
		return StateCancelled
	case a.finalized:
		return StateFinalized
	default:
		return StateOpen
	}
}

// PlaceBid imports the sealed bid, folds it into the running highest bid via
// an oblivious compare-and-select, and records the bidder's deposit. A later
// bid from the same bidder replaces the sealed value and stacks the deposit.
// Thread-safe.
func (a *Auction) PlaceBid(ctx context.Context, bidder seal.Identity, rawCiphertext, proof []byte, payment uint64) error {
	ctx, span := tracer.Start(ctx, "Auction.PlaceBid",
		trace.WithAttributes(
			attribute.Int64("auction.id", int64(a.ID)),
			attribute.String("bidder", string(bidder)),
		),
	)
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized || a.cancelled {
		return ErrAuctionNotActive
	}
	now := a.clock.Now().UTC()
	if now.Before(a.StartTime) {
		return ErrAuctionNotActive
	}
	if now.After(a.EndTime) {
		return ErrAuctionEnded
	}
	if bidder == a.Seller {
		return ErrUnauthorized
	}
	if payment == 0 {
		return ErrZeroPayment
	}

	bid, err := a.svc.ImportExternal(ctx, rawCiphertext, proof, bidder)
	if err != nil {
		return fmt.Errorf("importing bid ciphertext: %w", err)
	}

	// Oblivious max-accumulation: the comparison result never leaves the
	// coprocessor, so nothing here reveals whether the new bid leads.
	cond, err := a.svc.GreaterThan(bid, a.Highest)
	if err != nil {
		return fmt.Errorf("comparing bid: %w", err)
	}
	highest, err := a.svc.Select(cond, bid, a.Highest)
	if err != nil {
		return fmt.Errorf("updating highest bid: %w", err)
	}
	a.Highest = highest
	a.svc.GrantAccess(a.Highest, a.Seller)
	a.svc.GrantAccess(a.Highest, a.operator)

	if i, ok := a.index[bidder]; ok {
		a.bidders[i].Bid = bid
		a.bidders[i].Deposit += payment
	} else {
		a.index[bidder] = len(a.bidders)
		a.bidders = append(a.bidders, &Bidder{ID: bidder, Bid: bid, Deposit: payment})
	}

	data, _ := json.Marshal(event.BidPlacedData{
		Bidder:        string(bidder),
		BidHandle:     bid.Handle(),
		HighestHandle: a.Highest.Handle(),
		Deposit:       payment,
	})
	a.recordEvent(event.AuctionBidPlaced, data)

	// No amount in the log line: sealed bids stay sealed until settlement.
	slog.InfoContext(ctx, "bid placed",
		slog.Uint64("auction_id", a.ID),
		slog.String("bidder", string(bidder)),
	)
	return nil
}

// Extend moves the bidding deadline later. Only the seller or operator may
// extend, only before the current deadline passes, and never backwards.
func (a *Auction) Extend(ctx context.Context, caller seal.Identity, newEnd time.Time) error {
	_, span := tracer.Start(ctx, "Auction.Extend",
		trace.WithAttributes(attribute.Int64("auction.id", int64(a.ID))),
	)
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.Seller && caller != a.operator {
		return ErrUnauthorized
	}
	if a.finalized || a.cancelled {
		return ErrAuctionFinalized
	}
	if a.clock.Now().UTC().After(a.EndTime) {
		return ErrAuctionEnded
	}
	if !newEnd.After(a.EndTime) {
		return ErrBadExtension
	}

	a.EndTime = newEnd.UTC()
	data, _ := json.Marshal(event.AuctionExtendedData{EndTime: a.EndTime})
	a.recordEvent(event.AuctionExtended, data)
	return nil
}

// Finalize settles the auction after its deadline. The winning amount is
// revealed through the authorized oracle and verified against the encrypted
// highest bid; the winner is located through per-bidder encrypted
// comparisons revealed as booleans only, so losing bids stay sealed.
func (a *Auction) Finalize(ctx context.Context, caller seal.Identity, oracle seal.Oracle, feeBasisPoints uint64) (*Settlement, error) {
	ctx, span := tracer.Start(ctx, "Auction.Finalize",
		trace.WithAttributes(attribute.Int64("auction.id", int64(a.ID))),
	)
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.Seller && caller != a.operator {
		return nil, ErrUnauthorized
	}
	if a.finalized || a.cancelled {
		return nil, ErrAuctionFinalized
	}
	if !a.clock.Now().UTC().After(a.EndTime) {
		return nil, ErrAuctionNotEnded
	}

	st := &Settlement{}
	if len(a.bidders) > 0 {
		var err error
		st, err = a.settle(ctx, oracle, feeBasisPoints)
		if err != nil {
			// Settlement failed before any payout or refund; the auction
			// stays finalizable so the sweep can retry.
			return nil, err
		}
	}

	a.finalized = true

	data, _ := json.Marshal(event.AuctionFinalizedData{
		Winner:     string(st.Winner),
		Amount:     st.Amount,
		Fee:        st.Fee,
		ReserveMet: st.ReserveMet,
	})
	a.recordEvent(event.AuctionFinalized, data)

	slog.InfoContext(ctx, "auction finalized",
		slog.Uint64("auction_id", a.ID),
		slog.Bool("reserve_met", st.ReserveMet),
		slog.Int("refunds", len(st.Refunds)),
	)
	return st, nil
}

// settle computes the settlement outcome. Callers must hold a.mu.
func (a *Auction) settle(ctx context.Context, oracle seal.Oracle, feeBasisPoints uint64) (*Settlement, error) {
	// The running maximum only ratchets upward while bidding is open, so a
	// bidder who replaced a leading bid with a lower one can leave it above
	// every bid still standing. Refold over the bids on the books at the
	// deadline; strict comparison keeps the earliest bidder in front on ties.
	highest := a.bidders[0].Bid
	for _, b := range a.bidders[1:] {
		over, cmpErr := a.svc.GreaterThan(b.Bid, highest)
		if cmpErr != nil {
			return nil, fmt.Errorf("folding highest bid: %w", cmpErr)
		}
		next, selErr := a.svc.Select(over, b.Bid, highest)
		if selErr != nil {
			return nil, fmt.Errorf("folding highest bid: %w", selErr)
		}
		highest = next
	}
	a.svc.GrantAccess(highest, a.Seller)
	a.svc.GrantAccess(highest, a.operator)
	a.Highest = highest

	winningBid, err := oracle.Reveal(ctx, highest, a.operator)
	if err != nil {
		return nil, fmt.Errorf("revealing winning bid: %w", err)
	}
	// Bind the revealed plaintext to the handle it claims to open. A stale
	// reveal against a superseded highest bid must not settle.
	if !oracle.VerifyDecryption(highest, winningBid) {
		return nil, ErrStaleDecryption
	}

	reserveOver, err := a.svc.GreaterThan(a.Reserve, highest)
	if err != nil {
		return nil, fmt.Errorf("comparing reserve: %w", err)
	}
	a.svc.GrantBoolAccess(reserveOver, a.operator)
	reserveNotMet, err := oracle.RevealBool(ctx, reserveOver, a.operator)
	if err != nil {
		return nil, fmt.Errorf("revealing reserve check: %w", err)
	}

	st := &Settlement{WinningBid: winningBid, ReserveMet: !reserveNotMet}
	if !st.ReserveMet {
		st.Refunds = a.refundAll(nil)
		return st, nil
	}

	// Locate the winner: the earliest bidder whose sealed bid is not below
	// the folded maximum. Only booleans are ever revealed.
	var winner *Bidder
	for _, b := range a.bidders {
		below, cmpErr := a.svc.GreaterThan(highest, b.Bid)
		if cmpErr != nil {
			return nil, fmt.Errorf("ranking bidder: %w", cmpErr)
		}
		a.svc.GrantBoolAccess(below, a.operator)
		isBelow, revealErr := oracle.RevealBool(ctx, below, a.operator)
		if revealErr != nil {
			return nil, fmt.Errorf("revealing rank: %w", revealErr)
		}
		if !isBelow {
			winner = b
			break
		}
	}
	if winner == nil {
		// The maximum was folded from these very bids, so one of them
		// must match it.
		return nil, fmt.Errorf("no bidder matches the highest bid")
	}

	st.Winner = winner.ID
	st.Amount = winner.Deposit
	st.Fee = st.Amount * feeBasisPoints / 10000
	st.Refunds = a.refundAll(winner)
	return st, nil
}

// Cancel terminates the auction before its deadline and releases every
// deposit. Cancelled auctions are terminal.
func (a *Auction) Cancel(ctx context.Context, caller seal.Identity) ([]Refund, error) {
	ctx, span := tracer.Start(ctx, "Auction.Cancel",
		trace.WithAttributes(attribute.Int64("auction.id", int64(a.ID))),
	)
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.Seller && caller != a.operator {
		return nil, ErrUnauthorized
	}
	if a.finalized || a.cancelled {
		return nil, ErrAuctionFinalized
	}
	if a.clock.Now().UTC().After(a.EndTime) {
		return nil, ErrAuctionEnded
	}

	a.cancelled = true
	a.finalized = true

	refunds := a.refundAll(nil)
	a.recordEvent(event.AuctionCancelled, json.RawMessage(`{}`))

	slog.InfoContext(ctx, "auction cancelled",
		slog.Uint64("auction_id", a.ID),
		slog.Int("refunds", len(refunds)),
	)
	return refunds, nil
}

// refundAll flips the refunded flag for every bidder except skip, exactly
// once each, and records a refund event per bidder. Callers must hold a.mu.
func (a *Auction) refundAll(skip *Bidder) []Refund {
	var refunds []Refund
	for _, b := range a.bidders {
		if b == skip || b.Refunded {
			continue
		}
		b.Refunded = true
		refunds = append(refunds, Refund{Bidder: b.ID, Amount: b.Deposit})

		data, _ := json.Marshal(event.RefundIssuedData{
			Bidder: string(b.ID),
			Amount: b.Deposit,
		})
		a.recordEvent(event.RefundIssued, data)
	}
	return refunds
}

// Bidders returns a copy of the bidder records (thread-safe).
func (a *Auction) Bidders() []Bidder {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Bidder, len(a.bidders))
	for i, b := range a.bidders {
		out[i] = *b
	}
	return out
}

// Snapshot is a read-only public view of an auction.
type Snapshot struct {
	ID            uint64
	Title         string
	Description   string
	Seller        string
	ReserveHandle string
	HighestHandle string
	StartTime     time.Time
	EndTime       time.Time
	State         State
	BidderCount   int
}

// Snapshot returns the public view of the auction (thread-safe).
func (a *Auction) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ID:            a.ID,
		Title:         a.Title,
		Description:   a.Description,
		Seller:        string(a.Seller),
		ReserveHandle: a.Reserve.Handle(),
		HighestHandle: a.Highest.Handle(),
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		State:         a.state(),
		BidderCount:   len(a.bidders),
	}
}

// PendingEvents returns uncommitted events and clears the buffer.
func (a *Auction) PendingEvents() []event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := a.events
	a.events = nil
	return events
}

func (a *Auction) recordEvent(t event.Type, data json.RawMessage) {
	a.Version++
	a.events = append(a.events, event.Event{
		AggregateID: a.AggregateID(),
		Type:        t,
		Data:        data,
		Version:     a.Version,
	})
}

// Replay reconstructs an auction from its event history. Encrypted values
// come back as handle references; their plaintexts still live in the
// coprocessor.
func Replay(events []event.Event, svc seal.Service, operator seal.Identity, clk clock.Clock) (*Auction, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to replay")
	}

	a := &Auction{
		index:    make(map[seal.Identity]int),
		svc:      svc,
		operator: operator,
		clock:    clk,
	}
	for _, e := range events {
		switch e.Type {
		case event.AuctionCreated:
			var d event.AuctionCreatedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshalling created event: %w", err)
			}
			id, err := ParseAggregateID(e.AggregateID)
			if err != nil {
				return nil, err
			}
			a.ID = id
			a.Title = d.Title
			a.Description = d.Description
			a.Seller = seal.Identity(d.Seller)
			a.Reserve = seal.ValueFromHandle(d.ReserveHandle)
			a.Highest = seal.ValueFromHandle(d.HighestHandle)
			a.StartTime = d.StartTime
			a.EndTime = d.EndTime

		case event.AuctionBidPlaced:
			var d event.BidPlacedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshalling bid event: %w", err)
			}
			bidder := seal.Identity(d.Bidder)
			if i, ok := a.index[bidder]; ok {
				a.bidders[i].Bid = seal.ValueFromHandle(d.BidHandle)
				a.bidders[i].Deposit += d.Deposit
			} else {
				a.index[bidder] = len(a.bidders)
				a.bidders = append(a.bidders, &Bidder{
					ID:      bidder,
					Bid:     seal.ValueFromHandle(d.BidHandle),
					Deposit: d.Deposit,
				})
			}
			a.Highest = seal.ValueFromHandle(d.HighestHandle)

		case event.AuctionExtended:
			var d event.AuctionExtendedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshalling extended event: %w", err)
			}
			a.EndTime = d.EndTime

		case event.RefundIssued:
			var d event.RefundIssuedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshalling refund event: %w", err)
			}
			if i, ok := a.index[seal.Identity(d.Bidder)]; ok {
				a.bidders[i].Refunded = true
			}

		case event.AuctionFinalized:
			a.finalized = true

		case event.AuctionCancelled:
			a.cancelled = true
			a.finalized = true
		}
		a.Version = e.Version
	}
	return a, nil
}
