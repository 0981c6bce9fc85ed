package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sealbid/auctiond/internal/clock"
	"github.com/sealbid/auctiond/internal/event"
	"github.com/sealbid/auctiond/internal/notify"
	"github.com/sealbid/auctiond/internal/seal"
	"github.com/sealbid/auctiond/internal/store"
)

// Transferer pays out withdrawn funds to an external account. Reveal of the
// destination is unavoidable here; amounts withdrawn are public by design.
type Transferer interface {
	Transfer(ctx context.Context, to seal.Identity, amount uint64) (ref string, err error)
}

// TransferFunc adapts a function to the Transferer interface.
type TransferFunc func(ctx context.Context, to seal.Identity, amount uint64) (string, error)

func (f TransferFunc) Transfer(ctx context.Context, to seal.Identity, amount uint64) (string, error) {
	return f(ctx, to, amount)
}

// Ledger coordinates auction lifecycle, balances and settlement across all
// auctions. Live aggregates are held in memory; every mutation is persisted
// to the event store and mirrored into the relational read model.
type Ledger struct {
	mu       sync.RWMutex
	auctions map[uint64]*Auction
	nextID   uint64

	repo     store.AuctionRepository
	balances store.BalanceRepository
	events   event.Store
	svc      seal.Service
	oracle   seal.Oracle
	transfer Transferer
	notifier notify.Notifier

	operator seal.Identity
	feeBps   uint64

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewLedger creates a new auction Ledger. feeBasisPoints is the platform cut
// applied to the winner's payment at settlement.
func NewLedger(repos *store.Repositories, svc seal.Service, oracle seal.Oracle, transfer Transferer, notifier notify.Notifier, operator seal.Identity, feeBasisPoints uint64, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Ledger {
	return &Ledger{
		auctions: make(map[uint64]*Auction),
		repo:     repos.Auctions,
		balances: repos.Balances,
		events:   repos.Events,
		svc:      svc,
		oracle:   oracle,
		transfer: transfer,
		notifier: notifier,
		operator: operator,
		feeBps:   feeBasisPoints,
		logger:   logger,
		tracer:   tp.Tracer("github.com/sealbid/auctiond/internal/auction"),
		clock:    clk,
	}
}

// CreateAuction opens a new auction with a sealed reserve price and tracks it.
// Auction ids are dense and start at zero.
func (l *Ledger) CreateAuction(ctx context.Context, seller seal.Identity, title, description string, rawReserve, reserveProof []byte, duration time.Duration) (*Auction, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.CreateAuction",
		trace.WithAttributes(
			attribute.String("title", title),
			attribute.String("seller", string(seller)),
		),
	)
	defer span.End()

	reserve, err := l.svc.ImportExternal(ctx, rawReserve, reserveProof, seller)
	if err != nil {
		return nil, fmt.Errorf("importing reserve ciphertext: %w", err)
	}

	l.mu.Lock()
	id := l.nextID
	a, err := New(id, title, description, seller, reserve, duration, l.svc, l.operator, l.clock)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.nextID++
	l.auctions[id] = a
	l.mu.Unlock()

	if err := l.events.Append(ctx, a.PendingEvents()...); err != nil {
		return nil, fmt.Errorf("persisting auction created events: %w", err)
	}
	rec := recordFromSnapshot(a.Snapshot())
	if err := l.repo.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("persisting auction record: %w", err)
	}

	l.logger.InfoContext(ctx, "auction created",
		slog.Uint64("auction_id", id),
		slog.String("title", title),
		slog.String("seller", string(seller)),
	)
	l.announce(ctx, fmt.Sprintf("Auction #%d opened: %s (ends %s)", id, title, a.EndTime.Format(time.RFC3339)))
	return a, nil
}

// PlaceBid places a sealed bid on an open auction. The payment is deposited
// as collateral and credited to the bidder's balance; the sealed amount never
// touches the ledger in plaintext.
func (l *Ledger) PlaceBid(ctx context.Context, auctionID uint64, bidder seal.Identity, rawCiphertext, proof []byte, payment uint64) error {
	ctx, span := l.tracer.Start(ctx, "Ledger.PlaceBid",
		trace.WithAttributes(
			attribute.Int64("auction_id", int64(auctionID)),
			attribute.String("bidder", string(bidder)),
		),
	)
	defer span.End()

	a, err := l.get(auctionID)
	if err != nil {
		return err
	}

	// Reserve the deposit before the bid is committed, so a credit failure
	// cannot leave a recorded bid with no collateral behind it. A rejected
	// bid releases the deposit again.
	if err := l.balances.Credit(ctx, string(bidder), int64(payment)); err != nil {
		return fmt.Errorf("crediting deposit: %w", err)
	}
	if err := a.PlaceBid(ctx, bidder, rawCiphertext, proof, payment); err != nil {
		if releaseErr := l.balances.Credit(ctx, string(bidder), -int64(payment)); releaseErr != nil {
			l.logger.ErrorContext(ctx, "failed to release deposit after rejected bid",
				slog.String("bidder", string(bidder)),
				slog.Any("error", releaseErr),
			)
		}
		return err
	}

	if err := l.events.Append(ctx, a.PendingEvents()...); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist bid event", slog.Any("error", err))
	}

	snap := a.Snapshot()
	if err := l.repo.SetHighest(ctx, auctionID, snap.HighestHandle); err != nil {
		l.logger.ErrorContext(ctx, "failed to update highest handle", slog.Any("error", err))
	}
	for _, b := range a.Bidders() {
		if b.ID != bidder {
			continue
		}
		if err := l.repo.UpsertBid(ctx, &store.Bid{
			AuctionID: auctionID,
			Bidder:    string(b.ID),
			BidHandle: b.Bid.Handle(),
			Deposit:   int64(b.Deposit),
			PlacedAt:  l.clock.Now().UTC(),
		}); err != nil {
			l.logger.ErrorContext(ctx, "failed to upsert bid record", slog.Any("error", err))
		}
	}
	return nil
}

// ExtendAuction moves an open auction's deadline later.
func (l *Ledger) ExtendAuction(ctx context.Context, auctionID uint64, caller seal.Identity, newEnd time.Time) error {
	ctx, span := l.tracer.Start(ctx, "Ledger.ExtendAuction",
		trace.WithAttributes(attribute.Int64("auction_id", int64(auctionID))),
	)
	defer span.End()

	a, err := l.get(auctionID)
	if err != nil {
		return err
	}
	if err := a.Extend(ctx, caller, newEnd); err != nil {
		return err
	}
	if err := l.events.Append(ctx, a.PendingEvents()...); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist extend event", slog.Any("error", err))
	}
	if err := l.repo.Extend(ctx, auctionID, newEnd.UTC()); err != nil {
		l.logger.ErrorContext(ctx, "failed to update end time", slog.Any("error", err))
	}
	return nil
}

// FinalizeAuction settles an auction after its deadline: the winning amount
// is revealed through the oracle, balances move, losers' deposits unlock.
func (l *Ledger) FinalizeAuction(ctx context.Context, auctionID uint64, caller seal.Identity) (*Settlement, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.FinalizeAuction",
		trace.WithAttributes(attribute.Int64("auction_id", int64(auctionID))),
	)
	defer span.End()

	a, err := l.get(auctionID)
	if err != nil {
		return nil, err
	}

	st, err := a.Finalize(ctx, caller, l.oracle, l.feeBps)
	if err != nil {
		return nil, err
	}
	if appendErr := l.events.Append(ctx, a.PendingEvents()...); appendErr != nil {
		l.logger.ErrorContext(ctx, "failed to persist finalize events", slog.Any("error", appendErr))
	}

	if err := l.settleBalances(ctx, a, st); err != nil {
		return nil, err
	}

	closedAt := l.clock.Now().UTC()
	if err := l.repo.Finalize(ctx, auctionID, string(st.Winner), st.Amount, closedAt); err != nil {
		l.logger.ErrorContext(ctx, "failed to mark auction finalized", slog.Any("error", err))
	}
	for _, r := range st.Refunds {
		if err := l.repo.MarkRefunded(ctx, auctionID, string(r.Bidder)); err != nil {
			l.logger.ErrorContext(ctx, "failed to mark bid refunded", slog.Any("error", err))
		}
	}

	l.mu.Lock()
	delete(l.auctions, auctionID)
	l.mu.Unlock()

	switch {
	case st.Winner != "":
		l.announce(ctx, fmt.Sprintf("Auction #%d settled: winner %s pays %d (fee %d)", auctionID, st.Winner, st.Amount, st.Fee))
	case !st.ReserveMet && len(st.Refunds) > 0:
		l.announce(ctx, fmt.Sprintf("Auction #%d closed: reserve not met, %d deposits released", auctionID, len(st.Refunds)))
	default:
		l.announce(ctx, fmt.Sprintf("Auction #%d closed with no bids", auctionID))
	}
	return st, nil
}

// settleBalances applies the settlement's money movement: seller is credited
// net of fee, the operator collects the fee, and the winner's deposit is
// consumed. Losing deposits stay on their owners' balances for withdrawal.
func (l *Ledger) settleBalances(ctx context.Context, a *Auction, st *Settlement) error {
	if st.Winner == "" {
		return nil
	}
	if err := l.balances.Credit(ctx, string(a.Seller), int64(st.Amount-st.Fee)); err != nil {
		return fmt.Errorf("crediting seller: %w", err)
	}
	if st.Fee > 0 {
		if err := l.balances.Credit(ctx, string(l.operator), int64(st.Fee)); err != nil {
			return fmt.Errorf("crediting platform fee: %w", err)
		}
	}
	if err := l.balances.Credit(ctx, string(st.Winner), -int64(st.Amount)); err != nil {
		return fmt.Errorf("debiting winner: %w", err)
	}
	return nil
}

// CancelAuction terminates an open auction before its deadline and unlocks
// every deposit.
func (l *Ledger) CancelAuction(ctx context.Context, auctionID uint64, caller seal.Identity) error {
	ctx, span := l.tracer.Start(ctx, "Ledger.CancelAuction",
		trace.WithAttributes(attribute.Int64("auction_id", int64(auctionID))),
	)
	defer span.End()

	a, err := l.get(auctionID)
	if err != nil {
		return err
	}
	refunds, err := a.Cancel(ctx, caller)
	if err != nil {
		return err
	}
	if err := l.events.Append(ctx, a.PendingEvents()...); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist cancel events", slog.Any("error", err))
	}
	if err := l.repo.Cancel(ctx, auctionID, l.clock.Now().UTC()); err != nil {
		l.logger.ErrorContext(ctx, "failed to mark auction cancelled", slog.Any("error", err))
	}
	for _, r := range refunds {
		if err := l.repo.MarkRefunded(ctx, auctionID, string(r.Bidder)); err != nil {
			l.logger.ErrorContext(ctx, "failed to mark bid refunded", slog.Any("error", err))
		}
	}

	l.mu.Lock()
	delete(l.auctions, auctionID)
	l.mu.Unlock()

	l.announce(ctx, fmt.Sprintf("Auction #%d cancelled, %d deposits released", auctionID, len(refunds)))
	return nil
}

// Withdraw zeroes the caller's balance and pays it out through the external
// transferer. The zero-then-transfer order guards against reentrant
// withdrawals; a failed transfer restores the balance.
func (l *Ledger) Withdraw(ctx context.Context, identity seal.Identity) (uint64, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Withdraw",
		trace.WithAttributes(attribute.String("identity", string(identity))),
	)
	defer span.End()

	amount, err := l.balances.Zero(ctx, string(identity))
	if err != nil {
		return 0, fmt.Errorf("zeroing balance: %w", err)
	}
	if amount <= 0 {
		if amount < 0 {
			// A negative balance must not be wiped by a withdraw attempt.
			if restoreErr := l.balances.Credit(ctx, string(identity), amount); restoreErr != nil {
				l.logger.ErrorContext(ctx, "failed to restore negative balance", slog.Any("error", restoreErr))
			}
		}
		return 0, ErrNothingToWithdraw
	}

	ref, err := l.transfer.Transfer(ctx, identity, uint64(amount))
	if err != nil {
		if restoreErr := l.balances.Credit(ctx, string(identity), amount); restoreErr != nil {
			l.logger.ErrorContext(ctx, "failed to restore balance after transfer failure",
				slog.String("identity", string(identity)),
				slog.Any("error", restoreErr),
			)
		}
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	data, _ := json.Marshal(event.BalanceWithdrawnData{
		Identity:    string(identity),
		Amount:      uint64(amount),
		TransferRef: ref,
	})
	if err := l.events.Append(ctx, event.Event{
		AggregateID: "balance-" + string(identity),
		Type:        event.BalanceWithdrawn,
		Data:        data,
		Version:     1,
	}); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist withdrawal event", slog.Any("error", err))
	}

	l.logger.InfoContext(ctx, "balance withdrawn",
		slog.String("identity", string(identity)),
		slog.Int64("amount", amount),
		slog.String("transfer_ref", ref),
	)
	return uint64(amount), nil
}

// Balance returns the withdrawable balance for an identity.
func (l *Ledger) Balance(ctx context.Context, identity seal.Identity) (int64, error) {
	return l.balances.Get(ctx, string(identity))
}

// GetAuction returns the public view of a tracked auction, falling back to
// the relational read model for auctions no longer in memory.
func (l *Ledger) GetAuction(ctx context.Context, auctionID uint64) (store.Auction, error) {
	l.mu.RLock()
	a, ok := l.auctions[auctionID]
	l.mu.RUnlock()
	if ok {
		return recordFromSnapshot(a.Snapshot()), nil
	}
	rec, err := l.repo.GetByID(ctx, auctionID)
	if err != nil {
		return store.Auction{}, ErrAuctionNotFound
	}
	return *rec, nil
}

// ListOpen returns all auctions still open for bidding.
func (l *Ledger) ListOpen(ctx context.Context) ([]store.Auction, error) {
	return l.repo.ListOpen(ctx)
}

// FinalizeExpired settles every tracked auction whose deadline has passed,
// acting as the operator. Used by the settlement sweeper on the leader.
func (l *Ledger) FinalizeExpired(ctx context.Context) (int, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.FinalizeExpired")
	defer span.End()

	now := l.clock.Now().UTC()
	l.mu.RLock()
	var expired []uint64
	for id, a := range l.auctions {
		snap := a.Snapshot()
		if snap.State == StateOpen && now.After(snap.EndTime) {
			expired = append(expired, id)
		}
	}
	l.mu.RUnlock()

	settled := 0
	for _, id := range expired {
		if _, err := l.FinalizeAuction(ctx, id, l.operator); err != nil {
			l.logger.WarnContext(ctx, "failed to settle expired auction",
				slog.Uint64("auction_id", id),
				slog.Any("error", err),
			)
			continue
		}
		settled++
	}
	return settled, nil
}

// RecoverOpenAuctions replays all auctions from the event store and loads
// any still open into the in-memory map. Used on leader startup to restore
// state after a failover. Also restores the dense id counter.
func (l *Ledger) RecoverOpenAuctions(ctx context.Context) (int, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.RecoverOpenAuctions")
	defer span.End()

	created, err := l.events.LoadByType(ctx, event.AuctionCreated)
	if err != nil {
		return 0, fmt.Errorf("loading auction created events: %w", err)
	}

	seen := make(map[string]struct{}, len(created))
	var ids []string
	for _, e := range created {
		if _, ok := seen[e.AggregateID]; !ok {
			seen[e.AggregateID] = struct{}{}
			ids = append(ids, e.AggregateID)
		}
	}

	recovered := 0
	var maxID uint64
	for _, aggID := range ids {
		events, loadErr := l.events.Load(ctx, aggID)
		if loadErr != nil {
			l.logger.WarnContext(ctx, "failed to load auction events during recovery",
				slog.String("aggregate_id", aggID),
				slog.Any("error", loadErr),
			)
			continue
		}
		a, replayErr := Replay(events, l.svc, l.operator, l.clock)
		if replayErr != nil {
			l.logger.WarnContext(ctx, "failed to replay auction during recovery",
				slog.String("aggregate_id", aggID),
				slog.Any("error", replayErr),
			)
			continue
		}
		if a.ID >= maxID {
			maxID = a.ID + 1
		}
		if a.State() != StateOpen {
			continue
		}

		l.mu.Lock()
		l.auctions[a.ID] = a
		l.mu.Unlock()
		recovered++

		l.logger.InfoContext(ctx, "recovered open auction",
			slog.Uint64("auction_id", a.ID),
			slog.String("title", a.Title),
			slog.Int("bidders", len(a.Bidders())),
		)
	}

	l.mu.Lock()
	if maxID > l.nextID {
		l.nextID = maxID
	}
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "auction recovery complete",
		slog.Int("total_created", len(ids)),
		slog.Int("recovered_open", recovered),
	)
	return recovered, nil
}

func (l *Ledger) get(auctionID uint64) (*Auction, error) {
	l.mu.RLock()
	a, ok := l.auctions[auctionID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return a, nil
}

func (l *Ledger) announce(ctx context.Context, msg string) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Announce(ctx, msg); err != nil {
		l.logger.WarnContext(ctx, "notification failed", slog.Any("error", err))
	}
}

func recordFromSnapshot(s Snapshot) store.Auction {
	return store.Auction{
		ID:            s.ID,
		Title:         s.Title,
		Description:   s.Description,
		Seller:        s.Seller,
		ReserveHandle: s.ReserveHandle,
		HighestHandle: s.HighestHandle,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		Status:        string(s.State),
		CreatedAt:     s.StartTime,
	}
}
