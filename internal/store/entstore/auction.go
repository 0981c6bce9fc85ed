package entstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sealbid/auctiond/internal/clock"
	"github.com/sealbid/auctiond/internal/store"
)

// AuctionRepo implements store.AuctionRepository using database/sql.
type AuctionRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sql.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

const auctionColumns = `id, title, description, seller, reserve_handle, highest_handle,
	 start_time, end_time, status, winner, win_amount, created_at, closed_at`

func scanAuction(row interface{ Scan(...any) error }) (*store.Auction, error) {
	a := &store.Auction{}
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.Seller, &a.ReserveHandle,
		&a.HighestHandle, &a.StartTime, &a.EndTime, &a.Status, &a.Winner,
		&a.WinAmount, &a.CreatedAt, &a.ClosedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	a.Status = "open"
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.clock.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auctions
		 (id, title, description, seller, reserve_handle, highest_handle,
		  start_time, end_time, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(a.ID), a.Title, a.Description, a.Seller, a.ReserveHandle, a.HighestHandle,
		a.StartTime, a.EndTime, a.Status, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id uint64) (*store.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, int64(id)))
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return a, nil
}

func (r *AuctionRepo) ListOpen(ctx context.Context) ([]store.Auction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = 'open' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing open auctions: %w", err)
	}
	defer rows.Close()

	var auctions []store.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning auction row: %w", err)
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (r *AuctionRepo) SetHighest(ctx context.Context, id uint64, handle string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET highest_handle = $1 WHERE id = $2 AND status = 'open'`,
		handle, int64(id),
	)
	if err != nil {
		return fmt.Errorf("updating highest handle: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %d not found or not open", id)
	}
	return nil
}

func (r *AuctionRepo) Extend(ctx context.Context, id uint64, end time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET end_time = $1 WHERE id = $2 AND status = 'open'`,
		end, int64(id),
	)
	if err != nil {
		return fmt.Errorf("extending auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %d not found or not open", id)
	}
	return nil
}

func (r *AuctionRepo) Finalize(ctx context.Context, id uint64, winner string, amount uint64, closedAt time.Time) error {
	var w *string
	var amt *int64
	if winner != "" {
		a := int64(amount)
		w, amt = &winner, &a
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'finalized', winner = $1, win_amount = $2, closed_at = $3
		 WHERE id = $4 AND status = 'open'`,
		w, amt, closedAt, int64(id),
	)
	if err != nil {
		return fmt.Errorf("finalizing auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %d not found or already closed", id)
	}
	return nil
}

func (r *AuctionRepo) Cancel(ctx context.Context, id uint64, closedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'cancelled', closed_at = $1 WHERE id = $2 AND status = 'open'`,
		closedAt, int64(id),
	)
	if err != nil {
		return fmt.Errorf("cancelling auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %d not found or already closed", id)
	}
	return nil
}

func (r *AuctionRepo) UpsertBid(ctx context.Context, b *store.Bid) error {
	if b.PlacedAt.IsZero() {
		b.PlacedAt = r.clock.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bids (auction_id, bidder, bid_handle, deposit, refunded, placed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (auction_id, bidder)
		 DO UPDATE SET bid_handle = EXCLUDED.bid_handle,
		               deposit = EXCLUDED.deposit,
		               placed_at = EXCLUDED.placed_at`,
		int64(b.AuctionID), b.Bidder, b.BidHandle, b.Deposit, b.Refunded, b.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting bid: %w", err)
	}
	return nil
}

func (r *AuctionRepo) ListBids(ctx context.Context, auctionID uint64) ([]store.Bid, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT auction_id, bidder, bid_handle, deposit, refunded, placed_at
		 FROM bids WHERE auction_id = $1 ORDER BY placed_at ASC`, int64(auctionID))
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	defer rows.Close()

	var bids []store.Bid
	for rows.Next() {
		var b store.Bid
		if err := rows.Scan(&b.AuctionID, &b.Bidder, &b.BidHandle, &b.Deposit, &b.Refunded, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("scanning bid row: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (r *AuctionRepo) MarkRefunded(ctx context.Context, auctionID uint64, bidder string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bids SET refunded = TRUE WHERE auction_id = $1 AND bidder = $2`,
		int64(auctionID), bidder,
	)
	if err != nil {
		return fmt.Errorf("marking bid refunded: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bid by %s on auction %d not found", bidder, auctionID)
	}
	return nil
}
