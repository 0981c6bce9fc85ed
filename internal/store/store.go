package store

import (
	"context"
	"time"
)

// Auction mirrors the queryable state of an auction. Encrypted values appear
// as handles only.
type Auction struct {
	ID            uint64     `db:"id"`
	Title         string     `db:"title"`
	Description   string     `db:"description"`
	Seller        string     `db:"seller"`
	ReserveHandle string     `db:"reserve_handle"`
	HighestHandle string     `db:"highest_handle"`
	StartTime     time.Time  `db:"start_time"`
	EndTime       time.Time  `db:"end_time"`
	Status        string     `db:"status"` // "open", "finalized", "cancelled"
	Winner        *string    `db:"winner"`
	WinAmount     *int64     `db:"win_amount"`
	CreatedAt     time.Time  `db:"created_at"`
	ClosedAt      *time.Time `db:"closed_at"`
}

// Bid is one bidder's sealed bid on an auction. A later bid from the same
// bidder replaces the handle; it never adds a second row.
type Bid struct {
	AuctionID uint64    `db:"auction_id"`
	Bidder    string    `db:"bidder"`
	BidHandle string    `db:"bid_handle"`
	Deposit   int64     `db:"deposit"`
	Refunded  bool      `db:"refunded"`
	PlacedAt  time.Time `db:"placed_at"`
}

// Balance is an identity's withdrawable amount.
type Balance struct {
	Identity  string    `db:"identity"`
	Amount    int64     `db:"amount"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AuctionRepository defines auction and bid persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id uint64) (*Auction, error)
	ListOpen(ctx context.Context) ([]Auction, error)
	SetHighest(ctx context.Context, id uint64, handle string) error
	Extend(ctx context.Context, id uint64, end time.Time) error
	Finalize(ctx context.Context, id uint64, winner string, amount uint64, closedAt time.Time) error
	Cancel(ctx context.Context, id uint64, closedAt time.Time) error

	UpsertBid(ctx context.Context, b *Bid) error
	ListBids(ctx context.Context, auctionID uint64) ([]Bid, error)
	MarkRefunded(ctx context.Context, auctionID uint64, bidder string) error
}

// BalanceRepository defines balance persistence operations. Amounts may go
// negative when a winner's deposit does not cover the winning bid.
type BalanceRepository interface {
	Get(ctx context.Context, identity string) (int64, error)
	Credit(ctx context.Context, identity string, amount int64) error
	// Zero clears the balance and returns the prior amount.
	Zero(ctx context.Context, identity string) (int64, error)
}
