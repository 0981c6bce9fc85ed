package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated   Type = "auction.created"
	AuctionBidPlaced Type = "auction.bid_placed"
	AuctionExtended  Type = "auction.extended"
	AuctionFinalized Type = "auction.finalized"
	AuctionCancelled Type = "auction.cancelled"
	RefundIssued     Type = "auction.refund_issued"

	BalanceWithdrawn Type = "balance.withdrawn"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AuctionCreatedData is the payload for AuctionCreated events. The reserve
// price travels as a handle only.
type AuctionCreatedData struct {
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Seller        string    `json:"seller"`
	ReserveHandle string    `json:"reserve_handle"`
	HighestHandle string    `json:"highest_handle"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

// BidPlacedData is the payload for AuctionBidPlaced events. It deliberately
// carries no bid amount; the bid itself is referenced by handle only. The
// deposit is the public collateral payment, not the sealed bid.
type BidPlacedData struct {
	Bidder        string `json:"bidder"`
	BidHandle     string `json:"bid_handle"`
	HighestHandle string `json:"highest_handle"`
	Deposit       uint64 `json:"deposit"`
}

// AuctionExtendedData is the payload for AuctionExtended events.
type AuctionExtendedData struct {
	EndTime time.Time `json:"end_time"`
}

// AuctionFinalizedData is the payload for AuctionFinalized events. Winner
// and amount are post-settlement public facts; both are empty when no bid
// met the reserve.
type AuctionFinalizedData struct {
	Winner     string `json:"winner,omitempty"`
	Amount     uint64 `json:"amount,omitempty"`
	Fee        uint64 `json:"fee,omitempty"`
	ReserveMet bool   `json:"reserve_met"`
}

// RefundIssuedData is the payload for RefundIssued events. A refund is a
// bookkeeping flag flip; the deposit was credited at bid time.
type RefundIssuedData struct {
	Bidder string `json:"bidder"`
	Amount uint64 `json:"amount"`
}

// BalanceWithdrawnData is the payload for BalanceWithdrawn events.
type BalanceWithdrawnData struct {
	Identity    string `json:"identity"`
	Amount      uint64 `json:"amount"`
	TransferRef string `json:"transfer_ref"`
}
