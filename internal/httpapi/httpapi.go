// Package httpapi exposes the auction ledger over HTTP. Sealed bid payloads
// travel base64-encoded; the API never sees or returns a plaintext bid.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sealbid/auctiond/internal/auction"
	"github.com/sealbid/auctiond/internal/seal"
	"github.com/sealbid/auctiond/internal/store"
)

// identityHeader carries the caller identity. Authentication of the header
// is the job of the fronting proxy; the API trusts it as the host identity.
const identityHeader = "X-Auction-Identity"

var meter = otel.Meter("github.com/sealbid/auctiond/internal/httpapi")

// Server handles the HTTP surface of the ledger.
type Server struct {
	ledger   *auction.Ledger
	logger   *slog.Logger
	router   *mux.Router
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewServer builds the HTTP API around a ledger.
func NewServer(ledger *auction.Ledger, logger *slog.Logger) *Server {
	s := &Server{ledger: ledger, logger: logger}

	s.requests, _ = meter.Int64Counter("http.server.requests",
		metric.WithDescription("Count of handled HTTP requests"))
	s.latency, _ = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"))

	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/v1/auctions", s.handleCreateAuction).Methods(http.MethodPost)
	r.HandleFunc("/v1/auctions", s.handleListAuctions).Methods(http.MethodGet)
	r.HandleFunc("/v1/auctions/{id}", s.handleGetAuction).Methods(http.MethodGet)
	r.HandleFunc("/v1/auctions/{id}/bids", s.handlePlaceBid).Methods(http.MethodPost)
	r.HandleFunc("/v1/auctions/{id}/extend", s.handleExtend).Methods(http.MethodPost)
	r.HandleFunc("/v1/auctions/{id}/finalize", s.handleFinalize).Methods(http.MethodPost)
	r.HandleFunc("/v1/auctions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/v1/withdrawals", s.handleWithdraw).Methods(http.MethodPost)
	r.HandleFunc("/v1/balances/{identity}", s.handleGetBalance).Methods(http.MethodGet)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID tags every request with a correlation id for the response and
// the access log line.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", routeTemplate(r)),
		)
		s.requests.Add(r.Context(), 1, attrs)
		s.latency.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)

		s.logger.InfoContext(r.Context(), "http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	})
}

// routeTemplate returns the matched mux route pattern, keeping metric
// cardinality bounded regardless of path parameters.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type createAuctionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// Reserve is the sealed reserve price: base64 ciphertext plus proof.
	Reserve      string `json:"reserve"`
	ReserveProof string `json:"reserve_proof,omitempty"`
	// DurationSeconds is the bidding window length.
	DurationSeconds int64 `json:"duration_seconds"`
}

type auctionResponse struct {
	ID            uint64     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Seller        string     `json:"seller"`
	HighestHandle string     `json:"highest_handle"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	Winner        *string    `json:"winner,omitempty"`
	WinAmount     *int64     `json:"win_amount,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

func toAuctionResponse(a store.Auction) auctionResponse {
	return auctionResponse{
		ID:            a.ID,
		Title:         a.Title,
		Description:   a.Description,
		Seller:        a.Seller,
		HighestHandle: a.HighestHandle,
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		Status:        a.Status,
		Winner:        a.Winner,
		WinAmount:     a.WinAmount,
		ClosedAt:      a.ClosedAt,
	}
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reserve, err := base64.StdEncoding.DecodeString(req.Reserve)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reserve must be base64")
		return
	}
	proof, err := base64.StdEncoding.DecodeString(req.ReserveProof)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reserve_proof must be base64")
		return
	}

	a, err := s.ledger.CreateAuction(r.Context(), caller, req.Title, req.Description,
		reserve, proof, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	snap := a.Snapshot()
	s.writeJSON(w, http.StatusCreated, auctionResponse{
		ID:            snap.ID,
		Title:         snap.Title,
		Description:   snap.Description,
		Seller:        snap.Seller,
		HighestHandle: snap.HighestHandle,
		StartTime:     snap.StartTime,
		EndTime:       snap.EndTime,
		Status:        string(snap.State),
	})
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.ledger.ListOpen(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]auctionResponse, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, toAuctionResponse(a))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.auctionID(w, r)
	if !ok {
		return
	}
	a, err := s.ledger.GetAuction(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAuctionResponse(a))
}

type placeBidRequest struct {
	// Bid is the sealed bid ciphertext, base64-encoded.
	Bid string `json:"bid"`
	// Proof certifies the ciphertext is well formed and bound to the caller.
	Proof string `json:"proof,omitempty"`
	// Payment is the public collateral deposited with the bid.
	Payment uint64 `json:"payment"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.auctionID(w, r)
	if !ok {
		return
	}
	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bid, err := base64.StdEncoding.DecodeString(req.Bid)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bid must be base64")
		return
	}
	proof, err := base64.StdEncoding.DecodeString(req.Proof)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "proof must be base64")
		return
	}

	if err := s.ledger.PlaceBid(r.Context(), id, caller, bid, proof, req.Payment); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type extendRequest struct {
	EndTime time.Time `json:"end_time"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.auctionID(w, r)
	if !ok {
		return
	}
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ledger.ExtendAuction(r.Context(), id, caller, req.EndTime); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

type settlementResponse struct {
	Winner     string `json:"winner,omitempty"`
	WinningBid uint64 `json:"winning_bid,omitempty"`
	Amount     uint64 `json:"amount"`
	Fee        uint64 `json:"fee"`
	ReserveMet bool   `json:"reserve_met"`
	Refunds    int    `json:"refunds"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.auctionID(w, r)
	if !ok {
		return
	}
	st, err := s.ledger.FinalizeAuction(r.Context(), id, caller)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settlementResponse{
		Winner:     string(st.Winner),
		WinningBid: st.WinningBid,
		Amount:     st.Amount,
		Fee:        st.Fee,
		ReserveMet: st.ReserveMet,
		Refunds:    len(st.Refunds),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.auctionID(w, r)
	if !ok {
		return
	}
	if err := s.ledger.CancelAuction(r.Context(), id, caller); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	amount, err := s.ledger.Withdraw(r.Context(), caller)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"amount": amount})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	// Balances are private: the caller may only read their own.
	identity := mux.Vars(r)["identity"]
	if seal.Identity(identity) != caller {
		s.writeError(w, http.StatusForbidden, "balance is only readable by its owner")
		return
	}
	amount, err := s.ledger.Balance(r.Context(), seal.Identity(identity))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (seal.Identity, bool) {
	id := r.Header.Get(identityHeader)
	if id == "" {
		s.writeError(w, http.StatusUnauthorized, "missing "+identityHeader+" header")
		return "", false
	}
	return seal.Identity(id), true
}

func (s *Server) auctionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid auction id")
		return 0, false
	}
	return id, true
}

// writeDomainError maps ledger errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, auction.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, auction.ErrAuctionNotActive),
		errors.Is(err, auction.ErrAuctionEnded),
		errors.Is(err, auction.ErrAuctionNotEnded),
		errors.Is(err, auction.ErrAuctionFinalized),
		errors.Is(err, auction.ErrNothingToWithdraw),
		errors.Is(err, auction.ErrBadExtension):
		status = http.StatusConflict
	case errors.Is(err, auction.ErrZeroPayment),
		errors.Is(err, auction.ErrTitleRequired),
		errors.Is(err, auction.ErrBadDuration):
		status = http.StatusBadRequest
	case errors.Is(err, seal.ErrInvalidProof):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", slog.Any("error", err))
	}
}
