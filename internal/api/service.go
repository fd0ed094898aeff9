// Package api exposes masters, signals, follows, positions and ingestion
// over HTTP.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/theguild/guild-engine/internal/follow"
	"github.com/theguild/guild-engine/internal/ingest"
	"github.com/theguild/guild-engine/internal/ledger"
	"github.com/theguild/guild-engine/internal/model"
	"github.com/theguild/guild-engine/internal/position"
	"github.com/theguild/guild-engine/internal/progression"
	"github.com/theguild/guild-engine/internal/store"
)

const (
	defaultBetLimit    = 50
	defaultSignalLimit = 20
	maxBetLimit        = 200
)

// IngestTrigger runs one ingestion pass on demand.
type IngestTrigger interface {
	RunOnce(ctx context.Context) (*ingest.Report, error)
}

// Service holds the HTTP handlers.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	positions *position.Engine
	follows   *follow.Service
	levels    progression.Table
	ingest    IngestTrigger // nil disables POST /ingest/run
}

// NewService creates the handler set. Pass nil for trigger when ingestion
// is not available in this process.
func NewService(st store.Store, l *ledger.Ledger, pe *position.Engine, fs *follow.Service, levels progression.Table, trigger IngestTrigger) *Service {
	if levels == nil {
		levels = progression.Default
	}
	return &Service{
		store:     st,
		ledger:    l,
		positions: pe,
		follows:   fs,
		levels:    levels,
		ingest:    trigger,
	}
}

// --- Request/Response types ---

// CreateMasterRequest is the JSON body for POST /masters.
type CreateMasterRequest struct {
	Username       string   `json:"username"`
	DisplayName    string   `json:"display_name"`
	Wallet         string   `json:"wallet"` // optional; masters without one are not ingested
	PrimaryMarkets []string `json:"primary_markets"`
}

// CopyRequest is the JSON body for POST /positions.
type CopyRequest struct {
	BetID  string          `json:"bet_id"`
	Amount decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for POST /positions/{positionID}/resolve.
type ResolveRequest struct {
	Won bool `json:"won"`
}

// MeResponse is the caller's account with level progress.
type MeResponse struct {
	Account  *model.Account       `json:"account"`
	Progress progression.Progress `json:"progress"`
}

// --- Levels ---

// ListLevels handles GET /api/v1/levels
func (s *Service) ListLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.levels)
}

// --- Masters ---

// ListMasters handles GET /api/v1/masters
func (s *Service) ListMasters(w http.ResponseWriter, r *http.Request) {
	masters, err := s.store.ListMasters(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if masters == nil {
		masters = []model.Master{}
	}
	writeJSON(w, http.StatusOK, masters)
}

// CreateMaster handles POST /api/v1/masters
func (s *Service) CreateMaster(w http.ResponseWriter, r *http.Request) {
	var req CreateMasterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	var wallet string
	if req.Wallet != "" {
		var err error
		if wallet, err = model.NormalizeWallet(req.Wallet); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}
	markets := req.PrimaryMarkets
	if markets == nil {
		markets = []string{}
	}

	master := &model.Master{
		ID:             uuid.New().String(),
		Username:       req.Username,
		DisplayName:    displayName,
		Wallet:         wallet,
		PrimaryMarkets: markets,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateMaster(r.Context(), master); err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("master created",
		"id", master.ID,
		"username", master.Username,
		"has_wallet", wallet != "",
	)
	writeJSON(w, http.StatusCreated, master)
}

// GetMaster handles GET /api/v1/masters/{masterID}
func (s *Service) GetMaster(w http.ResponseWriter, r *http.Request) {
	master, err := s.store.GetMaster(r.Context(), chi.URLParam(r, "masterID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, master)
}

// ListMasterBets handles GET /api/v1/masters/{masterID}/bets?status=&limit=
func (s *Service) ListMasterBets(w http.ResponseWriter, r *http.Request) {
	masterID := chi.URLParam(r, "masterID")
	ctx := r.Context()

	status := strings.ToUpper(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusOpen, model.StatusWon, model.StatusLost:
	default:
		writeError(w, "status must be OPEN, WON or LOST", http.StatusBadRequest)
		return
	}

	limit, ok := parseLimit(w, r, defaultBetLimit)
	if !ok {
		return
	}

	if _, err := s.store.GetMaster(ctx, masterID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	bets, err := s.store.ListBetsByMaster(ctx, masterID, status, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// Signal is a bet in the cross-master feed, with its master attached.
type Signal struct {
	model.Bet
	Master SignalMaster `json:"master"`
}

type SignalMaster struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// ListSignals handles GET /api/v1/signals?limit=
// Newest signals across all masters.
func (s *Service) ListSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, ok := parseLimit(w, r, defaultSignalLimit)
	if !ok {
		return
	}

	bets, err := s.store.ListRecentBets(ctx, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	masters, err := s.store.ListMasters(ctx)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	byID := make(map[string]model.Master, len(masters))
	for _, m := range masters {
		byID[m.ID] = m
	}

	signals := make([]Signal, 0, len(bets))
	for _, b := range bets {
		m := byID[b.MasterID]
		signals = append(signals, Signal{
			Bet:    b,
			Master: SignalMaster{ID: b.MasterID, Username: m.Username, DisplayName: m.DisplayName},
		})
	}
	writeJSON(w, http.StatusOK, signals)
}

// parseLimit reads ?limit=, capped at maxBetLimit. It writes the 400 itself.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxBetLimit), true
}

// --- Follows ---

// Follow handles POST /api/v1/masters/{masterID}/follow
func (s *Service) Follow(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	f, err := s.follows.Follow(r.Context(), userID, chi.URLParam(r, "masterID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// Unfollow handles DELETE /api/v1/masters/{masterID}/follow
func (s *Service) Unfollow(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := s.follows.Unfollow(r.Context(), userID, chi.URLParam(r, "masterID")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFollows handles GET /api/v1/follows
func (s *Service) ListFollows(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	follows, err := s.follows.List(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if follows == nil {
		follows = []model.Follow{}
	}
	writeJSON(w, http.StatusOK, follows)
}

// --- Account ---

// Me handles GET /api/v1/me
// Provisions the account with the starting bankroll on first call.
func (s *Service) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	acct, err := s.ledger.EnsureAccount(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{Account: acct, Progress: s.levels.Progress(acct.XP)})
}

// --- Positions ---

// CopyBet handles POST /api/v1/positions
func (s *Service) CopyBet(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req CopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BetID == "" {
		writeError(w, "bet_id is required", http.StatusBadRequest)
		return
	}

	pos, err := s.positions.Copy(r.Context(), userID, req.BetID, req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ResolvePosition handles POST /api/v1/positions/{positionID}/resolve
func (s *Service) ResolvePosition(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.positions.Resolve(r.Context(), userID, chi.URLParam(r, "positionID"), req.Won)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, err := UserID(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	pf, err := s.positions.Portfolio(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// --- Ingestion ---

// RunIngest handles POST /api/v1/ingest/run
func (s *Service) RunIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, "ingestion is disabled", http.StatusServiceUnavailable)
		return
	}
	report, err := s.ingest.RunOnce(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
