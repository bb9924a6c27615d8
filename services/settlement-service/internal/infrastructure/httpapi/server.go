package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	sharederrors "github.com/basemarket/market-settlement-api/shared/errors"
	"github.com/basemarket/market-settlement-api/shared/logging"
	"github.com/basemarket/market-settlement-api/shared/metrics"
	"github.com/basemarket/market-settlement-api/shared/postgres"
	"github.com/basemarket/market-settlement-api/shared/redis"
)

// accountHeader carries the authenticated caller identity, set by the API
// gateway in front of this service.
const accountHeader = "X-Account-ID"

// Server exposes the market operations over HTTP. Purchase and unlist
// requests come in here; chain notifications come in over AMQP.
type Server struct {
	listings    domain.ListingService
	settlements domain.SettlementService
	admin       domain.AdminService
	db          *postgres.Postgres
	redis       *redis.Redis
	metrics     *metrics.Metrics
	log         *logging.Logger
	server      *http.Server
}

func NewServer(
	port int,
	listings domain.ListingService,
	settlements domain.SettlementService,
	admin domain.AdminService,
	db *postgres.Postgres,
	redis *redis.Redis,
	m *metrics.Metrics,
	log *logging.Logger,
) *Server {
	s := &Server{
		listings:    listings,
		settlements: settlements,
		admin:       admin,
		db:          db,
		redis:       redis,
		metrics:     m,
		log:         log,
	}

	router := mux.NewRouter()
	router.Use(s.metricsMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	market := router.PathPrefix("/market").Subrouter()
	market.HandleFunc("/buy", s.handleBuy).Methods(http.MethodPost)
	market.HandleFunc("/unlist", s.handleUnlist).Methods(http.MethodPost)
	market.HandleFunc("/deposit", s.handleDeposit).Methods(http.MethodPost)
	market.HandleFunc("/claim", s.handleClaim).Methods(http.MethodPost)
	market.HandleFunc("/listings/{contract}/{token}", s.handleGetListing).Methods(http.MethodGet)
	market.HandleFunc("/policy", s.handleGetPolicy).Methods(http.MethodGet)
	market.HandleFunc("/banned", s.handleBannedAccounts).Methods(http.MethodGet)
	market.HandleFunc("/affiliates", s.handleAffiliates).Methods(http.MethodGet)
	market.HandleFunc("/ledger/{account}", s.handleLedgerEntry).Methods(http.MethodGet)

	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.HandleFunc("/policy/owner", s.handleSetOwner).Methods(http.MethodPut)
	adminRouter.HandleFunc("/policy/platform-cut", s.handleSetPlatformCut).Methods(http.MethodPut)
	adminRouter.HandleFunc("/policy/fallback-affiliate-cut", s.handleSetFallbackAffiliateCut).Methods(http.MethodPut)
	adminRouter.HandleFunc("/policy/min-listing-dwell", s.handleSetMinListingDwell).Methods(http.MethodPut)
	adminRouter.HandleFunc("/policy/per-listing-deposit", s.handleSetPerListingDeposit).Methods(http.MethodPut)
	adminRouter.HandleFunc("/bans/{account}", s.handleBan).Methods(http.MethodPut)
	adminRouter.HandleFunc("/bans/{account}", s.handleUnban).Methods(http.MethodDelete)
	adminRouter.HandleFunc("/affiliates/{account}", s.handleAddAffiliate).Methods(http.MethodPut)
	adminRouter.HandleFunc("/affiliates/{account}", s.handleRemoveAffiliate).Methods(http.MethodDelete)
	adminRouter.HandleFunc("/offers/{contract}/{token}", s.handleRemoveOffer).Methods(http.MethodDelete)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if err := s.db.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.redis.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, status)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	var req domain.BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sharederrors.InvalidInput("body", "invalid JSON"))
		return
	}
	req.BuyerID = caller

	if err := s.settlements.Buy(r.Context(), req); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "settling"})
}

func (s *Server) handleUnlist(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	var req struct {
		AssetContractID domain.AssetContractID `json:"asset_contract_id"`
		AssetTokenIDs   []domain.AssetTokenID  `json:"asset_token_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sharederrors.InvalidInput("body", "invalid JSON"))
		return
	}
	if len(req.AssetTokenIDs) == 0 {
		s.writeError(w, sharederrors.InvalidInput("asset_token_ids", "must not be empty"))
		return
	}

	if err := s.listings.Unlist(r.Context(), caller, req.AssetContractID, req.AssetTokenIDs); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unlisted"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount domain.Amount `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sharederrors.InvalidInput("body", "invalid JSON"))
		return
	}

	if err := s.admin.DepositStorage(r.Context(), caller, req.Amount); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	claimed, err := s.admin.ClaimUnusedDeposit(r.Context(), caller)
	if err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"claimed": claimed})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	listing, err := s.listings.GetListing(r.Context(), vars["contract"], vars["token"])
	if err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	if listing == nil {
		s.writeError(w, sharederrors.NotFound("listing", domain.ListingKey(vars["contract"], vars["token"])))
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.admin.Policy(r.Context())
	if err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleBannedAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.admin.BannedAccounts(r.Context())
	if err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	if accounts == nil {
		accounts = []domain.AccountID{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"banned": accounts})
}

func (s *Server) handleAffiliates(w http.ResponseWriter, r *http.Request) {
	affiliates, err := s.admin.Affiliates(r.Context())
	if err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"affiliates": affiliates})
}

func (s *Server) handleLedgerEntry(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	entry, err := s.admin.LedgerEntry(r.Context(), account)
	if err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	if entry == nil {
		s.writeError(w, sharederrors.NotFound("ledger entry", account))
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSetOwner(w http.ResponseWriter, r *http.Request) {
	s.updatePolicyField(w, r, func(ctx context.Context, caller domain.AccountID, body json.RawMessage) error {
		var req struct {
			Owner domain.AccountID `json:"owner"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.Owner == "" {
			return sharederrors.InvalidInput("owner", "must be a non-empty account id")
		}
		return s.admin.SetOwner(ctx, caller, req.Owner)
	})
}

func (s *Server) handleSetPlatformCut(w http.ResponseWriter, r *http.Request) {
	s.updatePolicyField(w, r, func(ctx context.Context, caller domain.AccountID, body json.RawMessage) error {
		var req struct {
			CutBps uint16 `json:"cut_bps"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return sharederrors.InvalidInput("cut_bps", "must be a basis-point value")
		}
		if req.CutBps > domain.BasisPointsDenominator {
			return sharederrors.InvalidInput("cut_bps", "must not exceed 10000")
		}
		return s.admin.SetPlatformCut(ctx, caller, req.CutBps)
	})
}

func (s *Server) handleSetFallbackAffiliateCut(w http.ResponseWriter, r *http.Request) {
	s.updatePolicyField(w, r, func(ctx context.Context, caller domain.AccountID, body json.RawMessage) error {
		var req struct {
			CutBps uint16 `json:"cut_bps"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return sharederrors.InvalidInput("cut_bps", "must be a basis-point value")
		}
		if req.CutBps > domain.BasisPointsDenominator {
			return sharederrors.InvalidInput("cut_bps", "must not exceed 10000")
		}
		return s.admin.SetFallbackAffiliateCut(ctx, caller, req.CutBps)
	})
}

func (s *Server) handleSetMinListingDwell(w http.ResponseWriter, r *http.Request) {
	s.updatePolicyField(w, r, func(ctx context.Context, caller domain.AccountID, body json.RawMessage) error {
		var req struct {
			Seconds int64 `json:"seconds"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.Seconds < 0 {
			return sharederrors.InvalidInput("seconds", "must be a non-negative duration in seconds")
		}
		return s.admin.SetMinListingDwell(ctx, caller, time.Duration(req.Seconds)*time.Second)
	})
}

func (s *Server) handleSetPerListingDeposit(w http.ResponseWriter, r *http.Request) {
	s.updatePolicyField(w, r, func(ctx context.Context, caller domain.AccountID, body json.RawMessage) error {
		var req struct {
			Deposit domain.Amount `json:"deposit"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return sharederrors.InvalidInput("deposit", "must be a decimal amount string")
		}
		return s.admin.SetPerListingDeposit(ctx, caller, req.Deposit)
	})
}

func (s *Server) updatePolicyField(w http.ResponseWriter, r *http.Request, apply func(context.Context, domain.AccountID, json.RawMessage) error) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, sharederrors.InvalidInput("body", "invalid JSON"))
		return
	}

	if err := apply(r.Context(), caller, body); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	if err := s.admin.Ban(r.Context(), caller, mux.Vars(r)["account"]); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	if err := s.admin.Unban(r.Context(), caller, mux.Vars(r)["account"]); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

func (s *Server) handleAddAffiliate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	var req struct {
		CutBps uint16 `json:"cut_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, sharederrors.InvalidInput("cut_bps", "must be a basis-point value"))
		return
	}
	if req.CutBps > domain.BasisPointsDenominator {
		s.writeError(w, sharederrors.InvalidInput("cut_bps", "must not exceed 10000"))
		return
	}

	if err := s.admin.AddAffiliate(r.Context(), caller, mux.Vars(r)["account"], req.CutBps); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveAffiliate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	if err := s.admin.RemoveAffiliate(r.Context(), caller, mux.Vars(r)["account"]); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRemoveOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	if err := s.settlements.RemoveOffer(r.Context(), caller, vars["contract"], vars["token"]); err != nil {
		s.writeError(w, mapDomainError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "offer_removed"})
}

func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (domain.AccountID, bool) {
	caller := r.Header.Get(accountHeader)
	if caller == "" {
		s.writeError(w, sharederrors.New(sharederrors.ErrorTypeUnauthorized, "MISSING_ACCOUNT", "missing account header"))
		return "", false
	}
	return caller, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err *sharederrors.Error) {
	if err.StatusCode >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeJSON(w, err.StatusCode, err)
}

// mapDomainError translates domain sentinels into transport errors
func mapDomainError(err error) *sharederrors.Error {
	if e, ok := err.(*sharederrors.Error); ok {
		return e
	}

	switch err {
	case domain.ErrListingNotFound:
		return sharederrors.New(sharederrors.ErrorTypeNotFound, "LISTING_NOT_FOUND", "listing not found")
	case domain.ErrNoOffer:
		return sharederrors.New(sharederrors.ErrorTypeNotFound, "NO_OFFER", "listing has no current offer")
	case domain.ErrOfferInProgress:
		return sharederrors.Conflict("listing", "an offer is already in progress")
	case domain.ErrAccountBanned:
		return sharederrors.Forbidden("market", "participate while banned")
	case domain.ErrNotSeller:
		return sharederrors.Forbidden("listing", "modify as non-seller")
	case domain.ErrNotOwner:
		return sharederrors.Forbidden("market", "administer as non-owner")
	case domain.ErrCurrencyMismatch:
		return sharederrors.Precondition("CURRENCY_MISMATCH", "payment currency does not match the listing")
	case domain.ErrInsufficientAmount:
		return sharederrors.Precondition("INSUFFICIENT_AMOUNT", "payment is below the listing price")
	case domain.ErrInsufficientDeposit:
		return sharederrors.Precondition("INSUFFICIENT_DEPOSIT", "prepaid balance cannot back another listing")
	case domain.ErrListingTimeLocked:
		return sharederrors.Precondition("LISTING_TIME_LOCKED", "listing cannot be removed yet")
	case domain.ErrAssetTokenIDTooLong:
		return sharederrors.InvalidInput("asset_token_id", "exceeds "+strconv.Itoa(domain.MaxAssetTokenIDBytes)+" bytes")
	case domain.ErrInvalidInstructions:
		return sharederrors.InvalidInput("msg", "unparseable instructions")
	}
	return sharederrors.Internal("internal error").WithCause(err)
}

// metricsMiddleware records request counts and latencies per route
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(recorder.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
