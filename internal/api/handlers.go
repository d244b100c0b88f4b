package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/flowbridge/flowbridge-backend/internal/bridge"
	"github.com/flowbridge/flowbridge-backend/internal/config"
	"github.com/flowbridge/flowbridge-backend/internal/custody"
	"github.com/flowbridge/flowbridge-backend/internal/escrow"
	"github.com/flowbridge/flowbridge-backend/internal/events"
	"github.com/flowbridge/flowbridge-backend/internal/store"
)

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

type Handler struct {
	coordinator *escrow.Coordinator
	tracker     *bridge.Tracker
	locker      *custody.Locker
	hub         *events.Hub
	sseHandler  *events.SSEHandler
	cache       *store.Cache
	config      *config.Config
	logger      *zap.SugaredLogger
	metrics     MetricsInterface
}

func NewHandler(
	coordinator *escrow.Coordinator,
	tracker *bridge.Tracker,
	locker *custody.Locker,
	hub *events.Hub,
	sseHandler *events.SSEHandler,
	cache *store.Cache,
	cfg *config.Config,
	logger *zap.SugaredLogger,
	metrics MetricsInterface,
) *Handler {
	return &Handler{
		coordinator: coordinator,
		tracker:     tracker,
		locker:      locker,
		hub:         hub,
		sseHandler:  sseHandler,
		cache:       cache,
		config:      cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

// Request lifecycle endpoints

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}

	id, err := parseOrGenerateID(body.ID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST_ID", err.Error())
		return
	}
	bridged, err := parseAmount(body.Bridged)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "bridgedAmount must be a base-unit integer")
		return
	}
	paired := big.NewInt(0)
	if body.Paired != "" {
		if paired, err = parseAmount(body.Paired); err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "pairedAmount must be a base-unit integer")
			return
		}
	}

	rec, err := h.coordinator.HandleFundsArrived(r.Context(), id, body.Account, bridged, paired, body.LockMonths)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.invalidateAccount(r.Context(), rec.Account)

	h.writeJSON(w, http.StatusCreated, requestDTO(rec))
}

func (h *Handler) DepositPaired(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestIDParam(w, r)
	if !ok {
		return
	}
	var body DepositDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}

	rec, err := h.coordinator.DepositPaired(r.Context(), id, body.Account)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.invalidateAccount(r.Context(), rec.Account)

	h.writeJSON(w, http.StatusOK, requestDTO(rec))
}

func (h *Handler) ExecuteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestIDParam(w, r)
	if !ok {
		return
	}
	var body ExecuteDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}

	rec, err := h.coordinator.Execute(r.Context(), id, body.Account, body.SlippagePercent)
	if err != nil && rec == nil {
		h.writeDomainError(w, err)
		return
	}
	h.invalidateAccount(r.Context(), rec.Account)
	_ = h.cache.Delete(r.Context(), store.KeyPoolReserves)

	if err != nil {
		// The pool call settled but the shares are not locked yet. Surface
		// the partial outcome so the client can retry the lock.
		h.logger.Warnw("Execution settled without lock", "requestId", id.Hex(), "error", err)
		h.writeJSON(w, http.StatusAccepted, requestDTO(rec))
		return
	}
	h.writeJSON(w, http.StatusOK, requestDTO(rec))
}

func (h *Handler) RetryLock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestIDParam(w, r)
	if !ok {
		return
	}
	var body DepositDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}

	rec, err := h.coordinator.RetryLock(r.Context(), id, body.Account)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, requestDTO(rec))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestIDParam(w, r)
	if !ok {
		return
	}
	rec, err := h.coordinator.Request(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requestDTO(rec))
}

func (h *Handler) GetRequestOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestIDParam(w, r)
	if !ok {
		return
	}
	owner, found := h.coordinator.Owner(id)
	if !found {
		h.writeError(w, http.StatusNotFound, "REQUEST_NOT_FOUND", "No owner bound to this request id")
		return
	}
	h.writeJSON(w, http.StatusOK, OwnerDTO{ID: id.Hex(), Account: owner})
}

// Account endpoints

func (h *Handler) GetAccountBalances(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	if account == "" {
		h.writeError(w, http.StatusBadRequest, "EMPTY_ACCOUNT", "account is required")
		return
	}

	var dto BalancesDTO
	if err := h.cache.GetBalances(r.Context(), account, &dto); err == nil {
		h.writeJSON(w, http.StatusOK, dto)
		return
	}

	bal := h.coordinator.Balances(account)
	dto = BalancesDTO{
		Account:       account,
		Bridged:       bal.Bridged.String(),
		Paired:        bal.Paired.String(),
		TotalSettled:  bal.TotalSettled.String(),
		BridgedTokens: tokenString(bal.Bridged),
		PairedTokens:  tokenString(bal.Paired),
		AsOf:          time.Now().Unix(),
	}
	_ = h.cache.SetBalances(r.Context(), account, dto, h.config.Cache.ReservesCacheTTL)

	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetAccountRequests(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	if account == "" {
		h.writeError(w, http.StatusBadRequest, "EMPTY_ACCOUNT", "account is required")
		return
	}

	recs := h.coordinator.Requests(account)
	dtos := make([]RequestDTO, 0, len(recs))
	for _, rec := range recs {
		dtos = append(dtos, requestDTO(rec))
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// Withdrawal endpoints

func (h *Handler) WithdrawBridged(w http.ResponseWriter, r *http.Request) {
	var body WithdrawDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a base-unit integer")
		return
	}

	returnID, err := h.coordinator.WithdrawBridged(r.Context(), body.Account, amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.invalidateAccount(r.Context(), body.Account)

	h.writeJSON(w, http.StatusOK, WithdrawalReceiptDTO{
		Account:  body.Account,
		Asset:    string(escrow.AssetBridged),
		Amount:   amount.String(),
		ReturnID: returnID.Hex(),
	})
}

func (h *Handler) WithdrawPaired(w http.ResponseWriter, r *http.Request) {
	var body WithdrawDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a base-unit integer")
		return
	}

	instruction, err := h.coordinator.WithdrawPaired(r.Context(), body.Account, amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.invalidateAccount(r.Context(), body.Account)

	h.writeJSON(w, http.StatusOK, WithdrawalReceiptDTO{
		Account: instruction.Account,
		Asset:   string(instruction.Asset),
		Amount:  instruction.Amount.String(),
	})
}

// Pool endpoints

func (h *Handler) GetPoolReserves(w http.ResponseWriter, r *http.Request) {
	var dto PoolReservesDTO
	if err := h.cache.GetPoolReserves(r.Context(), &dto); err == nil {
		h.writeJSON(w, http.StatusOK, dto)
		return
	}

	reserveBridged, reservePaired, err := h.coordinator.PoolReserves(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto = PoolReservesDTO{
		ReserveBridged: reserveBridged.String(),
		ReservePaired:  reservePaired.String(),
		AsOf:           time.Now().Unix(),
	}
	_ = h.cache.SetPoolReserves(r.Context(), dto, h.config.Cache.ReservesCacheTTL)

	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetPreview(w http.ResponseWriter, r *http.Request) {
	bridgedParam := r.URL.Query().Get("bridged")
	pairedParam := r.URL.Query().Get("paired")

	bridged, err := parseAmount(bridgedParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "bridged must be a base-unit integer")
		return
	}
	paired, err := parseAmount(pairedParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "paired must be a base-unit integer")
		return
	}

	var dto PreviewDTO
	if err := h.cache.GetPreview(r.Context(), bridgedParam, pairedParam, &dto); err == nil {
		h.writeJSON(w, http.StatusOK, dto)
		return
	}

	result, err := h.coordinator.Preview(r.Context(), bridged, paired)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto = PreviewDTO{
		ConsumedBridged: result.ConsumedBridged.String(),
		ConsumedPaired:  result.ConsumedPaired.String(),
		EstimatedShares: result.EstimatedShares.String(),
		RefundBridged:   result.RefundBridged.String(),
		RefundPaired:    result.RefundPaired.String(),
		AsOf:            time.Now().Unix(),
	}
	_ = h.cache.SetPreview(r.Context(), bridgedParam, pairedParam, dto, h.config.Cache.ReservesCacheTTL)

	h.writeJSON(w, http.StatusOK, dto)
}

// Lock endpoints

func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lock, err := h.locker.Get(id)
	if err != nil {
		if errors.Is(err, custody.ErrLockNotFound) {
			h.writeError(w, http.StatusNotFound, "LOCK_NOT_FOUND", err.Error())
			return
		}
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lockDTO(lock))
}

// Admin endpoints

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.coordinator.Guard().Pause()
	h.logger.Warnw("Service paused via admin endpoint")
	h.writeJSON(w, http.StatusOK, h.guardState())
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.coordinator.Guard().Resume()
	h.logger.Infow("Service resumed via admin endpoint")
	h.writeJSON(w, http.StatusOK, h.guardState())
}

func (h *Handler) SetMinWithdrawal(w http.ResponseWriter, r *http.Request) {
	var body MinWithdrawalDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a base-unit integer")
		return
	}
	h.coordinator.Guard().SetMinBridgedWithdrawal(amount)
	h.logger.Infow("Minimum bridged withdrawal updated", "amount", amount.String())
	h.writeJSON(w, http.StatusOK, h.guardState())
}

// FinalizeTransfer is the bridge notifier surface: the relayer reports an
// inbound transfer as finalized on the origin chain, unblocking request
// creation for that id.
func (h *Handler) FinalizeTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestIDParam(w, r)
	if !ok {
		return
	}
	h.tracker.MarkFinalized(id)
	h.logger.Infow("Inbound transfer finalized", "requestId", id.Hex())
	h.writeJSON(w, http.StatusOK, FinalizedTransferDTO{ID: id.Hex(), Finalized: true})
}

func (h *Handler) GetGuardState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.guardState())
}

func (h *Handler) guardState() GuardStateDTO {
	guard := h.coordinator.Guard()
	return GuardStateDTO{
		Paused:               guard.Paused(),
		MinBridgedWithdrawal: guard.MinBridgedWithdrawal().String(),
	}
}

// Live updates

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWebSocket(w, r)
}

func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sseHandler.HandleSSE(w, r)
}

// Health endpoints

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// Helpers

func (h *Handler) requestIDParam(w http.ResponseWriter, r *http.Request) (escrow.RequestID, bool) {
	id, err := escrow.RequestIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST_ID", err.Error())
		return escrow.RequestID{}, false
	}
	return id, true
}

func (h *Handler) invalidateAccount(ctx context.Context, account string) {
	if err := h.cache.InvalidateAccount(ctx, account); err != nil {
		h.logger.Warnw("Failed to invalidate balance cache", "account", account, "error", err)
	}
}

func parseOrGenerateID(s string) (escrow.RequestID, error) {
	if s != "" {
		return escrow.RequestIDFromHex(s)
	}
	var id escrow.RequestID
	if _, err := rand.Read(id[:]); err != nil {
		return escrow.RequestID{}, err
	}
	return id, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errors.New("not a base-10 integer")
	}
	return v, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// writeDomainError maps ledger and coordinator errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	h.writeError(w, domainStatus(err), escrow.ErrorCode(err), err.Error())
}

func domainStatus(err error) int {
	switch {
	case errors.Is(err, escrow.ErrRequestNotFound),
		errors.Is(err, custody.ErrLockNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, escrow.ErrAccountBusy),
		errors.Is(err, escrow.ErrRequestExists),
		errors.Is(err, escrow.ErrAlreadyDeposited),
		errors.Is(err, escrow.ErrAlreadyExecuted),
		errors.Is(err, escrow.ErrAlreadyLocked),
		errors.Is(err, escrow.ErrNotDeposited),
		errors.Is(err, escrow.ErrNotExecuted),
		errors.Is(err, escrow.ErrBridgeNotFinalized):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrZeroLockDuration),
		errors.Is(err, escrow.ErrNoPairedReservation),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrBelowMinWithdrawal),
		errors.Is(err, escrow.ErrSlippageTooHigh),
		errors.Is(err, escrow.ErrZeroShares),
		errors.Is(err, escrow.ErrEmptyAccount),
		errors.Is(err, escrow.ErrUnknownAsset):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrEmptyPoolReserve),
		errors.Is(err, escrow.ErrOverConsumption):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
