// Package handler содержит HTTP-обработчики API системы рейтинга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/rating-system/internal/membership"
	"github.com/mmeshcher/rating-system/internal/model"
	"github.com/mmeshcher/rating-system/internal/report"
	"github.com/mmeshcher/rating-system/internal/repository"
	"github.com/mmeshcher/rating-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, userID int64, handle, name string) (bool, error)
	ClaimReferral(ctx context.Context, newUserID int64, code string) (bool, error)
	GetSubscriptionStatus(ctx context.Context, userID int64) (bool, error)
	RefreshSubscription(ctx context.Context, userID int64) (bool, error)
	Credit(ctx context.Context, userID int64, kind model.ActionKind, count int, details string) (int, error)
	RecordOrder(ctx context.Context, userID int64, purchased, created int) (*service.OrderResult, error)
	RetryOrder(ctx context.Context, orderID int64) (*service.OrderResult, error)
	ResyncAll(ctx context.Context) (*model.ResyncReport, error)
	GetScore(ctx context.Context, userID int64) (int, error)
	GetRank(ctx context.Context, userID int64) (int, error)
	GetTopN(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	GetActionHistory(ctx context.Context, userID int64) ([]model.Action, error)
	GetActionStats(ctx context.Context, userID int64) ([]model.ActionStat, error)
	GetReferralInfo(ctx context.Context, userID int64) (*model.ReferralInfo, error)
	ExportSnapshot(ctx context.Context) ([]model.ExportRow, error)
}

// Handler реализует HTTP-обработчики API системы рейтинга.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type registerRequest struct {
	UserID int64  `json:"user_id"`
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

// RegisterUser регистрирует пользователя при первом контакте.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.RegisterUser(r.Context(), req.UserID, req.Handle, req.Name)
	if err != nil {
		h.logger.Error("register user error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	h.writeJSON(w, status, map[string]any{"user_id": req.UserID, "created": created})
}

// GetScore возвращает текущий баланс пользователя.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	score, err := h.service.GetScore(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get score error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "score": score})
}

// GetRank возвращает позицию пользователя в рейтинге.
// Пользователь без подписки в рейтинге не участвует.
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rank, err := h.service.GetRank(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrNotRanked):
			h.writeJSON(w, http.StatusConflict, map[string]any{"user_id": userID, "error": "not ranked"})
		default:
			h.logger.Error("get rank error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "rank": rank})
}

type actionResponse struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Points    int    `json:"points"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at"`
}

type historyResponse struct {
	Actions []actionResponse   `json:"actions"`
	Stats   []model.ActionStat `json:"stats"`
}

// GetHistory возвращает журнал действий пользователя и агрегаты по типам.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	actions, err := h.service.GetActionHistory(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get history error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(actions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	stats, err := h.service.GetActionStats(r.Context(), userID)
	if err != nil {
		h.logger.Error("get stats error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := historyResponse{
		Actions: make([]actionResponse, 0, len(actions)),
		Stats:   stats,
	}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, actionResponse{
			ID:        a.ID,
			Kind:      string(a.Kind),
			Points:    a.Points,
			Details:   a.Details,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetReferralInfo возвращает сводку реферальной программы пользователя.
func (h *Handler) GetReferralInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	info, err := h.service.GetReferralInfo(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get referral info error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, info)
}

// GetSubscriptionStatus возвращает сохранённый статус подписки без побочных эффектов.
func (h *Handler) GetSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	subscribed, err := h.service.GetSubscriptionStatus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get subscription status error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "subscribed": subscribed})
}

// RefreshSubscription сверяет статус подписки пользователя с внешним сервисом.
func (h *Handler) RefreshSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	subscribed, err := h.service.RefreshSubscription(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, membership.ErrUnavailable):
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("refresh subscription error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "subscribed": subscribed})
}

type claimReferralRequest struct {
	UserID       int64  `json:"user_id"`
	ReferralCode string `json:"referral_code"`
}

// ClaimReferral регистрирует использование реферального кода.
func (h *Handler) ClaimReferral(w http.ResponseWriter, r *http.Request) {
	var req claimReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.ClaimReferral(r.Context(), req.UserID, req.ReferralCode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidReferralCode), errors.Is(err, repository.ErrSelfReferral):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("claim referral error", zap.Error(err), zap.Int64("userID", req.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

// GetLeaderboard возвращает таблицу лидеров среди подписанных участников.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := h.service.GetTopN(r.Context(), limit)
	if err != nil {
		h.logger.Error("get leaderboard error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

type creditRequest struct {
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"`
	Count   int    `json:"count"`
	Details string `json:"details"`
}

// Credit начисляет баллы вручную (административная операция).
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	newScore, err := h.service.Credit(r.Context(), req.UserID, model.ActionKind(req.Kind), req.Count, req.Details)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidActionKind), errors.Is(err, service.ErrInvalidCount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("credit error", zap.Error(err), zap.Int64("userID", req.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "score": newScore})
}

type recordOrderRequest struct {
	UserID    int64 `json:"user_id"`
	Purchased int   `json:"purchased"`
	Created   int   `json:"created"`
}

// RecordOrder вносит заказ и начисляет баллы за покупки и созданные книги.
func (h *Handler) RecordOrder(w http.ResponseWriter, r *http.Request) {
	var req recordOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.RecordOrder(r.Context(), req.UserID, req.Purchased, req.Created)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("record order error", zap.Error(err), zap.Int64("userID", req.UserID))
			// Заказ мог быть создан с непроведёнными половинами:
			// возвращаем идентификатор для повторной обработки.
			if res != nil {
				h.writeJSON(w, http.StatusInternalServerError, res)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// RetryOrder повторяет начисление непроведённых половин заказа.
func (h *Handler) RetryOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.RetryOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("retry order error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// Export возвращает полную выгрузку рейтинга в JSON или CSV.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.ExportSnapshot(r.Context())
	if err != nil {
		h.logger.Error("export error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		data, err := report.WriteCSV(rows)
		if err != nil {
			h.logger.Error("export csv error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="rating.csv"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	h.writeJSON(w, http.StatusOK, rows)
}

// Resync запускает массовую сверку подписок и возвращает отчёт.
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	reportRes, err := h.service.ResyncAll(r.Context())
	if err != nil {
		h.logger.Error("resync error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, reportRes)
}
