// Package service реализует бизнес-логику системы рейтинга.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/rating-system/internal/model"
	"github.com/mmeshcher/rating-system/internal/repository"
	"github.com/mmeshcher/rating-system/internal/validation"
)

// ErrInvalidActionKind возвращается при начислении за неизвестный тип действия.
var (
	ErrInvalidActionKind = errors.New("invalid action kind")
	// ErrInvalidCount возвращается при неположительном количестве действий.
	ErrInvalidCount = errors.New("count must be positive")
	// ErrInvalidReferralCode возвращается при некорректном реферальном коде.
	ErrInvalidReferralCode = errors.New("invalid referral code")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, userID int64, handle, name string) (bool, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	Credit(ctx context.Context, userID int64, kind model.ActionKind, points int, details string) (int, error)
	CreditOnce(ctx context.Context, userID int64, kind model.ActionKind, points int, details string) (bool, error)
	GetScore(ctx context.Context, userID int64) (int, error)
	GetActionHistory(ctx context.Context, userID int64) ([]model.Action, error)
	GetActionStats(ctx context.Context, userID int64) ([]model.ActionStat, error)
	CreateReferralEdge(ctx context.Context, referrerID, referralID int64) (bool, error)
	PendingEdgesByReferral(ctx context.Context, referralID int64) ([]model.ReferralEdge, error)
	PendingEdgesByReferrer(ctx context.Context, referrerID int64) ([]model.ReferralEdge, error)
	ActivateReferralEdge(ctx context.Context, referrerID, referralID int64, points int, details string) (bool, error)
	SetSubscription(ctx context.Context, userID int64, subscribed bool) (bool, error)
	GetRank(ctx context.Context, userID int64) (int, error)
	GetTopN(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	GetReferralInfo(ctx context.Context, userID int64) (*model.ReferralInfo, error)
	ExportSnapshot(ctx context.Context) ([]model.ExportRow, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	CreateOrder(ctx context.Context, userID int64, purchased, created int) (int64, error)
	CreditOrderPart(ctx context.Context, orderID int64, part repository.OrderPart, pointsPerUnit int, details string) (bool, error)
}

// MembershipChecker описывает контракт внешнего сервиса проверки членства.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID int64) (bool, error)
	ListMembers(ctx context.Context, pageSize int) ([]int64, error)
}

// Service содержит бизнес-логику системы рейтинга.
type Service struct {
	repo       Repository
	membership MembershipChecker
	points     model.PointTable
	logger     *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием, клиентом
// сервиса членства и таблицей баллов.
func NewService(repo Repository, membership MembershipChecker, points model.PointTable, logger *zap.Logger) *Service {
	if points == nil {
		points = model.DefaultPointTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:       repo,
		membership: membership,
		points:     points,
		logger:     logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) pointValue(kind model.ActionKind) (int, error) {
	v, ok := s.points[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidActionKind, kind)
	}
	return v, nil
}

// RegisterUser регистрирует пользователя при первом контакте.
// Повторный вызов ничего не меняет и возвращает created=false.
func (s *Service) RegisterUser(ctx context.Context, userID int64, handle, name string) (bool, error) {
	if userID <= 0 {
		return false, fmt.Errorf("%w: user id must be positive", ErrInvalidCount)
	}
	return s.repo.CreateUser(ctx, userID, handle, name)
}

// Credit начисляет пользователю баллы за count действий указанного типа.
func (s *Service) Credit(ctx context.Context, userID int64, kind model.ActionKind, count int, details string) (int, error) {
	if count <= 0 {
		return 0, ErrInvalidCount
	}

	value, err := s.pointValue(kind)
	if err != nil {
		return 0, err
	}

	return s.repo.Credit(ctx, userID, kind, value*count, details)
}

// ClaimReferral регистрирует использование реферального кода новым пользователем.
// Ребро остаётся неактивным до подтверждения подписки приглашённого:
// сам факт перехода по ссылке баллов не приносит.
func (s *Service) ClaimReferral(ctx context.Context, newUserID int64, code string) (bool, error) {
	referrerID, ok := validation.ParseReferralCode(code)
	if !ok {
		return false, ErrInvalidReferralCode
	}

	if referrerID == newUserID {
		return false, repository.ErrSelfReferral
	}

	return s.repo.CreateReferralEdge(ctx, referrerID, newUserID)
}

// GetSubscriptionStatus возвращает сохранённый статус подписки без обращения
// к внешнему сервису. Чистое чтение: переходы выполняет только RefreshSubscription.
func (s *Service) GetSubscriptionStatus(ctx context.Context, userID int64) (bool, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Subscribed, nil
}

// RefreshSubscription сверяет статус подписки пользователя с внешним сервисом
// и применяет переходы: начисление за подписку при её появлении и активацию
// ожидающих реферальных рёбер с обеих сторон. Потеря подписки не отменяет
// ранее начисленные баллы.
func (s *Service) RefreshSubscription(ctx context.Context, userID int64) (bool, error) {
	if s.membership == nil {
		return false, errors.New("membership client not configured")
	}

	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}

	member, err := s.membership.IsMember(ctx, userID)
	if err != nil {
		// Сбой внешнего сервиса не меняет состояние: статус уточнится
		// при следующей сверке.
		s.logger.Warn("membership check failed",
			zap.Int64("userID", userID), zap.Error(err))
		return u.Subscribed, err
	}

	if _, err := s.repo.SetSubscription(ctx, userID, member); err != nil {
		return u.Subscribed, err
	}

	if !member {
		return false, nil
	}

	value, err := s.pointValue(model.ActionSubscription)
	if err != nil {
		return true, err
	}

	credited, err := s.repo.CreditOnce(ctx, userID, model.ActionSubscription, value, "channel subscription confirmed")
	if err != nil {
		return true, fmt.Errorf("credit subscription: %w", err)
	}
	if credited {
		s.logger.Info("subscription credited", zap.Int64("userID", userID))
	}

	if err := s.resolvePendingEdges(ctx, userID); err != nil {
		return true, err
	}

	return true, nil
}

// resolvePendingEdges активирует ожидающие рёбра пользователя: те, где он
// приглашённый, и те, где он пригласивший. Ребро активируется, только когда
// обе стороны подписаны; начисление получает пригласивший ровно один раз.
func (s *Service) resolvePendingEdges(ctx context.Context, userID int64) error {
	value, err := s.pointValue(model.ActionReferral)
	if err != nil {
		return err
	}

	asReferral, err := s.repo.PendingEdgesByReferral(ctx, userID)
	if err != nil {
		return fmt.Errorf("pending edges by referral: %w", err)
	}

	asReferrer, err := s.repo.PendingEdgesByReferrer(ctx, userID)
	if err != nil {
		return fmt.Errorf("pending edges by referrer: %w", err)
	}

	for _, e := range append(asReferral, asReferrer...) {
		other := e.ReferrerID
		if other == userID {
			other = e.ReferralID
		}

		otherUser, err := s.repo.GetUser(ctx, other)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				continue
			}
			return err
		}
		if !otherUser.Subscribed {
			continue
		}

		details := fmt.Sprintf("referral %d activated", e.ReferralID)
		activated, err := s.repo.ActivateReferralEdge(ctx, e.ReferrerID, e.ReferralID, value, details)
		if err != nil {
			return fmt.Errorf("activate referral edge: %w", err)
		}
		if activated {
			s.logger.Info("referral activated",
				zap.Int64("referrerID", e.ReferrerID), zap.Int64("referralID", e.ReferralID))
		}
	}

	return nil
}

// ResyncAll сверяет подписки всех известных пользователей и регистрирует
// участников канала, о которых система ещё не знает. Сбой по одному
// пользователю попадает в отчёт и не прерывает сверку остальных.
func (s *Service) ResyncAll(ctx context.Context) (*model.ResyncReport, error) {
	if s.membership == nil {
		return nil, errors.New("membership client not configured")
	}

	report := &model.ResyncReport{Errors: map[int64]string{}}

	members, err := s.membership.ListMembers(ctx, 100)
	if err != nil {
		// Частичный список всё равно обрабатывается.
		s.logger.Warn("member enumeration incomplete", zap.Error(err))
	}

	for _, id := range members {
		if _, err := s.repo.CreateUser(ctx, id, "", ""); err != nil {
			report.Failed++
			report.Errors[id] = err.Error()
		}
	}

	ids, err := s.repo.ListUserIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list users: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		subscribed, err := s.RefreshSubscription(ctx, id)
		if err != nil {
			report.Failed++
			report.Errors[id] = err.Error()
			continue
		}

		report.Checked++
		if subscribed {
			report.Subscribed++
		}
	}

	return report, nil
}

// OrderResult описывает итог внесения заказа.
type OrderResult struct {
	OrderID          int64 `json:"order_id"`
	PurchaseCredited bool  `json:"purchase_credited"`
	CreationCredited bool  `json:"creation_credited"`
}

// RecordOrder сохраняет внесённый администратором заказ и начисляет баллы
// за покупки и созданные книги. Каждая половина начисляется независимо и
// ровно один раз: частично завершённый заказ можно дообработать через RetryOrder.
func (s *Service) RecordOrder(ctx context.Context, userID int64, purchased, created int) (*OrderResult, error) {
	if purchased < 0 || created < 0 {
		return nil, fmt.Errorf("%w: counts must be non-negative", ErrInvalidCount)
	}
	if purchased == 0 && created == 0 {
		return nil, fmt.Errorf("%w: order is empty", ErrInvalidCount)
	}

	orderID, err := s.repo.CreateOrder(ctx, userID, purchased, created)
	if err != nil {
		return nil, err
	}

	res := &OrderResult{OrderID: orderID}
	if err := s.creditOrderParts(ctx, res); err != nil {
		return res, err
	}

	return res, nil
}

// RetryOrder повторяет начисление непроведённых половин заказа.
func (s *Service) RetryOrder(ctx context.Context, orderID int64) (*OrderResult, error) {
	res := &OrderResult{OrderID: orderID}
	if err := s.creditOrderParts(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) creditOrderParts(ctx context.Context, res *OrderResult) error {
	purchaseValue, err := s.pointValue(model.ActionBookPurchase)
	if err != nil {
		return err
	}
	creationValue, err := s.pointValue(model.ActionBookCreation)
	if err != nil {
		return err
	}

	details := fmt.Sprintf("order %d", res.OrderID)

	res.PurchaseCredited, err = s.repo.CreditOrderPart(ctx, res.OrderID, repository.OrderPartPurchase, purchaseValue, details)
	if err != nil {
		return fmt.Errorf("credit purchase: %w", err)
	}

	res.CreationCredited, err = s.repo.CreditOrderPart(ctx, res.OrderID, repository.OrderPartCreation, creationValue, details)
	if err != nil {
		return fmt.Errorf("credit creation: %w", err)
	}

	return nil
}

// GetScore возвращает текущий баланс пользователя.
func (s *Service) GetScore(ctx context.Context, userID int64) (int, error) {
	return s.repo.GetScore(ctx, userID)
}

// GetRank возвращает позицию пользователя среди подписанных участников.
func (s *Service) GetRank(ctx context.Context, userID int64) (int, error) {
	return s.repo.GetRank(ctx, userID)
}

// GetTopN возвращает таблицу лидеров. Неположительный limit заменяется
// значением по умолчанию (10 строк).
func (s *Service) GetTopN(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.repo.GetTopN(ctx, limit)
}

// GetActionHistory возвращает журнал действий пользователя.
func (s *Service) GetActionHistory(ctx context.Context, userID int64) ([]model.Action, error) {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.GetActionHistory(ctx, userID)
}

// GetActionStats возвращает агрегаты действий пользователя по типам.
func (s *Service) GetActionStats(ctx context.Context, userID int64) ([]model.ActionStat, error) {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.GetActionStats(ctx, userID)
}

// GetReferralInfo возвращает сводку реферальной программы пользователя.
func (s *Service) GetReferralInfo(ctx context.Context, userID int64) (*model.ReferralInfo, error) {
	return s.repo.GetReferralInfo(ctx, userID)
}

// ExportSnapshot возвращает полную выгрузку рейтинга.
func (s *Service) ExportSnapshot(ctx context.Context) ([]model.ExportRow, error) {
	return s.repo.ExportSnapshot(ctx)
}

// StartPeriodicResync запускает фоновую сверку подписок с указанным интервалом.
func (s *Service) StartPeriodicResync(ctx context.Context, interval time.Duration) {
	if s.membership == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := s.ResyncAll(ctx)
				if err != nil {
					s.logger.Error("resync failed", zap.Error(err))
					continue
				}
				s.logger.Info("resync finished",
					zap.Int("checked", report.Checked),
					zap.Int("subscribed", report.Subscribed),
					zap.Int("failed", report.Failed))
			}
		}
	}()
}
