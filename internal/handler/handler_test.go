package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/rating-system/internal/middleware"
	"github.com/mmeshcher/rating-system/internal/model"
	"github.com/mmeshcher/rating-system/internal/repository"
	"github.com/mmeshcher/rating-system/internal/service"
)

type stubService struct {
	registerCreated bool
	registerErr     error

	claimCreated bool
	claimErr     error

	refreshSubscribed bool
	refreshErr        error

	creditScore int
	creditErr   error

	orderRes *service.OrderResult
	orderErr error

	resyncReport *model.ResyncReport
	resyncErr    error

	score    int
	scoreErr error

	rank    int
	rankErr error

	topN    []model.LeaderboardEntry
	topNErr error

	history    []model.Action
	historyErr error

	stats []model.ActionStat

	referralInfo *model.ReferralInfo
	referralErr  error

	exportRows []model.ExportRow
	exportErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, userID int64, handle, name string) (bool, error) {
	return s.registerCreated, s.registerErr
}

func (s *stubService) ClaimReferral(ctx context.Context, newUserID int64, code string) (bool, error) {
	return s.claimCreated, s.claimErr
}

func (s *stubService) GetSubscriptionStatus(ctx context.Context, userID int64) (bool, error) {
	return s.refreshSubscribed, s.refreshErr
}

func (s *stubService) RefreshSubscription(ctx context.Context, userID int64) (bool, error) {
	return s.refreshSubscribed, s.refreshErr
}

func (s *stubService) Credit(ctx context.Context, userID int64, kind model.ActionKind, count int, details string) (int, error) {
	return s.creditScore, s.creditErr
}

func (s *stubService) RecordOrder(ctx context.Context, userID int64, purchased, created int) (*service.OrderResult, error) {
	return s.orderRes, s.orderErr
}

func (s *stubService) RetryOrder(ctx context.Context, orderID int64) (*service.OrderResult, error) {
	return s.orderRes, s.orderErr
}

func (s *stubService) ResyncAll(ctx context.Context) (*model.ResyncReport, error) {
	return s.resyncReport, s.resyncErr
}

func (s *stubService) GetScore(ctx context.Context, userID int64) (int, error) {
	return s.score, s.scoreErr
}

func (s *stubService) GetRank(ctx context.Context, userID int64) (int, error) {
	return s.rank, s.rankErr
}

func (s *stubService) GetTopN(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	return s.topN, s.topNErr
}

func (s *stubService) GetActionHistory(ctx context.Context, userID int64) ([]model.Action, error) {
	return s.history, s.historyErr
}

func (s *stubService) GetActionStats(ctx context.Context, userID int64) ([]model.ActionStat, error) {
	return s.stats, nil
}

func (s *stubService) GetReferralInfo(ctx context.Context, userID int64) (*model.ReferralInfo, error) {
	return s.referralInfo, s.referralErr
}

func (s *stubService) ExportSnapshot(ctx context.Context) ([]model.ExportRow, error) {
	return s.exportRows, s.exportErr
}

func newTestRouter(t *testing.T, svc Service, adminToken string) *chi.Mux {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	h := NewHandler(svc, logger)
	return h.SetupRouter(middleware.NewAdminAuth(adminToken))
}

func TestRegisterUser_Created(t *testing.T) {
	svc := &stubService{registerCreated: true}
	r := newTestRouter(t, svc, "secret")

	body, _ := json.Marshal(registerRequest{UserID: 42, Handle: "user", Name: "User"})

	req := httptest.NewRequest(http.MethodPost, "/api/users", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestRegisterUser_BadBody(t *testing.T) {
	r := newTestRouter(t, &stubService{}, "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/users", bytes.NewReader([]byte(`{"user_id": -1}`)))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetRank_NotRanked(t *testing.T) {
	svc := &stubService{rankErr: repository.ErrNotRanked}
	r := newTestRouter(t, svc, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/users/7/rank", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestGetScore_UserNotFound(t *testing.T) {
	svc := &stubService{scoreErr: repository.ErrUserNotFound}
	r := newTestRouter(t, svc, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/users/7/score", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestClaimReferral_Duplicate(t *testing.T) {
	svc := &stubService{claimCreated: false}
	r := newTestRouter(t, svc, "secret")

	body, _ := json.Marshal(claimReferralRequest{UserID: 2, ReferralCode: "ref_1"})

	req := httptest.NewRequest(http.MethodPost, "/api/referrals/claim", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["created"] {
		t.Fatalf("duplicate claim must report created=false")
	}
}

func TestClaimReferral_SelfReferral(t *testing.T) {
	svc := &stubService{claimErr: repository.ErrSelfReferral}
	r := newTestRouter(t, svc, "secret")

	body, _ := json.Marshal(claimReferralRequest{UserID: 1, ReferralCode: "ref_1"})

	req := httptest.NewRequest(http.MethodPost, "/api/referrals/claim", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestGetLeaderboard_NoContent(t *testing.T) {
	r := newTestRouter(t, &stubService{}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestAdmin_Unauthorized(t *testing.T) {
	r := newTestRouter(t, &stubService{}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/admin/export", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestExport_CSV(t *testing.T) {
	svc := &stubService{
		exportRows: []model.ExportRow{
			{Rank: 1, UserID: 1, Name: "Alice", Score: 3, Subscribed: true},
			{UserID: 2, Name: "Bob", Score: 0},
		},
	}
	r := newTestRouter(t, svc, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/admin/export?format=csv", nil)
	req.Header.Set("X-Admin-Token", "secret")
	req.Header.Set("Accept-Encoding", "identity")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content-type = %q, want text/csv", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Alice")) {
		t.Fatalf("csv body must contain exported rows: %q", rec.Body.String())
	}
}

func TestRecordOrder_InvalidCount(t *testing.T) {
	svc := &stubService{orderErr: service.ErrInvalidCount}
	r := newTestRouter(t, svc, "secret")

	body, _ := json.Marshal(recordOrderRequest{UserID: 1, Purchased: -1})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/orders", bytes.NewReader(body))
	req.Header.Set("X-Admin-Token", "secret")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestResync_ReturnsReport(t *testing.T) {
	svc := &stubService{
		resyncReport: &model.ResyncReport{Checked: 5, Subscribed: 3, Failed: 1},
	}
	r := newTestRouter(t, svc, "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/admin/resync", nil)
	req.Header.Set("X-Admin-Token", "secret")
	req.Header.Set("Accept-Encoding", "identity")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var rep model.ResyncReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Checked != 5 || rep.Failed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}
