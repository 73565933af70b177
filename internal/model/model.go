// Package model содержит доменные сущности системы рейтинга.
package model

import "time"

// ActionKind описывает тип действия, за которое начисляются баллы.
type ActionKind string

const (
	ActionSubscription ActionKind = "subscription"
	ActionReferral     ActionKind = "referral"
	ActionComment      ActionKind = "comment"
	ActionBookPurchase ActionKind = "book_purchase"
	ActionBookCreation ActionKind = "book_creation"
)

// PointTable задаёт стоимость каждого типа действия в баллах.
// Таблица передаётся движку при создании и не зашита в логику начислений.
type PointTable map[ActionKind]int

// DefaultPointTable возвращает таблицу баллов по умолчанию.
func DefaultPointTable() PointTable {
	return PointTable{
		ActionSubscription: 1,
		ActionReferral:     2,
		ActionComment:      1,
		ActionBookPurchase: 5,
		ActionBookCreation: 7,
	}
}

// User представляет участника системы рейтинга.
type User struct {
	ID           int64
	Handle       string
	Name         string
	Score        int
	ReferralCode string
	Subscribed   bool
	SubscribedAt *time.Time
	CreatedAt    time.Time
}

// Action представляет одну запись журнала начислений.
// Записи никогда не изменяются и не удаляются после вставки.
type Action struct {
	ID        int64
	UserID    int64
	Kind      ActionKind
	Points    int
	Details   string
	CreatedAt time.Time
}

// ActionStat содержит агрегат по одному типу действий пользователя.
type ActionStat struct {
	Kind   ActionKind `json:"kind"`
	Count  int        `json:"count"`
	Points int        `json:"points"`
}

// ReferralEdge описывает связь «пригласивший — приглашённый».
// Ребро создаётся при использовании реферального кода и активируется
// ровно один раз, когда подтверждается подписка приглашённого.
type ReferralEdge struct {
	ReferrerID int64
	ReferralID int64
	Activated  bool
	CreatedAt  time.Time
}

// ReferralInfo содержит сводку реферальной программы пользователя.
type ReferralInfo struct {
	ReferralCode       string `json:"referral_code"`
	ActivatedReferrals int    `json:"activated_referrals"`
	ReferralPoints     int    `json:"referral_points"`
}

// Order представляет внесённый администратором факт покупки и создания книг.
type Order struct {
	ID        int64
	UserID    int64
	Purchased int
	Created   int
	CreatedAt time.Time
}

// LeaderboardEntry описывает строку таблицы лидеров.
type LeaderboardEntry struct {
	UserID int64  `json:"user_id"`
	Handle string `json:"handle,omitempty"`
	Name   string `json:"name,omitempty"`
	Score  int    `json:"score"`
}

// ExportRow описывает одну строку полной выгрузки рейтинга.
// Rank равен нулю для пользователей без подписки: они не участвуют
// в рейтинге, но входят в выгрузку последними.
type ExportRow struct {
	Rank          int    `json:"rank"`
	UserID        int64  `json:"user_id"`
	Handle        string `json:"handle,omitempty"`
	Name          string `json:"name,omitempty"`
	Score         int    `json:"score"`
	ReferralCount int    `json:"referral_count"`
	Subscribed    bool   `json:"subscribed"`
	Purchased     int    `json:"purchased"`
	Created       int    `json:"created"`
}

// ResyncReport содержит итог массовой сверки подписок.
// Ошибки отдельных пользователей собираются, а не прерывают сверку.
type ResyncReport struct {
	Checked    int              `json:"checked"`
	Subscribed int              `json:"subscribed"`
	Failed     int              `json:"failed"`
	Errors     map[int64]string `json:"errors,omitempty"`
}
