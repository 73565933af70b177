// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/rating-system/internal/model"
	"github.com/mmeshcher/rating-system/internal/validation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не зарегистрирован.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrNotRanked возвращается для пользователей без подписки: они не участвуют в рейтинге.
	ErrNotRanked = errors.New("user is not ranked")
	// ErrSelfReferral возвращается при попытке привязать пользователя к самому себе.
	ErrSelfReferral = errors.New("self-referral is not allowed")
)

// OrderPart указывает, какая половина заказа начисляется: покупки или созданные книги.
type OrderPart string

const (
	OrderPartPurchase OrderPart = "purchase"
	OrderPartCreation OrderPart = "creation"
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при сбоях сериализации и дедлоках.
// Остальные ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser регистрирует пользователя при первом контакте.
// Повторная регистрация не изменяет данные и возвращает created=false.
func (r *PostgresRepository) CreateUser(ctx context.Context, userID int64, handle, name string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO users (user_id, handle, name, referral_code)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, handle, name, validation.ReferralCode(userID),
	)
	if err != nil {
		return false, fmt.Errorf("create user: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, handle, name, score, referral_code, subscribed, subscribed_at, created_at
		 FROM users WHERE user_id = $1`,
		userID,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Handle, &u.Name, &u.Score, &u.ReferralCode, &u.Subscribed, &u.SubscribedAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// creditTx выполняет начисление внутри открытой транзакции: блокирует строку
// пользователя, увеличивает баланс и добавляет запись в журнал действий.
// Баланс и журнал меняются строго вместе.
func creditTx(ctx context.Context, tx pgx.Tx, userID int64, kind model.ActionKind, points int, details string) (int, error) {
	var newScore int
	err := tx.QueryRow(ctx,
		`UPDATE users SET score = score + $2 WHERE user_id = $1 RETURNING score`,
		userID, points,
	).Scan(&newScore)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("update score: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO actions (user_id, kind, points, details) VALUES ($1, $2, $3, $4)`,
		userID, string(kind), points, details,
	)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}

	return newScore, nil
}

// Credit начисляет пользователю баллы и записывает действие в журнал одной транзакцией.
func (r *PostgresRepository) Credit(ctx context.Context, userID int64, kind model.ActionKind, points int, details string) (int, error) {
	var newScore int

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		newScore, err = creditTx(ctx, tx, userID, kind, points, details)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})

	return newScore, err
}

// CreditOnce начисляет баллы, только если у пользователя ещё нет действия
// указанного типа. Используется для одноразового начисления за подписку.
func (r *PostgresRepository) CreditOnce(ctx context.Context, userID int64, kind model.ActionKind, points int, details string) (bool, error) {
	var credited bool

	err := r.withRetry(ctx, func() error {
		credited = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка строки пользователя сериализует конкурентные проверки.
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM actions WHERE user_id = $1 AND kind = $2)
			 FROM users WHERE user_id = $1 FOR UPDATE`,
			userID, string(kind),
		).Scan(&exists)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("check prior action: %w", err)
		}

		if exists {
			return tx.Commit(ctx)
		}

		if _, err := creditTx(ctx, tx, userID, kind, points, details); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		credited = true
		return nil
	})

	return credited, err
}

// GetScore возвращает текущий баланс пользователя.
func (r *PostgresRepository) GetScore(ctx context.Context, userID int64) (int, error) {
	var score int
	err := r.pool.QueryRow(ctx, `SELECT score FROM users WHERE user_id = $1`, userID).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get score: %w", err)
	}
	return score, nil
}

// GetActionHistory возвращает журнал действий пользователя в порядке вставки.
func (r *PostgresRepository) GetActionHistory(ctx context.Context, userID int64) ([]model.Action, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, points, details, created_at
		 FROM actions
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select actions: %w", err)
	}
	defer rows.Close()

	var res []model.Action
	for rows.Next() {
		var a model.Action
		var kind string
		if err := rows.Scan(&a.ID, &a.UserID, &kind, &a.Points, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Kind = model.ActionKind(kind)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetActionStats возвращает агрегаты действий пользователя по типам.
func (r *PostgresRepository) GetActionStats(ctx context.Context, userID int64) ([]model.ActionStat, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT kind, COUNT(*), COALESCE(SUM(points), 0)
		 FROM actions
		 WHERE user_id = $1
		 GROUP BY kind
		 ORDER BY kind`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select action stats: %w", err)
	}
	defer rows.Close()

	var res []model.ActionStat
	for rows.Next() {
		var s model.ActionStat
		var kind string
		if err := rows.Scan(&kind, &s.Count, &s.Points); err != nil {
			return nil, fmt.Errorf("scan action stat: %w", err)
		}
		s.Kind = model.ActionKind(kind)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateReferralEdge создаёт ребро «пригласивший — приглашённый».
// Повторная регистрация той же пары возвращает created=false без побочных эффектов.
func (r *PostgresRepository) CreateReferralEdge(ctx context.Context, referrerID, referralID int64) (bool, error) {
	if referrerID == referralID {
		return false, ErrSelfReferral
	}

	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO referral_edges (referrer_id, referral_id)
		 VALUES ($1, $2)
		 ON CONFLICT (referrer_id, referral_id) DO NOTHING`,
		referrerID, referralID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				return false, ErrUserNotFound
			case pgerrcode.CheckViolation:
				return false, ErrSelfReferral
			}
		}
		return false, fmt.Errorf("insert referral edge: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// PendingEdgesByReferral возвращает неактивированные рёбра, где пользователь — приглашённый.
func (r *PostgresRepository) PendingEdgesByReferral(ctx context.Context, referralID int64) ([]model.ReferralEdge, error) {
	return r.selectPendingEdges(ctx, `referral_id = $1`, referralID)
}

// PendingEdgesByReferrer возвращает неактивированные рёбра, где пользователь — пригласивший.
func (r *PostgresRepository) PendingEdgesByReferrer(ctx context.Context, referrerID int64) ([]model.ReferralEdge, error) {
	return r.selectPendingEdges(ctx, `referrer_id = $1`, referrerID)
}

func (r *PostgresRepository) selectPendingEdges(ctx context.Context, cond string, id int64) ([]model.ReferralEdge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT referrer_id, referral_id, activated, created_at
		 FROM referral_edges
		 WHERE NOT activated AND `+cond+`
		 ORDER BY created_at`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending edges: %w", err)
	}
	defer rows.Close()

	var res []model.ReferralEdge
	for rows.Next() {
		var e model.ReferralEdge
		if err := rows.Scan(&e.ReferrerID, &e.ReferralID, &e.Activated, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ActivateReferralEdge активирует ребро и начисляет баллы пригласившему
// одной транзакцией. Условие NOT activated гарантирует ровно одно
// начисление за ребро при любом числе конкурентных вызовов.
func (r *PostgresRepository) ActivateReferralEdge(ctx context.Context, referrerID, referralID int64, points int, details string) (bool, error) {
	var activated bool

	err := r.withRetry(ctx, func() error {
		activated = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE referral_edges SET activated = TRUE
			 WHERE referrer_id = $1 AND referral_id = $2 AND NOT activated`,
			referrerID, referralID,
		)
		if err != nil {
			return fmt.Errorf("activate edge: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return tx.Commit(ctx)
		}

		if _, err := creditTx(ctx, tx, referrerID, model.ActionReferral, points, details); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		activated = true
		return nil
	})

	return activated, err
}

// SetSubscription сохраняет статус подписки и возвращает признак того,
// что статус изменился. При появлении подписки фиксируется момент подтверждения.
func (r *PostgresRepository) SetSubscription(ctx context.Context, userID int64, subscribed bool) (bool, error) {
	var cmdTag pgconn.CommandTag
	var err error

	if subscribed {
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE users SET subscribed = TRUE, subscribed_at = now()
			 WHERE user_id = $1 AND NOT subscribed`,
			userID,
		)
	} else {
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE users SET subscribed = FALSE
			 WHERE user_id = $1 AND subscribed`,
			userID,
		)
	}
	if err != nil {
		return false, fmt.Errorf("set subscription: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// GetRank возвращает позицию пользователя среди подписанных участников:
// единица плюс число подписанных со строго большим счётом. Пользователи
// с равным счётом делят одну позицию; порядок в списках при этом
// детерминирован (score DESC, user_id ASC).
func (r *PostgresRepository) GetRank(ctx context.Context, userID int64) (int, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	if !u.Subscribed {
		return 0, ErrNotRanked
	}

	var rank int
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) + 1 FROM users WHERE subscribed AND score > $1`,
		u.Score,
	).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("count higher scores: %w", err)
	}

	return rank, nil
}

// GetTopN возвращает первые limit строк таблицы лидеров среди подписанных.
func (r *PostgresRepository) GetTopN(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, handle, name, score
		 FROM users
		 WHERE subscribed
		 ORDER BY score DESC, user_id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Handle, &e.Name, &e.Score); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetReferralInfo возвращает сводку реферальной программы пользователя.
func (r *PostgresRepository) GetReferralInfo(ctx context.Context, userID int64) (*model.ReferralInfo, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	info := &model.ReferralInfo{ReferralCode: u.ReferralCode}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referral_edges WHERE referrer_id = $1 AND activated`,
		userID,
	).Scan(&info.ActivatedReferrals)
	if err != nil {
		return nil, fmt.Errorf("count activated referrals: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM actions WHERE user_id = $1 AND kind = $2`,
		userID, string(model.ActionReferral),
	).Scan(&info.ReferralPoints)
	if err != nil {
		return nil, fmt.Errorf("sum referral points: %w", err)
	}

	return info, nil
}

// ExportSnapshot возвращает полную выгрузку рейтинга по всем пользователям.
// Подписанные идут первыми в порядке рейтинга, остальные — после них без позиции.
func (r *PostgresRepository) ExportSnapshot(ctx context.Context) ([]model.ExportRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.user_id, u.handle, u.name, u.score, u.subscribed,
		        COALESCE(re.cnt, 0), COALESCE(o.purchased, 0), COALESCE(o.created, 0)
		 FROM users u
		 LEFT JOIN (
		     SELECT referrer_id, COUNT(*) AS cnt
		     FROM referral_edges WHERE activated GROUP BY referrer_id
		 ) re ON re.referrer_id = u.user_id
		 LEFT JOIN (
		     SELECT user_id, SUM(purchased) AS purchased, SUM(created) AS created
		     FROM orders GROUP BY user_id
		 ) o ON o.user_id = u.user_id
		 ORDER BY u.subscribed DESC, u.score DESC, u.user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select export rows: %w", err)
	}
	defer rows.Close()

	var res []model.ExportRow
	prevScore := 0
	prevRank := 0

	for rows.Next() {
		var row model.ExportRow
		if err := rows.Scan(&row.UserID, &row.Handle, &row.Name, &row.Score, &row.Subscribed,
			&row.ReferralCount, &row.Purchased, &row.Created); err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}

		if row.Subscribed {
			// Равные счета делят позицию первого из них.
			if prevRank == 0 || row.Score < prevScore {
				row.Rank = len(res) + 1
			} else {
				row.Rank = prevRank
			}
			prevScore = row.Score
			prevRank = row.Rank
		}

		res = append(res, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListUserIDs возвращает идентификаторы всех зарегистрированных пользователей.
func (r *PostgresRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("select user ids: %w", err)
	}
	defer rows.Close()

	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateOrder сохраняет факт заказа. Половины с нулевым количеством сразу
// помечаются начисленными, чтобы повторная обработка их не трогала.
func (r *PostgresRepository) CreateOrder(ctx context.Context, userID int64, purchased, created int) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, purchased, created, purchase_credited, creation_credited)
		 VALUES ($1, $2, $3, $2 = 0, $3 = 0)
		 RETURNING id`,
		userID, purchased, created,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// CreditOrderPart начисляет баллы за одну половину заказа ровно один раз:
// флаг половины и начисление меняются в одной транзакции, поэтому повтор
// после частичного сбоя не приводит к двойному начислению.
func (r *PostgresRepository) CreditOrderPart(ctx context.Context, orderID int64, part OrderPart, pointsPerUnit int, details string) (bool, error) {
	var credited bool

	flagColumn := "purchase_credited"
	countColumn := "purchased"
	kind := model.ActionBookPurchase
	if part == OrderPartCreation {
		flagColumn = "creation_credited"
		countColumn = "created"
		kind = model.ActionBookCreation
	}

	err := r.withRetry(ctx, func() error {
		credited = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var userID int64
		var count int
		err = tx.QueryRow(ctx,
			`UPDATE orders SET `+flagColumn+` = TRUE
			 WHERE id = $1 AND NOT `+flagColumn+`
			 RETURNING user_id, `+countColumn,
			orderID,
		).Scan(&userID, &count)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Половина уже начислена либо заказ не существует.
				return tx.Commit(ctx)
			}
			return fmt.Errorf("mark order part: %w", err)
		}

		if _, err := creditTx(ctx, tx, userID, kind, pointsPerUnit*count, details); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		credited = true
		return nil
	})

	return credited, err
}
