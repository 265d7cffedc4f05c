// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/vectorise/vectorise-payments/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPaymentNotFound возвращается, если платёж с указанной ссылкой не найден.
var (
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPartnerExists возвращается при попытке создать партнёра с занятым email.
	ErrPartnerExists = errors.New("partner already exists")
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

// withRetry повторяет операцию при сериализационных конфликтах, дедлоках
// и сетевых сбоях. Конкурирующие вызовы процедуры зачисления по одной
// ссылке сериализуются блокировкой строки и могут завершаться конфликтом.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreatePayment сохраняет новую платёжную попытку в статусе pending.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (reference, participant_id, email, product_id, amount, currency, status, provider)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.Reference, p.ParticipantID, p.Email, p.ProductID, p.Amount, p.Currency,
		string(model.PaymentStatusPending), string(p.Provider),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPaymentByReference возвращает платёж по ссылке.
func (r *PostgresRepository) GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT reference, participant_id, email, product_id, amount, currency, status,
		        provider, provider_txn_id, payment_method, failure_reason, created_at, updated_at
		 FROM payments
		 WHERE reference = $1`,
		reference,
	)

	var p model.Payment
	var status, provider string
	err := row.Scan(&p.Reference, &p.ParticipantID, &p.Email, &p.ProductID, &p.Amount,
		&p.Currency, &status, &provider, &p.ProviderTxnID, &p.PaymentMethod,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	p.Status = model.PaymentStatus(status)
	p.Provider = model.Provider(provider)
	return &p, nil
}

// MarkPaymentFailed переводит платёж из pending в failed с указанием причины.
// Возвращает признак того, что переход действительно произошёл: конечные
// статусы не откатываются, поэтому повторный вызов — no-op.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, reference, reason string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payments
		 SET status = $2, failure_reason = $3, updated_at = now()
		 WHERE reference = $1 AND status = $4`,
		reference, string(model.PaymentStatusFailed), reason, string(model.PaymentStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// FulfillmentParams описывает параметры процедуры зачисления.
type FulfillmentParams struct {
	Reference     string
	ProviderTxnID string
	PaymentMethod string
	SprintName    string
	FacilitatorID string
	DurationDays  int
}

// FulfillPayment выполняет процедуру зачисления в одной транзакции:
// помечает платёж успешным, создаёт запись о зачислении, пополняет набор
// оплаченных продуктов участника и добавляет уведомление.
//
// Процедура идемпотентна: если платёж уже успешен, возвращается fulfilled=false
// без каких-либо изменений. Путь опроса статуса и путь вебхука могут вызывать
// её конкурентно по одной ссылке — блокировка строки платежа сериализует их.
func (r *PostgresRepository) FulfillPayment(ctx context.Context, params FulfillmentParams) (bool, error) {
	var fulfilled bool

	err := r.withRetry(ctx, func() error {
		done, err := r.fulfillOnce(ctx, params)
		if err != nil {
			return err
		}
		fulfilled = done
		return nil
	})
	if err != nil {
		return false, err
	}

	return fulfilled, nil
}

// fulfillmentPlan — решения процедуры зачисления, вычисляемые по
// заблокированной строке платежа без обращения к БД.
type fulfillmentPlan struct {
	alreadyFulfilled  bool
	guest             bool
	enrollmentKey     string
	progress          []model.ProgressDay
	notificationTitle string
	notificationBody  string
}

// planFulfillment строит план зачисления. Уже успешный платёж — no-op,
// гостевой платёж ограничивается записью в журнале платежей.
func planFulfillment(status model.PaymentStatus, participantID, productID string, params FulfillmentParams) fulfillmentPlan {
	if status == model.PaymentStatusSuccessful {
		return fulfillmentPlan{alreadyFulfilled: true}
	}

	payment := model.Payment{ParticipantID: participantID}
	if payment.IsGuest() {
		return fulfillmentPlan{guest: true}
	}

	return fulfillmentPlan{
		enrollmentKey:     model.EnrollmentKey(participantID, productID),
		progress:          model.NewProgress(params.DurationDays),
		notificationTitle: fmt.Sprintf("%s unlocked", params.SprintName),
		notificationBody:  fmt.Sprintf("Your payment was confirmed and %s is now available.", params.SprintName),
	}
}

// enrollmentStatusFor выбирает статус нового зачисления: пока у участника
// есть активное зачисление, новое встаёт в очередь.
func enrollmentStatusFor(hasActiveEnrollment bool) model.EnrollmentStatus {
	if hasActiveEnrollment {
		return model.EnrollmentStatusQueued
	}
	return model.EnrollmentStatusActive
}

func (r *PostgresRepository) fulfillOnce(ctx context.Context, params FulfillmentParams) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		participantID string
		email         string
		productID     string
		status        string
	)
	err = tx.QueryRow(ctx,
		`SELECT participant_id, email, product_id, status FROM payments WHERE reference = $1 FOR UPDATE`,
		params.Reference,
	).Scan(&participantID, &email, &productID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrPaymentNotFound
		}
		return false, fmt.Errorf("lock payment: %w", err)
	}

	plan := planFulfillment(model.PaymentStatus(status), participantID, productID, params)

	// Идемпотентный выход: платёж уже зачислен другим вызовом.
	if plan.alreadyFulfilled {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments
		 SET status = $2, provider_txn_id = $3, payment_method = $4, failure_reason = '', updated_at = now()
		 WHERE reference = $1`,
		params.Reference, string(model.PaymentStatusSuccessful), params.ProviderTxnID, params.PaymentMethod,
	)
	if err != nil {
		return false, fmt.Errorf("update payment: %w", err)
	}

	if plan.guest {
		// Гостевой платёж фиксируется в журнале, но зачисление не создаётся.
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit tx: %w", err)
		}
		return true, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO participants (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = CASE WHEN participants.email = '' THEN EXCLUDED.email ELSE participants.email END`,
		participantID, email,
	)
	if err != nil {
		return false, fmt.Errorf("upsert participant: %w", err)
	}

	// Блокируем строку участника: конкурентные зачисления разных продуктов
	// не должны одновременно решить, что активных зачислений нет.
	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM participants WHERE id = $1 FOR UPDATE`, participantID).Scan(&dummy)
	if err != nil {
		return false, fmt.Errorf("lock participant: %w", err)
	}

	var hasActive bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE participant_id = $1 AND status = $2)`,
		participantID, string(model.EnrollmentStatusActive),
	).Scan(&hasActive)
	if err != nil {
		return false, fmt.Errorf("check active enrollment: %w", err)
	}

	enrollmentStatus := enrollmentStatusFor(hasActive)

	progress, err := json.Marshal(plan.progress)
	if err != nil {
		return false, fmt.Errorf("marshal progress: %w", err)
	}

	// Слияние, а не перезапись: существующая запись и её прогресс сохраняются.
	_, err = tx.Exec(ctx,
		`INSERT INTO enrollments (key, product_id, participant_id, facilitator_id, status, started_at, progress)
		 VALUES ($1, $2, $3, $4, $5, now(), $6)
		 ON CONFLICT (key) DO NOTHING`,
		plan.enrollmentKey, productID, participantID,
		params.FacilitatorID, string(enrollmentStatus), progress,
	)
	if err != nil {
		return false, fmt.Errorf("upsert enrollment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO participant_products (participant_id, product_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		participantID, productID,
	)
	if err != nil {
		return false, fmt.Errorf("add enrolled product: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO notifications (participant_id, title, body) VALUES ($1, $2, $3)`,
		participantID, plan.notificationTitle, plan.notificationBody,
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// GetStalePendingPayments возвращает платежи в статусе pending старше указанного возраста.
func (r *PostgresRepository) GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT reference, participant_id, email, product_id, amount, currency, status,
		        provider, provider_txn_id, payment_method, failure_reason, created_at, updated_at
		 FROM payments
		 WHERE status = $1 AND created_at < now() - $2::interval
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.PaymentStatusPending),
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		var p model.Payment
		var status, provider string
		if err := rows.Scan(&p.Reference, &p.ParticipantID, &p.Email, &p.ProductID, &p.Amount,
			&p.Currency, &status, &provider, &p.ProviderTxnID, &p.PaymentMethod,
			&p.FailureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Status = model.PaymentStatus(status)
		p.Provider = model.Provider(provider)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreatePartner создаёт учётную запись партнёра.
func (r *PostgresRepository) CreatePartner(ctx context.Context, partner *model.Partner) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO partners (id, email, name) VALUES ($1, $2, $3)`,
		partner.ID, partner.Email, partner.Name,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrPartnerExists, partner.Email)
		}
		return fmt.Errorf("insert partner: %w", err)
	}
	return nil
}

// GetNotificationsByParticipant возвращает уведомления участника, новые первыми.
func (r *PostgresRepository) GetNotificationsByParticipant(ctx context.Context, participantID string) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, participant_id, title, body, created_at
		 FROM notifications
		 WHERE participant_id = $1
		 ORDER BY created_at DESC`,
		participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.ParticipantID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
