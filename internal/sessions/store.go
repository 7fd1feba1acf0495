// Package sessions keeps the ledger of deferred (card) checkouts and the
// transactional outbox of order events in Postgres.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	ErrSessionNotFound   = fmt.Errorf("checkout session %w", domain.ErrNotFound)
	ErrDuplicateSession  = errors.New("checkout session already exists")
	ErrIllegalTransition = errors.New("illegal transition of checkout status")
)

const uniqueViolation = "23505"

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

type Session struct {
	Reference     string
	UserID        string
	CartID        string
	Amount        decimal.Decimal
	TaxPrice      decimal.Decimal
	ShippingPrice decimal.Decimal
	Address       domain.ShippingAddress
	Status        domain.CheckoutStatus
	OrderID       string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Repository is what checkout and the outbox poller need from the ledger.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, reference string) (*Session, error)
	Transition(ctx context.Context, reference string, to domain.CheckoutStatus, reason string) (*Session, error)
	Complete(ctx context.Context, reference, orderID string, event *OutboxEvent) error
	Enqueue(ctx context.Context, event *OutboxEvent) error
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id string) error
	GetStuckSessions(ctx context.Context, olderThan time.Time) ([]*Session, error)
	ExpireStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(cred *Credentials, logger *slog.Logger) (*Store, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	logger.Info("connected to postgres", slog.String("host", cred.Host), slog.String("db", cred.DBName))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new session in INITIATED state.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	address, err := json.Marshal(sess.Address)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}

	query := `INSERT INTO checkout_sessions
		(reference, user_id, cart_id, amount, tax_price, shipping_price, shipping_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query,
		sess.Reference,
		sess.UserID,
		sess.CartID,
		sess.Amount,
		sess.TaxPrice,
		sess.ShippingPrice,
		string(address),
		domain.CheckoutStatusInitiated,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateSession
		}
		return fmt.Errorf("failed to create checkout session: %w", err)
	}

	sess.Status = domain.CheckoutStatusInitiated
	return nil
}

const selectSession = `SELECT reference, user_id, cart_id, amount, tax_price, shipping_price,
	shipping_address, status, COALESCE(order_id, ''), COALESCE(failure_reason, ''), created_at, updated_at
	FROM checkout_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess    Session
		address []byte
	)
	err := row.Scan(
		&sess.Reference,
		&sess.UserID,
		&sess.CartID,
		&sess.Amount,
		&sess.TaxPrice,
		&sess.ShippingPrice,
		&address,
		&sess.Status,
		&sess.OrderID,
		&sess.FailureReason,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(address, &sess.Address); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	return &sess, nil
}

func (s *Store) Get(ctx context.Context, reference string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE reference = $1`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	return sess, nil
}

// Transition moves a session to status to. Moving to the current status is a
// no-op so that redelivered notifications stay idempotent.
func (s *Store) Transition(ctx context.Context, reference string, to domain.CheckoutStatus, reason string) (*Session, error) {
	var out *Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := lockSession(ctx, tx, reference)
		if err != nil {
			return err
		}
		if sess.Status == to {
			out = sess
			return nil
		}
		if !domain.CanTransitionTo(sess.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sess.Status, to)
		}

		err = tx.QueryRowContext(ctx,
			`UPDATE checkout_sessions
			SET status = $2, failure_reason = NULLIF($3, ''), updated_at = NOW()
			WHERE reference = $1
			RETURNING updated_at`,
			reference, to, reason,
		).Scan(&sess.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update checkout session: %w", err)
		}
		sess.Status = to
		sess.FailureReason = reason
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete records the created order, moves the session to COMPLETED and
// queues the order event, all in one transaction.
func (s *Store) Complete(ctx context.Context, reference, orderID string, event *OutboxEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := lockSession(ctx, tx, reference)
		if err != nil {
			return err
		}
		if sess.Status == domain.CheckoutStatusCompleted {
			return nil
		}
		if !domain.CanTransitionTo(sess.Status, domain.CheckoutStatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sess.Status, domain.CheckoutStatusCompleted)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE checkout_sessions SET status = $2, order_id = $3, updated_at = NOW() WHERE reference = $1`,
			reference, domain.CheckoutStatusCompleted, orderID)
		if err != nil {
			return fmt.Errorf("failed to complete checkout session: %w", err)
		}

		if event == nil {
			return nil
		}
		return insertEvent(ctx, tx, event)
	})
}

func (s *Store) Enqueue(ctx context.Context, event *OutboxEvent) error {
	return insertEvent(ctx, s.db, event)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, event *OutboxEvent) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		event.ID, event.AggregateID, event.EventType, string(event.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (s *Store) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *Store) MarkEventAsProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	return nil
}

// GetStuckSessions returns sessions whose payment was confirmed but whose
// order was never recorded as completed.
func (s *Store) GetStuckSessions(ctx context.Context, olderThan time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSession+` WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT 100`,
		domain.CheckoutStatusPaymentCompleted, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stuck session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ExpireStale fails sessions that never got a payment outcome.
func (s *Store) ExpireStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkout_sessions
		SET status = $1, failure_reason = 'session expired', updated_at = NOW()
		WHERE status IN ($2, $3) AND created_at < $4`,
		domain.CheckoutStatusFailed,
		domain.CheckoutStatusInitiated,
		domain.CheckoutStatusPaymentPending,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to expire checkout sessions: %w", err)
	}
	return res.RowsAffected()
}

func lockSession(ctx context.Context, tx *sql.Tx, reference string) (*Session, error) {
	sess, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE reference = $1 FOR UPDATE`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock checkout session: %w", err)
	}
	return sess, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WarnContext(ctx, "rollback failed", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
