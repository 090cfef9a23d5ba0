package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/models"
	"github.com/thesis-rbk/Wassalha-sub003/process"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"

	processColumns = `id, kind, order_id, sponsorship_id, status, buyer_id, buyer_name,
	counterparty_id, counterparty_name, verification_image, review_unlocked, version, created_at, updated_at`
	paymentColumns = `id, process_id, order_id, amount, currency, status, transaction_id,
	failure_count, created_at, updated_at`
	eventColumns = `id, process_id, seq, from_status, to_status, changed_by_user_id,
	changed_by_name, note, created_at`

	staleBatchSize = 100
)

// PostgresStore implements process.Store on Postgres. Row locks are taken
// with FOR UPDATE NOWAIT so a contended process fails fast instead of
// queueing writers.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanProcess(row rowScanner) (*models.Process, error) {
	var p models.Process
	err := row.Scan(&p.ID, &p.Kind, &p.OrderID, &p.SponsorshipID, &p.Status, &p.BuyerID, &p.BuyerName,
		&p.CounterpartyID, &p.CounterpartyName, &p.VerificationImage, &p.ReviewUnlocked, &p.Version,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var pay models.Payment
	err := row.Scan(&pay.ID, &pay.ProcessID, &pay.OrderID, &pay.Amount, &pay.Currency, &pay.Status,
		&pay.TransactionID, &pay.FailureCount, &pay.CreatedAt, &pay.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &pay, nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return process.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable:
			return fmt.Errorf("%w: %s", process.ErrConcurrencyConflict, pqErr.Message)
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", process.ErrDuplicate, pqErr.Constraint)
		}
	}
	return err
}

func (s *PostgresStore) CreateProcess(ctx context.Context, p *models.Process, pay *models.Payment, root *models.ProcessEvent) error {
	ctx, span := otel.Tracer("process-store").Start(ctx, "CreateProcess")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processes (`+processColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.Kind, p.OrderID, p.SponsorshipID, p.Status, p.BuyerID, p.BuyerName,
		p.CounterpartyID, p.CounterpartyName, p.VerificationImage, p.ReviewUnlocked, p.Version,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return mapError(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.ID, pay.ProcessID, pay.OrderID, pay.Amount, pay.Currency, pay.Status,
		pay.TransactionID, pay.FailureCount, pay.CreatedAt, pay.UpdatedAt)
	if err != nil {
		return mapError(err)
	}

	if err := insertEvent(ctx, tx, root); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit process: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *models.ProcessEvent) error {
	var from *string
	if ev.FromStatus != "" {
		s := string(ev.FromStatus)
		from = &s
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO process_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.ProcessID, ev.Seq, from, ev.ToStatus, ev.ChangedByUserID,
		ev.ChangedByName, ev.Note, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", mapError(err))
	}
	return nil
}

func (s *PostgresStore) GetProcess(ctx context.Context, id string) (*models.Process, error) {
	return getProcess(ctx, s.db, "SELECT "+processColumns+" FROM processes WHERE id = $1", id)
}

func getProcess(ctx context.Context, q queryer, query string, args ...any) (*models.Process, error) {
	p, err := scanProcess(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func (s *PostgresStore) FindProcessByReference(ctx context.Context, kind models.ProcessKind, referenceID string) (*models.Process, error) {
	column := "order_id"
	if kind == models.ProcessKindSponsorship {
		column = "sponsorship_id"
	}
	return getProcess(ctx, s.db, "SELECT "+processColumns+" FROM processes WHERE "+column+" = $1", referenceID)
}

func (s *PostgresStore) GetPayment(ctx context.Context, processID string) (*models.Payment, error) {
	return getPayment(ctx, s.db, "SELECT "+paymentColumns+" FROM payments WHERE process_id = $1", processID)
}

func getPayment(ctx context.Context, q queryer, query string, args ...any) (*models.Payment, error) {
	pay, err := scanPayment(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return pay, nil
}

func (s *PostgresStore) FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	return getPayment(ctx, s.db, "SELECT "+paymentColumns+" FROM payments WHERE transaction_id = $1", transactionID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, processID string) ([]models.ProcessEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM process_events WHERE process_id = $1 ORDER BY seq DESC", processID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.ProcessEvent{}
	for rows.Next() {
		var (
			ev   models.ProcessEvent
			from sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ProcessID, &ev.Seq, &from, &ev.ToStatus, &ev.ChangedByUserID,
			&ev.ChangedByName, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.FromStatus = models.ProcessStatus(from.String)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListStale(ctx context.Context, status models.ProcessStatus, updatedBefore time.Time) ([]models.Process, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+processColumns+" FROM processes WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3",
		status, updatedBefore, staleBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale processes: %w", err)
	}
	defer rows.Close()

	var out []models.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IncrementPaymentFailures(ctx context.Context, paymentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"UPDATE payments SET failure_count = failure_count + 1, updated_at = NOW() WHERE id = $1 RETURNING failure_count",
		paymentID).Scan(&count)
	if err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

func (s *PostgresStore) WithProcessLock(ctx context.Context, processID string, fn func(tx process.Tx, p *models.Process) error) error {
	ctx, span := otel.Tracer("process-store").Start(ctx, "WithProcessLock")
	defer span.End()
	span.SetAttributes(attribute.String("process.id", processID))

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	p, err := getProcess(ctx, sqlTx, "SELECT "+processColumns+" FROM processes WHERE id = $1 FOR UPDATE NOWAIT", processID)
	if err != nil {
		if errors.Is(err, process.ErrConcurrencyConflict) {
			s.logger.Debug("Process row is locked", zap.String("process_id", processID))
		}
		return err
	}

	if err := fn(&pgTx{tx: sqlTx}, p); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Payment(ctx context.Context, processID string) (*models.Payment, error) {
	return getPayment(ctx, t.tx, "SELECT "+paymentColumns+" FROM payments WHERE process_id = $1", processID)
}

func (t *pgTx) CommitTransition(ctx context.Context, p *models.Process, expectedVersion int64, ev *models.ProcessEvent) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE processes SET status = $1, version = $2, verification_image = $3, review_unlocked = $4, updated_at = $5
		WHERE id = $6 AND version = $7`,
		p.Status, p.Version, p.VerificationImage, p.ReviewUnlocked, p.UpdatedAt, p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update process: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update process: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: version %d is stale", process.ErrConcurrencyConflict, expectedVersion)
	}
	return insertEvent(ctx, t.tx, ev)
}

func (t *pgTx) UpdatePayment(ctx context.Context, pay *models.Payment) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, transaction_id = $2, failure_count = $3, updated_at = $4 WHERE id = $5",
		pay.Status, pay.TransactionID, pay.FailureCount, pay.UpdatedAt, pay.ID)
	return mapError(err)
}

func (t *pgTx) UpdateProof(ctx context.Context, processID string, image *string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE processes SET verification_image = $1, updated_at = $2 WHERE id = $3",
		image, at, processID)
	return mapError(err)
}
