package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/google/uuid"
)

// InvestorStore persists investors and their tasks. Every write is guarded
// by the investor's version stamp: it only lands when the caller's expected
// stamp still matches the stored one, and each landed write gets a new stamp.
type InvestorStore struct {
	db *sql.DB
}

func NewInvestorStore(db *sql.DB) *InvestorStore {
	return &InvestorStore{db: db}
}

// outcome is the result of a guarded write, kept apart from infrastructure
// errors so only the latter are retried.
type outcome int

const (
	applied outcome = iota
	missing
	stale
	taskMissing
)

func (o outcome) err() error {
	switch o {
	case missing, taskMissing:
		return ErrNotFound
	case stale:
		return ErrConflict
	}
	return nil
}

// newVersion returns a fresh stamp. UUIDv7 values are time-ordered, so
// stamps only move forward for a given record.
func newVersion() string {
	return uuid.Must(uuid.NewV7()).String()
}

func scanInvestor(scanner interface{ Scan(...any) error }) (*model.Investor, error) {
	var inv model.Investor
	var mainContact, contactEmail, contactPhone, owner, notes sql.NullString
	var commitAmount sql.NullFloat64

	err := scanner.Scan(
		&inv.ID, &inv.Name, &mainContact, &contactEmail, &contactPhone,
		&inv.Category, &inv.Stage, &inv.Status, &owner, &commitAmount, &notes,
		&inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedBy, &inv.UpdatedAt, &inv.Version,
	)
	if err != nil {
		return nil, err
	}

	inv.MainContact = nullString(mainContact)
	inv.ContactEmail = nullString(contactEmail)
	inv.ContactPhone = nullString(contactPhone)
	inv.Owner = nullString(owner)
	inv.Notes = nullString(notes)
	if commitAmount.Valid {
		inv.CommitAmount = &commitAmount.Float64
	}
	inv.Tasks = []model.InvestorTask{}
	return &inv, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func scanTask(scanner interface{ Scan(...any) error }) (*model.InvestorTask, error) {
	var t model.InvestorTask
	var done int
	err := scanner.Scan(&t.ID, &t.InvestorID, &t.Description, &t.DueDate, &done, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Done = done != 0
	return &t, nil
}

const investorCols = `id, name, main_contact, contact_email, contact_phone, category, stage, status, owner, commit_amount, notes, created_by, created_at, updated_by, updated_at, version`

const taskCols = `id, investor_id, description, due_date, done, created_at, updated_at`

// List returns investor summaries, most recently updated first.
func (s *InvestorStore) List(ctx context.Context) ([]model.InvestorSummary, error) {
	return withRetry(ctx, func(ctx context.Context) ([]model.InvestorSummary, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, stage, category, status, owner, commit_amount, updated_at, version
			 FROM investors ORDER BY updated_at DESC, name`,
		)
		if err != nil {
			return nil, fmt.Errorf("list investors: %w", err)
		}
		defer rows.Close()

		var list []model.InvestorSummary
		for rows.Next() {
			var sum model.InvestorSummary
			var owner sql.NullString
			var commitAmount sql.NullFloat64
			if err := rows.Scan(&sum.ID, &sum.Name, &sum.Stage, &sum.Category, &sum.Status, &owner, &commitAmount, &sum.UpdatedAt, &sum.Version); err != nil {
				return nil, fmt.Errorf("scan investor summary: %w", err)
			}
			sum.Owner = nullString(owner)
			if commitAmount.Valid {
				sum.CommitAmount = &commitAmount.Float64
			}
			list = append(list, sum)
		}
		return list, rows.Err()
	})
}

// Get returns the investor with its tasks and current version stamp, or nil
// when it does not exist.
func (s *InvestorStore) Get(ctx context.Context, id string) (*model.Investor, error) {
	inv, err := withRetry(ctx, func(ctx context.Context) (*model.Investor, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		inv, err := scanInvestor(tx.QueryRowContext(ctx, `SELECT `+investorCols+` FROM investors WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		tasks, err := listTasks(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		inv.Tasks = tasks
		return inv, nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get investor: %w", err)
	}
	return inv, nil
}

func listTasks(ctx context.Context, tx *sql.Tx, investorID string) ([]model.InvestorTask, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskCols+` FROM investor_tasks WHERE investor_id = ? ORDER BY created_at, id`,
		investorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.InvestorTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Create inserts a new investor. It never conflicts.
func (s *InvestorStore) Create(ctx context.Context, inv *model.Investor, by string) (*model.Investor, error) {
	now := time.Now().UTC()
	inv.ID = uuid.NewString()
	inv.CreatedBy, inv.UpdatedBy = by, by
	inv.CreatedAt, inv.UpdatedAt = now, now
	inv.Version = newVersion()
	if inv.Status == "" {
		inv.Status = model.DefaultInvestorStatus
	}

	_, err := withRetry(ctx, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx,
			`INSERT INTO investors (`+investorCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.Name, inv.MainContact, inv.ContactEmail, inv.ContactPhone,
			inv.Category, inv.Stage, inv.Status, inv.Owner, inv.CommitAmount, inv.Notes,
			inv.CreatedBy, inv.CreatedAt, inv.UpdatedBy, inv.UpdatedAt, inv.Version,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("insert investor: %w", err)
	}
	return s.Get(ctx, inv.ID)
}

// Save writes the investor's fields if expected is still the stored
// version stamp and returns the new stamp. A stale stamp returns
// ErrConflict and leaves the stored record untouched; a vanished record
// returns ErrNotFound.
func (s *InvestorStore) Save(ctx context.Context, inv *model.Investor, expected, by string) (string, error) {
	version := newVersion()
	now := time.Now().UTC()

	res, err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) (outcome, error) {
		result, err := tx.ExecContext(ctx,
			`UPDATE investors SET name = ?, main_contact = ?, contact_email = ?, contact_phone = ?,
			   category = ?, stage = ?, status = ?, owner = ?, commit_amount = ?, notes = ?,
			   updated_by = ?, updated_at = ?, version = ?
			 WHERE id = ? AND version = ?`,
			inv.Name, inv.MainContact, inv.ContactEmail, inv.ContactPhone,
			inv.Category, inv.Stage, inv.Status, inv.Owner, inv.CommitAmount, inv.Notes,
			by, now, version, inv.ID, expected,
		)
		if err != nil {
			return 0, fmt.Errorf("update investor: %w", err)
		}
		return classify(ctx, tx, result, inv.ID)
	})
	if err != nil {
		return "", err
	}
	if err := res.err(); err != nil {
		return "", err
	}

	inv.UpdatedBy = by
	inv.UpdatedAt = now
	inv.Version = version
	return version, nil
}

// Delete removes the investor and its tasks. A missing investor returns
// ErrNotFound.
func (s *InvestorStore) Delete(ctx context.Context, id string) error {
	res, err := withRetry(ctx, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, `DELETE FROM investors WHERE id = ?`, id)
	})
	if err != nil {
		return fmt.Errorf("delete investor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTask appends a task under the same version guard as Save.
func (s *InvestorStore) AddTask(ctx context.Context, investorID string, task *model.InvestorTask, expected, by string) (string, error) {
	now := time.Now().UTC()
	task.ID = uuid.NewString()
	task.InvestorID = investorID
	task.CreatedAt, task.UpdatedAt = now, now

	return s.guardedTaskWrite(ctx, investorID, expected, by, now, func(ctx context.Context, tx *sql.Tx) (outcome, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO investor_tasks (`+taskCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.InvestorID, task.Description, task.DueDate, boolInt(task.Done), task.CreatedAt, task.UpdatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert task: %w", err)
		}
		return applied, nil
	})
}

// UpdateTask rewrites a task under the investor's version guard.
func (s *InvestorStore) UpdateTask(ctx context.Context, task *model.InvestorTask, expected, by string) (string, error) {
	now := time.Now().UTC()
	task.UpdatedAt = now

	return s.guardedTaskWrite(ctx, task.InvestorID, expected, by, now, func(ctx context.Context, tx *sql.Tx) (outcome, error) {
		result, err := tx.ExecContext(ctx,
			`UPDATE investor_tasks SET description = ?, due_date = ?, done = ?, updated_at = ? WHERE id = ? AND investor_id = ?`,
			task.Description, task.DueDate, boolInt(task.Done), task.UpdatedAt, task.ID, task.InvestorID,
		)
		if err != nil {
			return 0, fmt.Errorf("update task: %w", err)
		}
		return taskOutcome(result)
	})
}

// DeleteTask removes a task under the investor's version guard.
func (s *InvestorStore) DeleteTask(ctx context.Context, investorID, taskID, expected, by string) (string, error) {
	return s.guardedTaskWrite(ctx, investorID, expected, by, time.Now().UTC(), func(ctx context.Context, tx *sql.Tx) (outcome, error) {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM investor_tasks WHERE id = ? AND investor_id = ?`,
			taskID, investorID,
		)
		if err != nil {
			return 0, fmt.Errorf("delete task: %w", err)
		}
		return taskOutcome(result)
	})
}

// guardedTaskWrite bumps the parent's version with the same conditional
// update Save uses, then runs write in the same transaction.
func (s *InvestorStore) guardedTaskWrite(ctx context.Context, investorID, expected, by string, now time.Time, write func(context.Context, *sql.Tx) (outcome, error)) (string, error) {
	version := newVersion()

	res, err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) (outcome, error) {
		result, err := tx.ExecContext(ctx,
			`UPDATE investors SET updated_by = ?, updated_at = ?, version = ? WHERE id = ? AND version = ?`,
			by, now, version, investorID, expected,
		)
		if err != nil {
			return 0, fmt.Errorf("bump investor version: %w", err)
		}
		o, err := classify(ctx, tx, result, investorID)
		if err != nil || o != applied {
			return o, err
		}
		return write(ctx, tx)
	})
	if err != nil {
		return "", err
	}
	if err := res.err(); err != nil {
		return "", err
	}
	return version, nil
}

// inTx runs fn in a transaction, committing only when it reports applied.
// Lock contention on begin, write or commit is retried as a whole.
func (s *InvestorStore) inTx(ctx context.Context, fn func(context.Context, *sql.Tx) (outcome, error)) (outcome, error) {
	return withRetry(ctx, func(ctx context.Context) (outcome, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("begin tx: %w", err)
		}
		o, err := fn(ctx, tx)
		if err != nil || o != applied {
			tx.Rollback()
			return o, err
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit: %w", err)
		}
		return applied, nil
	})
}

// classify turns a conditional investor UPDATE into an outcome: no rows
// means either the record is gone or its stamp moved on.
func classify(ctx context.Context, tx *sql.Tx, result sql.Result, id string) (outcome, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return applied, nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM investors WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return missing, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check investor: %w", err)
	}
	return stale, nil
}

func taskOutcome(result sql.Result) (outcome, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return taskMissing, nil
	}
	return applied, nil
}
