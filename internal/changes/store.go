package changes

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store persists changes and the approval/automation/completion
// ledgers in a sqlite database. Every status write is a single-row
// conditional update, which is the serialization point for concurrent
// user actions and sweeps on the same change.
type Store struct {
	logger zerolog.Logger
	db     *sql.DB
}

// OpenStore opens (creating if needed) the change database at path.
func OpenStore(logger zerolog.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{
		logger: logger.With().Str("component", "change-store").Logger(),
		db:     db,
	}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS changes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			assigned_to TEXT,
			scheduled_for INTEGER,
			estimated_end_time INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS change_approvals (
			change_id TEXT PRIMARY KEY REFERENCES changes(id),
			status TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			approved_by TEXT,
			comments TEXT,
			requested_at INTEGER NOT NULL,
			responded_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS change_automations (
			id TEXT PRIMARY KEY,
			change_id TEXT NOT NULL REFERENCES changes(id),
			automation_type TEXT NOT NULL,
			scheduled_for INTEGER NOT NULL,
			executed INTEGER NOT NULL DEFAULT 0,
			executed_at INTEGER,
			error_message TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS change_completion_responses (
			id TEXT PRIMARY KEY,
			change_id TEXT NOT NULL REFERENCES changes(id),
			responded_by TEXT NOT NULL,
			outcome TEXT NOT NULL,
			notes TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS change_comments (
			id TEXT PRIMARY KEY,
			change_id TEXT NOT NULL REFERENCES changes(id),
			author TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_changes_status ON changes(status)",
		"CREATE INDEX IF NOT EXISTS idx_automations_due ON change_automations(executed, scheduled_for)",
		"CREATE INDEX IF NOT EXISTS idx_automations_change ON change_automations(change_id)",
		"CREATE INDEX IF NOT EXISTS idx_completions_change ON change_completion_responses(change_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_comments_change ON change_comments(change_id, created_at)",
	}
	for _, index := range indexes {
		if _, err := s.db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// CreateChange inserts a new change in draft status.
func (s *Store) CreateChange(ctx context.Context, c *Change) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Status = StatusDraft

	_, err := s.db.ExecContext(ctx, `INSERT INTO changes
		(id, title, description, status, requested_by, assigned_to, scheduled_for, estimated_end_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, string(c.Status), c.RequestedBy, c.AssignedTo,
		unixPtr(c.ScheduledFor), unixPtr(c.EstimatedEndTime), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}
	return nil
}

// GetChange loads one change by id.
func (s *Store) GetChange(ctx context.Context, id string) (*Change, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, description, status, requested_by, assigned_to,
		scheduled_for, estimated_end_time, created_at, updated_at, completed_at
		FROM changes WHERE id = ?`, id)
	return scanChange(row)
}

// ListChanges returns changes, newest first, optionally filtered by
// status, capped at limit.
func (s *Store) ListChanges(ctx context.Context, status Status, limit int) ([]*Change, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, title, description, status, requested_by, assigned_to,
		scheduled_for, estimated_end_time, created_at, updated_at, completed_at
		FROM changes`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []*Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateChangeStatus performs the single-row compare-and-set on
// status. It succeeds only if the change is currently in one of the
// from statuses; a lost race surfaces as (false, nil).
func (s *Store) UpdateChangeStatus(ctx context.Context, id string, from []Status, to Status, completedAt *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source statuses given")
	}
	query := `UPDATE changes SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status IN (?` + strings.Repeat(",?", len(from)-1) + `)`
	args := []any{string(to), time.Now().UTC().Unix(), unixPtr(completedAt), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertApproval creates or replaces the one approval row for a
// change.
func (s *Store) UpsertApproval(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO change_approvals
		(change_id, status, requested_by, approved_by, comments, requested_at, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id) DO UPDATE SET
			status = excluded.status,
			approved_by = excluded.approved_by,
			comments = excluded.comments,
			responded_at = excluded.responded_at`,
		a.ChangeID, string(a.Status), a.RequestedBy, a.ApprovedBy, a.Comments,
		a.RequestedAt.Unix(), unixPtr(a.RespondedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert approval: %w", err)
	}
	return nil
}

// GetApproval returns the approval row for a change, or nil.
func (s *Store) GetApproval(ctx context.Context, changeID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT change_id, status, requested_by, approved_by, comments, requested_at, responded_at
		FROM change_approvals WHERE change_id = ?`, changeID)

	var a Approval
	var status string
	var approvedBy, comments sql.NullString
	var requestedAt int64
	var respondedAt sql.NullInt64
	err := row.Scan(&a.ChangeID, &status, &a.RequestedBy, &approvedBy, &comments, &requestedAt, &respondedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	a.Status = ApprovalStatus(status)
	a.ApprovedBy = approvedBy.String
	a.Comments = comments.String
	a.RequestedAt = time.Unix(requestedAt, 0).UTC()
	a.RespondedAt = timePtr(respondedAt)
	return &a, nil
}

// InsertAutomation appends a scheduled action to the ledger.
func (s *Store) InsertAutomation(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO change_automations
		(id, change_id, automation_type, scheduled_for, executed)
		VALUES (?, ?, ?, ?, 0)`,
		a.ID, a.ChangeID, string(a.Type), a.ScheduledFor.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert automation: %w", err)
	}
	return nil
}

// DueAutomations returns unexecuted records due at or before now,
// most-due first, capped at limit so one sweep cannot drain an
// unbounded backlog.
func (s *Store) DueAutomations(ctx context.Context, now time.Time, limit int) ([]*Automation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, change_id, automation_type, scheduled_for, executed, executed_at, error_message
		FROM change_automations
		WHERE executed = 0 AND scheduled_for <= ?
		ORDER BY scheduled_for ASC, rowid ASC
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due automations: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// ClaimAutomation marks a record executed iff no other sweep already
// did. Only the caller that gets true may dispatch the action; the
// conditional write is what makes overlapping sweeps single-shot.
func (s *Store) ClaimAutomation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE change_automations
		SET executed = 1, executed_at = ?
		WHERE id = ? AND executed = 0`, time.Now().UTC().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim automation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetAutomationError records why an executed record did not apply its
// effect.
func (s *Store) SetAutomationError(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE change_automations SET error_message = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to set automation error: %w", err)
	}
	return nil
}

// SupersedePendingAutomations marks unexecuted records of the given
// type for a change as executed with an explanatory message, e.g. a
// completion prompt made moot by the assignee reporting first.
func (s *Store) SupersedePendingAutomations(ctx context.Context, changeID string, typ AutomationType, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE change_automations
		SET executed = 1, executed_at = ?, error_message = ?
		WHERE change_id = ? AND automation_type = ? AND executed = 0`,
		time.Now().UTC().Unix(), msg, changeID, string(typ))
	if err != nil {
		return fmt.Errorf("failed to supersede automations: %w", err)
	}
	return nil
}

// PendingAutomations lists unexecuted records, soonest first.
func (s *Store) PendingAutomations(ctx context.Context, limit int) ([]*Automation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, change_id, automation_type, scheduled_for, executed, executed_at, error_message
		FROM change_automations WHERE executed = 0
		ORDER BY scheduled_for ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending automations: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// RecentAutomations lists executed records, newest execution first.
func (s *Store) RecentAutomations(ctx context.Context, limit int) ([]*Automation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, change_id, automation_type, scheduled_for, executed, executed_at, error_message
		FROM change_automations WHERE executed = 1
		ORDER BY executed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent automations: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// InsertCompletionResponse appends the assignee's terminal report.
func (s *Store) InsertCompletionResponse(ctx context.Context, r *CompletionResponse) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO change_completion_responses
		(id, change_id, responded_by, outcome, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChangeID, r.RespondedBy, string(r.Outcome), r.Notes, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert completion response: %w", err)
	}
	return nil
}

// LatestCompletionResponse returns the newest report for a change, or
// nil.
func (s *Store) LatestCompletionResponse(ctx context.Context, changeID string) (*CompletionResponse, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, change_id, responded_by, outcome, notes, created_at
		FROM change_completion_responses WHERE change_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, changeID)

	var r CompletionResponse
	var outcome string
	var notes sql.NullString
	var createdAt int64
	err := row.Scan(&r.ID, &r.ChangeID, &r.RespondedBy, &outcome, &notes, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan completion response: %w", err)
	}
	r.Outcome = Outcome(outcome)
	r.Notes = notes.String
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

// InsertComment appends an audit comment to a change.
func (s *Store) InsertComment(ctx context.Context, c *Comment) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO change_comments
		(id, change_id, author, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ChangeID, c.Author, c.Body, c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*Change, error) {
	var c Change
	var description, assignedTo sql.NullString
	var status string
	var scheduledFor, estimatedEnd, completedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.Title, &description, &status, &c.RequestedBy, &assignedTo,
		&scheduledFor, &estimatedEnd, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}
	c.Description = description.String
	c.AssignedTo = assignedTo.String
	c.Status = Status(status)
	c.ScheduledFor = timePtr(scheduledFor)
	c.EstimatedEndTime = timePtr(estimatedEnd)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}

func scanAutomations(rows *sql.Rows) ([]*Automation, error) {
	var out []*Automation
	for rows.Next() {
		var a Automation
		var typ string
		var scheduledFor int64
		var executed int
		var executedAt sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.ChangeID, &typ, &scheduledFor, &executed, &executedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		a.Type = AutomationType(typ)
		a.ScheduledFor = time.Unix(scheduledFor, 0).UTC()
		a.Executed = executed != 0
		a.ExecutedAt = timePtr(executedAt)
		a.ErrorMessage = errMsg.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
