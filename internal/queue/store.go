package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"foreman/internal/fault"
)

// Store provides write-through durability for work items and session records,
// backed by SQLite on local disk. It is never queried for live state; the
// Manager and Registry load it once at startup and mirror every mutation into
// it before acknowledging the caller.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// UpsertItem persists the full state of a work item.
func (s *Store) UpsertItem(ctx context.Context, item *Item) error {
	if item == nil {
		return fault.New(fault.ErrValidation, "item is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO work_items (
            id, seq, payload, priority, status, claimed_by,
            created_at, claimed_at, completed_at, requeued_at, retry_count, result
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            seq = excluded.seq,
            payload = excluded.payload,
            priority = excluded.priority,
            status = excluded.status,
            claimed_by = excluded.claimed_by,
            created_at = excluded.created_at,
            claimed_at = excluded.claimed_at,
            completed_at = excluded.completed_at,
            requeued_at = excluded.requeued_at,
            retry_count = excluded.retry_count,
            result = excluded.result`,
		item.ID,
		item.Seq,
		item.Payload,
		string(item.Priority),
		string(item.Status),
		nullableString(item.ClaimedBy),
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(item.ClaimedAt),
		nullableTime(item.CompletedAt),
		nullableTime(item.RequeuedAt),
		item.RetryCount,
		nullableString(item.Result),
	)
	if err != nil {
		return fault.Wrap(fault.ErrStorage, "persist work item", err)
	}
	return nil
}

// LoadItems returns every persisted work item.
func (s *Store) LoadItems(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, payload, priority, status, claimed_by,
                created_at, claimed_at, completed_at, requeued_at, retry_count, result
         FROM work_items ORDER BY seq`)
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorage, "load work items", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fault.Wrap(fault.ErrStorage, "scan work item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.ErrStorage, "iterate work items", err)
	}
	return items, nil
}

// DeleteItemsByStatus removes items in the given states and reports the count.
// With no statuses it removes everything.
func (s *Store) DeleteItemsByStatus(ctx context.Context, statuses ...Status) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if len(statuses) == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM work_items`)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = string(status)
		}
		res, err = s.db.ExecContext(ctx, `DELETE FROM work_items WHERE status IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return 0, fault.Wrap(fault.ErrStorage, "delete work items", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.ErrStorage, "rows affected", err)
	}
	return affected, nil
}

// SessionRecord is the persisted row for a registered session. Session
// liveness never survives a restart, so these rows exist for post-mortem
// inspection only and are purged when the registry starts.
type SessionRecord struct {
	ID            string
	Status        string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	CurrentItem   string
}

// UpsertSession persists the full state of a session record.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, status, registered_at, last_heartbeat, current_item)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            registered_at = excluded.registered_at,
            last_heartbeat = excluded.last_heartbeat,
            current_item = excluded.current_item`,
		rec.ID,
		rec.Status,
		rec.RegisteredAt.UTC().Format(time.RFC3339Nano),
		rec.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		nullableString(rec.CurrentItem),
	)
	if err != nil {
		return fault.Wrap(fault.ErrStorage, "persist session", err)
	}
	return nil
}

// PurgeSessions removes all persisted session records.
func (s *Store) PurgeSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, fault.Wrap(fault.ErrStorage, "purge sessions", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.ErrStorage, "rows affected", err)
	}
	return affected, nil
}

// LoadSessions returns every persisted session record.
func (s *Store) LoadSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, registered_at, last_heartbeat, current_item FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorage, "load sessions", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec          SessionRecord
			registered   string
			heartbeat    string
			currentItem  sql.NullString
			statusColumn string
		)
		if err := rows.Scan(&rec.ID, &statusColumn, &registered, &heartbeat, &currentItem); err != nil {
			return nil, fault.Wrap(fault.ErrStorage, "scan session", err)
		}
		rec.Status = statusColumn
		rec.CurrentItem = currentItem.String
		if parsed, err := parseTimeString(registered); err == nil {
			rec.RegisteredAt = parsed
		}
		if parsed, err := parseTimeString(heartbeat); err == nil {
			rec.LastHeartbeat = parsed
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.ErrStorage, "iterate sessions", err)
	}
	return records, nil
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id           string
		seq          int64
		payload      string
		priorityStr  string
		statusStr    string
		claimedBy    sql.NullString
		createdRaw   string
		claimedRaw   sql.NullString
		completedRaw sql.NullString
		requeuedRaw  sql.NullString
		retryCount   int
		result       sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&seq,
		&payload,
		&priorityStr,
		&statusStr,
		&claimedBy,
		&createdRaw,
		&claimedRaw,
		&completedRaw,
		&requeuedRaw,
		&retryCount,
		&result,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:         id,
		Seq:        seq,
		Payload:    payload,
		Priority:   Priority(priorityStr),
		Status:     Status(statusStr),
		ClaimedBy:  claimedBy.String,
		RetryCount: retryCount,
		Result:     result.String,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		item.CreatedAt = created
	}
	item.ClaimedAt = parseNullableTime(claimedRaw)
	item.CompletedAt = parseNullableTime(completedRaw)
	item.RequeuedAt = parseNullableTime(requeuedRaw)
	return item, nil
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
