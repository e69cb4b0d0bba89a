package errorlog

import (
	"context"
	"encoding/json"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"
)

// ListFilter narrows an error log query.
type ListFilter struct {
	RunID          string
	Stage          model.Stage
	UnresolvedOnly bool
	Limit          int
}

// Repository persists and queries structured error log entries.
type Repository interface {
	// Append stores a new entry. Re-appending an existing entry ID is a
	// no-op so redelivered work does not duplicate evidence.
	Append(ctx context.Context, entry model.ErrorEntry) error

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]model.ErrorEntry, error)

	// MarkResolved flips the resolved flag on an entry.
	MarkResolved(ctx context.Context, entryID string) error
}

// MySQLRepository implements Repository over the relational database.
//
// Expected schema:
//
//	CREATE TABLE grading_error_log (
//	    id          VARCHAR(36)  PRIMARY KEY,
//	    run_id      VARCHAR(64)  NOT NULL,
//	    stage       VARCHAR(32)  NOT NULL DEFAULT '',
//	    error_type  VARCHAR(32)  NOT NULL,
//	    code        INT          NOT NULL,
//	    message     TEXT         NOT NULL,
//	    context     JSON         NULL,
//	    stack_trace TEXT         NULL,
//	    retry_count INT          NOT NULL DEFAULT 0,
//	    resolved    TINYINT(1)   NOT NULL DEFAULT 0,
//	    created_at  BIGINT       NOT NULL,
//	    KEY idx_run_stage (run_id, stage),
//	    KEY idx_run_resolved (run_id, resolved)
//	);
type MySQLRepository struct {
	database db.Database
}

// NewMySQLRepository creates an error log repository.
func NewMySQLRepository(database db.Database) *MySQLRepository {
	return &MySQLRepository{database: database}
}

const insertEntrySQL = `INSERT INTO grading_error_log
(id, run_id, stage, error_type, code, message, context, stack_trace, retry_count, resolved, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *MySQLRepository) Append(ctx context.Context, entry model.ErrorEntry) error {
	var contextJSON interface{}
	if len(entry.Context) > 0 {
		data, err := json.Marshal(entry.Context)
		if err != nil {
			return appErr.Wrap(err, appErr.DatabaseError)
		}
		contextJSON = string(data)
	}

	_, err := r.database.Exec(ctx, insertEntrySQL,
		entry.ID,
		entry.RunID,
		string(entry.Stage),
		entry.ErrorType,
		entry.Code,
		entry.Message,
		contextJSON,
		entry.StackTrace,
		entry.RetryCount,
		entry.Resolved,
		entry.Timestamp,
	)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return nil
		}
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

func (r *MySQLRepository) List(ctx context.Context, filter ListFilter) ([]model.ErrorEntry, error) {
	query := `SELECT id, run_id, stage, error_type, code, message, context, stack_trace, retry_count, resolved, created_at
FROM grading_error_log WHERE 1=1`
	args := make([]interface{}, 0, 4)

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Stage != "" {
		query += " AND stage = ?"
		args = append(args, string(filter.Stage))
	}
	if filter.UnresolvedOnly {
		query += " AND resolved = 0"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.database.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]model.ErrorEntry, 0)
	for rows.Next() {
		var (
			entry       model.ErrorEntry
			stage       string
			contextJSON []byte
			stackTrace  []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.RunID,
			&stage,
			&entry.ErrorType,
			&entry.Code,
			&entry.Message,
			&contextJSON,
			&stackTrace,
			&entry.RetryCount,
			&entry.Resolved,
			&entry.Timestamp,
		); err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		entry.Stage = model.Stage(stage)
		entry.StackTrace = string(stackTrace)
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &entry.Context); err != nil {
				entry.Context = map[string]string{"raw": string(contextJSON)}
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return entries, nil
}

func (r *MySQLRepository) MarkResolved(ctx context.Context, entryID string) error {
	result, err := r.database.Exec(ctx,
		"UPDATE grading_error_log SET resolved = 1 WHERE id = ?", entryID)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	if affected == 0 {
		return appErr.Newf(appErr.RecordNotFound, "error log entry %s not found", entryID)
	}
	return nil
}

var _ Repository = (*MySQLRepository)(nil)
