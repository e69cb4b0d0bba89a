package errorlog_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/errorlog"
	"gradeflow/internal/grading/model"
	appErr "gradeflow/pkg/errors"

	"github.com/go-sql-driver/mysql"
)

type execCall struct {
	query string
	args  []interface{}
}

type fakeResult struct {
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRows struct {
	rows [][]interface{}
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d dest, got %d", len(row), len(dest))
	}
	for i, value := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = value.(string)
		case *int:
			*d = value.(int)
		case *int64:
			*d = value.(int64)
		case *bool:
			*d = value.(bool)
		case *[]byte:
			if value == nil {
				*d = nil
			} else {
				*d = []byte(value.(string))
			}
		default:
			return fmt.Errorf("unsupported dest type %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Close() error               { return nil }
func (r *fakeRows) Err() error                 { return nil }
func (r *fakeRows) Columns() ([]string, error) { return nil, nil }

type fakeDatabase struct {
	execs      []execCall
	execErr    error
	execResult fakeResult
	queries    []execCall
	queryRows  *fakeRows
}

func (f *fakeDatabase) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	f.queries = append(f.queries, execCall{query: query, args: args})
	if f.queryRows == nil {
		return &fakeRows{}, nil
	}
	return f.queryRows, nil
}

func (f *fakeDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (f *fakeDatabase) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeDatabase) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return nil
}

func (f *fakeDatabase) Ping(ctx context.Context) error { return nil }

func (f *fakeDatabase) Close() error { return nil }

func TestAppendInsertsEntry(t *testing.T) {
	t.Parallel()
	database := &fakeDatabase{execResult: fakeResult{affected: 1}}
	repo := errorlog.NewMySQLRepository(database)

	entry := model.ErrorEntry{
		ID:        "entry-1",
		RunID:     "run-1",
		Stage:     model.StageGradeBatch,
		ErrorType: "structural",
		Code:      int(appErr.PageMalformed),
		Message:   "page payload is malformed",
		Context:   map[string]string{"page_index": "4"},
		Timestamp: 1700000000,
	}
	if err := repo.Append(context.Background(), entry); err != nil {
		t.Fatalf("expected append to succeed, got %v", err)
	}
	if len(database.execs) != 1 {
		t.Fatalf("expected 1 exec, got %d", len(database.execs))
	}
	call := database.execs[0]
	if !strings.Contains(call.query, "INSERT INTO grading_error_log") {
		t.Fatalf("unexpected query: %s", call.query)
	}
	if call.args[0] != "entry-1" || call.args[1] != "run-1" {
		t.Fatalf("unexpected args: %v", call.args)
	}
}

func TestAppendDuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	database := &fakeDatabase{
		execErr: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'entry-1' for key 'PRIMARY'"},
	}
	repo := errorlog.NewMySQLRepository(database)

	err := repo.Append(context.Background(), model.ErrorEntry{ID: "entry-1", RunID: "run-1"})
	if err != nil {
		t.Fatalf("expected duplicate append to be a no-op, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	database := &fakeDatabase{
		queryRows: &fakeRows{rows: [][]interface{}{
			{"entry-1", "run-1", "GRADE_BATCH", "transient", int(appErr.GradingTimeout),
				"page grading timed out", `{"page_index":"2"}`, "", 3, false, int64(1700000001)},
		}},
	}
	repo := errorlog.NewMySQLRepository(database)

	entries, err := repo.List(context.Background(), errorlog.ListFilter{
		RunID:          "run-1",
		Stage:          model.StageGradeBatch,
		UnresolvedOnly: true,
		Limit:          50,
	})
	if err != nil {
		t.Fatalf("expected list to succeed, got %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Stage != model.StageGradeBatch {
		t.Fatalf("expected GRADE_BATCH stage, got %s", entry.Stage)
	}
	if entry.Context["page_index"] != "2" {
		t.Fatalf("expected context to round-trip, got %v", entry.Context)
	}

	query := database.queries[0].query
	for _, fragment := range []string{"run_id = ?", "stage = ?", "resolved = 0", "ORDER BY created_at DESC", "LIMIT ?"} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected query to contain %q: %s", fragment, query)
		}
	}
}

func TestMarkResolvedMissingEntry(t *testing.T) {
	t.Parallel()
	database := &fakeDatabase{execResult: fakeResult{affected: 0}}
	repo := errorlog.NewMySQLRepository(database)

	err := repo.MarkResolved(context.Background(), "missing")
	if appErr.GetCode(err) != appErr.RecordNotFound {
		t.Fatalf("expected record not found, got %v", err)
	}
}

func TestMarkResolvedUpdates(t *testing.T) {
	t.Parallel()
	database := &fakeDatabase{execResult: fakeResult{affected: 1}}
	repo := errorlog.NewMySQLRepository(database)

	if err := repo.MarkResolved(context.Background(), "entry-1"); err != nil {
		t.Fatalf("expected mark resolved to succeed, got %v", err)
	}
	if !strings.Contains(database.execs[0].query, "SET resolved = 1") {
		t.Fatalf("unexpected query: %s", database.execs[0].query)
	}
}
