package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/conveyance/internal/store"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestQueryGet(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT value FROM kv_entries WHERE key = \\$1").WithArgs("realtime_updates").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`[]`))

	got, err := queryGet(context.Background(), db, "realtime_updates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `[]` {
		t.Fatalf("got %q, want []", got)
	}
}

func TestQueryGet_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT value FROM kv_entries").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := queryGet(context.Background(), db, "missing")
	if !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestQuerySet(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO kv_entries .+ ON CONFLICT \\(key\\) DO UPDATE").
		WithArgs("delivered_documents", `[{"id":"doc-1"}]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := querySet(context.Background(), db, "delivered_documents", `[{"id":"doc-1"}]`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryDelete(t *testing.T) {
	db, mock := newMockDB(t)
	keys := []string{"realtime_updates", "completion_proposals"}
	mock.ExpectExec("DELETE FROM kv_entries WHERE key = ANY").
		WithArgs(pq.Array(keys)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := queryDelete(context.Background(), db, keys); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryKeys(t *testing.T) {
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"key"}).
		AddRow("document_content:doc-1").
		AddRow("document_content:doc-2")
	mock.ExpectQuery("SELECT key FROM kv_entries").WithArgs("document_content:").WillReturnRows(rows)

	keys, err := queryKeys(context.Background(), db, "document_content:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "document_content:doc-1" {
		t.Fatalf("got %v", keys)
	}
}

func TestStoreDelete_NoKeys(t *testing.T) {
	db, _ := newMockDB(t)
	s := NewWithDB(db)
	// No expectations: an empty key list must not reach the database.
	if err := s.Delete(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStoreUpdate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		rows    *sqlmock.Rows
		wantCur string
		wantEx  bool
	}{
		{"existing", sqlmock.NewRows([]string{"value"}).AddRow(`["a"]`), `["a"]`, true},
		{"absent", sqlmock.NewRows([]string{"value"}), "", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectBegin()
			mock.ExpectExec("SELECT pg_advisory_xact_lock\\(hashtext\\(\\$1\\)\\)").WithArgs("realtime_updates").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT value FROM kv_entries").WithArgs("realtime_updates").WillReturnRows(tc.rows)
			mock.ExpectExec("INSERT INTO kv_entries").WithArgs("realtime_updates", `["a","b"]`).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			s := NewWithDB(db)
			err := s.Update(context.Background(), "realtime_updates", func(cur string, exists bool) (string, error) {
				if cur != tc.wantCur || exists != tc.wantEx {
					t.Errorf("fn got (%q, %v), want (%q, %v)", cur, exists, tc.wantCur, tc.wantEx)
				}
				return `["a","b"]`, nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStoreUpdate_FnErrorRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("k").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT value FROM kv_entries").WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("v"))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := NewWithDB(db).Update(context.Background(), "k", func(string, bool) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestStoreUpdate_LockError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("k").WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	err := NewWithDB(db).Update(context.Background(), "k", func(string, bool) (string, error) {
		t.Fatal("fn must not run when the lock fails")
		return "", nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
