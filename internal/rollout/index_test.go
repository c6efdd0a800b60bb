package rollout

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestIndexUpsertAndLookupByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	idx := newIndex(db)

	meta := SessionMeta{ID: "sess-1", Timestamp: time.Unix(0, 0).UTC(), Cwd: "/work", ModelProvider: "openai"}
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(meta.ID, "/sessions/rollout-1.jsonl", meta.Timestamp.Format(time.RFC3339Nano), meta.Cwd, meta.ModelProvider).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := idx.Upsert(meta, "/sessions/rollout-1.jsonl"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	mock.ExpectQuery("SELECT path FROM sessions WHERE id = ?").
		WithArgs(meta.ID).
		WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("/sessions/rollout-1.jsonl"))
	path, ok, err := idx.LookupByID(meta.ID)
	if err != nil {
		t.Fatalf("LookupByID: %v", err)
	}
	if !ok || path != "/sessions/rollout-1.jsonl" {
		t.Fatalf("LookupByID = %q, %v, want hit", path, ok)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexLookupByIDMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	idx := newIndex(db)

	mock.ExpectQuery("SELECT path FROM sessions WHERE id = ?").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"path"}))
	_, ok, err := idx.LookupByID("missing")
	if err != nil {
		t.Fatalf("LookupByID: %v", err)
	}
	if ok {
		t.Fatalf("LookupByID: got hit for missing id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexMostRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	idx := newIndex(db)

	mock.ExpectQuery("SELECT path FROM sessions ORDER BY timestamp DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("/sessions/newest.jsonl"))
	path, ok, err := idx.MostRecent()
	if err != nil {
		t.Fatalf("MostRecent: %v", err)
	}
	if !ok || path != "/sessions/newest.jsonl" {
		t.Fatalf("MostRecent = %q, %v, want newest", path, ok)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
