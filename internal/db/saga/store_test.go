package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"caravan/internal/saga"
)

func newStoreMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_participants").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_step_results").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_locks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS saga_locks_exclusive_resource").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestStore_CreateTransaction(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := &saga.TransactionRecord{
		ID: "tx-1",
		Definition: saga.SagaDefinition{
			ID:    "tx-1",
			Steps: []saga.SagaStep{{ID: "a", ParticipantID: "p", Method: "do"}},
		},
		State:     saga.StatePreparing,
		StartedAt: started,
	}
	definition, _ := json.Marshal(rec.Definition)

	mock.ExpectExec("INSERT INTO saga_transactions").
		WithArgs("tx-1", definition, "preparing", "", started, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.CreateTransaction(context.Background(), rec); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
}

func TestStore_UpdateTransaction(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	completed := time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC)
	rec := &saga.TransactionRecord{
		ID:                    "tx-1",
		State:                 saga.StateAborted,
		Error:                 "card declined",
		CompletedAt:           &completed,
		CompensationTriggered: true,
	}

	mock.ExpectExec("UPDATE saga_transactions").
		WithArgs("tx-1", "aborted", "card declined", &completed, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.UpdateTransaction(context.Background(), rec); err != nil {
		t.Fatalf("UpdateTransaction: %v", err)
	}
}

func TestStore_SaveStepResult(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(250 * time.Millisecond)
	res := saga.StepResult{
		StepID:      "a",
		Success:     true,
		Data:        map[string]any{"reservation": "r-1"},
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    250 * time.Millisecond,
		RetryCount:  1,
	}
	data, _ := json.Marshal(res.Data)

	mock.ExpectExec("INSERT INTO saga_step_results").
		WithArgs("tx-1", "a", false, true, data, nil, int64(250), started, completed, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.SaveStepResult(context.Background(), "tx-1", res, false); err != nil {
		t.Fatalf("SaveStepResult: %v", err)
	}
}

func TestStore_SaveStepResult_FailureWithError(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	res := saga.StepResult{
		StepID:      "a",
		Success:     false,
		Error:       &saga.StepError{Code: "DECLINED", Message: "no", Retryable: false},
		StartedAt:   started,
		CompletedAt: started,
		RetryCount:  2,
	}
	stepErr, _ := json.Marshal(res.Error)

	mock.ExpectExec("INSERT INTO saga_step_results").
		WithArgs("tx-1", "a", true, false, nil, stepErr, int64(0), started, started, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.SaveStepResult(context.Background(), "tx-1", res, true); err != nil {
		t.Fatalf("SaveStepResult: %v", err)
	}
}

func TestStore_GetTransaction_SplitsResults(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(time.Second)
	definition, _ := json.Marshal(saga.SagaDefinition{ID: "tx-1"})

	mock.ExpectQuery("SELECT id, saga_definition, state").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "saga_definition", "state", "error", "started_at", "completed_at", "compensation_triggered"}).
			AddRow("tx-1", definition, "aborted", "card declined", started, completed, true))

	mock.ExpectQuery("SELECT step_id, is_compensation, success").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"step_id", "is_compensation", "success", "data", "error", "duration_ms", "started_at", "completed_at", "retry_count"}).
			AddRow("a", false, true, []byte(`{"reservation":"r-1"}`), nil, int64(250), started, completed, 1).
			AddRow("a", true, true, nil, nil, int64(10), started, completed, 1).
			AddRow("b", false, false, nil, []byte(`{"code":"DECLINED","message":"no","retryable":false}`), int64(5), started, completed, 2))
	mock.ExpectClose()

	store := NewStore(db)
	rec, err := store.GetTransaction(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record")
	}
	if rec.State != saga.StateAborted || !rec.CompensationTriggered {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(completed) {
		t.Fatalf("unexpected completedAt: %v", rec.CompletedAt)
	}
	if res := rec.StepResults["a"]; !res.Success || res.Data["reservation"] != "r-1" || res.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected forward result: %+v", res)
	}
	if res, ok := rec.CompensationResults["a"]; !ok || !res.Success {
		t.Fatalf("unexpected compensation result: %+v", res)
	}
	if res := rec.StepResults["b"]; res.Success || res.Error == nil || res.Error.Code != "DECLINED" {
		t.Fatalf("unexpected failed result: %+v", res)
	}
}

func TestStore_GetTransaction_Missing(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, saga_definition, state").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "saga_definition", "state", "error", "started_at", "completed_at", "compensation_triggered"}))
	mock.ExpectClose()

	store := NewStore(db)
	rec, err := store.GetTransaction(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for missing transaction, got %+v", rec)
	}
}

func TestStore_ListTransactions_StateFilter(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	definition, _ := json.Marshal(saga.SagaDefinition{ID: "tx-1"})

	mock.ExpectQuery("WHERE state = ").
		WithArgs("committed", 10).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "saga_definition", "state", "error", "started_at", "completed_at", "compensation_triggered"}).
			AddRow("tx-1", definition, "committed", "", started, nil, false))
	mock.ExpectClose()

	store := NewStore(db)
	out, err := store.ListTransactions(context.Background(), saga.StateCommitted, 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(out) != 1 || out[0].ID != "tx-1" || out[0].State != saga.StateCommitted {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestStore_ListTransactions_DefaultLimit(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("ORDER BY started_at DESC LIMIT").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "saga_definition", "state", "error", "started_at", "completed_at", "compensation_triggered"}))
	mock.ExpectClose()

	store := NewStore(db)
	out, err := store.ListTransactions(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty list, got %+v", out)
	}
}

func TestStore_WithSchemaHelperError(t *testing.T) {
	db, mock, cleanup := newStoreMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_transactions").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectClose()

	store, err := NewStoreWithSchema(context.Background(), db)
	if err == nil {
		t.Fatalf("expected error")
	}
	if store != nil {
		t.Fatalf("expected nil store on error")
	}
}
