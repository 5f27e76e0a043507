package kv

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

func TestWithSchema_Validation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	cases := []struct {
		schema  string
		wantErr bool
	}{
		{schema: "proserve", wantErr: false},
		{schema: "site_42", wantErr: false},
		{schema: "", wantErr: true},
		{schema: "bad-name", wantErr: true},
		{schema: `x"; DROP TABLE kv_entries; --`, wantErr: true},
	}

	for _, tc := range cases {
		_, err := NewPostgresBackend(mock, WithSchema(tc.schema))
		if (err != nil) != tc.wantErr {
			t.Fatalf("WithSchema(%q) err=%v wantErr=%v", tc.schema, err, tc.wantErr)
		}
	}
}

func TestPostgresBackend_GetSetDelete(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	b, err := NewPostgresBackend(mock)
	if err != nil {
		t.Fatalf("NewPostgresBackend: %v", err)
	}

	table := regexp.QuoteMeta(`"proserve"."kv_entries"`)

	mock.ExpectExec(`INSERT INTO ` + table).
		WithArgs("cashierId", "7").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT value FROM ` + table).
		WithArgs("cashierId").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("7"))
	mock.ExpectExec(`DELETE FROM ` + table).
		WithArgs("cashierId").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`SELECT value FROM ` + table).
		WithArgs("cashierId").
		WillReturnError(pgx.ErrNoRows)

	ctx := context.Background()

	if err := b.Set(ctx, "cashierId", "7"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := b.Get(ctx, "cashierId")
	if err != nil || !ok || v != "7" {
		t.Fatalf("Get = (%q,%v,%v) want (\"7\",true,nil)", v, ok, err)
	}
	if err := b.Delete(ctx, "cashierId"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, ok, err = b.Get(ctx, "cashierId")
	if err != nil || ok || v != "" {
		t.Fatalf("Get after delete = (%q,%v,%v) want (\"\",false,nil)", v, ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresBackend_ErrorSurfacesToStoreAsAbsent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	b, err := NewPostgresBackend(mock, WithSchema("site_1"))
	if err != nil {
		t.Fatalf("NewPostgresBackend: %v", err)
	}

	mock.ExpectQuery(`SELECT value FROM`).
		WithArgs("role").
		WillReturnError(errors.New("connection reset"))

	s := New(discardLogger(), b)
	if v, ok := s.Get("role"); ok || v != "" {
		t.Fatalf("Get = (%q,%v) want (\"\",false)", v, ok)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresBackend_EnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	b, err := NewPostgresBackend(mock)
	if err != nil {
		t.Fatalf("NewPostgresBackend: %v", err)
	}

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := b.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
