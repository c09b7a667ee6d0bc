package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b');\nselect 1;\n  ")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'a;b'") {
		t.Fatalf("quoted semicolon split: %q", stmts[0])
	}
}

func TestEmbeddedFilesPresent(t *testing.T) {
	ups, err := fs.ReadDir(migrations, migrationsDir)
	if err != nil || len(ups) == 0 {
		t.Fatalf("expected embedded migrations, err=%v", err)
	}
	body, err := fs.ReadFile(migrations, migrationsDir+"/"+ups[0].Name())
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, want := range []string{"-- +goose Up", "-- +goose Down", "entitlements_live_uq", "rate_limit_windows"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("migration missing %q", want)
		}
	}
	sub, _ := fs.Sub(seeds, seedsDir)
	files, err := collectSQL(sub)
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(files) < 2 || files[0] > files[1] {
		t.Fatalf("expected ordered seeds, got %v", files)
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("insert into a values (1);")},
		"0002_b.sql": {Data: []byte("insert into b values (2); insert into b values (3);")},
		"README.md":  {Data: []byte("ignored")},
	}

	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into b values \\(2\\)").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into b values \\(3\\)").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").WithArgs("0002_b.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := NewManager(db, WithSeeds(fsys)).Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.sql" {
		t.Fatalf("unexpected applied seeds %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
