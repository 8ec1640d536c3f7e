package mapping

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB answers QueryRow from a per-signature-type table and records every
// statement it sees.
type fakeDB struct {
	bindings map[string]Entry // signature type -> entry
	execs    []string
	lookups  []string
}

type fakeRow struct {
	entry Entry
	err   error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.entry.ClientCode
	*dest[1].(*string) = r.entry.ClientTitle
	return nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...interface{}) pgx.Row {
	sigType := args[1].(string)
	f.lookups = append(f.lookups, sigType)
	if e, ok := f.bindings[sigType]; ok {
		return fakeRow{entry: e}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(_ context.Context, _ string, _ ...interface{}) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func TestCodeMapLookup_PriorityOrder(t *testing.T) {
	db := &fakeDB{bindings: map[string]Entry{
		SigOBXCode: {ClientCode: "2001", ClientTitle: "Hemograma"},
		SigOBXText: {ClientCode: "9999", ClientTitle: "should not win"},
	}}
	repo := &CodeMapRepoPG{q: db}

	e, ok, err := repo.Lookup(context.Background(), "ICON3", "NOPE", "WBC", "WBC COUNT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || e.ClientCode != "2001" {
		t.Fatalf("expected OBX_CODE binding to win, got %+v ok=%v", e, ok)
	}
	// OBR miss must be tried first, OBX_TEXT never reached.
	if len(db.lookups) != 2 || db.lookups[0] != SigOBRCode || db.lookups[1] != SigOBXCode {
		t.Errorf("lookup order: %v", db.lookups)
	}
}

func TestCodeMapLookup_SkipsEmptySignatures(t *testing.T) {
	db := &fakeDB{bindings: map[string]Entry{
		SigOBXText: {ClientCode: "1011"},
	}}
	repo := &CodeMapRepoPG{q: db}

	e, ok, err := repo.Lookup(context.Background(), "FINECARE", "", "", "PCR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || e.ClientCode != "1011" {
		t.Fatalf("expected OBX_TEXT binding, got %+v ok=%v", e, ok)
	}
	if len(db.lookups) != 1 || db.lookups[0] != SigOBXText {
		t.Errorf("empty signatures must not be queried: %v", db.lookups)
	}
}

func TestCodeMapLookup_MissIsNotAnError(t *testing.T) {
	db := &fakeDB{}
	repo := &CodeMapRepoPG{q: db}

	_, ok, err := repo.Lookup(context.Background(), "FINECARE", "X", "Y", "Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected a miss")
	}
}

func TestCodeMapUpsertAndDeactivate(t *testing.T) {
	db := &fakeDB{}
	repo := &CodeMapRepoPG{q: db}

	err := repo.Upsert(context.Background(), CodeMapRow{
		AnalyzerName: "FINECARE", SignatureType: SigOBXCode,
		SignatureValue: "CRP", ClientCode: "1011",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.Deactivate(context.Background(), "FINECARE", SigOBXCode, "CRP"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(db.execs))
	}
}
