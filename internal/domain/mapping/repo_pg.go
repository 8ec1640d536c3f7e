package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// CodeMapRow is one record of the legacy code_map table.
type CodeMapRow struct {
	ID             int64
	AnalyzerName   string
	SignatureType  string
	SignatureValue string
	ClientCode     string
	ClientTitle    string
	IsActive       bool
}

// CodeMapRepoPG serves the legacy SQL code map. Lookup priority is
// OBR_CODE, then OBX_CODE, then OBX_TEXT.
type CodeMapRepoPG struct{ q queryable }

func NewCodeMapRepoPG(pool *pgxpool.Pool) *CodeMapRepoPG {
	return &CodeMapRepoPG{q: pool}
}

func (r *CodeMapRepoPG) conn() queryable { return r.q }

// Lookup returns the first active binding matching the signatures in
// priority order. A miss returns ok=false without error.
func (r *CodeMapRepoPG) Lookup(ctx context.Context, analyzer, obrCode, obxCode, obxText string) (Entry, bool, error) {
	candidates := []struct{ sigType, value string }{
		{SigOBRCode, obrCode},
		{SigOBXCode, obxCode},
		{SigOBXText, obxText},
	}
	for _, c := range candidates {
		if c.value == "" {
			continue
		}
		var e Entry
		err := r.conn().QueryRow(ctx, `
			SELECT client_code, COALESCE(client_title, '')
			FROM code_map
			WHERE analyzer_name = $1 AND signature_type = $2 AND signature_value = $3
			  AND is_active
			LIMIT 1`,
			analyzer, c.sigType, c.value).Scan(&e.ClientCode, &e.ClientTitle)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return Entry{}, false, fmt.Errorf("code_map lookup: %w", err)
		}
		return e, true, nil
	}
	return Entry{}, false, nil
}

// Upsert inserts or reactivates a binding.
func (r *CodeMapRepoPG) Upsert(ctx context.Context, row CodeMapRow) error {
	_, err := r.conn().Exec(ctx, `
		INSERT INTO code_map (analyzer_name, signature_type, signature_value, client_code, client_title, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (analyzer_name, signature_type, signature_value)
		DO UPDATE SET client_code  = EXCLUDED.client_code,
		              client_title = EXCLUDED.client_title,
		              is_active    = TRUE,
		              updated_at   = NOW()`,
		row.AnalyzerName, row.SignatureType, row.SignatureValue, row.ClientCode, row.ClientTitle)
	if err != nil {
		return fmt.Errorf("code_map upsert: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a binding so history survives.
func (r *CodeMapRepoPG) Deactivate(ctx context.Context, analyzer, sigType, sigValue string) error {
	_, err := r.conn().Exec(ctx, `
		UPDATE code_map
		SET is_active = FALSE, updated_at = NOW()
		WHERE analyzer_name = $1 AND signature_type = $2 AND signature_value = $3`,
		analyzer, sigType, sigValue)
	if err != nil {
		return fmt.Errorf("code_map deactivate: %w", err)
	}
	return nil
}

// List returns every binding for an analyzer, active first.
func (r *CodeMapRepoPG) List(ctx context.Context, analyzer string) ([]CodeMapRow, error) {
	rows, err := r.conn().Query(ctx, `
		SELECT id, analyzer_name, signature_type, signature_value,
		       client_code, COALESCE(client_title, ''), is_active
		FROM code_map
		WHERE analyzer_name = $1
		ORDER BY is_active DESC, signature_type, signature_value`,
		analyzer)
	if err != nil {
		return nil, fmt.Errorf("code_map list: %w", err)
	}
	defer rows.Close()

	var out []CodeMapRow
	for rows.Next() {
		var cm CodeMapRow
		if err := rows.Scan(&cm.ID, &cm.AnalyzerName, &cm.SignatureType, &cm.SignatureValue,
			&cm.ClientCode, &cm.ClientTitle, &cm.IsActive); err != nil {
			return nil, fmt.Errorf("code_map scan: %w", err)
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}
