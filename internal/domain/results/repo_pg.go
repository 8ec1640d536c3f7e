package results

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) SaveResult(ctx context.Context, header *RawResult, analytes []AnalyteResult) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("save result begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var resultID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO hl7_results (
			received_at, analyzer_name, raw_hl7,
			patient_id, patient_name, birth_date, sex,
			order_number, exam_code, exam_title, exam_date, exam_time,
			source_file, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		header.ReceivedAt, header.AnalyzerName, header.RawHL7,
		header.PatientID, header.PatientName, header.BirthDate, header.Sex,
		header.OrderNumber, header.ExamCode, header.ExamTitle, header.ExamDate, header.ExamTime,
		header.SourceFile, header.Status).Scan(&resultID)
	if err != nil {
		return 0, fmt.Errorf("insert result header: %w", err)
	}

	for i, a := range analytes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO hl7_obx_results (
				result_id, obx_id, code, text, value, units, ref_range, flags, obs_dt,
				export_status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			resultID, a.OBXID, a.Code, a.Text, a.Value, a.Units, a.RefRange, a.Flags, a.ObsDT,
			ExportPending); err != nil {
			return 0, fmt.Errorf("insert analyte %d of result %d: %w", i, resultID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("save result commit: %w", err)
	}
	header.ID = resultID
	return resultID, nil
}

const headerCols = `id, received_at, COALESCE(analyzer_name, ''), COALESCE(raw_hl7, ''),
	COALESCE(patient_id, ''), COALESCE(patient_name, ''), COALESCE(birth_date, ''), COALESCE(sex, ''),
	COALESCE(order_number, ''), COALESCE(exam_code, ''), COALESCE(exam_title, ''),
	COALESCE(exam_date, ''), COALESCE(exam_time, ''), COALESCE(source_file, ''), COALESCE(status, '')`

func scanHeader(row pgx.Row) (*RawResult, error) {
	var h RawResult
	err := row.Scan(&h.ID, &h.ReceivedAt, &h.AnalyzerName, &h.RawHL7,
		&h.PatientID, &h.PatientName, &h.BirthDate, &h.Sex,
		&h.OrderNumber, &h.ExamCode, &h.ExamTitle,
		&h.ExamDate, &h.ExamTime, &h.SourceFile, &h.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *repoPG) GetResult(ctx context.Context, id int64) (*RawResult, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+headerCols+` FROM hl7_results WHERE id = $1`, id)
	h, err := scanHeader(row)
	if err != nil {
		return nil, fmt.Errorf("get result %d: %w", id, err)
	}
	return h, nil
}

const analyteCols = `id, result_id, COALESCE(obx_id, ''), COALESCE(code, ''), COALESCE(text, ''),
	COALESCE(value, ''), COALESCE(units, ''), COALESCE(ref_range, ''), COALESCE(flags, ''),
	COALESCE(obs_dt, ''), COALESCE(export_status, ''), COALESCE(export_attempts, 0),
	COALESCE(export_error, ''), COALESCE(export_path, ''), exported_at`

func scanAnalyte(rows pgx.Rows, a *AnalyteResult) error {
	return rows.Scan(&a.ID, &a.ResultID, &a.OBXID, &a.Code, &a.Text,
		&a.Value, &a.Units, &a.RefRange, &a.Flags,
		&a.ObsDT, &a.ExportStatus, &a.ExportAttempts,
		&a.ExportError, &a.ExportPath, &a.ExportedAt)
}

func (r *repoPG) ListAnalytes(ctx context.Context, resultID int64) ([]AnalyteResult, error) {
	return listAnalytes(ctx, r.pool, resultID)
}

func listAnalytes(ctx context.Context, q queryable, resultID int64) ([]AnalyteResult, error) {
	rows, err := q.Query(ctx,
		`SELECT `+analyteCols+` FROM hl7_obx_results WHERE result_id = $1 ORDER BY id`, resultID)
	if err != nil {
		return nil, fmt.Errorf("list analytes of %d: %w", resultID, err)
	}
	defer rows.Close()

	var out []AnalyteResult
	for rows.Next() {
		var a AnalyteResult
		if err := scanAnalyte(rows, &a); err != nil {
			return nil, fmt.Errorf("scan analyte: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repoPG) SelectPending(ctx context.Context, limit int) ([]PendingAnalyte, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id, o.result_id, COALESCE(o.obx_id, ''), COALESCE(o.code, ''), COALESCE(o.text, ''),
		       COALESCE(o.value, ''), COALESCE(o.units, ''), COALESCE(o.ref_range, ''), COALESCE(o.flags, ''),
		       COALESCE(o.obs_dt, ''), COALESCE(o.export_status, ''), COALESCE(o.export_attempts, 0),
		       COALESCE(o.export_error, ''), COALESCE(o.export_path, ''), o.exported_at,
		       COALESCE(r.analyzer_name, ''), COALESCE(r.patient_id, ''), COALESCE(r.patient_name, ''),
		       COALESCE(r.order_number, ''), COALESCE(r.exam_code, ''), COALESCE(r.exam_title, ''),
		       COALESCE(r.exam_date, ''), COALESCE(r.exam_time, '')
		  FROM hl7_obx_results o
		  JOIN hl7_results r ON r.id = o.result_id
		 WHERE COALESCE(o.export_status, '') NOT IN ($1, $2)
		 ORDER BY o.id
		 LIMIT $3`,
		ExportSent, ExportSkipped, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending analytes: %w", err)
	}
	defer rows.Close()

	var out []PendingAnalyte
	for rows.Next() {
		var p PendingAnalyte
		if err := rows.Scan(&p.ID, &p.ResultID, &p.OBXID, &p.Code, &p.Text,
			&p.Value, &p.Units, &p.RefRange, &p.Flags,
			&p.ObsDT, &p.ExportStatus, &p.ExportAttempts,
			&p.ExportError, &p.ExportPath, &p.ExportedAt,
			&p.AnalyzerName, &p.PatientID, &p.PatientName,
			&p.OrderNumber, &p.ExamCode, &p.ExamTitle,
			&p.ExamDate, &p.ExamTime); err != nil {
			return nil, fmt.Errorf("scan pending analyte: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repoPG) MarkSent(ctx context.Context, analyteID int64, path string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE hl7_obx_results
		   SET export_status   = $1,
		       export_error    = NULL,
		       export_path     = $2,
		       exported_at     = NOW(),
		       export_attempts = export_attempts + 1
		 WHERE id = $3`,
		ExportSent, path, analyteID)
	if err != nil {
		return fmt.Errorf("mark analyte %d sent: %w", analyteID, err)
	}
	return nil
}

func (r *repoPG) MarkError(ctx context.Context, analyteID int64, msg string) error {
	return r.markFailed(ctx, analyteID, ExportError, msg)
}

func (r *repoPG) MarkMappingNotFound(ctx context.Context, analyteID int64, msg string) error {
	return r.markFailed(ctx, analyteID, ExportMappingNotFound, msg)
}

func (r *repoPG) markFailed(ctx context.Context, analyteID int64, status, msg string) error {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE hl7_obx_results
		   SET export_status   = $1,
		       export_error    = $2,
		       export_attempts = export_attempts + 1
		 WHERE id = $3`,
		status, msg, analyteID)
	if err != nil {
		return fmt.Errorf("mark analyte %d %s: %w", analyteID, status, err)
	}
	return nil
}
