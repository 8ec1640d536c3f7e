package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// repoPG routes single-statement reads and writes through q so tests can
// substitute a fake; the pool itself is held for transactional upserts.
type repoPG struct {
	q    queryable
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{q: pool, pool: pool}
}

func (r *repoPG) UpsertOrders(ctx context.Context, records []OrderRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("orders upsert begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		var nombre, sexo, fnac string
		if len(rec.Examenes) > 0 {
			nombre = rec.Examenes[0].Nombre
			sexo = rec.Examenes[0].Sexo
			fnac = rec.Examenes[0].FechaNacimiento
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO patients (documento, nombre, sexo, fecha_nacimiento)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (documento) DO UPDATE SET
				nombre           = EXCLUDED.nombre,
				sexo             = EXCLUDED.sexo,
				fecha_nacimiento = EXCLUDED.fecha_nacimiento`,
			rec.Documento, nombre, sexo, fnac); err != nil {
			return fmt.Errorf("upsert patient %s: %w", rec.Documento, err)
		}

		for _, e := range rec.Examenes {
			id, err := strconv.ParseInt(e.ID, 10, 64)
			if err != nil {
				return fmt.Errorf("exam id %q for patient %s: %w", e.ID, rec.Documento, err)
			}
			// Insert keeps PENDING; refresh never touches a status an earlier
			// ingest or dispatch already advanced.
			if _, err := tx.Exec(ctx, `
				INSERT INTO exams (id, paciente_doc, protocolo_codigo, protocolo_titulo,
				                   tubo, tubo_muestra, fecha, hora, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO UPDATE SET
					paciente_doc     = EXCLUDED.paciente_doc,
					protocolo_codigo = EXCLUDED.protocolo_codigo,
					protocolo_titulo = EXCLUDED.protocolo_titulo,
					tubo             = EXCLUDED.tubo,
					tubo_muestra     = EXCLUDED.tubo_muestra,
					fecha            = EXCLUDED.fecha,
					hora             = EXCLUDED.hora`,
				id, rec.Documento, e.ProtocoloCodigo, e.ProtocoloTitulo,
				e.Tubo, e.TuboMuestra, e.Fecha, e.Hora, StatusPending); err != nil {
				return fmt.Errorf("upsert exam %d: %w", id, err)
			}
		}
	}
	return tx.Commit(ctx)
}

const examCols = `id, paciente_doc, COALESCE(protocolo_codigo, ''), COALESCE(protocolo_titulo, ''),
	COALESCE(tubo, ''), COALESCE(tubo_muestra, ''), COALESCE(fecha, ''), COALESCE(hora, ''),
	COALESCE(status, ''), COALESCE(result_value, ''), COALESCE(result_xml, '')`

func scanExam(row pgx.Row) (*Exam, error) {
	var e Exam
	err := row.Scan(&e.ID, &e.PacienteDoc, &e.ProtocoloCodigo, &e.ProtocoloTitulo,
		&e.Tubo, &e.TuboMuestra, &e.Fecha, &e.Hora,
		&e.Status, &e.ResultValue, &e.ResultXML)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan exam: %w", err)
	}
	return &e, nil
}

func (r *repoPG) FindExamByTube(ctx context.Context, tuboMuestra string) (*Exam, error) {
	if tuboMuestra == "" {
		return nil, nil
	}
	return scanExam(r.q.QueryRow(ctx, `
		SELECT `+examCols+`
		FROM exams
		WHERE tubo_muestra = $1
		ORDER BY id DESC
		LIMIT 1`, tuboMuestra))
}

func (r *repoPG) FindExam(ctx context.Context, q ExamQuery) (*Exam, error) {
	// 1) sample tube, exact
	if e, err := r.FindExamByTube(ctx, q.TuboMuestra); err != nil || e != nil {
		return e, err
	}

	// 2) patient document + protocol code
	if q.PacienteDoc != "" && q.ProtocoloCodigo != "" {
		e, err := scanExam(r.q.QueryRow(ctx, `
			SELECT `+examCols+`
			FROM exams
			WHERE paciente_doc = $1 AND protocolo_codigo = $2
			ORDER BY fecha DESC, hora DESC, id DESC
			LIMIT 1`, q.PacienteDoc, q.ProtocoloCodigo))
		if err != nil || e != nil {
			return e, err
		}
	}

	// 3) patient name + protocol code, for analyzers without demographics
	if q.NombrePaciente != "" && q.ProtocoloCodigo != "" {
		e, err := scanExam(r.q.QueryRow(ctx, `
			SELECT `+examColsPrefixed("e")+`
			FROM exams e
			JOIN patients p ON p.documento = e.paciente_doc
			WHERE UPPER(p.nombre) = UPPER($1) AND e.protocolo_codigo = $2
			ORDER BY e.fecha DESC, e.hora DESC, e.id DESC
			LIMIT 1`, q.NombrePaciente, q.ProtocoloCodigo))
		if err != nil || e != nil {
			return e, err
		}
	}
	return nil, nil
}

func examColsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.paciente_doc,
	COALESCE(` + alias + `.protocolo_codigo, ''), COALESCE(` + alias + `.protocolo_titulo, ''),
	COALESCE(` + alias + `.tubo, ''), COALESCE(` + alias + `.tubo_muestra, ''),
	COALESCE(` + alias + `.fecha, ''), COALESCE(` + alias + `.hora, ''),
	COALESCE(` + alias + `.status, ''), COALESCE(` + alias + `.result_value, ''), COALESCE(` + alias + `.result_xml, '')`
}

func (r *repoPG) AttachResult(ctx context.Context, examID int64, resultXML, resultValue string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE exams
		SET result_xml   = COALESCE(NULLIF($2, ''), result_xml),
		    result_value = COALESCE(NULLIF($3, ''), result_value),
		    status       = $4,
		    resulted_at  = NOW()
		WHERE id = $1`,
		examID, resultXML, resultValue, StatusResulted)
	if err != nil {
		return fmt.Errorf("attach result to exam %d: %w", examID, err)
	}
	return nil
}

func (r *repoPG) MarkSent(ctx context.Context, examID int64) error {
	_, err := r.q.Exec(ctx, `
		UPDATE exams
		SET status = $2, sent_at = NOW()
		WHERE id = $1`,
		examID, StatusSent)
	if err != nil {
		return fmt.Errorf("mark exam %d sent: %w", examID, err)
	}
	return nil
}
