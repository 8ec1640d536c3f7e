package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/labbridge/labbridge/internal/domain/mapping"
	"github.com/labbridge/labbridge/internal/domain/orders"
	"github.com/labbridge/labbridge/internal/domain/results"
)

// cycleRepo keeps analyte rows in memory with live export statuses, so a
// second Run sees the effect of the first.
type cycleRepo struct {
	results.Repository
	rows []results.PendingAnalyte

	sentPaths map[int64]string
	errs      map[int64]string
	mnf       map[int64]string
}

func newCycleRepo(rows ...results.PendingAnalyte) *cycleRepo {
	return &cycleRepo{
		rows:      rows,
		sentPaths: map[int64]string{},
		errs:      map[int64]string{},
		mnf:       map[int64]string{},
	}
}

func (r *cycleRepo) SelectPending(_ context.Context, limit int) ([]results.PendingAnalyte, error) {
	var out []results.PendingAnalyte
	for _, row := range r.rows {
		if row.ExportStatus == results.ExportSent || row.ExportStatus == results.ExportSkipped {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *cycleRepo) setStatus(id int64, status string) {
	for i := range r.rows {
		if r.rows[i].ID == id {
			r.rows[i].ExportStatus = status
		}
	}
}

func (r *cycleRepo) MarkSent(_ context.Context, id int64, path string) error {
	r.setStatus(id, results.ExportSent)
	r.sentPaths[id] = path
	return nil
}

func (r *cycleRepo) MarkError(_ context.Context, id int64, msg string) error {
	r.setStatus(id, results.ExportError)
	r.errs[id] = msg
	return nil
}

func (r *cycleRepo) MarkMappingNotFound(_ context.Context, id int64, msg string) error {
	r.setStatus(id, results.ExportMappingNotFound)
	r.mnf[id] = msg
	return nil
}

type fakeMarker struct {
	marked   []int64
	attached []string // "examID:value"
}

func (f *fakeMarker) AttachResult(_ context.Context, examID int64, _, resultValue string) error {
	f.attached = append(f.attached, fmt.Sprintf("%d:%s", examID, resultValue))
	return nil
}

func (f *fakeMarker) MarkSent(_ context.Context, examID int64) error {
	f.marked = append(f.marked, examID)
	return nil
}

func icon3Pending(id int64, code, value string) results.PendingAnalyte {
	return results.PendingAnalyte{
		AnalyteResult: results.AnalyteResult{
			ID:    id,
			Code:  code,
			Text:  code,
			Value: value,
			Units: "10e9/L",
		},
		AnalyzerName: "ICON3",
		PatientName:  "JUANCHO CORRELON",
		ExamCode:     "CBC",
	}
}

func TestCycle_Run_EndToEnd(t *testing.T) {
	repo := newCycleRepo(icon3Pending(1, "WBC", "8.5"), icon3Pending(2, "HGB", "14.2"))
	m := &fakeMapping{entries: map[string]mapping.Entry{
		"ICON3|WBC": {ClientCode: "2001"},
		"ICON3|HGB": {ClientCode: "2002"},
	}}
	exams := &fakeExams{exam: &orders.Exam{ID: 9003, PacienteDoc: "777", Fecha: "2024-05-10"}}
	api := &fakeAPI{}
	marker := &fakeMarker{}
	c := NewCycle(repo, newTestSender(m, exams, api), marker, 200, true, zerolog.Nop())

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Picked != 2 || stats.Sent != 2 || stats.Errors != 0 {
		t.Fatalf("stats: %+v", stats)
	}
	if len(api.sends) != 2 {
		t.Fatalf("sends: %d", len(api.sends))
	}
	// The analyzer transmits no tube or document; resolution runs on the
	// patient name plus the mapped client code.
	if exams.queries[0].NombrePaciente != "JUANCHO CORRELON" || exams.queries[0].ProtocoloCodigo != "2001" {
		t.Errorf("exam query: %+v", exams.queries[0])
	}
	// One close per exam, not per analyte.
	if len(api.closes) != 1 || api.closes[0] != 9003 {
		t.Errorf("closes: %v", api.closes)
	}
	if len(marker.marked) != 1 || marker.marked[0] != 9003 {
		t.Errorf("exam marker: %v", marker.marked)
	}
	// Every delivered analyte attaches its value before the exam closes.
	if len(marker.attached) != 2 || marker.attached[0] != "9003:8.5" || marker.attached[1] != "9003:14.2" {
		t.Errorf("attached results: %v", marker.attached)
	}
	if _, ok := repo.sentPaths[1]; !ok {
		t.Error("analyte 1 not marked sent")
	}

	// A second run over the same state must not double-send anything.
	stats, err = c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Picked != 0 || stats.Sent != 0 {
		t.Errorf("second run stats: %+v", stats)
	}
	if len(api.sends) != 2 {
		t.Errorf("second run re-sent: %d total sends", len(api.sends))
	}
}

func TestCycle_Run_MappingNotFoundIsDistinct(t *testing.T) {
	repo := newCycleRepo(icon3Pending(1, "XYZ", "1"))
	c := NewCycle(repo, newTestSender(&fakeMapping{}, &fakeExams{}, &fakeAPI{}),
		nil, 200, false, zerolog.Nop())

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Errors != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if _, ok := repo.mnf[1]; !ok {
		t.Error("expected distinct MAPPING_NOT_FOUND mark")
	}
	if len(repo.errs) != 0 {
		t.Errorf("generic error marks: %v", repo.errs)
	}

	// MAPPING_NOT_FOUND stays eligible for the next cycle.
	pending, _ := repo.SelectPending(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("row must remain pending, got %d", len(pending))
	}
}

func TestCycle_Run_ExamNotFoundIsGenericError(t *testing.T) {
	repo := newCycleRepo(icon3Pending(1, "WBC", "8.5"))
	m := &fakeMapping{entries: map[string]mapping.Entry{"ICON3|WBC": {ClientCode: "2001"}}}
	api := &fakeAPI{}
	c := NewCycle(repo, newTestSender(m, &fakeExams{exam: nil}, api), nil, 200, false, zerolog.Nop())

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Errors != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if _, ok := repo.errs[1]; !ok {
		t.Error("expected generic error mark")
	}
	if len(api.sends) != 0 {
		t.Error("nothing may reach the API without an exam")
	}
}

func TestCycle_Run_EmptyPendingIsNoOp(t *testing.T) {
	c := NewCycle(newCycleRepo(), newTestSender(&fakeMapping{}, &fakeExams{}, &fakeAPI{}),
		nil, 200, true, zerolog.Nop())
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats: %+v", stats)
	}
}

func TestCycle_Run_SkipsWhileRunning(t *testing.T) {
	repo := newCycleRepo(icon3Pending(1, "WBC", "8.5"))
	api := &fakeAPI{}
	c := NewCycle(repo, newTestSender(&fakeMapping{}, &fakeExams{}, api), nil, 200, true, zerolog.Nop())

	c.running.Store(true)
	stats, err := c.Run(context.Background())
	if err != nil || stats != (Stats{}) {
		t.Fatalf("overlapping run must be a no-op: %+v %v", stats, err)
	}
	if len(api.sends) != 0 {
		t.Error("overlapping run touched the API")
	}
}

func TestCycle_Run_BatchLimit(t *testing.T) {
	repo := newCycleRepo(icon3Pending(1, "WBC", "1"), icon3Pending(2, "WBC", "2"), icon3Pending(3, "WBC", "3"))
	m := &fakeMapping{entries: map[string]mapping.Entry{"ICON3|WBC": {ClientCode: "2001"}}}
	exams := &fakeExams{exam: &orders.Exam{ID: 9003, PacienteDoc: "777", Fecha: "2024-05-10"}}
	c := NewCycle(repo, newTestSender(m, exams, &fakeAPI{}), nil, 2, false, zerolog.Nop())

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Picked != 2 || stats.Sent != 2 {
		t.Fatalf("stats: %+v", stats)
	}
}
