package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/labbridge/labbridge/internal/domain/mapping"
	"github.com/labbridge/labbridge/internal/domain/orders"
)

// Record is the minimal analyte-send record the driver assembles from one
// stored analyte plus its header fields.
type Record struct {
	AnalyteID   int64
	Analyzer    string
	Code        string
	Text        string
	Value       string
	Units       string
	RefRange    string
	When        string
	Tube        string
	PatientID   string
	PatientName string

	// CloseAfterSend asks for the exam-closing call once the analyte has
	// been delivered. The driver owns this policy, not the sender.
	CloseAfterSend bool
}

// Issue is one classified error recorded in an Outcome.
type Issue struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Outcome is the structured result of one send attempt. ProcessRecord
// always returns it; no error escapes the flow.
type Outcome struct {
	OK         bool     `json:"ok"`
	ExamID     int64    `json:"exam_id,omitempty"`
	ClientCode string   `json:"client_code,omitempty"`
	OrderDate  string   `json:"order_date,omitempty"`
	PatientID  string   `json:"patient_id,omitempty"`
	SentCount  int      `json:"sent_count"`
	TracePath  string   `json:"trace_path,omitempty"`
	Errors     []Issue  `json:"errors,omitempty"`
	Logs       []string `json:"logs,omitempty"`
}

// senderContext is the resolved per-attempt context. Built fresh per call,
// never shared.
type senderContext struct {
	analyzer   string
	obxText    string
	tube       string
	clientCode string
	examID     int64
	orderDate  string // YYYY-MM-DD
	patientID  string
}

// ExamFinder is the slice of the orders repository the sender needs.
type ExamFinder interface {
	FindExam(ctx context.Context, q orders.ExamQuery) (*orders.Exam, error)
}

// ResultSender orchestrates one analyte send: mapping resolution, exam
// resolution, payload build, HTTP submission, optional exam close.
type ResultSender struct {
	mapping mapping.Resolver
	exams   ExamFinder
	api     APIClient
	tracer  *TraceWriter
	log     zerolog.Logger
}

func NewResultSender(m mapping.Resolver, exams ExamFinder, api APIClient, tracer *TraceWriter, log zerolog.Logger) *ResultSender {
	return &ResultSender{
		mapping: m,
		exams:   exams,
		api:     api,
		tracer:  tracer,
		log:     log.With().Str("component", "result_sender").Logger(),
	}
}

// ProcessRecord runs the full send flow for one analyte. Every failure is
// converted into a classified Issue on the outcome; this method never
// returns an error and never panics past itself.
func (s *ResultSender) ProcessRecord(ctx context.Context, rec Record) (out Outcome) {
	logInfo := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		out.Logs = append(out.Logs, msg)
		s.log.Info().Int64("analyte_id", rec.AnalyteID).Msg(msg)
	}
	fail := func(fe *FlowError) {
		out.Logs = append(out.Logs, "["+string(fe.Code)+"] "+fe.Message)
		out.Errors = append(out.Errors, Issue{Code: fe.Code, Message: fe.Message})
		s.log.Error().Int64("analyte_id", rec.AnalyteID).Str("code", string(fe.Code)).Msg(fe.Message)
	}

	defer func() {
		if r := recover(); r != nil {
			fail(flowErrf(CodeUnknown, "panic in send flow: %v", r))
			out.OK = false
		}
	}()

	sctx, fe := s.resolveContext(ctx, rec)
	if fe != nil {
		fail(fe)
		return out
	}
	out.ExamID = sctx.examID
	out.ClientCode = sctx.clientCode
	out.OrderDate = sctx.orderDate
	out.PatientID = sctx.patientID
	logInfo("context resolved: exam=%d client_code=%s date=%s", sctx.examID, sctx.clientCode, sctx.orderDate)

	// The payload is an audit artifact; the wire call itself is
	// query-string only.
	tracePath, fe := s.buildXML(sctx, rec)
	if fe != nil {
		fail(fe)
		return out
	}
	out.TracePath = tracePath
	logInfo("payload built")

	if fe := s.sendOne(ctx, sctx, rec); fe != nil {
		fail(fe)
		return out
	}
	out.SentCount++
	logInfo("analyte sent")

	if rec.CloseAfterSend {
		if fe := s.closeExam(ctx, sctx); fe != nil {
			fail(fe)
			return out
		}
		logInfo("exam closed")
	}

	out.OK = true
	return out
}

// CloseResolvedExam issues the closing call for an exam already resolved by
// a prior successful send in the same cycle.
func (s *ResultSender) CloseResolvedExam(ctx context.Context, examID int64, patientID, orderDate string) error {
	sctx := &senderContext{examID: examID, patientID: patientID, orderDate: orderDate}
	if fe := s.closeExam(ctx, sctx); fe != nil {
		return fe
	}
	return nil
}

func (s *ResultSender) resolveContext(ctx context.Context, rec Record) (*senderContext, *FlowError) {
	if rec.Analyzer == "" {
		return nil, flowErrf(CodeMappingNotFound, "analyte %d has no analyzer name", rec.AnalyteID)
	}
	text := rec.Text
	if text == "" {
		text = rec.Code
	}
	if text == "" {
		return nil, flowErrf(CodeMappingNotFound, "analyte %d has neither text nor code to map", rec.AnalyteID)
	}

	// Text is the preferred mapping key; the code is the fallback.
	entry, ok := s.mapping.Resolve(rec.Analyzer, text)
	if !ok && rec.Code != "" && rec.Code != text {
		entry, ok = s.mapping.Resolve(rec.Analyzer, rec.Code)
	}
	if !ok {
		return nil, flowErrf(CodeMappingNotFound, "no mapping for analyzer=%q key=%q", rec.Analyzer, text)
	}

	// At least one exam-resolution key is required. The tube is primary;
	// document and patient name cover analyzers that transmit no tube.
	if rec.Tube == "" && rec.PatientID == "" && rec.PatientName == "" {
		return nil, flowErrf(CodeExamNotFound, "analyte %d carries no tube, document or patient name", rec.AnalyteID)
	}

	exam, err := s.exams.FindExam(ctx, orders.ExamQuery{
		TuboMuestra:     rec.Tube,
		PacienteDoc:     rec.PatientID,
		NombrePaciente:  rec.PatientName,
		ProtocoloCodigo: entry.ClientCode,
	})
	if err != nil {
		return nil, flowErrf(CodeUnknown, "exam lookup: %v", err)
	}
	if exam == nil {
		return nil, flowErrf(CodeExamNotFound, "no exam for tube=%q doc=%q code=%q", rec.Tube, rec.PatientID, entry.ClientCode)
	}

	orderDate := exam.Fecha
	if len(orderDate) > 10 {
		orderDate = orderDate[:10]
	}
	if orderDate == "" {
		return nil, flowErrf(CodeOrderDateMissing, "exam %d has no order date", exam.ID)
	}

	// The locally cached order's document is authoritative; the analyte's
	// own patient id is only a fallback.
	patientID := exam.PacienteDoc
	if patientID == "" {
		patientID = rec.PatientID
	}

	return &senderContext{
		analyzer:   rec.Analyzer,
		obxText:    text,
		tube:       rec.Tube,
		clientCode: entry.ClientCode,
		examID:     exam.ID,
		orderDate:  orderDate,
		patientID:  patientID,
	}, nil
}

func (s *ResultSender) buildXML(sctx *senderContext, rec Record) (string, *FlowError) {
	payload, err := BuildLogEnvio(sctx.examID, sctx.patientID, sctx.orderDate,
		sctx.obxText, rec.Value, rec.RefRange, rec.Units)
	if err != nil {
		return "", flowErrf(CodeXMLBuild, "build payload: %v", err)
	}
	return s.tracer.SaveXML(sctx.examID, sctx.clientCode, sctx.obxText, payload), nil
}

func (s *ResultSender) sendOne(ctx context.Context, sctx *senderContext, rec Record) *FlowError {
	resp, err := s.api.SendResult(ctx, SendParams{
		ExamID:    sctx.examID,
		Paciente:  sctx.patientID,
		Fecha:     sctx.orderDate,
		Texto:     sctx.obxText,
		Valor:     rec.Value,
		RefRange:  rec.RefRange,
		Adicional: rec.Units,
	})
	s.tracer.SaveHTTP("send", sctx.examID, sctx.clientCode, sctx.obxText, resp.URL, resp.Body)
	if err != nil {
		return flowErrf(CodeAPISend, "send analyte: %v", err)
	}
	return nil
}

func (s *ResultSender) closeExam(ctx context.Context, sctx *senderContext) *FlowError {
	resp, err := s.api.CloseExam(ctx, sctx.examID, sctx.patientID, sctx.orderDate)
	s.tracer.SaveHTTP("close", sctx.examID, sctx.clientCode, "", resp.URL, resp.Body)
	if err != nil {
		return flowErrf(CodeAPISend, "close exam %d: %v", sctx.examID, err)
	}
	return nil
}
