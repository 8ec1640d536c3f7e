package results

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/labbridge/labbridge/internal/platform/hl7v2"
)

// Ingestor turns one HL7 result message into a persisted header plus its
// analyte rows. Both the fixed-shape reader and the profile-driven parser
// run over the same message; where the profile-driven parser produced a
// value it overrides the reader's.
type Ingestor struct {
	profiles *hl7v2.ProfileSet
	repo     Repository
	log      zerolog.Logger
}

func NewIngestor(profiles *hl7v2.ProfileSet, repo Repository, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		profiles: profiles,
		repo:     repo,
		log:      log.With().Str("component", "ingestor").Logger(),
	}
}

// IngestFile reads and ingests one HL7 file. It performs no file moves;
// inbox bookkeeping belongs to the caller.
func (in *Ingestor) IngestFile(ctx context.Context, path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return in.IngestBytes(ctx, raw, path)
}

// IngestBytes parses and persists one HL7 payload. Any parse or persistence
// failure aborts the whole message; nothing is written on error.
func (in *Ingestor) IngestBytes(ctx context.Context, raw []byte, sourceFile string) (int64, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("hl7 parse: %w", err)
	}

	rd := hl7v2.Read(msg, "")
	parsed, err := hl7v2.ParseConfigurable(msg, in.profiles)
	if err != nil {
		return 0, fmt.Errorf("configurable parse: %w", err)
	}

	header := in.composeHeader(rd, parsed, string(raw), sourceFile)
	analytes := composeAnalytes(parsed.OBX)

	id, err := in.repo.SaveResult(ctx, header, analytes)
	if err != nil {
		return 0, err
	}
	in.log.Info().
		Int64("result_id", id).
		Str("analyzer", header.AnalyzerName).
		Str("patient_id", header.PatientID).
		Str("exam_code", header.ExamCode).
		Int("analytes", len(analytes)).
		Str("source", sourceFile).
		Msg("result ingested")
	return id, nil
}

func (in *Ingestor) composeHeader(rd *hl7v2.ReaderResult, parsed *hl7v2.ParsedResult, raw, sourceFile string) *RawResult {
	// Observation timestamp, in priority order: order segment, first reader
	// analyte, profile-level exam timestamp, first parsed analyte.
	baseDT := rd.OBR.When
	if baseDT == "" && len(rd.OBX) > 0 {
		baseDT = rd.OBX[0].When
	}
	if baseDT == "" {
		baseDT = parsed.ExamWhen
	}
	if baseDT == "" && len(parsed.OBX) > 0 {
		baseDT = parsed.OBX[0].When
	}
	examDate, examTime := hl7v2.SplitTimestamp(baseDT)

	orderNumber := rd.OBR.Placer
	if orderNumber == "" {
		orderNumber = rd.OBR.Filler
	}

	analyzer := rd.Analyzer
	if analyzer == "" {
		analyzer = "UNKNOWN"
	}

	return &RawResult{
		ReceivedAt:   time.Now(),
		AnalyzerName: analyzer,
		RawHL7:       raw,
		PatientID:    firstNonEmpty(parsed.PatientID, rd.PID.Doc),
		PatientName:  firstNonEmpty(parsed.PatientName, rd.PID.Name),
		BirthDate:    rd.PID.BirthDate,
		Sex:          rd.PID.Sex,
		OrderNumber:  orderNumber,
		ExamCode:     firstNonEmpty(parsed.ExamCode, rd.OBR.ProtoCode),
		ExamTitle:    firstNonEmpty(parsed.ExamTitle, rd.OBR.ProtoText),
		ExamDate:     examDate,
		ExamTime:     examTime,
		SourceFile:   sourceFile,
		Status:       StatusRaw,
	}
}

func composeAnalytes(obx []hl7v2.ParsedOBX) []AnalyteResult {
	out := make([]AnalyteResult, 0, len(obx))
	for idx, o := range obx {
		obxID := fmt.Sprintf("OBX-%d", idx)
		if o.Code != "" {
			obxID = "CODE-" + o.Code
		}
		out = append(out, AnalyteResult{
			OBXID:        obxID,
			Code:         o.Code,
			Text:         o.Text,
			Value:        o.Value,
			Units:        o.Units,
			RefRange:     o.Range,
			Flags:        o.Flags,
			ObsDT:        o.When,
			ExportStatus: ExportPending,
		})
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
