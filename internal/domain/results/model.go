package results

import "time"

// Header processing status.
const StatusRaw = "RAW"

// Export statuses for analyte rows. ERROR and MAPPING_NOT_FOUND rows are
// picked up again on the next dispatch cycle; SENT and SKIPPED are terminal.
const (
	ExportPending         = "PENDING"
	ExportSent            = "SENT"
	ExportError           = "ERROR"
	ExportSkipped         = "SKIPPED"
	ExportMappingNotFound = "MAPPING_NOT_FOUND"
)

// RawResult is one ingested HL7 result message: the header row that owns a
// set of analyte rows. Date and time are kept as separate strings because
// analyzers disagree on timestamp precision.
type RawResult struct {
	ID           int64     `json:"id"`
	ReceivedAt   time.Time `json:"received_at"`
	AnalyzerName string    `json:"analyzer_name"`
	RawHL7       string    `json:"-"`
	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	BirthDate    string    `json:"birth_date,omitempty"`
	Sex          string    `json:"sex,omitempty"`
	OrderNumber  string    `json:"order_number"`
	ExamCode     string    `json:"exam_code"`
	ExamTitle    string    `json:"exam_title"`
	ExamDate     string    `json:"exam_date"`
	ExamTime     string    `json:"exam_time"`
	SourceFile   string    `json:"source_file,omitempty"`
	Status       string    `json:"status"`
}

// AnalyteResult is one observation belonging to a RawResult, with its
// dispatch bookkeeping.
type AnalyteResult struct {
	ID             int64      `json:"id"`
	ResultID       int64      `json:"result_id"`
	OBXID          string     `json:"obx_id"`
	Code           string     `json:"code"`
	Text           string     `json:"text"`
	Value          string     `json:"value"`
	Units          string     `json:"units"`
	RefRange       string     `json:"ref_range"`
	Flags          string     `json:"flags"`
	ObsDT          string     `json:"obs_dt"`
	ExportStatus   string     `json:"export_status"`
	ExportAttempts int        `json:"export_attempts"`
	ExportError    string     `json:"export_error,omitempty"`
	ExportPath     string     `json:"export_path,omitempty"`
	ExportedAt     *time.Time `json:"exported_at,omitempty"`
}

// PendingAnalyte is an analyte joined with the header fields the dispatch
// pipeline needs to resolve and send it.
type PendingAnalyte struct {
	AnalyteResult

	AnalyzerName string `json:"analyzer_name"`
	PatientID    string `json:"patient_id"`
	PatientName  string `json:"patient_name"`
	OrderNumber  string `json:"order_number"`
	ExamCode     string `json:"exam_code"`
	ExamTitle    string `json:"exam_title"`
	ExamDate     string `json:"exam_date"`
	ExamTime     string `json:"exam_time"`
}
