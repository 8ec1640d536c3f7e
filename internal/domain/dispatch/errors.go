package dispatch

import "fmt"

// ErrorCode classifies a failed send attempt.
type ErrorCode string

const (
	// CodeMappingNotFound means no client code exists for the analyte.
	// A config change is needed; retrying alone will not help.
	CodeMappingNotFound ErrorCode = "MAPPING_NOT_FOUND"
	// CodeExamNotFound means no local order matched the analyte's keys.
	// Possibly transient: the next order sync may bring the exam in.
	CodeExamNotFound ErrorCode = "EXAM_NOT_FOUND"
	// CodeOrderDateMissing means the exam was found but carries no date.
	CodeOrderDateMissing ErrorCode = "ORDER_DATE_MISSING"
	// CodeXMLBuild means the audit payload could not be serialized.
	CodeXMLBuild ErrorCode = "XML_BUILD_ERROR"
	// CodeAPISend means the outbound HTTP call failed.
	CodeAPISend ErrorCode = "API_SEND_ERROR"
	// CodeUnknown is the defensive catch-all.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// FlowError is a classified failure inside the send flow.
type FlowError struct {
	Code    ErrorCode
	Message string
}

func (e *FlowError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func flowErrf(code ErrorCode, format string, args ...interface{}) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}
