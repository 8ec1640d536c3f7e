package orders

import "context"

// Repository persists synced orders and resolves exams for results.
type Repository interface {
	// UpsertOrders stores patients and exams from a download. Existing exam
	// status is preserved; order fields are refreshed.
	UpsertOrders(ctx context.Context, records []OrderRecord) error

	// FindExam resolves an exam using the query keys in priority order.
	// A miss returns (nil, nil).
	FindExam(ctx context.Context, q ExamQuery) (*Exam, error)

	// FindExamByTube looks up the newest exam for a sample tube code.
	FindExamByTube(ctx context.Context, tuboMuestra string) (*Exam, error)

	// AttachResult stores the result summary on an exam and marks it RESULTED.
	AttachResult(ctx context.Context, examID int64, resultXML, resultValue string) error

	// MarkSent marks an exam as delivered to the remote system.
	MarkSent(ctx context.Context, examID int64) error
}
