package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/labbridge/labbridge/internal/domain/results"
)

// ExamMarker is the slice of the orders repository the driver uses for
// status bookkeeping on the local order cache.
type ExamMarker interface {
	AttachResult(ctx context.Context, examID int64, resultXML, resultValue string) error
	MarkSent(ctx context.Context, examID int64) error
}

// Stats summarizes one dispatch cycle.
type Stats struct {
	Picked int `json:"picked"`
	Sent   int `json:"sent"`
	Errors int `json:"error"`
}

// Cycle pulls pending analytes in batches and drives the ResultSender over
// each. A re-entrancy guard makes overlapping invocations no-ops.
type Cycle struct {
	repo   results.Repository
	sender *ResultSender
	exams  ExamMarker
	log    zerolog.Logger

	batchSize           int
	closeOnFirstSuccess bool

	running atomic.Bool

	mu      sync.Mutex
	last    Stats
	lastRun time.Time
}

func NewCycle(repo results.Repository, sender *ResultSender, exams ExamMarker,
	batchSize int, closeOnFirstSuccess bool, log zerolog.Logger) *Cycle {
	return &Cycle{
		repo:                repo,
		sender:              sender,
		exams:               exams,
		log:                 log.With().Str("component", "dispatch_cycle").Logger(),
		batchSize:           batchSize,
		closeOnFirstSuccess: closeOnFirstSuccess,
	}
}

// Run executes one cycle: select pending analytes, attempt each, persist
// the outcome per row. With zero pending rows it is a safe no-op. An
// overlapping call returns zero stats without touching anything.
func (c *Cycle) Run(ctx context.Context) (Stats, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Debug().Msg("cycle already running, tick skipped")
		return Stats{}, nil
	}
	defer c.running.Store(false)

	var stats Stats
	pending, err := c.repo.SelectPending(ctx, c.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Picked = len(pending)
	if len(pending) == 0 {
		c.record(stats)
		return stats, nil
	}

	// Exams already closed this cycle; the closing call runs once per exam,
	// on the first successful analyte.
	closed := map[int64]bool{}

	for _, p := range pending {
		out := c.sender.ProcessRecord(ctx, recordFrom(p))

		switch {
		case out.SentCount > 0:
			// Delivered. A later close failure must not revert this.
			if err := c.repo.MarkSent(ctx, p.ID, out.TracePath); err != nil {
				c.log.Error().Err(err).Int64("analyte_id", p.ID).Msg("mark sent")
			}
			stats.Sent++
			if c.exams != nil && out.ExamID != 0 {
				if err := c.exams.AttachResult(ctx, out.ExamID, "", p.Value); err != nil {
					c.log.Error().Err(err).Int64("exam_id", out.ExamID).Msg("attach result")
				}
			}
			c.maybeClose(ctx, out, closed)

		case hasCode(out, CodeMappingNotFound):
			if err := c.repo.MarkMappingNotFound(ctx, p.ID, firstMessage(out)); err != nil {
				c.log.Error().Err(err).Int64("analyte_id", p.ID).Msg("mark mapping not found")
			}
			stats.Errors++

		default:
			if err := c.repo.MarkError(ctx, p.ID, firstMessage(out)); err != nil {
				c.log.Error().Err(err).Int64("analyte_id", p.ID).Msg("mark error")
			}
			stats.Errors++
		}
	}

	c.log.Info().
		Int("picked", stats.Picked).
		Int("sent", stats.Sent).
		Int("errors", stats.Errors).
		Msg("dispatch cycle done")
	c.record(stats)
	return stats, nil
}

func (c *Cycle) maybeClose(ctx context.Context, out Outcome, closed map[int64]bool) {
	if !c.closeOnFirstSuccess || out.ExamID == 0 || closed[out.ExamID] {
		return
	}
	closed[out.ExamID] = true
	if err := c.sender.CloseResolvedExam(ctx, out.ExamID, out.PatientID, out.OrderDate); err != nil {
		c.log.Error().Err(err).Int64("exam_id", out.ExamID).Msg("close exam")
		return
	}
	if c.exams != nil {
		if err := c.exams.MarkSent(ctx, out.ExamID); err != nil {
			c.log.Error().Err(err).Int64("exam_id", out.ExamID).Msg("mark exam sent")
		}
	}
}

// LastStats returns the most recent cycle's stats and when it ran.
func (c *Cycle) LastStats() (Stats, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastRun
}

func (c *Cycle) record(s Stats) {
	c.mu.Lock()
	c.last = s
	c.lastRun = time.Now()
	c.mu.Unlock()
}

// Loop runs cycles on a fixed interval until the context is canceled.
func (c *Cycle) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("dispatch cycle")
			}
		}
	}
}

func recordFrom(p results.PendingAnalyte) Record {
	return Record{
		AnalyteID:   p.ID,
		Analyzer:    p.AnalyzerName,
		Code:        p.Code,
		Text:        p.Text,
		Value:       p.Value,
		Units:       p.Units,
		RefRange:    p.RefRange,
		When:        p.ObsDT,
		Tube:        p.OrderNumber,
		PatientID:   p.PatientID,
		PatientName: p.PatientName,
	}
}

func hasCode(out Outcome, code ErrorCode) bool {
	for _, e := range out.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func firstMessage(out Outcome) string {
	if len(out.Errors) == 0 {
		return "unknown failure"
	}
	e := out.Errors[0]
	return string(e.Code) + ": " + e.Message
}
