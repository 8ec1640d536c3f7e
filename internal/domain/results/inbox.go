package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// InboxPoller drains a drop folder of *.hl7 files. Ingested files move to
// processed/, failures move to failed/ next to a <stem>.error.txt with the
// error text.
type InboxPoller struct {
	dir      string
	ingestor *Ingestor
	log      zerolog.Logger
	running  atomic.Bool
}

func NewInboxPoller(dir string, ingestor *Ingestor, log zerolog.Logger) *InboxPoller {
	return &InboxPoller{
		dir:      dir,
		ingestor: ingestor,
		log:      log.With().Str("component", "inbox").Logger(),
	}
}

// RunOnce processes every .hl7 file currently in the inbox, oldest name
// first, and returns how many succeeded and how many failed. Overlapping
// invocations are skipped.
func (p *InboxPoller) RunOnce(ctx context.Context) (processed, failed int, err error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, 0, nil
	}
	defer p.running.Store(false)

	processedDir := filepath.Join(p.dir, "processed")
	failedDir := filepath.Join(p.dir, "failed")
	for _, d := range []string{p.dir, processedDir, failedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return 0, 0, fmt.Errorf("inbox dir %s: %w", d, err)
		}
	}

	files, err := filepath.Glob(filepath.Join(p.dir, "*.hl7"))
	if err != nil {
		return 0, 0, fmt.Errorf("inbox glob: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		if ctx.Err() != nil {
			return processed, failed, ctx.Err()
		}
		name := filepath.Base(file)
		if _, ierr := p.ingestor.IngestFile(ctx, file); ierr != nil {
			failed++
			stem := name[:len(name)-len(filepath.Ext(name))]
			errPath := filepath.Join(failedDir, stem+".error.txt")
			if werr := os.WriteFile(errPath, []byte(ierr.Error()+"\n"), 0o644); werr != nil {
				p.log.Error().Err(werr).Str("file", name).Msg("write error note")
			}
			if merr := os.Rename(file, filepath.Join(failedDir, name)); merr != nil {
				p.log.Error().Err(merr).Str("file", name).Msg("move to failed")
			}
			p.log.Error().Err(ierr).Str("file", name).Msg("inbox file failed")
			continue
		}
		if merr := os.Rename(file, filepath.Join(processedDir, name)); merr != nil {
			p.log.Error().Err(merr).Str("file", name).Msg("move to processed")
		}
		processed++
	}

	if processed+failed > 0 {
		p.log.Info().Int("processed", processed).Int("failed", failed).Msg("inbox pass done")
	}
	return processed, failed, nil
}

// Loop polls the inbox on a fixed interval until the context is canceled.
func (p *InboxPoller) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("inbox pass")
			}
		}
	}
}
