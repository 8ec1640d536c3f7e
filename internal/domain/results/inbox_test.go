package results

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInboxPoller_RunOnce(t *testing.T) {
	repo := &fakeRepo{}
	in := newTestIngestor(t, repo)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "a_good.hl7"), []byte(finecareMsg), 0o644); err != nil {
		t.Fatal(err)
	}
	// Unknown sender: parse fails, file must land in failed/.
	bad := "MSH|^~\\&|UNKNOWN-DEVICE|||20240101||ORU^R01|1|P|2.3\rOBX|1|NM|X||1\r"
	if err := os.WriteFile(filepath.Join(dir, "b_bad.hl7"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-hl7 files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewInboxPoller(dir, in, zerolog.Nop())
	processed, failed, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if processed != 1 || failed != 1 {
		t.Fatalf("processed=%d failed=%d", processed, failed)
	}

	if _, err := os.Stat(filepath.Join(dir, "processed", "a_good.hl7")); err != nil {
		t.Errorf("good file not moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "failed", "b_bad.hl7")); err != nil {
		t.Errorf("bad file not moved: %v", err)
	}
	note, err := os.ReadFile(filepath.Join(dir, "failed", "b_bad.error.txt"))
	if err != nil {
		t.Fatalf("error note missing: %v", err)
	}
	if !strings.Contains(string(note), "no profile") {
		t.Errorf("error note content: %q", note)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unrelated file must stay put: %v", err)
	}
	if len(repo.saved) != 1 {
		t.Errorf("saved results: %d", len(repo.saved))
	}
}

func TestInboxPoller_RunOnce_EmptyInbox(t *testing.T) {
	p := NewInboxPoller(t.TempDir(), newTestIngestor(t, &fakeRepo{}), zerolog.Nop())
	processed, failed, err := p.RunOnce(context.Background())
	if err != nil || processed != 0 || failed != 0 {
		t.Fatalf("processed=%d failed=%d err=%v", processed, failed, err)
	}
}

func TestInboxPoller_SkipsOverlappingRun(t *testing.T) {
	p := NewInboxPoller(t.TempDir(), newTestIngestor(t, &fakeRepo{}), zerolog.Nop())
	p.running.Store(true)
	processed, failed, err := p.RunOnce(context.Background())
	if err != nil || processed != 0 || failed != 0 {
		t.Fatalf("overlapping run must be a no-op: processed=%d failed=%d err=%v", processed, failed, err)
	}
}
