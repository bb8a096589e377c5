package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/papar22/i6-core/internal/returnn"
)

func writeManifest(t *testing.T, dir string, m returnn.RunManifest) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCollectSortsByStartTime(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "b"), returnn.RunManifest{
		RunID: "run-b", StartedAt: "2026-08-24T12:00:00Z",
	})
	writeManifest(t, filepath.Join(root, "a"), returnn.RunManifest{
		RunID: "run-a", StartedAt: "2026-08-23T12:00:00Z",
	})

	s, err := Collect(root)
	if err != nil {
		t.Fatal(err)
	}
	if s.RunCount != 2 {
		t.Fatalf("expected 2 runs, got %d", s.RunCount)
	}
	if s.Runs[0].RunID != "run-a" || s.Runs[1].RunID != "run-b" {
		t.Fatalf("runs not sorted by start: %v", s.Runs)
	}
}

func TestCollectIgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "returnn.config"), []byte("#!rnn.py\n"), 0o644)
	s, err := Collect(root)
	if err != nil {
		t.Fatal(err)
	}
	if s.RunCount != 0 {
		t.Fatalf("expected no runs, got %d", s.RunCount)
	}
}

func TestCollectRejectsBrokenManifest(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "run.json"), []byte("{broken"), 0o644)
	if _, err := Collect(root); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBuildMarkdown(t *testing.T) {
	s := Summary{
		RunCount: 1,
		Runs: []returnn.RunManifest{{
			RunID:        "run-1",
			JobIdentity:  "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			ConfigDigest: "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			ModelsDigest: "sha256:cccccccccccccccccccccccccccccccc",
			StartedAt:    "2026-08-24T12:00:00Z",
			FinishedAt:   "2026-08-24T14:00:00Z",
			KeptEpochs:   []int{40, 80},
			Rqmt:         returnn.Rqmt{GPU: 1, CPU: 2, Mem: 16, Time: 24},
		}},
	}
	md := BuildMarkdown(s)
	if !strings.Contains(md, "| run-1 |") {
		t.Fatalf("run row missing:\n%s", md)
	}
	if !strings.Contains(md, "40, 80") {
		t.Fatalf("kept epochs missing:\n%s", md)
	}
	// digests are shortened for the table
	if strings.Contains(md, "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa") {
		t.Fatalf("digest not shortened:\n%s", md)
	}
	if !strings.Contains(md, "sha256:aaaaaaaaaaaa") {
		t.Fatalf("short digest missing:\n%s", md)
	}
}

func TestBuildMarkdownEmptySummary(t *testing.T) {
	md := BuildMarkdown(Summary{})
	if !strings.Contains(md, "Runs: `0`") {
		t.Fatalf("empty summary wrong:\n%s", md)
	}
	if strings.Contains(md, "| Run |") {
		t.Fatal("empty summary should have no table")
	}
}
