// Package report renders training run manifests as markdown or JSON
// summaries for review outside the pipeline.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/papar22/i6-core/internal/returnn"
)

// Summary aggregates the run manifests found under one directory tree.
type Summary struct {
	RunCount int                   `json:"run_count"`
	Runs     []returnn.RunManifest `json:"runs"`
}

// Collect walks root for run.json manifests, sorted by start time.
func Collect(root string) (Summary, error) {
	var s Summary
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "run.json" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var m returnn.RunManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("parse manifest %s: %w", path, err)
		}
		s.Runs = append(s.Runs, m)
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("collect manifests under %s: %w", root, err)
	}
	sort.Slice(s.Runs, func(i, j int) bool { return s.Runs[i].StartedAt < s.Runs[j].StartedAt })
	s.RunCount = len(s.Runs)
	return s, nil
}

func BuildMarkdown(s Summary) string {
	var b strings.Builder
	b.WriteString("# Training Run Report\n\n")
	b.WriteString(fmt.Sprintf("- Runs: `%d`\n\n", s.RunCount))

	if s.RunCount == 0 {
		return b.String()
	}

	b.WriteString("| Run | Started | Finished | Job Identity | Kept Epochs | GPU | CPU | Mem |\n")
	b.WriteString("|---|---|---|---|---|---:|---:|---:|\n")
	for _, m := range s.Runs {
		epochs := make([]string, len(m.KeptEpochs))
		for i, e := range m.KeptEpochs {
			epochs[i] = fmt.Sprintf("%d", e)
		}
		kept := "-"
		if len(epochs) > 0 {
			kept = strings.Join(epochs, ", ")
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %d | %d | %d |\n",
			m.RunID, m.StartedAt, m.FinishedAt, shortDigest(m.JobIdentity), kept,
			m.Rqmt.GPU, m.Rqmt.CPU, m.Rqmt.Mem))
	}

	b.WriteString("\n## Artifacts\n\n")
	b.WriteString("| Run | Config Digest | Models Digest |\n")
	b.WriteString("|---|---|---|\n")
	for _, m := range s.Runs {
		b.WriteString(fmt.Sprintf("| %s | %s | %s |\n",
			m.RunID, shortDigest(m.ConfigDigest), shortDigest(m.ModelsDigest)))
	}
	return b.String()
}

func shortDigest(d string) string {
	if i := strings.IndexByte(d, ':'); i >= 0 && len(d) > i+13 {
		return d[:i+13]
	}
	return d
}

func WriteMarkdown(path string, s Summary) error {
	return os.WriteFile(path, []byte(BuildMarkdown(s)), 0o644)
}

func WriteJSON(path string, s Summary) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
