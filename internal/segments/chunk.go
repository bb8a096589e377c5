package segments

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/papar22/i6-core/internal/corpus"
	"github.com/papar22/i6-core/internal/hash"
)

// Chunk partitions items into n contiguous groups preserving order. Group
// sizes differ by at most one, with the larger groups first.
func Chunk[T any](items []T, n int) ([][]T, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chunk count must be positive, got %d", n)
	}
	groups := make([][]T, 0, n)
	size := len(items) / n
	rest := len(items) % n
	end := 0
	for i := 0; i < n; i++ {
		start := end
		end += size
		if i < rest {
			end++
		}
		groups = append(groups, items[start:end])
	}
	return groups, nil
}

// SegmentCorpusJob splits a corpus into a fixed number of segment list
// files, preserving corpus order.
type SegmentCorpusJob struct {
	CorpusPath  string
	NumSegments int
}

func NewSegmentCorpusJob(corpusPath string, numSegments int) (*SegmentCorpusJob, error) {
	if corpusPath == "" {
		return nil, fmt.Errorf("corpus path is required")
	}
	if numSegments <= 0 {
		return nil, fmt.Errorf("num segments must be positive, got %d", numSegments)
	}
	return &SegmentCorpusJob{CorpusPath: corpusPath, NumSegments: numSegments}, nil
}

// Run writes segments.1 .. segments.N into outDir.
func (j *SegmentCorpusJob) Run(outDir string) error {
	c, err := corpus.Load(j.CorpusPath)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(c.Segments()))
	for _, seg := range c.Segments() {
		names = append(names, seg.FullName)
	}

	groups, err := Chunk(names, j.NumSegments)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	for i, group := range groups {
		path := filepath.Join(outDir, fmt.Sprintf("segments.%d", i+1))
		if err := WriteSegmentFile(path, group); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"job":      "segment-corpus",
		"segments": len(names),
		"files":    j.NumSegments,
	}).Info("segment lists written")
	return nil
}

func (j *SegmentCorpusJob) Identity() (string, error) {
	return hash.Digest(map[string]any{
		"corpus_path":  j.CorpusPath,
		"num_segments": j.NumSegments,
	})
}

// SplitSegmentFileJob splits an existing segment list into a fixed number
// of files, dropping blank lines first.
type SplitSegmentFileJob struct {
	SegmentFile string
	Concurrent  int
}

func NewSplitSegmentFileJob(segmentFile string, concurrent int) (*SplitSegmentFileJob, error) {
	if segmentFile == "" {
		return nil, fmt.Errorf("segment file is required")
	}
	if concurrent <= 0 {
		return nil, fmt.Errorf("concurrent must be positive, got %d", concurrent)
	}
	return &SplitSegmentFileJob{SegmentFile: segmentFile, Concurrent: concurrent}, nil
}

func (j *SplitSegmentFileJob) Run(outDir string) error {
	raw, err := ReadSegmentFile(j.SegmentFile)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	groups, err := Chunk(lines, j.Concurrent)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	for i, group := range groups {
		path := filepath.Join(outDir, fmt.Sprintf("segments.%d", i+1))
		if err := WriteSegmentFile(path, group); err != nil {
			return err
		}
	}
	return nil
}

func (j *SplitSegmentFileJob) Identity() (string, error) {
	return hash.Digest(map[string]any{
		"segment_file": j.SegmentFile,
		"concurrent":   j.Concurrent,
	})
}
