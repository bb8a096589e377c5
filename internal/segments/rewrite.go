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

// Rewrite substitutes every identifier via the map. Identifiers and map
// values are whitespace-trimmed before comparison. A missing key fails the
// whole operation; nothing passes through unmapped.
func Rewrite(lines []string, mapping map[string]string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		key := strings.TrimSpace(line)
		value, ok := mapping[key]
		if !ok {
			return nil, fmt.Errorf("segment %q not found in segment map", key)
		}
		out = append(out, strings.TrimSpace(value))
	}
	return out, nil
}

// UpdateSegmentsJob rewrites a segment file through a segment map, e.g.
// after corpus compression renamed the identifier space.
type UpdateSegmentsJob struct {
	SegmentFile string
	SegmentMap  string
}

func NewUpdateSegmentsJob(segmentFile, segmentMap string) (*UpdateSegmentsJob, error) {
	if segmentFile == "" {
		return nil, fmt.Errorf("segment file is required")
	}
	if segmentMap == "" {
		return nil, fmt.Errorf("segment map is required")
	}
	return &UpdateSegmentsJob{SegmentFile: segmentFile, SegmentMap: segmentMap}, nil
}

// Run writes the rewritten list to outDir/updated.segments.
func (j *UpdateSegmentsJob) Run(outDir string) error {
	sm, err := corpus.LoadSegmentMap(j.SegmentMap)
	if err != nil {
		return err
	}
	mapping := make(map[string]string, len(sm.Items))
	for _, item := range sm.Items {
		mapping[strings.TrimSpace(item.Key)] = item.Value
	}

	lines, err := ReadSegmentFile(j.SegmentFile)
	if err != nil {
		return err
	}
	updated, err := Rewrite(lines, mapping)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	if err := WriteSegmentFile(filepath.Join(outDir, "updated.segments"), updated); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"job":      "update-map",
		"segments": len(updated),
	}).Info("segment map applied")
	return nil
}

func (j *UpdateSegmentsJob) Identity() (string, error) {
	return hash.Digest(map[string]any{
		"segment_file": j.SegmentFile,
		"segment_map":  j.SegmentMap,
	})
}
