package segments

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"github.com/papar22/i6-core/internal/corpus"
	"github.com/papar22/i6-core/internal/hash"
)

// WeightedPermutation draws a full ordering of ids without replacement,
// biased by weight. Each id gets the key u^(total/w) from the seeded
// source and the result is sorted descending, which matches sequential
// weighted draws without replacement. Uniform weights give a uniform
// permutation.
func WeightedPermutation(ids []string, weights []float64, seed int64) ([]string, error) {
	if len(ids) != len(weights) {
		return nil, fmt.Errorf("got %d ids but %d weights", len(ids), len(weights))
	}
	total := 0.0
	for i, w := range weights {
		if w <= 0 || math.IsInf(w, 0) || math.IsNaN(w) {
			return nil, fmt.Errorf("weight for %s must be positive and finite, got %v", ids[i], w)
		}
		total += w
	}

	rng := rand.New(rand.NewSource(seed))
	type keyed struct {
		idx int
		key float64
	}
	order := make([]keyed, len(ids))
	for i, w := range weights {
		u := rng.Float64()
		order[i] = keyed{idx: i, key: math.Pow(u, total/w)}
	}
	sort.Slice(order, func(i, k int) bool {
		if order[i].key != order[k].key {
			return order[i].key > order[k].key
		}
		return order[i].idx < order[k].idx
	})

	out := make([]string, len(ids))
	for i, o := range order {
		out[i] = ids[o.idx]
	}
	return out, nil
}

// LengthShuffleJob orders a segment list by a duration-biased random draw:
// weight exp(-strength * duration), so higher strength moves shorter
// segments to the front and strength zero is a plain shuffle. The weight
// underflows to zero once strength*duration exceeds roughly 745 and the
// job fails on such a weight; keep strength in proportion to the segment
// durations.
type LengthShuffleJob struct {
	CorpusPath  string
	SegmentFile string
	Strength    float64
	Seed        int64
}

func NewLengthShuffleJob(corpusPath, segmentFile string, strength float64, seed int64) (*LengthShuffleJob, error) {
	if corpusPath == "" {
		return nil, fmt.Errorf("corpus path is required")
	}
	if segmentFile == "" {
		return nil, fmt.Errorf("segment file is required")
	}
	if strength < 0 || math.IsNaN(strength) {
		return nil, fmt.Errorf("shuffle strength must be >= 0, got %v", strength)
	}
	return &LengthShuffleJob{
		CorpusPath:  corpusPath,
		SegmentFile: segmentFile,
		Strength:    strength,
		Seed:        seed,
	}, nil
}

// Run writes the reordered list to outDir/segments.
func (j *LengthShuffleJob) Run(outDir string) error {
	wanted, err := ReadSegmentFile(j.SegmentFile)
	if err != nil {
		return err
	}
	inList := make(map[string]struct{}, len(wanted))
	for _, line := range wanted {
		if line = strings.TrimSpace(line); line != "" {
			inList[line] = struct{}{}
		}
	}

	c, err := corpus.Load(j.CorpusPath)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(inList))
	weights := make([]float64, 0, len(inList))
	for _, seg := range c.Segments() {
		if _, ok := inList[seg.FullName]; !ok {
			continue
		}
		duration, err := segmentDuration(seg)
		if err != nil {
			return err
		}
		ids = append(ids, seg.FullName)
		weights = append(weights, math.Exp(-j.Strength*duration))
	}

	ordered, err := WeightedPermutation(ids, weights, j.Seed)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	if err := WriteSegmentFile(filepath.Join(outDir, "segments"), ordered); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"job":      "sort-length",
		"segments": len(ordered),
		"strength": j.Strength,
	}).Info("length-biased shuffle written")
	return nil
}

func (j *LengthShuffleJob) Identity() (string, error) {
	return hash.Digest(map[string]any{
		"corpus_path":      j.CorpusPath,
		"segment_file":     j.SegmentFile,
		"shuffle_strength": j.Strength,
		"shuffle_seed":     j.Seed,
	})
}

// segmentDuration resolves a segment's duration in seconds. Unbounded
// segments are resolved from the referenced audio file, which is only
// supported for WAV containers.
func segmentDuration(seg corpus.Segment) (float64, error) {
	if !math.IsInf(seg.End, 1) {
		return seg.End - seg.Start, nil
	}
	if !strings.EqualFold(filepath.Ext(seg.AudioPath), ".wav") {
		return 0, fmt.Errorf("segment %s has unbounded end and unsupported audio container %q", seg.FullName, seg.AudioPath)
	}
	f, err := os.Open(seg.AudioPath)
	if err != nil {
		return 0, fmt.Errorf("open audio %s: %w", seg.AudioPath, err)
	}
	defer f.Close()

	dur, err := wav.NewDecoder(f).Duration()
	if err != nil {
		return 0, fmt.Errorf("read audio duration %s: %w", seg.AudioPath, err)
	}
	return dur.Seconds(), nil
}
