package segments

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/papar22/i6-core/internal/hash"
)

// DefaultShuffleSeed seeds every shuffling job unless the caller overrides
// it. Changing it invalidates all existing job identities.
const DefaultShuffleSeed int64 = 0x3C5EA3E47D4E0077

// SplitSpec maps split names to proportions in (0,1] summing to 1.
type SplitSpec map[string]float64

// DefaultSplit is used when no split is given. An explicitly passed split
// equal to this one hashes identically to an omitted one.
func DefaultSplit() SplitSpec {
	return SplitSpec{"train": 0.9, "dev": 0.1}
}

func (s SplitSpec) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("split spec must not be empty")
	}
	sum := 0.0
	for name, p := range s {
		if p <= 0 {
			return fmt.Errorf("split %q proportion must be positive, got %v", name, p)
		}
		sum += p
	}
	if math.Abs(sum-1.0) >= 1e-10 {
		return fmt.Errorf("split proportions must sum to 1, got %v", sum)
	}
	return nil
}

// IsDefault reports whether the spec matches DefaultSplit exactly.
func (s SplitSpec) IsDefault() bool {
	def := DefaultSplit()
	if len(s) != len(def) {
		return false
	}
	for name, p := range s {
		dp, ok := def[name]
		if !ok || dp != p {
			return false
		}
	}
	return true
}

func (s SplitSpec) sortedNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShuffleAndSplit optionally shuffles lines with the seeded source and
// slices them into named splits. Boundaries are floor(n * cumulative
// proportion) over lexicographically sorted split names; the last boundary
// is forced to n so rounding never drops a line.
func ShuffleAndSplit(lines []string, split SplitSpec, shuffle bool, seed int64) (map[string][]string, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}

	shuffled := make([]string, len(lines))
	copy(shuffled, lines)
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(shuffled), func(i, k int) {
			shuffled[i], shuffled[k] = shuffled[k], shuffled[i]
		})
	}

	names := split.sortedNames()
	n := len(shuffled)
	bounds := make([]int, 0, len(names)+1)
	bounds = append(bounds, 0)
	cum := 0.0
	for _, name := range names {
		cum += split[name]
		bounds = append(bounds, int(float64(n)*cum))
	}
	bounds[len(bounds)-1] = n

	out := make(map[string][]string, len(names))
	for i, name := range names {
		out[name] = shuffled[bounds[i]:bounds[i+1]]
	}
	return out, nil
}

// ShuffleAndSplitJob partitions a segment file into named splits.
type ShuffleAndSplitJob struct {
	SegmentFile string
	Split       SplitSpec
	Shuffle     bool
	Seed        int64

	// splitGiven distinguishes an explicit split from the default for
	// identity purposes.
	splitGiven bool
}

func NewShuffleAndSplitJob(segmentFile string, split SplitSpec, shuffle bool, seed int64) (*ShuffleAndSplitJob, error) {
	if segmentFile == "" {
		return nil, fmt.Errorf("segment file is required")
	}
	splitGiven := split != nil
	if split == nil {
		split = DefaultSplit()
	}
	if err := split.Validate(); err != nil {
		return nil, err
	}
	return &ShuffleAndSplitJob{
		SegmentFile: segmentFile,
		Split:       split,
		Shuffle:     shuffle,
		Seed:        seed,
		splitGiven:  splitGiven,
	}, nil
}

// Run writes one <name>.segments file per split into outDir.
func (j *ShuffleAndSplitJob) Run(outDir string) error {
	lines, err := ReadSegmentFile(j.SegmentFile)
	if err != nil {
		return err
	}
	splits, err := ShuffleAndSplit(lines, j.Split, j.Shuffle, j.Seed)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	for _, name := range j.Split.sortedNames() {
		path := filepath.Join(outDir, name+".segments")
		if err := WriteSegmentFile(path, splits[name]); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"job":      "shuffle-split",
			"split":    name,
			"segments": len(splits[name]),
		}).Info("split written")
	}
	return nil
}

// Identity normalizes a split equal to the default to "not given" so that
// passing the default explicitly does not invalidate cached runs.
func (j *ShuffleAndSplitJob) Identity() (string, error) {
	var split any
	if j.splitGiven && !j.Split.IsDefault() {
		split = j.Split
	}
	return hash.Digest(map[string]any{
		"segment_file": j.SegmentFile,
		"split":        split,
		"shuffle":      j.Shuffle,
		"shuffle_seed": j.Seed,
	})
}
