package segments

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// --- SplitSpec ---

func TestSplitSpecValidate(t *testing.T) {
	if err := (SplitSpec{"train": 0.9, "dev": 0.1}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (SplitSpec{}).Validate(); err == nil {
		t.Fatal("expected error for empty spec")
	}
	if err := (SplitSpec{"train": 1.0, "dev": 0.0}).Validate(); err == nil {
		t.Fatal("expected error for zero proportion")
	}
	if err := (SplitSpec{"train": 0.5, "dev": 0.2}).Validate(); err == nil {
		t.Fatal("expected error for proportions not summing to 1")
	}
}

func TestSplitSpecIsDefault(t *testing.T) {
	if !(SplitSpec{"train": 0.9, "dev": 0.1}).IsDefault() {
		t.Fatal("expected default detection")
	}
	if (SplitSpec{"train": 0.8, "dev": 0.2}).IsDefault() {
		t.Fatal("unexpected default detection")
	}
	if (SplitSpec{"train": 0.9, "eval": 0.1}).IsDefault() {
		t.Fatal("unexpected default detection for renamed split")
	}
}

// --- ShuffleAndSplit() ---

func TestShuffleAndSplitNoShuffleBoundaries(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	splits, err := ShuffleAndSplit(lines, SplitSpec{"train": 0.9, "dev": 0.1}, false, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Split names are processed in sorted order, so dev takes the leading
	// 10% slice and train the remainder.
	if !reflect.DeepEqual(splits["dev"], []string{"a"}) {
		t.Fatalf("unexpected dev split: %v", splits["dev"])
	}
	if !reflect.DeepEqual(splits["train"], lines[1:]) {
		t.Fatalf("unexpected train split: %v", splits["train"])
	}
}

func TestShuffleAndSplitSizesSumToInput(t *testing.T) {
	lines := make([]string, 103)
	for i := range lines {
		lines[i] = string(rune('a' + i%26))
	}
	splits, err := ShuffleAndSplit(lines, SplitSpec{"train": 0.7, "dev": 0.2, "eval": 0.1}, true, 42)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, s := range splits {
		total += len(s)
	}
	if total != len(lines) {
		t.Fatalf("split sizes sum to %d, expected %d", total, len(lines))
	}
	// The lexicographically last split absorbs the rounding remainder.
	if len(splits["dev"]) != 20 || len(splits["eval"]) != 10 {
		t.Fatalf("unexpected sizes dev=%d eval=%d", len(splits["dev"]), len(splits["eval"]))
	}
	if len(splits["train"]) != 73 {
		t.Fatalf("expected train to absorb remainder with 73, got %d", len(splits["train"]))
	}
}

func TestShuffleAndSplitDeterministic(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	first, err := ShuffleAndSplit(lines, DefaultSplit(), true, 7)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ShuffleAndSplit(lines, DefaultSplit(), true, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same seed produced different splits: %v vs %v", first, second)
	}
	third, err := ShuffleAndSplit(lines, DefaultSplit(), true, 8)
	if err != nil {
		t.Fatal(err)
	}
	if reflect.DeepEqual(first, third) {
		t.Fatal("different seeds produced identical splits")
	}
}

func TestShuffleAndSplitDoesNotMutateInput(t *testing.T) {
	lines := []string{"a", "b", "c", "d"}
	orig := append([]string{}, lines...)
	if _, err := ShuffleAndSplit(lines, DefaultSplit(), true, 3); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lines, orig) {
		t.Fatalf("input mutated: %v", lines)
	}
}

// --- ShuffleAndSplitJob ---

func TestShuffleAndSplitJobRun(t *testing.T) {
	segFile := filepath.Join(t.TempDir(), "segments")
	os.WriteFile(segFile, []byte("a\nb\nc\nd\ne\nf\ng\nh\ni\nj\n"), 0o644)

	job, err := NewShuffleAndSplitJob(segFile, nil, false, DefaultShuffleSeed)
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	if err := job.Run(out); err != nil {
		t.Fatal(err)
	}
	train, err := ReadSegmentFile(filepath.Join(out, "train.segments"))
	if err != nil {
		t.Fatal(err)
	}
	dev, err := ReadSegmentFile(filepath.Join(out, "dev.segments"))
	if err != nil {
		t.Fatal(err)
	}
	if len(train) != 9 || len(dev) != 1 {
		t.Fatalf("expected sizes train=9 dev=1, got train=%d dev=%d", len(train), len(dev))
	}
}

func TestShuffleAndSplitJobRunDeterministic(t *testing.T) {
	segFile := filepath.Join(t.TempDir(), "segments")
	os.WriteFile(segFile, []byte("a\nb\nc\nd\ne\nf\ng\nh\ni\nj\n"), 0o644)

	read := func() []string {
		t.Helper()
		job, err := NewShuffleAndSplitJob(segFile, nil, true, 99)
		if err != nil {
			t.Fatal(err)
		}
		out := t.TempDir()
		if err := job.Run(out); err != nil {
			t.Fatal(err)
		}
		lines, err := ReadSegmentFile(filepath.Join(out, "train.segments"))
		if err != nil {
			t.Fatal(err)
		}
		return lines
	}
	if !reflect.DeepEqual(read(), read()) {
		t.Fatal("repeated runs with the same seed differ")
	}
}

func TestShuffleAndSplitJobInvalidSplit(t *testing.T) {
	if _, err := NewShuffleAndSplitJob("segments", SplitSpec{"train": 0.5}, true, 1); err == nil {
		t.Fatal("expected error for proportions not summing to 1")
	}
	if _, err := NewShuffleAndSplitJob("", nil, true, 1); err == nil {
		t.Fatal("expected error for missing segment file")
	}
}

// --- Identity() ---

func TestShuffleAndSplitJobIdentityDefaultEquivalence(t *testing.T) {
	explicit, err := NewShuffleAndSplitJob("some.segments", SplitSpec{"train": 0.9, "dev": 0.1}, true, DefaultShuffleSeed)
	if err != nil {
		t.Fatal(err)
	}
	omitted, err := NewShuffleAndSplitJob("some.segments", nil, true, DefaultShuffleSeed)
	if err != nil {
		t.Fatal(err)
	}
	de, err := explicit.Identity()
	if err != nil {
		t.Fatal(err)
	}
	do, err := omitted.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if de != do {
		t.Fatalf("explicit default split must hash like an omitted split: %s vs %s", de, do)
	}
}

func TestShuffleAndSplitJobIdentityDistinguishesSplits(t *testing.T) {
	a, _ := NewShuffleAndSplitJob("some.segments", SplitSpec{"train": 0.8, "dev": 0.2}, true, 1)
	b, _ := NewShuffleAndSplitJob("some.segments", nil, true, 1)
	da, err := a.Identity()
	if err != nil {
		t.Fatal(err)
	}
	db, err := b.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if da == db {
		t.Fatal("non-default split must not hash like the default")
	}
}
