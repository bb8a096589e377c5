package segments

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// --- Chunk() ---

func TestChunkSizes(t *testing.T) {
	items := make([]int, 10)
	for i := range items {
		items[i] = i + 1
	}
	groups, err := Chunk(items, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	sizes := []int{len(groups[0]), len(groups[1]), len(groups[2])}
	if sizes[0] != 4 || sizes[1] != 3 || sizes[2] != 3 {
		t.Fatalf("expected sizes [4 3 3], got %v", sizes)
	}
}

func TestChunkPreservesOrder(t *testing.T) {
	groups, err := Chunk([]string{"a", "b", "c", "d", "e"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	flat := append(append([]string{}, groups[0]...), groups[1]...)
	want := []string{"a", "b", "c", "d", "e"}
	for i := range want {
		if flat[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, flat)
		}
	}
}

func TestChunkAllLengths(t *testing.T) {
	for length := 0; length <= 25; length++ {
		for n := 1; n <= 7; n++ {
			items := make([]int, length)
			groups, err := Chunk(items, n)
			if err != nil {
				t.Fatal(err)
			}
			total := 0
			minSize := length / n
			for i, g := range groups {
				total += len(g)
				if len(g) != minSize && len(g) != minSize+1 {
					t.Fatalf("length=%d n=%d group %d has size %d", length, n, i, len(g))
				}
				if i > 0 && len(g) > len(groups[i-1]) {
					t.Fatalf("length=%d n=%d group %d larger than predecessor", length, n, i)
				}
			}
			if total != length {
				t.Fatalf("length=%d n=%d groups sum to %d", length, n, total)
			}
		}
	}
}

func TestChunkInvalidCount(t *testing.T) {
	if _, err := Chunk([]int{1, 2, 3}, 0); err == nil {
		t.Fatal("expected error for n=0")
	}
	if _, err := Chunk([]int{1, 2, 3}, -2); err == nil {
		t.Fatal("expected error for negative n")
	}
}

func TestChunkMoreGroupsThanItems(t *testing.T) {
	groups, err := Chunk([]string{"a"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 3 || len(groups[0]) != 1 || len(groups[1]) != 0 || len(groups[2]) != 0 {
		t.Fatalf("unexpected groups: %v", groups)
	}
}

// --- SegmentCorpusJob ---

func TestSegmentCorpusJobRun(t *testing.T) {
	corpusPath := filepath.Join(t.TempDir(), "corpus.xml")
	os.WriteFile(corpusPath, []byte(`<corpus name="c">
  <recording name="r1" audio="/a/r1.wav">
    <segment name="s1" start="0" end="1"/>
    <segment name="s2" start="1" end="2"/>
    <segment name="s3" start="2" end="3"/>
  </recording>
</corpus>`), 0o644)

	job, err := NewSegmentCorpusJob(corpusPath, 2)
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	if err := job.Run(out); err != nil {
		t.Fatal(err)
	}

	first, err := ReadSegmentFile(filepath.Join(out, "segments.1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := ReadSegmentFile(filepath.Join(out, "segments.2"))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || len(second) != 1 {
		t.Fatalf("expected sizes [2 1], got [%d %d]", len(first), len(second))
	}
	if first[0] != "c/r1/s1" || second[0] != "c/r1/s3" {
		t.Fatalf("unexpected contents: %v %v", first, second)
	}
}

func TestSegmentCorpusJobValidation(t *testing.T) {
	if _, err := NewSegmentCorpusJob("", 2); err == nil {
		t.Fatal("expected error for empty corpus path")
	}
	if _, err := NewSegmentCorpusJob("corpus.xml", 0); err == nil {
		t.Fatal("expected error for zero segments")
	}
}

// --- SplitSegmentFileJob ---

func TestSplitSegmentFileJobDropsBlankLines(t *testing.T) {
	segFile := filepath.Join(t.TempDir(), "segments")
	os.WriteFile(segFile, []byte("a\n\nb\n   \nc\nd\n"), 0o644)

	job, err := NewSplitSegmentFileJob(segFile, 3)
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	if err := job.Run(out); err != nil {
		t.Fatal(err)
	}
	total := 0
	for i := 1; i <= 3; i++ {
		lines, err := ReadSegmentFile(filepath.Join(out, fmt.Sprintf("segments.%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		total += len(lines)
	}
	if total != 4 {
		t.Fatalf("expected 4 non-blank segments, got %d", total)
	}
}

// --- Identity() ---

func TestSegmentCorpusJobIdentityStable(t *testing.T) {
	a, _ := NewSegmentCorpusJob("corpus.xml", 4)
	b, _ := NewSegmentCorpusJob("corpus.xml", 4)
	da, err := a.Identity()
	if err != nil {
		t.Fatal(err)
	}
	db, err := b.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if da != db {
		t.Fatalf("identities differ: %s vs %s", da, db)
	}
	c, _ := NewSegmentCorpusJob("corpus.xml", 5)
	dc, _ := c.Identity()
	if dc == da {
		t.Fatal("different chunk counts must not collide")
	}
}
