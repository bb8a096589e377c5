//go:build e2e

package e2e

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/papar22/i6-core/internal/returnn"
	"github.com/papar22/i6-core/internal/segments"
	"github.com/papar22/i6-core/internal/store"
)

func TestFullPipeline_SegmentShuffleSplitTrain(t *testing.T) {
	work := t.TempDir()
	corpusPath := writeCorpus(t, work)

	// 1. extract the segment list from the corpus
	segJob, err := segments.NewSegmentCorpusJob(corpusPath, 1)
	if err != nil {
		t.Fatal(err)
	}
	segOut := filepath.Join(work, "segments")
	os.MkdirAll(segOut, 0o755)
	if err := segJob.Run(segOut); err != nil {
		t.Fatal(err)
	}
	segFile := filepath.Join(segOut, "segments.1")
	all := readLines(t, segFile)
	if len(all) != 10 {
		t.Fatalf("expected 10 segments, got %d", len(all))
	}

	// 2. shuffle and split into train/dev
	splitJob, err := segments.NewShuffleAndSplitJob(segFile, segments.DefaultSplit(), true, segments.DefaultShuffleSeed)
	if err != nil {
		t.Fatal(err)
	}
	splitOut := filepath.Join(work, "split")
	os.MkdirAll(splitOut, 0o755)
	if err := splitJob.Run(splitOut); err != nil {
		t.Fatal(err)
	}
	train := readLines(t, filepath.Join(splitOut, "train.segments"))
	dev := readLines(t, filepath.Join(splitOut, "dev.segments"))
	if len(train)+len(dev) != 10 {
		t.Fatalf("split lost segments: train=%d dev=%d", len(train), len(dev))
	}

	// 3. order the training subset by length-weighted draw
	sortJob, err := segments.NewLengthShuffleJob(corpusPath, filepath.Join(splitOut, "train.segments"), 2.0, 7)
	if err != nil {
		t.Fatal(err)
	}
	sortOut := filepath.Join(work, "sorted")
	os.MkdirAll(sortOut, 0o755)
	if err := sortJob.Run(sortOut); err != nil {
		t.Fatal(err)
	}
	sorted := readLines(t, filepath.Join(sortOut, "segments"))
	if len(sorted) != len(train) {
		t.Fatalf("length shuffle changed the subset size: %d vs %d", len(sorted), len(train))
	}

	// 4. stage the training config for the prepared data
	job, err := returnn.NewTrainingJob(returnn.TrainingOptions{
		TrainData: map[string]any{"class": "ExternSprintDataset", "segments": filepath.Join(sortOut, "segments")},
		DevData:   map[string]any{"class": "ExternSprintDataset", "segments": filepath.Join(splitOut, "dev.segments")},
		Config: returnn.NewConfig(map[string]any{
			"network":       map[string]any{"out": map[string]any{"class": "softmax"}},
			"learning_rate": 0.001,
		}, nil),
		NumClasses:       137,
		NumEpochs:        4,
		SaveInterval:     2,
		ReturnnPythonExe: "/usr/bin/python3",
		ReturnnRoot:      "/opt/returnn",
	})
	if err != nil {
		t.Fatal(err)
	}
	trainOut := filepath.Join(work, "train")
	if err := job.CreateFiles(trainOut); err != nil {
		t.Fatal(err)
	}
	cfg, err := os.ReadFile(filepath.Join(trainOut, "returnn.config"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(cfg), filepath.Join(sortOut, "segments")) {
		t.Fatalf("training config does not reference the prepared segments:\n%s", cfg)
	}
}

func TestFullPipeline_SpeakerPartitionUpdateMap(t *testing.T) {
	work := t.TempDir()
	corpusPath := writeCorpus(t, work)

	partJob, err := segments.NewSpeakerPartitionJob(corpusPath)
	if err != nil {
		t.Fatal(err)
	}
	partOut := filepath.Join(work, "partition")
	os.MkdirAll(partOut, 0o755)
	if err := partJob.Run(partOut); err != nil {
		t.Fatal(err)
	}

	num := readLines(t, filepath.Join(partOut, "num_speakers"))
	if len(num) != 1 || num[0] != "3" {
		t.Fatalf("expected 3 speakers, got %v", num)
	}

	// the cluster map must cover every segment of the corpus
	clusterMap := readLines(t, filepath.Join(partOut, "cluster.map.xml"))
	items := 0
	for _, l := range clusterMap {
		if strings.Contains(l, "<map-item") {
			items++
		}
	}
	if items != 10 {
		t.Fatalf("cluster map covers %d segments, want 10", items)
	}
}

func TestFullPipeline_CacheReuseAcrossJobs(t *testing.T) {
	work := t.TempDir()
	corpusPath := writeCorpus(t, work)

	job, err := segments.NewSegmentCorpusJob(corpusPath, 2)
	if err != nil {
		t.Fatal(err)
	}
	identity, err := job.Identity()
	if err != nil {
		t.Fatal(err)
	}

	cache, err := store.New(filepath.Join(work, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	entry, err := cache.Begin(identity)
	if err != nil {
		t.Fatal(err)
	}
	if err := job.Run(entry); err != nil {
		t.Fatal(err)
	}
	if err := cache.Commit(identity); err != nil {
		t.Fatal(err)
	}

	// an equivalent job constructed later hits the same entry
	again, err := segments.NewSegmentCorpusJob(corpusPath, 2)
	if err != nil {
		t.Fatal(err)
	}
	identityAgain, err := again.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if identityAgain != identity {
		t.Fatalf("identities differ: %s vs %s", identity, identityAgain)
	}
	if !cache.Has(identityAgain) {
		t.Fatal("equivalent job missed the cache")
	}

	dst := filepath.Join(work, "export", "segments.1")
	if err := cache.Export(identityAgain, "segments.1", dst); err != nil {
		t.Fatal(err)
	}
	if got := readLines(t, dst); len(got) == 0 {
		t.Fatal("exported artifact is empty")
	}
}
