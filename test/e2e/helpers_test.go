//go:build e2e

package e2e

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeCorpus materializes a small three-speaker corpus with segments of
// varying length.
func writeCorpus(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "corpus.xml")
	if err := os.WriteFile(path, []byte(`<corpus name="demo">
  <recording name="rec1" audio="/audio/rec1.wav">
    <speaker name="spk1"/>
    <segment name="utt1" start="0" end="1.5"/>
    <segment name="utt2" start="1.5" end="4"/>
  </recording>
  <recording name="rec2" audio="/audio/rec2.wav">
    <speaker name="spk2"/>
    <segment name="utt1" start="0" end="8"/>
    <segment name="utt2" start="8" end="9"/>
  </recording>
  <recording name="rec3" audio="/audio/rec3.wav">
    <speaker name="spk3"/>
    <segment name="utt1" start="0" end="2"/>
    <segment name="utt2" start="2" end="3"/>
    <segment name="utt3" start="3" end="6"/>
    <segment name="utt4" start="6" end="7"/>
    <segment name="utt5" start="7" end="12"/>
    <segment name="utt6" start="12" end="13"/>
  </recording>
</corpus>`), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var lines []string
	for _, l := range strings.Split(string(raw), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
