// Package segments implements the corpus partitioning jobs: chunking,
// by-key partitioning, deterministic shuffle/split, duration-biased
// shuffling, and segment-map rewriting. All randomness is explicitly
// seeded; identical inputs and seeds produce identical artifacts.
package segments

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadSegmentFile reads a segment list, one identifier per line. Line
// endings are stripped, content is otherwise untouched.
func ReadSegmentFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment file %s: %w", path, err)
	}
	defer f.Close()

	lines := make([]string, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read segment file %s: %w", path, err)
	}
	return lines, nil
}

// WriteSegmentFile writes one identifier per line, newline-terminated.
func WriteSegmentFile(path string, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write segment file %s: %w", path, err)
	}
	return nil
}
