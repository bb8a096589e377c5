package segments

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/papar22/i6-core/internal/corpus"
	"github.com/papar22/i6-core/internal/hash"
)

// UnknownKey labels segments without a speaker or without a regex match.
const UnknownKey = "unknown"

// Partition groups segment fullnames by the key function, preserving
// first-seen order inside each group. Keys are returned sorted.
func Partition(segs []corpus.Segment, key func(corpus.Segment) string) (map[string][]string, []string) {
	groups := make(map[string][]string)
	for _, seg := range segs {
		k := key(seg)
		groups[k] = append(groups[k], seg.FullName)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return groups, keys
}

// SpeakerKey returns the segment's speaker name, or UnknownKey when the
// corpus carries none.
func SpeakerKey(seg corpus.Segment) string {
	if seg.Speaker == "" {
		return UnknownKey
	}
	return seg.Speaker
}

// RegexKey builds a key function from a pattern. With capture groups the
// key concatenates the configured group indices in listed order; a group
// that did not participate contributes nothing. Without capture groups the
// key is the whole match. No match yields UnknownKey.
func RegexKey(re *regexp.Regexp, groups []int, useFullName bool) (func(corpus.Segment) string, error) {
	if len(groups) == 0 {
		groups = []int{1}
	}
	if re.NumSubexp() > 0 {
		for _, g := range groups {
			if g < 1 || g > re.NumSubexp() {
				return nil, fmt.Errorf("group index %d out of range for pattern with %d groups", g, re.NumSubexp())
			}
		}
	}
	return func(seg corpus.Segment) string {
		name := seg.Name
		if useFullName {
			name = seg.FullName
		}
		match := re.FindStringSubmatch(name)
		if match == nil {
			return UnknownKey
		}
		if re.NumSubexp() == 0 {
			return match[0]
		}
		var sb strings.Builder
		for _, g := range groups {
			sb.WriteString(match[g])
		}
		return sb.String()
	}, nil
}

// writeClusterArtifacts writes the per-key segment files, the sorted key
// list, and the cluster map. The cluster map root element is spelled
// "coprus-key-map" for compatibility with existing downstream consumers.
func writeClusterArtifacts(outDir string, groups map[string][]string, keys []string) error {
	segDir := filepath.Join(outDir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return fmt.Errorf("create segments dir: %w", err)
	}

	var keyList strings.Builder
	var clusterMap strings.Builder
	clusterMap.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\" ?>\n")
	clusterMap.WriteString("<coprus-key-map>\n")
	for idx, key := range keys {
		keyList.WriteString(key)
		keyList.WriteByte('\n')
		path := filepath.Join(segDir, fmt.Sprintf("speaker.%d", idx+1))
		if err := WriteSegmentFile(path, groups[key]); err != nil {
			return err
		}
		for _, segment := range groups[key] {
			clusterMap.WriteString("  <map-item key=\"")
			xml.EscapeText(&clusterMap, []byte(segment))
			clusterMap.WriteString("\" value=\"cluster.")
			clusterMap.WriteString(strconv.Itoa(idx + 1))
			clusterMap.WriteString("\"/>\n")
		}
	}
	clusterMap.WriteString("</coprus-key-map>")

	if err := os.WriteFile(filepath.Join(outDir, "speaker.map"), []byte(keyList.String()), 0o644); err != nil {
		return fmt.Errorf("write speaker map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "cluster.map.xml"), []byte(clusterMap.String()), 0o644); err != nil {
		return fmt.Errorf("write cluster map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "num_speakers"), []byte(strconv.Itoa(len(keys))+"\n"), 0o644); err != nil {
		return fmt.Errorf("write num speakers: %w", err)
	}
	return nil
}

// SpeakerPartitionJob partitions a corpus into per-speaker segment lists.
type SpeakerPartitionJob struct {
	CorpusPath string
}

func NewSpeakerPartitionJob(corpusPath string) (*SpeakerPartitionJob, error) {
	if corpusPath == "" {
		return nil, fmt.Errorf("corpus path is required")
	}
	return &SpeakerPartitionJob{CorpusPath: corpusPath}, nil
}

func (j *SpeakerPartitionJob) Run(outDir string) error {
	c, err := corpus.Load(j.CorpusPath)
	if err != nil {
		return err
	}
	groups, keys := Partition(c.Segments(), SpeakerKey)
	if err := writeClusterArtifacts(outDir, groups, keys); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"job":      "segment-by-speaker",
		"speakers": len(keys),
	}).Info("speaker partition written")
	return nil
}

func (j *SpeakerPartitionJob) Identity() (string, error) {
	return hash.Digest(map[string]any{"corpus_path": j.CorpusPath})
}

// RegexPartitionJob partitions a corpus by a regular expression applied to
// segment names.
type RegexPartitionJob struct {
	CorpusPath  string
	Pattern     string
	Groups      []int
	UseFullName bool

	key func(corpus.Segment) string
}

func NewRegexPartitionJob(corpusPath, pattern string, groups []int, useFullName bool) (*RegexPartitionJob, error) {
	if corpusPath == "" {
		return nil, fmt.Errorf("corpus path is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	key, err := RegexKey(re, groups, useFullName)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		groups = []int{1}
	}
	return &RegexPartitionJob{
		CorpusPath:  corpusPath,
		Pattern:     pattern,
		Groups:      groups,
		UseFullName: useFullName,
		key:         key,
	}, nil
}

func (j *RegexPartitionJob) Run(outDir string) error {
	c, err := corpus.Load(j.CorpusPath)
	if err != nil {
		return err
	}
	groups, keys := Partition(c.Segments(), j.key)
	if err := writeClusterArtifacts(outDir, groups, keys); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"job":     "segment-by-regex",
		"pattern": j.Pattern,
		"keys":    len(keys),
	}).Info("regex partition written")
	return nil
}

func (j *RegexPartitionJob) Identity() (string, error) {
	return hash.Digest(map[string]any{
		"corpus_path":  j.CorpusPath,
		"regex":        j.Pattern,
		"groups":       j.Groups,
		"use_fullpath": j.UseFullName,
	})
}
