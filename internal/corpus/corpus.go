// Package corpus is a thin reader for Bliss-style corpus descriptions and
// segment maps. It exposes just enough of the format for the segment jobs:
// segment identifiers, speakers, time bounds, and audio references.
package corpus

import (
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Segment is the atomic unit of training and evaluation data. End is +Inf
// when the segment extends to the end of its recording.
type Segment struct {
	Name      string
	FullName  string
	Speaker   string
	Start     float64
	End       float64
	AudioPath string
}

// SegmentSource yields segments in document order. Jobs depend on this
// rather than on the corpus file format.
type SegmentSource interface {
	Segments() []Segment
}

// Corpus holds the flattened segment sequence of one corpus file, in
// document order.
type Corpus struct {
	Name     string
	segments []Segment
}

// Segments returns the corpus segments in document order.
func (c *Corpus) Segments() []Segment {
	return c.segments
}

type xmlSegment struct {
	Name    string `xml:"name,attr"`
	Start   string `xml:"start,attr"`
	End     string `xml:"end,attr"`
	Speaker *struct {
		Name string `xml:"name,attr"`
	} `xml:"speaker"`
}

type xmlRecording struct {
	Name     string `xml:"name,attr"`
	Audio    string `xml:"audio,attr"`
	Speaker  *struct {
		Name string `xml:"name,attr"`
	} `xml:"speaker"`
	Segments []xmlSegment `xml:"segment"`
}

type xmlCorpus struct {
	Name       string         `xml:"name,attr"`
	Recordings []xmlRecording `xml:"recording"`
	Subcorpora []xmlCorpus    `xml:"subcorpus"`
}

// Load reads a corpus description. A ".gz" suffix selects transparent
// decompression.
func Load(path string) (*Corpus, error) {
	r, closeAll, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	var root xmlCorpus
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}

	c := &Corpus{Name: root.Name}
	if err := collectSegments(c, root, root.Name); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return c, nil
}

func collectSegments(c *Corpus, node xmlCorpus, prefix string) error {
	for _, rec := range node.Recordings {
		for i, seg := range rec.Segments {
			name := seg.Name
			if name == "" {
				name = strconv.Itoa(i + 1)
			}
			speaker := ""
			if seg.Speaker != nil {
				speaker = seg.Speaker.Name
			} else if rec.Speaker != nil {
				speaker = rec.Speaker.Name
			}
			fullName := prefix + "/" + rec.Name + "/" + name
			start, err := parseTime(seg.Start, 0)
			if err != nil {
				return fmt.Errorf("segment %s: %w", fullName, err)
			}
			end, err := parseTime(seg.End, math.Inf(1))
			if err != nil {
				return fmt.Errorf("segment %s: %w", fullName, err)
			}
			c.segments = append(c.segments, Segment{
				Name:      name,
				FullName:  fullName,
				Speaker:   speaker,
				Start:     start,
				End:       end,
				AudioPath: rec.Audio,
			})
		}
	}
	for _, sub := range node.Subcorpora {
		if err := collectSegments(c, sub, prefix+"/"+sub.Name); err != nil {
			return err
		}
	}
	return nil
}

// parseTime interprets a segment time attribute. An absent attribute means
// the fallback; a present but unparseable one is an error, not a silent
// correction.
func parseTime(raw string, fallback float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if strings.EqualFold(raw, "inf") || strings.EqualFold(raw, "infinity") {
		return math.Inf(1), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time attribute %q", raw)
	}
	return v, nil
}

func openMaybeGzip(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, func() { f.Close() }, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open gzip %s: %w", path, err)
	}
	return gz, func() {
		gz.Close()
		f.Close()
	}, nil
}
