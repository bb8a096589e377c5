package corpus

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// MapItem is one key/value entry of a segment map.
type MapItem struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// SegmentMap maps identifiers of one segment namespace to another, e.g.
// after corpus compression renamed recordings.
type SegmentMap struct {
	Items []MapItem
}

// LoadSegmentMap reads all map-item entries of an XML segment map in
// document order, regardless of the root element name. A ".gz" suffix
// selects transparent decompression.
func LoadSegmentMap(path string) (*SegmentMap, error) {
	r, closeAll, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	sm := &SegmentMap{}
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse segment map %s: %w", path, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "map-item" {
			continue
		}
		var item MapItem
		if err := dec.DecodeElement(&item, &start); err != nil {
			return nil, fmt.Errorf("parse segment map %s: %w", path, err)
		}
		sm.Items = append(sm.Items, item)
	}
	return sm, nil
}
