// Package opml imports and exports the tracked entity list as OPML, so a set of
// channels can be seeded from (or shared with) feed readers and RSS bridges.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/normalize"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a folder or a single source.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and returns the canonical ids of every Telegram
// entity it lists, in document order without repeats. Folders are flattened.
// Outlines that do not point at Telegram are skipped.
func Parse(r io.Reader) ([]string, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}

	var ids []string
	seen := make(map[string]struct{})
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if id := entityID(o); id != "" {
				if _, ok := seen[strings.ToLower(id)]; !ok {
					seen[strings.ToLower(id)] = struct{}{}
					ids = append(ids, id)
				}
				continue
			}
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)
	return ids, nil
}

// entityID finds the Telegram entity an outline refers to. RSS bridge feeds
// of the form .../telegram/channel/<name> are recognised too.
func entityID(o Outline) string {
	for _, ref := range []string{o.HTMLURL, o.XMLURL} {
		if id := normalize.CanonicalRef(ref); id != "" {
			return trimPath(id)
		}
	}
	if i := strings.Index(o.XMLURL, "/telegram/channel/"); i >= 0 {
		name := o.XMLURL[i+len("/telegram/channel/"):]
		if j := strings.IndexAny(name, "/?#"); j >= 0 {
			name = name[:j]
		}
		if name != "" {
			return normalize.CanonicalPrefix + name
		}
	}
	return ""
}

// trimPath drops post ids and query strings from a canonical link.
func trimPath(id string) string {
	return normalize.CanonicalPrefix + normalize.Username(id)
}

// Export renders watermarks as a flat OPML document sorted by id. When
// feedTemplate is not empty each outline also carries the bridge feed URL.
func Export(title string, wms []model.Watermark, feedTemplate string, now time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
	}

	sorted := append([]model.Watermark(nil), wms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GroupID < sorted[j].GroupID })

	for _, wm := range sorted {
		name := normalize.Username(wm.GroupID)
		o := Outline{
			Text:    name,
			Title:   name,
			Type:    "telegram",
			HTMLURL: normalize.CanonicalPrefix + name,
		}
		if feedTemplate != "" {
			o.Type = "rss"
			o.XMLURL = fmt.Sprintf(feedTemplate, name)
		}
		doc.Body.Outlines = append(doc.Body.Outlines, o)
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
