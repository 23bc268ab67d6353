package analyzers

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Metadata is the document summary extracted while parsing fetched content.
type Metadata struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Lang        string              `json:"lang,omitempty"`
	MetaTags    []map[string]string `json:"metaTags"`
	Links       []map[string]string `json:"links"`
}

// ExtractMetadata collects the title, meta tags and link elements of an HTML document.
func ExtractMetadata(body []byte) (Metadata, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse html: %w", err)
	}
	md := Metadata{
		Title:    strings.TrimSpace(doc.Find("head title").First().Text()),
		Lang:     attr(doc.Find("html").First(), "lang"),
		MetaTags: []map[string]string{},
		Links:    []map[string]string{},
	}
	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		attrs := attributes(sel)
		if strings.EqualFold(attrs["name"], "description") {
			md.Description = strings.TrimSpace(attrs["content"])
		}
		md.MetaTags = append(md.MetaTags, attrs)
	})
	doc.Find("link").Each(func(_ int, sel *goquery.Selection) {
		md.Links = append(md.Links, attributes(sel))
	})
	return md, nil
}

// Map converts the metadata to the generic form stored on the job.
func (m Metadata) Map() map[string]any {
	return map[string]any{
		"title":       m.Title,
		"description": m.Description,
		"lang":        m.Lang,
		"metaTags":    m.MetaTags,
		"links":       m.Links,
	}
}

func attributes(sel *goquery.Selection) map[string]string {
	out := map[string]string{}
	if len(sel.Nodes) == 0 {
		return out
	}
	for _, a := range sel.Nodes[0].Attr {
		out[strings.ToLower(a.Key)] = a.Val
	}
	return out
}
