// Package extract pulls links and label/value pairs out of registry HTML using
// goquery and a Registry's selector configuration. Every function degrades to
// partial or empty output on malformed markup instead of failing.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

// maxAncestorHops bounds how far PaginationLinks climbs from the marker text
// looking for the element that holds the page anchors.
const maxAncestorHops = 3

// EntityLink is a candidate Name discovered on a Code listing page.
type EntityLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Field is one label/value pair from a detail page.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Detail is everything extracted from a detail page.
type Detail struct {
	Title  string  `json:"title,omitempty"`
	Fields []Field `json:"fields"`
}

// Map returns the fields as label -> value; the first occurrence of a label wins.
func (d Detail) Map() map[string]string {
	out := make(map[string]string, len(d.Fields))
	for _, f := range d.Fields {
		if _, ok := out[f.Label]; ok {
			continue
		}
		out[f.Label] = f.Value
	}
	return out
}

// Parse builds a goquery document from a UTF-8 body.
func Parse(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// RegistryLinks returns the Code links of a Registry listing page: anchors
// under the optional parent container whose absolute URL starts with
// basePath, stripped of query and fragment, de-duplicated in document order.
func RegistryLinks(doc *goquery.Document, pageURL string, cfg crawler.SelectorConfig, basePath string) []string {
	cfg = cfg.WithDefaults()
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	prefix := resolve(base, basePath)
	if prefix == "" {
		return nil
	}

	scope := doc.Selection
	if cfg.ParentSelector != "" {
		scope = doc.Find(cfg.ParentSelector)
	}

	seen := make(map[string]struct{})
	var links []string
	scope.Find(cfg.LinkTag).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr(cfg.LinkAttr)
		if !ok {
			return
		}
		abs := stripQuery(resolve(base, href))
		if abs == "" || !strings.HasPrefix(abs, prefix) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

// EntityLinks returns the Name candidates of a Code listing page: anchors
// inside the entity container whose URL contains the detail marker, with
// their visible text truncated to the configured length.
func EntityLinks(doc *goquery.Document, pageURL string, cfg crawler.SelectorConfig) []EntityLink {
	cfg = cfg.WithDefaults()
	base, err := url.Parse(pageURL)
	if err != nil || cfg.EntityParentSelector == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var links []EntityLink
	doc.Find(cfg.EntityParentSelector).Find(cfg.LinkTag).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr(cfg.LinkAttr)
		if !ok {
			return
		}
		abs := resolve(base, href)
		if abs == "" || (cfg.DetailMarker != "" && !strings.Contains(abs, cfg.DetailMarker)) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, EntityLink{
			URL:  abs,
			Text: crawler.TruncateRunes(cleanText(s.Text()), cfg.NameMaxLength),
		})
	})
	return links
}

// PaginationLinks finds the block introduced by the marker phrase and returns
// every anchor inside it as an absolute URL. A missing marker yields nil.
func PaginationLinks(doc *goquery.Document, pageURL string, cfg crawler.SelectorConfig) []string {
	cfg = cfg.WithDefaults()
	marker := cleanText(cfg.PaginationMarker)
	base, err := url.Parse(pageURL)
	if err != nil || marker == "" {
		return nil
	}

	var block *goquery.Selection
	doc.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(cleanText(ownText(s)), marker) {
			block = s
			return false
		}
		return true
	})
	if block == nil {
		return nil
	}

	anchorSel := cfg.LinkTag + "[" + cfg.LinkAttr + "]"
	for i := 0; i < maxAncestorHops && block.Find(anchorSel).Length() == 0; i++ {
		parent := block.Parent()
		if parent.Length() == 0 || goquery.NodeName(parent) == "body" {
			break
		}
		block = parent
	}

	seen := make(map[string]struct{})
	var links []string
	block.Find(anchorSel).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr(cfg.LinkAttr)
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

// DetailFields zips the label and value sequences positionally. When the two
// sequences differ in length only the first min(len) pairs are produced; the
// surplus is dropped.
func DetailFields(doc *goquery.Document, cfg crawler.SelectorConfig) Detail {
	var detail Detail
	if cfg.TitleSelector != "" {
		detail.Title = cleanText(doc.Find(cfg.TitleSelector).First().Text())
	}
	if cfg.LabelSelector == "" || cfg.ValueSelector == "" {
		return detail
	}

	labels := doc.Find(cfg.LabelSelector)
	values := doc.Find(cfg.ValueSelector)
	n := min(labels.Length(), values.Length())
	detail.Fields = make([]Field, 0, n)
	for i := 0; i < n; i++ {
		label := strings.TrimSuffix(cleanText(labels.Eq(i).Text()), ":")
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		detail.Fields = append(detail.Fields, Field{
			Label: label,
			Value: cleanText(values.Eq(i).Text()),
		})
	}
	return detail
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func stripQuery(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	return u.String()
}

func ownText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
				b.WriteByte(' ')
			}
		}
	}
	return b.String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
