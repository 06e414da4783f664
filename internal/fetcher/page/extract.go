package page

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extract pulls record fields out of an HTML document. Sources, highest
// priority first: elements carrying data-field, schema.org microdata
// (itemprop), top-level JSON-LD scalars, then OpenGraph and named meta tags
// (og:title becomes og_title). The page title is stored under "title" when
// nothing else set it.
func Extract(body []byte) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	data := make(map[string]any)

	doc.Find("[data-field]").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("data-field")
		setOnce(data, key, valueOf(s))
	})
	doc.Find("[itemprop]").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("itemprop")
		setOnce(data, key, valueOf(s))
	})
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		dec := json.NewDecoder(strings.NewReader(s.Text()))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return
		}
		for k, v := range obj {
			if strings.HasPrefix(k, "@") {
				continue
			}
			switch v.(type) {
			case string, json.Number, bool:
				setOnce(data, k, v)
			}
		}
	})
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		name, ok := s.Attr("property")
		if !ok {
			name, _ = s.Attr("name")
		}
		setOnce(data, metaKey(name), strings.TrimSpace(content))
	})
	setOnce(data, "title", strings.TrimSpace(doc.Find("title").First().Text()))
	return data, nil
}

func valueOf(s *goquery.Selection) string {
	for _, attr := range []string{"content", "datetime", "value"} {
		if v, ok := s.Attr(attr); ok {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(s.Text())
}

func metaKey(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(":", "_", "-", "_", ".", "_").Replace(name)
}

func setOnce(data map[string]any, key string, val any) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if s, ok := val.(string); ok && s == "" {
		return
	}
	if _, exists := data[key]; exists {
		return
	}
	data[key] = val
}
