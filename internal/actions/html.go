package actions

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// parseHTML extracts structure from an HTML document. Default mode
// collects links; a "selector" payload key switches to CSS selection
// and mode "text" to inner-text extraction.
func (r *Runner) parseHTML(payload map[string]any) (map[string]any, error) {
	html, err := stringField(payload, "html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	if mode, _ := payload["mode"].(string); mode == "text" {
		return map[string]any{"text": strings.TrimSpace(doc.Text())}, nil
	}

	if selector, _ := payload["selector"].(string); selector != "" {
		var items []string
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			items = append(items, strings.TrimSpace(s.Text()))
		})
		b, _ := json.Marshal(items)
		return map[string]any{"items_json": string(b)}, nil
	}

	baseURL, _ := payload["base_url"].(string)
	type link struct {
		Text string `json:"text"`
		URL  string `json:"url"`
	}
	var links []link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		links = append(links, link{
			Text: strings.TrimSpace(s.Text()),
			URL:  absolute(baseURL, href),
		})
	})
	b, _ := json.Marshal(links)
	return map[string]any{"links_json": string(b)}, nil
}

// absolute resolves href against base, passing through anything that is
// already absolute or unparseable.
func absolute(base, href string) string {
	u, err := url.Parse(href)
	if err != nil || href == "" {
		return href
	}
	if u.IsAbs() {
		return u.String()
	}
	if base == "" {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	return bu.ResolveReference(u).String()
}
