package scrape

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"
)

// maxUnwrapItems caps how many structured items are rendered.
const maxUnwrapItems = 20

// Preferred free-text fields of a JSON payload, most specific first.
var (
	textFields = []string{"content", "text", "markdown", "body", "article", "description", "summary"}
	htmlFields = []string{"html", "content_html", "body_html"}
	listFields = []string{"items", "results", "data", "entries", "records", "links"}

	itemTitleFields = []string{"title", "name", "label", "headline"}
	itemLinkFields  = []string{"url", "link", "href"}
	itemTextFields  = []string{"text", "description", "summary", "snippet", "content"}
)

var stripTags = bluemonday.StrictPolicy()

// unwrap turns a JSON document returned by an executor into display text:
// the first free-text field, then up to maxUnwrapItems list items as
// bullets. Anything that is not a valid JSON object comes back unchanged.
func unwrap(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return raw
	}
	doc := gjson.Parse(trimmed)

	text := firstString(doc, textFields)
	if text == "" {
		if h := firstString(doc, htmlFields); h != "" {
			text = htmlToText(h)
		}
	}
	if title := firstString(doc, []string{"title"}); title != "" && text != "" && !strings.HasPrefix(text, title) {
		text = title + "\n\n" + text
	}

	bullets := renderItems(firstArray(doc, listFields))
	switch {
	case text == "" && bullets == "":
		return raw
	case bullets == "":
		return text
	case text == "":
		return bullets
	}
	return text + "\n\n" + bullets
}

func firstString(doc gjson.Result, fields []string) string {
	for _, f := range fields {
		v := doc.Get(f)
		if v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstArray(doc gjson.Result, fields []string) []gjson.Result {
	for _, f := range fields {
		if v := doc.Get(f); v.IsArray() {
			if items := v.Array(); len(items) > 0 {
				return items
			}
		}
	}
	return nil
}

// renderItems renders each item on one "- " line: strings as is, objects
// as their title, link and text joined by " | ", anything else as JSON.
func renderItems(items []gjson.Result) string {
	if len(items) > maxUnwrapItems {
		items = items[:maxUnwrapItems]
	}
	var b strings.Builder
	for _, it := range items {
		var line string
		switch {
		case it.Type == gjson.String:
			line = strings.TrimSpace(it.Str)
		case it.IsObject():
			var parts []string
			for _, fields := range [][]string{itemTitleFields, itemLinkFields, itemTextFields} {
				if s := firstString(it, fields); s != "" {
					parts = append(parts, oneLine(s, 200))
				}
			}
			if len(parts) == 0 {
				parts = append(parts, oneLine(it.Raw, 200))
			}
			line = strings.Join(parts, " | ")
		default:
			line = oneLine(it.Raw, 200)
		}
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(line)
	}
	return b.String()
}

func htmlToText(h string) string {
	return strings.Join(strings.Fields(html.UnescapeString(stripTags.Sanitize(h))), " ")
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
