package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flatten expands the structured outline into ordered page outlines.
// Pages nested under a part inherit the part name.
func Flatten(outline []OutlineItem) []PageOutline {
	pages := make([]PageOutline, 0, len(outline))
	for _, item := range outline {
		if item.IsPart() {
			for _, po := range item.Pages {
				po = po.clone()
				po.Part = item.Part
				pages = append(pages, po)
			}
			continue
		}
		pages = append(pages, PageOutline{
			Title:  item.Title,
			Points: append([]string(nil), item.Points...),
		})
	}
	return pages
}

// Regroup rebuilds the structured outline from pages after edits,
// folding consecutive pages of the same part under one part item.
func Regroup(pages []Page) []OutlineItem {
	items := make([]OutlineItem, 0, len(pages))
	for _, pg := range pages {
		po := pg.Outline.clone()
		if po.Part == "" {
			items = append(items, OutlineItem{Title: po.Title, Points: po.Points})
			continue
		}
		po.Part = ""
		if n := len(items); n > 0 && items[n-1].Part == pg.Outline.Part && len(items[n-1].Pages) > 0 {
			items[n-1].Pages = append(items[n-1].Pages, po)
			continue
		}
		items = append(items, OutlineItem{Part: pg.Outline.Part, Pages: []PageOutline{po}})
	}
	return items
}

// BuildPages turns the flattened outline into fresh DRAFT pages with
// ordinals 0..n-1.
func BuildPages(projectID string, outline []OutlineItem, now time.Time) []Page {
	flat := Flatten(outline)
	pages := make([]Page, len(flat))
	for i, po := range flat {
		pages[i] = Page{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Ordinal:   i,
			Outline:   po,
			Status:    PageDraft,
			UpdatedAt: now,
		}
	}
	return pages
}

// OutlineText renders the top-level outline as a numbered list, naming
// parts by their part title.
func OutlineText(outline []OutlineItem) string {
	lines := make([]string, 0, len(outline))
	for i, item := range outline {
		name := item.Title
		if item.IsPart() {
			name = item.Part
		}
		if name == "" {
			name = "Untitled"
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, name))
	}
	return strings.Join(lines, "\n")
}

// Section returns the heading a page is rendered under: its part when it has
// one, otherwise its own title.
func (po PageOutline) Section() string {
	if po.Part != "" {
		return po.Part
	}
	if po.Title == "" {
		return "Untitled"
	}
	return po.Title
}

// ParseOutline decodes a model response into outline items. Code fences and
// surrounding prose are stripped first.
func ParseOutline(raw string) ([]OutlineItem, error) {
	var items []OutlineItem
	if err := DecodeJSON(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutline, err)
	}
	for i, item := range items {
		if item.Part != "" && len(item.Pages) == 0 && item.Title == "" {
			return nil, fmt.Errorf("%w: part %q at %d has no pages", ErrInvalidOutline, item.Part, i)
		}
	}
	if len(Flatten(items)) == 0 {
		return nil, ErrEmptyOutline
	}
	return items, nil
}

// DecodeJSON extracts the JSON fragment of a model response and unmarshals it.
func DecodeJSON(raw string, v any) error {
	fragment := extractJSONFragment(raw)
	if fragment == "" {
		return errors.New("no json found in response")
	}
	if err := json.Unmarshal([]byte(fragment), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func extractJSONFragment(raw string) string {
	cleaned := trimCodeFence(strings.TrimSpace(raw))
	start := strings.IndexAny(cleaned, "[{")
	if start < 0 {
		return ""
	}
	closer := byte(']')
	if cleaned[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(cleaned, closer)
	if end < start {
		return ""
	}
	return cleaned[start : end+1]
}

func trimCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var markdownImage = regexp.MustCompile(`!\[.*?\]\((.*?)\)`)

// ExtractImageURLs returns the http(s) image links embedded as markdown
// images in text, in order of appearance and without duplicates.
func ExtractImageURLs(text string) []string {
	matches := markdownImage.FindAllStringSubmatch(text, -1)
	urls := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		u := strings.TrimSpace(m[1])
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
