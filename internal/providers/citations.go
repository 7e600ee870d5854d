package providers

import (
	"fmt"
	"strings"
)

// CitationTracker deduplicates citations by URL and numbers them in
// first-seen order. The inline marker for a citation is " [n]" where n is
// the URL's insertion index, not an issuance counter.
type CitationTracker struct {
	order  []string
	byURL  map[string]int
	titles map[string]string
}

// NewCitationTracker creates an empty tracker.
func NewCitationTracker() *CitationTracker {
	return &CitationTracker{
		byURL:  make(map[string]int),
		titles: make(map[string]string),
	}
}

// Add records a citation and returns its inline marker (" [n]"). Repeated
// URLs reuse their first-seen number.
func (c *CitationTracker) Add(url, title string) string {
	if url == "" {
		return ""
	}
	n, ok := c.byURL[url]
	if !ok {
		c.order = append(c.order, url)
		n = len(c.order)
		c.byURL[url] = n
		if title != "" {
			c.titles[url] = title
		}
	}
	return fmt.Sprintf(" [%d]", n)
}

// Empty reports whether no citations were recorded.
func (c *CitationTracker) Empty() bool {
	return len(c.order) == 0
}

// Footnotes renders the References block appended once at end of stream.
// Each URL appears exactly once, numbered to match the inline markers.
func (c *CitationTracker) Footnotes() string {
	if len(c.order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nReferences:\n")
	for i, url := range c.order {
		if title := c.titles[url]; title != "" {
			fmt.Fprintf(&b, "[%d] %s - %s\n", i+1, title, url)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, url)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
