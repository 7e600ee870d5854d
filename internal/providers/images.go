package providers

import (
	"context"
	"regexp"
	"strings"
)

// Embedded images travel inline in message content as placeholders of the
// form "[image: <url-or-data-uri>]".
var imagePlaceholderRe = regexp.MustCompile(`\[image:\s*([^\]]+)\]`)

// extractImages returns the content with placeholders removed plus the
// image sources, in order of appearance.
func extractImages(content string) (string, []string) {
	matches := imagePlaceholderRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, nil
	}
	sources := make([]string, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, strings.TrimSpace(m[1]))
	}
	text := imagePlaceholderRe.ReplaceAllString(content, "")
	return strings.TrimSpace(text), sources
}

// convertImagesToTextIfNeeded substitutes each image placeholder with a
// textual description when the model cannot accept images. Without a hook
// the placeholder is replaced by a short notice so the model is not shown
// a raw data URI.
func convertImagesToTextIfNeeded(ctx context.Context, content string, settings Settings) string {
	if settings.SupportsImages || !imagePlaceholderRe.MatchString(content) {
		return content
	}
	return imagePlaceholderRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := imagePlaceholderRe.FindStringSubmatch(m)
		source := strings.TrimSpace(sub[1])
		if settings.ConvertImageToText != nil {
			if desc, err := settings.ConvertImageToText(ctx, source); err == nil && desc != "" {
				return "[image description: " + desc + "]"
			}
		}
		return "[image omitted: model does not accept images]"
	})
}
