package gateway

import (
	"regexp"
	"strings"
)

// Container paths arrive with a sandbox: scheme. Rewriting maps them to
// the host view: sandbox:/magi_output/ becomes /magi_output/, any other
// sandbox: prefix is stripped, and bare image URLs under /magi_output/
// become markdown links so UIs render them. A bare URL is one preceded
// by start-of-text or whitespace, so URLs already inside a markdown
// link are left alone and the rewrite is idempotent.
var bareImageURLRe = regexp.MustCompile(`(^|\s)(/magi_output/\S+\.(?:png|jpe?g|gif|webp|svg))`)

// RewritePaths normalizes container paths in a text payload.
func RewritePaths(content string) string {
	if content == "" {
		return content
	}
	out := strings.ReplaceAll(content, "sandbox:/magi_output/", "/magi_output/")
	out = strings.ReplaceAll(out, "sandbox:", "")
	out = bareImageURLRe.ReplaceAllString(out, "$1[$2]($2)")
	return out
}
