package sources

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var textPolicy = bluemonday.StrictPolicy()

// cleanText strips markup from s, collapses runs of spaces and drops blank
// lines.
func cleanText(s string) string {
	s = html.UnescapeString(textPolicy.Sanitize(s))
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
