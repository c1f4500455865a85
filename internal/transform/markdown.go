// Package transform turns extracted assistant replies into Markdown.
package transform

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

// Output is the Markdown rendering of one reply.
type Output struct {
	Markdown           string
	ReferencesMarkdown string
}

// Transform converts content (an HTML fragment, or nil when no reply was
// found) and its references into Markdown. Reference order is preserved.
func Transform(content *string, refs []models.Reference) (Output, error) {
	var out Output
	if content != nil {
		converter := md.NewConverter("", true, nil)
		markdown, err := converter.ConvertString(*content)
		if err != nil {
			return Output{}, fmt.Errorf("convert reply to markdown: %w", err)
		}
		out.Markdown = strings.TrimSpace(markdown)
	}
	out.ReferencesMarkdown = References(refs)
	return out, nil
}

// References renders refs as a numbered Markdown list, one per line.
func References(refs []models.Reference) string {
	lines := make([]string, 0, len(refs))
	for _, ref := range refs {
		lines = append(lines, fmt.Sprintf("%s. [%s](%s)", ref.Number, ref.Text, ref.URL))
	}
	return strings.Join(lines, "\n")
}
