package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

func ptr(s string) *string { return &s }

func TestTransformNilContent(t *testing.T) {
	out, err := Transform(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Output{}, out)

	out, err = Transform(nil, []models.Reference{})
	require.NoError(t, err)
	assert.Equal(t, "", out.Markdown)
	assert.Equal(t, "", out.ReferencesMarkdown)
}

func TestTransformParagraphAndReference(t *testing.T) {
	out, err := Transform(ptr("<p>Hi</p>"), []models.Reference{
		{Number: "1", Text: "Doc", URL: "http://x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi", out.Markdown)
	assert.Equal(t, "1. [Doc](http://x)", out.ReferencesMarkdown)
}

func TestTransformKeepsStructure(t *testing.T) {
	out, err := Transform(ptr("\n  <h2>Steps</h2><ul><li>one</li><li>two</li></ul><p>Use <strong>bold</strong> and <code>x := 1</code>.</p>  \n"), nil)
	require.NoError(t, err)

	assert.Contains(t, out.Markdown, "## Steps")
	assert.Contains(t, out.Markdown, "- one")
	assert.Contains(t, out.Markdown, "- two")
	assert.Contains(t, out.Markdown, "**bold**")
	assert.Contains(t, out.Markdown, "`x := 1`")
	assert.Equal(t, strings.TrimSpace(out.Markdown), out.Markdown)
}

func TestReferencesPreserveOrder(t *testing.T) {
	got := References([]models.Reference{
		{Number: "2", Text: "Second", URL: "https://b.example"},
		{Number: "1", Text: "First", URL: "https://a.example"},
	})
	assert.Equal(t, "2. [Second](https://b.example)\n1. [First](https://a.example)", got)
}
