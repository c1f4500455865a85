package venice

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"

	"github.com/shehryarbajwa/venice-relay/internal/site"
	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

// extractReply reads the last assistant message from the page. Reading the
// markup once and parsing it locally keeps the page round-trips to two.
func extractReply(page *rod.Page, sel Selectors) (site.Reply, error) {
	messages, err := page.Elements(sel.AssistantMessage)
	if err != nil {
		return site.Reply{}, fmt.Errorf("list assistant messages: %w", err)
	}
	if messages.Empty() {
		return site.Reply{}, nil
	}

	html, err := messages.Last().HTML()
	if err != nil {
		return site.Reply{}, fmt.Errorf("read assistant message: %w", err)
	}
	info, err := page.Info()
	if err != nil {
		return site.Reply{}, fmt.Errorf("read page url: %w", err)
	}
	return ParseReply(html, info.URL, sel)
}

// ParseReply extracts content and citations from the markup of assistant
// messages. The last message wins. Citation hrefs are resolved against
// pageURL the way a browser resolves a.href.
func ParseReply(html, pageURL string, sel Selectors) (site.Reply, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return site.Reply{}, fmt.Errorf("parse assistant message: %w", err)
	}

	msg := doc.Find(sel.AssistantMessage).Last()
	if msg.Length() == 0 {
		return site.Reply{}, nil
	}

	var reply site.Reply
	if content := msg.Find(sel.Content).First(); content.Length() > 0 {
		inner, err := content.Html()
		if err != nil {
			return site.Reply{}, fmt.Errorf("render reply content: %w", err)
		}
		reply.Content = &inner
	}

	base, _ := url.Parse(pageURL)
	reply.References = []models.Reference{}
	msg.Find(sel.CitationList).First().Find("a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		reply.References = append(reply.References, models.Reference{
			Number: strings.TrimSpace(a.Find(sel.CitationNumber).First().Text()),
			Text:   strings.TrimSpace(a.Find(sel.CitationLabel).First().Text()),
			URL:    resolve(base, href),
		})
	})
	return reply, nil
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
