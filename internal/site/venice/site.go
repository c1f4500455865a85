// Package venice drives the venice.ai chat front-end through go-rod.
package venice

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/site"
)

// PageOpener creates pages in the shared browser
type PageOpener interface {
	NewPage(ctx context.Context) (*rod.Page, error)
}

// Site implements site.Site for venice.ai
type Site struct {
	pages     PageOpener
	base      *url.URL
	selectors Selectors
	logger    *zap.Logger
}

// New creates a Site rooted at baseURL (e.g. https://venice.ai)
func New(pages PageOpener, baseURL string, selectors Selectors, logger *zap.Logger) (*Site, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid site url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid site url %q: scheme and host are required", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Site{pages: pages, base: base, selectors: selectors, logger: logger}, nil
}

var _ site.Site = (*Site)(nil)

// OpenTab opens a blank tab
func (s *Site) OpenTab(ctx context.Context) (site.Tab, error) {
	page, err := s.pages.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	id := string(page.TargetID)
	return &Tab{
		site:   s,
		page:   page,
		id:     id,
		logger: s.logger.With(zap.String("tab", id)),
	}, nil
}

// ChatURL returns the chat root for an empty id, else the conversation URL
func (s *Site) ChatURL(conversationID string) string {
	if conversationID == "" {
		return s.base.String() + "/chat"
	}
	return s.base.String() + "/chat/" + url.PathEscape(conversationID)
}

// SignInURL returns the sign-in page
func (s *Site) SignInURL() string {
	return s.base.String() + "/sign-in"
}

// IsChatRoot reports whether rawURL is the bare chat page on this site
func (s *Site) IsChatRoot(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == s.base.Host && strings.TrimRight(u.Path, "/") == s.base.Path+"/chat"
}
