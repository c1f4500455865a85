// Package sitetest provides an in-memory Site and Tab for exercising the
// session store and automation driver without a browser.
package sitetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/venice-relay/internal/site"
	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

// Base is the fake site's origin.
const Base = "https://chat.test"

// Operation names recorded by Tab.
const (
	OpNavigate    = "navigate"
	OpStart       = "start-conversation"
	OpLoginState  = "login-state"
	OpLogin       = "login"
	OpIndicator   = "model-indicator"
	OpSelectModel = "select-model"
	OpEnterPrompt = "enter-prompt"
	OpSubmit      = "submit"
	OpInference   = "inference"
	OpAwaitReply  = "await-reply"
	OpExtract     = "extract"
	OpActivate    = "activate"
	OpClose       = "close"
)

// Site is a fake chat site. Conversation ids it has not issued (or been told
// to Remember) redirect to the chat root, like an expired conversation.
type Site struct {
	mu      sync.Mutex
	known   map[string]bool
	tabs    []*Tab
	counter int

	// OpenErr fails every OpenTab call when set.
	OpenErr error
	// Configure is applied to each tab as it is opened.
	Configure func(*Tab)
}

// NewSite returns an empty fake site.
func NewSite() *Site {
	return &Site{known: make(map[string]bool)}
}

// Remember marks id as a conversation the site still recognizes.
func (s *Site) Remember(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[id] = true
}

func (s *Site) isKnown(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[id]
}

func (s *Site) issueConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	id := fmt.Sprintf("conv-%d", s.counter)
	s.known[id] = true
	return id
}

// OpenTab implements site.Site.
func (s *Site) OpenTab(ctx context.Context) (site.Tab, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.mu.Lock()
	t := &Tab{
		site:      s,
		id:        fmt.Sprintf("tab-%d", len(s.tabs)+1),
		url:       "about:blank",
		State:     site.LoginSignedIn,
		Indicator: "Hermes 2 Theta Web",
		errs:      make(map[string]error),
	}
	s.tabs = append(s.tabs, t)
	configure := s.Configure
	s.mu.Unlock()

	if configure != nil {
		configure(t)
	}
	return t, nil
}

// ChatURL implements site.Site.
func (s *Site) ChatURL(conversationID string) string {
	if conversationID == "" {
		return Base + "/chat"
	}
	return Base + "/chat/" + conversationID
}

// IsChatRoot implements site.Site.
func (s *Site) IsChatRoot(rawURL string) bool {
	return strings.TrimRight(rawURL, "/") == Base+"/chat"
}

// Tabs returns every tab opened so far.
func (s *Site) Tabs() []*Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Tab(nil), s.tabs...)
}

// Tab is a scripted browsing context. Exported fields may be set before the
// tab is used (typically from Site.Configure).
type Tab struct {
	site *Site
	id   string

	mu     sync.Mutex
	url    string
	calls  []string
	closed bool
	errs   map[string]error

	// Indicator is the model picker's current label.
	Indicator string
	// IgnoreModelSelect leaves Indicator unchanged when a model is picked.
	IgnoreModelSelect bool
	// State is returned by LoginState; Login flips it to signed-in.
	State site.LoginState
	// Typed maps the prompt to the value the input ends up holding.
	Typed func(string) string
	// Content and References are returned by ExtractReply.
	Content    *string
	References []models.Reference
	// Gate, when set, holds the inference wait open until closed.
	Gate chan struct{}
	// InferenceBody is the captured network body.
	InferenceBody string
}

// Fail makes every later call of op return err.
func (t *Tab) Fail(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs[op] = err
}

// Calls returns the operations performed so far, in order.
func (t *Tab) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// Count returns how many times op was performed.
func (t *Tab) Count(op string) int {
	n := 0
	for _, c := range t.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SetURL moves the tab without recording a navigation.
func (t *Tab) SetURL(u string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.url = u
}

func (t *Tab) record(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, op)
	if t.closed && op != OpClose {
		return fmt.Errorf("%s: tab %s is closed", op, t.id)
	}
	return t.errs[op]
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) URL() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("tab %s is closed", t.id)
	}
	return t.url, nil
}

func (t *Tab) Activate() error { return t.record(OpActivate) }

func (t *Tab) Close() error {
	err := t.record(OpClose)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return err
}

func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	if err := t.record(OpNavigate); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := rawURL
	if id, ok := strings.CutPrefix(rawURL, Base+"/chat/"); ok && !t.site.isKnown(id) {
		target = Base + "/chat"
	}
	t.SetURL(target)
	return nil
}

func (t *Tab) StartConversation(ctx context.Context) error {
	if err := t.record(OpStart); err != nil {
		return err
	}
	t.SetURL(t.site.ChatURL(t.site.issueConversation()))
	return nil
}

func (t *Tab) LoginState(ctx context.Context, wait time.Duration) (site.LoginState, error) {
	if err := t.record(OpLoginState); err != nil {
		return site.LoginUnknown, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State, nil
}

func (t *Tab) Login(ctx context.Context, creds site.Credentials) error {
	if err := t.record(OpLogin); err != nil {
		return err
	}
	if creds.Identifier == "" || creds.Secret == "" {
		return fmt.Errorf("missing credentials")
	}
	t.mu.Lock()
	t.State = site.LoginSignedIn
	t.mu.Unlock()
	return nil
}

func (t *Tab) ModelIndicator(ctx context.Context) (string, error) {
	if err := t.record(OpIndicator); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Indicator, nil
}

func (t *Tab) SelectModel(ctx context.Context, modelID string) error {
	if err := t.record(OpSelectModel); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.IgnoreModelSelect {
		t.Indicator = strings.ReplaceAll(modelID, "-", " ")
	}
	return nil
}

func (t *Tab) EnterPrompt(ctx context.Context, text string) (string, error) {
	if err := t.record(OpEnterPrompt); err != nil {
		return "", err
	}
	if t.Typed != nil {
		return t.Typed(text), nil
	}
	return text, nil
}

func (t *Tab) Submit(ctx context.Context) (site.InferenceWait, error) {
	if err := t.record(OpSubmit); err != nil {
		return nil, err
	}
	return inferenceWait{tab: t}, nil
}

type inferenceWait struct{ tab *Tab }

func (w inferenceWait) Wait(ctx context.Context) (string, error) {
	if err := w.tab.record(OpInference); err != nil {
		return "", err
	}
	if w.tab.Gate != nil {
		select {
		case <-w.tab.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return w.tab.InferenceBody, nil
}

func (t *Tab) AwaitReply(ctx context.Context) error { return t.record(OpAwaitReply) }

func (t *Tab) ExtractReply(ctx context.Context) (site.Reply, error) {
	if err := t.record(OpExtract); err != nil {
		return site.Reply{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return site.Reply{Content: t.Content, References: t.References}, nil
}

// String returns a pointer to s, for Tab.Content.
func String(s string) *string { return &s }
