// Package site defines the boundary between the automation state machine and
// one chat site's markup, URLs and network endpoints. Everything that breaks
// when the site ships a new front-end lives behind these interfaces.
package site

import (
	"context"
	"time"

	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

// LoginState is what a tab can tell about the signed-in user.
type LoginState int

const (
	// LoginUnknown means no evidence either way was found.
	LoginUnknown LoginState = iota
	LoginSignedIn
	LoginSignedOut
)

func (s LoginState) String() string {
	switch s {
	case LoginSignedIn:
		return "signed-in"
	case LoginSignedOut:
		return "signed-out"
	default:
		return "unknown"
	}
}

// Credentials are the two fields of the sign-in form.
type Credentials struct {
	Identifier string
	Secret     string
}

// Reply is the raw material extracted from the last assistant message.
// Content is nil when no assistant message exists.
type Reply struct {
	Content    *string
	References []models.Reference
}

// InferenceWait resolves once the site's inference response has been fully
// received.
type InferenceWait interface {
	Wait(ctx context.Context) (body string, err error)
}

// Site opens tabs and knows the site's URL layout.
type Site interface {
	OpenTab(ctx context.Context) (Tab, error)
	// ChatURL is the chat root for an empty id, else the conversation URL.
	ChatURL(conversationID string) string
	// IsChatRoot reports whether rawURL is the bare chat page.
	IsChatRoot(rawURL string) bool
}

// Tab is one browsing context. Operations on a Tab are not safe for
// concurrent use; callers serialize them per conversation.
type Tab interface {
	// ID is a stable identifier for the underlying context.
	ID() string
	URL() (string, error)
	Activate() error
	Close() error

	// Navigate loads rawURL and waits for network activity to settle.
	Navigate(ctx context.Context, rawURL string) error
	// StartConversation triggers the new-conversation action and waits for
	// the resulting navigation.
	StartConversation(ctx context.Context) error

	// LoginState inspects the signed-in indicator, waiting up to wait for it
	// to render. A zero wait checks the current document only.
	LoginState(ctx context.Context, wait time.Duration) (LoginState, error)
	Login(ctx context.Context, creds Credentials) error

	ModelIndicator(ctx context.Context) (string, error)
	// SelectModel opens the model picker, picks modelID and waits for the
	// picker to close.
	SelectModel(ctx context.Context, modelID string) error

	// EnterPrompt waits for the prompt input, clears it, types text and
	// returns the value the input holds afterwards.
	EnterPrompt(ctx context.Context, text string) (string, error)
	// Submit arms the inference capture, waits for the submit control to be
	// enabled and clicks it. The capture is armed before the click.
	Submit(ctx context.Context) (InferenceWait, error)
	// AwaitReply waits for a rendered assistant message.
	AwaitReply(ctx context.Context) error
	// ExtractReply reads the last assistant message. A missing message yields
	// a Reply with nil Content and no error.
	ExtractReply(ctx context.Context) (Reply, error)
}
