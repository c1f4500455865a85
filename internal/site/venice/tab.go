package venice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/site"
)

// Tab is one venice.ai page
type Tab struct {
	site   *Site
	page   *rod.Page
	id     string
	logger *zap.Logger
}

var _ site.Tab = (*Tab)(nil)

func (t *Tab) ID() string { return t.id }

func (t *Tab) URL() (string, error) {
	info, err := t.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (t *Tab) Activate() error {
	_, err := t.page.Activate()
	return err
}

func (t *Tab) Close() error {
	return t.page.Close()
}

// Navigate loads rawURL and waits until the network is almost idle
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	p := t.page.Context(ctx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := p.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate to %s: %w", rawURL, err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for %s to settle: %w", rawURL, err)
	}
	t.logger.Debug("Navigated", zap.String("url", rawURL))
	return nil
}

// StartConversation clicks the new-chat button and waits for the
// conversation page to settle
func (t *Tab) StartConversation(ctx context.Context) error {
	p := t.page.Context(ctx)
	button, err := p.Element(t.site.selectors.NewChat)
	if err != nil {
		return fmt.Errorf("find new chat button: %w", err)
	}
	if err := button.WaitVisible(); err != nil {
		return fmt.Errorf("wait for new chat button: %w", err)
	}

	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click new chat button: %w", err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for new conversation: %w", err)
	}
	return nil
}

// LoginState reads the user badge. A badge that never renders is reported
// as unknown rather than signed out.
func (t *Tab) LoginState(ctx context.Context, wait time.Duration) (site.LoginState, error) {
	sel := t.site.selectors

	var badge *rod.Element
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		el, err := t.page.Context(waitCtx).Element(sel.UserInfo)
		if err != nil {
			if ctx.Err() != nil {
				return site.LoginUnknown, ctx.Err()
			}
			return site.LoginUnknown, nil
		}
		badge = el
	} else {
		has, el, err := t.page.Context(ctx).Has(sel.UserInfo)
		if err != nil {
			return site.LoginUnknown, err
		}
		if !has {
			return site.LoginUnknown, nil
		}
		badge = el
	}

	text, err := badge.Text()
	if err != nil {
		return site.LoginUnknown, fmt.Errorf("read user badge: %w", err)
	}
	if strings.Contains(text, sel.GuestLabel) {
		return site.LoginSignedOut, nil
	}
	return site.LoginSignedIn, nil
}

// Login fills the two-step sign-in form and waits for the redirect
func (t *Tab) Login(ctx context.Context, creds site.Credentials) error {
	if creds.Identifier == "" || creds.Secret == "" {
		return errors.New("login credentials are not configured")
	}
	if err := t.Navigate(ctx, t.site.SignInURL()); err != nil {
		return err
	}

	sel := t.site.selectors
	p := t.page.Context(ctx)

	if err := fill(p, sel.IdentifierInput, creds.Identifier); err != nil {
		return fmt.Errorf("enter identifier: %w", err)
	}
	if err := click(p, sel.IdentifierSubmit); err != nil {
		return fmt.Errorf("submit identifier: %w", err)
	}
	if err := fill(p, sel.SecretInput, creds.Secret); err != nil {
		return fmt.Errorf("enter password: %w", err)
	}

	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := click(p, sel.SecretSubmit); err != nil {
		return fmt.Errorf("submit password: %w", err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for sign-in redirect: %w", err)
	}
	t.logger.Info("Signed in")
	return nil
}

// ModelIndicator returns the model picker's label
func (t *Tab) ModelIndicator(ctx context.Context) (string, error) {
	el, err := t.page.Context(ctx).Element(t.site.selectors.ModelButton)
	if err != nil {
		return "", fmt.Errorf("find model picker: %w", err)
	}
	return el.Text()
}

// SelectModel opens the picker, clicks the option and waits for the list
// to close
func (t *Tab) SelectModel(ctx context.Context, modelID string) error {
	sel := t.site.selectors
	p := t.page.Context(ctx)

	if err := click(p, sel.ModelButton); err != nil {
		return fmt.Errorf("open model picker: %w", err)
	}
	list, err := p.Element(sel.ModelList)
	if err != nil {
		return fmt.Errorf("find model list: %w", err)
	}
	if err := list.WaitVisible(); err != nil {
		return fmt.Errorf("wait for model list: %w", err)
	}
	if err := click(p, sel.ModelOption(modelID)); err != nil {
		return fmt.Errorf("pick model %s: %w", modelID, err)
	}

	closed := `(sel) => {
		const list = document.querySelector(sel);
		return !list || window.getComputedStyle(list).visibility === 'hidden';
	}`
	if err := p.Wait(rod.Eval(closed, sel.ModelList)); err != nil {
		return fmt.Errorf("wait for model list to close: %w", err)
	}
	t.logger.Debug("Model selected", zap.String("model", modelID))
	return nil
}

// EnterPrompt clears the input, types text and reads the value back
func (t *Tab) EnterPrompt(ctx context.Context, text string) (string, error) {
	p := t.page.Context(ctx)
	input, err := p.Element(t.site.selectors.PromptInput)
	if err != nil {
		return "", fmt.Errorf("find prompt input: %w", err)
	}
	if err := input.WaitVisible(); err != nil {
		return "", fmt.Errorf("wait for prompt input: %w", err)
	}
	if err := input.WaitEnabled(); err != nil {
		return "", fmt.Errorf("wait for prompt input to be enabled: %w", err)
	}
	if err := input.Focus(); err != nil {
		return "", fmt.Errorf("focus prompt input: %w", err)
	}
	if _, err := input.Eval(`() => { this.value = '' }`); err != nil {
		return "", fmt.Errorf("clear prompt input: %w", err)
	}
	if err := input.Input(text); err != nil {
		return "", fmt.Errorf("type prompt: %w", err)
	}

	value, err := input.Property("value")
	if err != nil {
		return "", fmt.Errorf("read prompt input: %w", err)
	}
	return value.Str(), nil
}

// Submit starts capturing the inference response, then clicks send once
// it is enabled
func (t *Tab) Submit(ctx context.Context) (site.InferenceWait, error) {
	capture, err := t.captureInference()
	if err != nil {
		return nil, err
	}

	p := t.page.Context(ctx)
	button, err := p.Element(t.site.selectors.SubmitButton)
	if err == nil {
		err = button.WaitEnabled()
	}
	if err == nil {
		err = button.Click(proto.InputMouseButtonLeft, 1)
	}
	if err != nil {
		capture.cancel()
		return nil, fmt.Errorf("click send: %w", err)
	}
	return capture, nil
}

// AwaitReply waits for an assistant message to render
func (t *Tab) AwaitReply(ctx context.Context) error {
	if _, err := t.page.Context(ctx).Element(t.site.selectors.AssistantMessage); err != nil {
		return fmt.Errorf("wait for assistant message: %w", err)
	}
	return nil
}

// ExtractReply reads the last assistant message
func (t *Tab) ExtractReply(ctx context.Context) (site.Reply, error) {
	return extractReply(t.page.Context(ctx), t.site.selectors)
}

type inferenceResult struct {
	body string
	err  error
}

// inferenceCapture follows network events until the inference POST
// finishes loading
type inferenceCapture struct {
	cancel context.CancelFunc
	result chan inferenceResult
}

func (t *Tab) captureInference() (*inferenceCapture, error) {
	if err := (proto.NetworkEnable{}).Call(t.page); err != nil {
		return nil, fmt.Errorf("enable network events: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &inferenceCapture{cancel: cancel, result: make(chan inferenceResult, 1)}
	page := t.page.Context(ctx)
	path := t.site.selectors.InferencePath

	var requestID proto.NetworkRequestID
	var failure string
	wait := page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if requestID == "" && e.Request.Method == http.MethodPost && strings.Contains(e.Request.URL, path) {
				requestID = e.RequestID
			}
		},
		func(e *proto.NetworkLoadingFinished) bool {
			return requestID != "" && e.RequestID == requestID
		},
		func(e *proto.NetworkLoadingFailed) bool {
			if requestID != "" && e.RequestID == requestID {
				failure = e.ErrorText
				return true
			}
			return false
		},
	)

	go func() {
		wait()
		if ctx.Err() != nil {
			return
		}
		if failure != "" {
			c.result <- inferenceResult{err: fmt.Errorf("inference request failed: %s", failure)}
			return
		}
		res, err := proto.NetworkGetResponseBody{RequestID: requestID}.Call(page)
		if err != nil {
			c.result <- inferenceResult{err: fmt.Errorf("read inference response: %w", err)}
			return
		}
		body := res.Body
		if res.Base64Encoded {
			raw, err := base64.StdEncoding.DecodeString(body)
			if err != nil {
				c.result <- inferenceResult{err: fmt.Errorf("decode inference response: %w", err)}
				return
			}
			body = string(raw)
		}
		c.result <- inferenceResult{body: body}
	}()

	return c, nil
}

// Wait blocks until the inference response is complete or ctx ends. The
// capture is released either way.
func (c *inferenceCapture) Wait(ctx context.Context) (string, error) {
	defer c.cancel()
	select {
	case r := <-c.result:
		return r.body, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("wait for inference response: %w", ctx.Err())
	}
}

func fill(p *rod.Page, selector, value string) error {
	el, err := p.Element(selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Input(value)
}

func click(p *rod.Page, selector string) error {
	el, err := p.Element(selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}
