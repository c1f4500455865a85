// Package automation sends prompts through a chat tab and owns the
// process-wide browser lifecycle.
package automation

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/config"
	"github.com/shehryarbajwa/venice-relay/internal/errs"
	"github.com/shehryarbajwa/venice-relay/internal/site"
	"github.com/shehryarbajwa/venice-relay/internal/transform"
	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

// DriverOptions configures a Driver
type DriverOptions struct {
	Timeouts config.Timeouts
	// StrictModelCheck fails the execution when the picker does not show
	// the requested model after selection.
	StrictModelCheck bool
	// BoundInferenceWait limits the wait for the inference response to the
	// navigation timeout. Otherwise only the caller's ctx bounds it.
	BoundInferenceWait bool
	Logger             *zap.Logger
}

// Driver runs one prompt through a tab: select the model, type, submit,
// wait and extract. Steps run strictly in order and nothing is retried.
type Driver struct {
	opts DriverOptions
	log  *zap.Logger
}

// NewDriver creates a new Driver
func NewDriver(opts DriverOptions) *Driver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{opts: opts, log: log}
}

// Run sends prompt with the named model and returns the transformed reply
func (d *Driver) Run(ctx context.Context, tab site.Tab, prompt, model string) (models.PromptResult, error) {
	modelID, err := models.ResolveModel(model)
	if err != nil {
		return models.PromptResult{}, errs.E(errs.InvalidRequest, "validate model", err)
	}
	log := d.log.With(zap.String("tab", tab.ID()), zap.String("model", modelID))

	if err := d.ensureModel(ctx, log, tab, modelID); err != nil {
		return models.PromptResult{}, err
	}

	log.Debug("Entering prompt", zap.Int("chars", len(prompt)))
	var typed string
	err = d.within(ctx, d.opts.Timeouts.Navigation, func(ctx context.Context) (err error) {
		typed, err = tab.EnterPrompt(ctx, prompt)
		return err
	})
	if err != nil {
		return models.PromptResult{}, errs.Wait("enter prompt", err, errs.PromptEntryFailed)
	}
	if typed != prompt {
		return models.PromptResult{}, errs.Errorf(errs.PromptEntryFailed, "enter prompt",
			"input holds %d chars, expected %d", len(typed), len(prompt))
	}

	var inference site.InferenceWait
	err = d.within(ctx, d.opts.Timeouts.Navigation, func(ctx context.Context) (err error) {
		inference, err = tab.Submit(ctx)
		return err
	})
	if err != nil {
		return models.PromptResult{}, errs.Wait("submit prompt", err, errs.Internal)
	}
	log.Debug("Prompt submitted")

	inferenceCtx := ctx
	if d.opts.BoundInferenceWait {
		var cancel context.CancelFunc
		inferenceCtx, cancel = context.WithTimeout(ctx, d.opts.Timeouts.Navigation)
		defer cancel()
	}
	body, err := inference.Wait(inferenceCtx)
	if err != nil {
		return models.PromptResult{}, errs.Wait("await inference response", err, errs.Internal)
	}
	log.Debug("Inference response received", zap.Int("bytes", len(body)))

	err = d.within(ctx, d.opts.Timeouts.Navigation, tab.AwaitReply)
	if err != nil {
		return models.PromptResult{}, errs.Wait("await reply", err, errs.ElementTimeout)
	}

	var reply site.Reply
	err = d.within(ctx, d.opts.Timeouts.Navigation, func(ctx context.Context) (err error) {
		reply, err = tab.ExtractReply(ctx)
		return err
	})
	if err != nil {
		return models.PromptResult{}, errs.Wait("extract reply", err, errs.Internal)
	}
	if reply.Content == nil {
		log.Warn("No assistant message found")
	}

	out, err := transform.Transform(reply.Content, reply.References)
	if err != nil {
		return models.PromptResult{}, errs.E(errs.Internal, "transform reply", err)
	}

	refs := reply.References
	if refs == nil {
		refs = []models.Reference{}
	}
	return models.PromptResult{
		Response:           out.Markdown,
		References:         refs,
		ReferencesMarkdown: out.ReferencesMarkdown,
	}, nil
}

func (d *Driver) ensureModel(ctx context.Context, log *zap.Logger, tab site.Tab, modelID string) error {
	indicator, err := d.indicator(ctx, tab)
	if err != nil {
		return err
	}
	if ModelMatches(indicator, modelID) {
		log.Debug("Model already selected")
		return nil
	}

	log.Debug("Switching model", zap.String("current", indicator))
	err = d.within(ctx, d.opts.Timeouts.Extended, func(ctx context.Context) error {
		return tab.SelectModel(ctx, modelID)
	})
	if err != nil {
		return errs.Wait("select model", err, errs.ElementTimeout)
	}

	indicator, err = d.indicator(ctx, tab)
	if err != nil {
		return err
	}
	if !ModelMatches(indicator, modelID) {
		if d.opts.StrictModelCheck {
			return errs.Errorf(errs.ModelMismatch, "select model", "picker shows %q after selecting %s", indicator, modelID)
		}
		log.Warn("Model picker does not show the requested model", zap.String("indicator", indicator))
	}
	return nil
}

func (d *Driver) indicator(ctx context.Context, tab site.Tab) (string, error) {
	var label string
	err := d.within(ctx, d.opts.Timeouts.Navigation, func(ctx context.Context) (err error) {
		label, err = tab.ModelIndicator(ctx)
		return err
	})
	if err != nil {
		return "", errs.Wait("read model indicator", err, errs.ElementTimeout)
	}
	return label, nil
}

func (d *Driver) within(ctx context.Context, timeout time.Duration, step func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return step(ctx)
}

// ModelMatches reports whether the picker label names modelID. The site
// renders ids with spaces instead of hyphens, in any case.
func ModelMatches(indicator, modelID string) bool {
	want := strings.ReplaceAll(strings.ToLower(modelID), "-", " ")
	return strings.Contains(strings.ToLower(indicator), want)
}
