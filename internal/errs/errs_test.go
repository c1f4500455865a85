package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfAndIs(t *testing.T) {
	err := E(PromptEntryFailed, "enter prompt", errors.New("value mismatch"))

	assert.Equal(t, PromptEntryFailed, KindOf(err))
	assert.True(t, errors.Is(err, ErrPromptEntryFailed))
	assert.False(t, errors.Is(err, ErrNavigationFailed))
	assert.Equal(t, "enter prompt: value mismatch", err.Error())
}

func TestKindSurvivesRewrapping(t *testing.T) {
	inner := E(LoginFailed, "fill identifier", errors.New("no field"))
	outer := E(NavigationFailed, "open session", inner)

	assert.Equal(t, LoginFailed, KindOf(outer))
	wrapped := fmt.Errorf("request: %w", outer)
	assert.True(t, errors.Is(wrapped, ErrLoginFailed))
}

func TestWaitClassifiesDeadlines(t *testing.T) {
	err := Wait("await reply", context.DeadlineExceeded, NavigationFailed)
	assert.Equal(t, ElementTimeout, KindOf(err))

	err = Wait("navigate", errors.New("net::ERR_ABORTED"), NavigationFailed)
	assert.Equal(t, NavigationFailed, KindOf(err))

	assert.NoError(t, Wait("noop", nil, Internal))
}

func TestUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestStackIncludesCallSite(t *testing.T) {
	err := E(Internal, "extract", errors.New("boom"))
	stack := Stack(err)
	require.True(t, strings.HasPrefix(stack, "extract: boom"))
	assert.Contains(t, stack, "TestStackIncludesCallSite")
}
