package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekFirstFrame_EventArrives(t *testing.T) {
	events := make(chan ir.Event, 1)
	errs := make(chan error, 1)
	events <- ir.Event{Type: ir.EventTextDelta, Text: "hi"}

	e, ok, err := peekFirstFrame(context.Background(), events, errs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", e.Text)
}

func TestPeekFirstFrame_ErrorBeforeFirstFrame(t *testing.T) {
	events := make(chan ir.Event)
	errs := make(chan error, 1)
	upstreamErr := errors.New("upstream 500")
	errs <- upstreamErr
	close(errs)
	close(events)

	_, ok, err := peekFirstFrame(context.Background(), events, errs)
	assert.False(t, ok)
	assert.Equal(t, upstreamErr, err)
}

func TestPeekFirstFrame_CleanEmptyStream(t *testing.T) {
	events := make(chan ir.Event)
	errs := make(chan error)
	close(events)
	close(errs)

	_, ok, err := peekFirstFrame(context.Background(), events, errs)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeekFirstFrame_ContextCancelled(t *testing.T) {
	events := make(chan ir.Event)
	errs := make(chan error)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok, err := peekFirstFrame(ctx, events, errs)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInjectSystemPrompt(t *testing.T) {
	assert.Equal(t, "", injectSystemPrompt("", ""))
	assert.Equal(t, "from request", injectSystemPrompt("", "from request"))
	assert.Equal(t, "global", injectSystemPrompt("global", ""))
	assert.Equal(t, "global\n\nfrom request", injectSystemPrompt("global", "from request"))
}
