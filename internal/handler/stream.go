package handler

import (
	"context"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// peekFirstFrame blocks until the upstream produces its first decoded frame,
// fails, or ends without producing anything. Both proxy dialects use this to
// classify an initialization failure as a plain HTTP error before any SSE
// headers are flushed; the peek never triggers a second account acquisition.
//
// Returns (event, true, nil) when a frame arrived, (zero, false, nil) when
// the stream ended cleanly without frames, and (zero, false, err) when it
// failed before the first frame.
func peekFirstFrame(ctx context.Context, events <-chan ir.Event, errs <-chan error) (ir.Event, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return ir.Event{}, false, ctx.Err()
		case e, ok := <-events:
			if ok {
				return e, true, nil
			}
			events = nil
			if errs == nil {
				return ir.Event{}, false, nil
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return ir.Event{}, false, err
			}
			errs = nil
			if events == nil {
				return ir.Event{}, false, nil
			}
		}
	}
}

// injectSystemPrompt prepends the configured global system prompt to a
// request's own system text, concatenating with a blank line when both are
// present.
func injectSystemPrompt(global, requestSystem string) string {
	if global == "" {
		return requestSystem
	}
	if requestSystem == "" {
		return global
	}
	return global + "\n\n" + requestSystem
}
