package account

import (
	"context"
	"fmt"
	"io"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
)

// drainEvents reads body to completion through the AWS event-stream parser
// and decodes every message into ir.Events, for the non-streaming call path.
func drainEvents(body io.Reader, estimatedInputTokens int) ([]ir.Event, error) {
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)
	decoder := kiro.NewDecoder(estimatedInputTokens)

	var events []ir.Event
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			msgs, err := parser.Parse(buf[:n])
			if err != nil {
				return events, fmt.Errorf("event stream parse error: %w", err)
			}
			for _, msg := range msgs {
				if !msg.IsEvent() {
					continue
				}
				chunk, err := kiro.ParsePayload(msg.Payload)
				if err != nil {
					continue
				}
				events = append(events, decoder.Decode(chunk)...)
			}
		}
		if readErr == io.EOF {
			return events, nil
		}
		if readErr != nil {
			return events, fmt.Errorf("reading upstream body: %w", readErr)
		}
	}
}

// pumpEvents is the streaming counterpart of drainEvents: it writes decoded
// events to out as they arrive, respecting ctx cancellation.
func pumpEvents(ctx context.Context, body io.Reader, estimatedInputTokens int, out chan<- ir.Event) error {
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)
	decoder := kiro.NewDecoder(estimatedInputTokens)

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			msgs, err := parser.Parse(buf[:n])
			if err != nil {
				return fmt.Errorf("event stream parse error: %w", err)
			}
			for _, msg := range msgs {
				if !msg.IsEvent() {
					continue
				}
				chunk, err := kiro.ParsePayload(msg.Payload)
				if err != nil {
					continue
				}
				for _, ev := range decoder.Decode(chunk) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading upstream body: %w", readErr)
		}
	}
}
