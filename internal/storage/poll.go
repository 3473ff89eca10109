package storage

import (
	"context"
	"time"

	"github.com/juju/clock"

	"funsearch/internal/model"
)

const DefaultPollInterval = 250 * time.Millisecond

// Options tunes the persistent backends, which have no change notification
// and poll for new prompts.
type Options struct {
	PollInterval time.Duration
	Clock        clock.Clock
}

func (o Options) normalize() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	return o
}

// pollPrompt calls pop until it yields a prompt, sleeping between empty polls.
func pollPrompt(ctx context.Context, opts Options, pop func(ctx context.Context) (model.Prompt, bool, error)) (model.Prompt, error) {
	for {
		prompt, ok, err := pop(ctx)
		if err != nil {
			return model.Prompt{}, err
		}
		if ok {
			return prompt, nil
		}
		select {
		case <-ctx.Done():
			return model.Prompt{}, ctx.Err()
		case <-opts.Clock.After(opts.PollInterval):
		}
	}
}
