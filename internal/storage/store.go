package storage

import (
	"context"

	"funsearch/internal/model"
)

// Store is the program store the sampler pulls prompts from. Evaluators and
// operators feed it through EnqueuePrompt; GetPrompt blocks until a prompt is
// available or ctx is done.
type Store interface {
	Init(ctx context.Context) error
	EnqueuePrompt(ctx context.Context, prompt model.Prompt) (model.Prompt, error)
	GetPrompt(ctx context.Context) (model.Prompt, error)
	PendingPrompts(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}
