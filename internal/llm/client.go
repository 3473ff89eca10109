package llm

import (
	"context"

	"github.com/juju/errors"
)

// ErrGeneration marks a failed generation round-trip: the backend errored,
// returned malformed output or fewer samples than requested.
const ErrGeneration = errors.ConstError("generation failed")

// Request asks a backend for N independent completions of one prompt.
type Request struct {
	Prompt string
	N      int
}

// Backend is a text-completion service. Complete performs one outbound
// request and returns the completions in no particular order.
type Backend interface {
	Complete(ctx context.Context, req Request) ([]string, error)
}

// Client draws a fixed number of samples per prompt from a Backend.
type Client struct {
	backend          Backend
	samplesPerPrompt int
}

func NewClient(backend Backend, samplesPerPrompt int) (*Client, error) {
	if backend == nil {
		return nil, errors.NotValidf("nil backend")
	}
	if samplesPerPrompt < 1 {
		return nil, errors.NotValidf("samples per prompt %d", samplesPerPrompt)
	}
	return &Client{backend: backend, samplesPerPrompt: samplesPerPrompt}, nil
}

func (c *Client) SamplesPerPrompt() int {
	return c.samplesPerPrompt
}

// DrawSamples returns exactly SamplesPerPrompt continuations of prompt or an
// error typed ErrGeneration. Short or long batches are never passed on.
func (c *Client) DrawSamples(ctx context.Context, prompt string) ([]string, error) {
	samples, err := c.backend.Complete(ctx, Request{Prompt: prompt, N: c.samplesPerPrompt})
	if err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "drawing %d samples", c.samplesPerPrompt), ErrGeneration)
	}
	if len(samples) != c.samplesPerPrompt {
		return nil, errors.WithType(
			errors.Errorf("backend returned %d of %d requested samples", len(samples), c.samplesPerPrompt),
			ErrGeneration,
		)
	}
	return samples, nil
}
