package sampler

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"funsearch/internal/dispatch"
	"funsearch/internal/model"
)

// PromptSource is the part of the program store the sampler consumes.
// GetPrompt may block.
type PromptSource interface {
	GetPrompt(ctx context.Context) (model.Prompt, error)
}

// Generator draws a fixed number of candidates for one prompt.
type Generator interface {
	DrawSamples(ctx context.Context, prompt string) ([]string, error)
}

type Logger interface {
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Errorf(message string, args ...interface{})
}

// Config holds everything a sampling session needs. It is fixed for the
// lifetime of the session.
type Config struct {
	// ID tags submissions and metrics with the sampler that produced them.
	ID     string
	Store  PromptSource
	Client Generator
	Policy dispatch.Policy

	// MaxInFlight bounds concurrent submissions across iterations. Zero
	// means one per worker.
	MaxInFlight int
	// MaxIterations stops the sampler after that many prompts. Zero runs
	// until killed.
	MaxIterations int

	Clock   clock.Clock
	Logger  Logger
	Metrics *Collector
	NewID   func() string

	// OnSubmissionError is called once for every candidate that could not
	// be handed to a worker.
	OnSubmissionError func(sub model.Submission, err error)
}

// Validate ensures that the configuration is
// correctly populated for sampler operation.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Policy == nil {
		return errors.NotValidf("nil Policy")
	}
	if len(c.Policy.Workers()) == 0 {
		return dispatch.ErrNoWorkers
	}
	if c.MaxInFlight < 0 {
		return errors.NotValidf("negative MaxInFlight")
	}
	if c.MaxIterations < 0 {
		return errors.NotValidf("negative MaxIterations")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "sampler-0"
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = len(c.Policy.Workers())
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = loggo.GetLogger("funsearch.sampler")
	}
	if c.NewID == nil {
		c.NewID = newSubmissionID
	}
	return c
}
